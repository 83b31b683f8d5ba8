package replication

import (
	"context"
)

// DefaultRoutingTTL is how long, in seconds, drivers may cache a routing
// table.
const DefaultRoutingTTL = 300

// Server roles in a routing table.
const (
	RoleRoute = "ROUTE"
	RoleRead  = "READ"
	RoleWrite = "WRITE"
)

// RoutingTable tells a driver where to send reads and writes.
type RoutingTable struct {
	TTL     int
	DB      string
	Routers []string
	Readers []string
	Writers []string
}

// Servers renders the table the way the Bolt ROUTE response expects it.
func (rt *RoutingTable) Servers() []any {
	var out []any
	add := func(role string, addrs []string) {
		if len(addrs) == 0 {
			return
		}
		list := make([]any, len(addrs))
		for i, a := range addrs {
			list[i] = a
		}
		out = append(out, map[string]any{"addresses": list, "role": role})
	}
	add(RoleRoute, rt.Routers)
	add(RoleRead, rt.Readers)
	add(RoleWrite, rt.Writers)
	return out
}

// Coordinator answers routing requests. Clustered deployments plug in their
// own implementation.
type Coordinator interface {
	Route(ctx context.Context, routing map[string]string, db string) (*RoutingTable, error)
}

// SingleInstance routes everything to this server.
type SingleInstance struct {
	// Address is the advertised Bolt address, host:port.
	Address string
}

// Route returns this instance as router, reader and writer.
func (s SingleInstance) Route(_ context.Context, _ map[string]string, db string) (*RoutingTable, error) {
	self := []string{s.Address}
	return &RoutingTable{
		TTL:     DefaultRoutingTTL,
		DB:      db,
		Routers: self,
		Readers: self,
		Writers: self,
	}, nil
}
