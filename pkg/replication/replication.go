// Package replication carries system-level changes (database creation and
// removal) to registered replicas, and answers routing requests.
//
// A SystemTransaction collects deltas while a session runs a system query.
// Committing it hands every delta to each replica client: SYNC replicas are
// awaited and a failure fails the commit, ASYNC replicas are fired and their
// failures only logged.
package replication

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Errors returned by the manager.
var (
	ErrReplicaExists      = errors.New("replica already registered")
	ErrReplicaNotFound    = errors.New("replica not found")
	ErrTransactionDone    = errors.New("system transaction already finished")
	ErrSyncReplicaFailed  = errors.New("sync replica failed to apply system transaction")
	ErrInvalidReplicaMode = errors.New("invalid replica mode")
)

// Mode is how the main waits for a replica.
type Mode string

const (
	ModeSync  Mode = "SYNC"
	ModeAsync Mode = "ASYNC"
)

// ParseMode parses "sync"/"async" case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(upper(s)) {
	case ModeSync:
		return ModeSync, nil
	case ModeAsync:
		return ModeAsync, nil
	}
	return "", errors.Wrapf(ErrInvalidReplicaMode, "%q", s)
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// ReplicaConfig describes one replica.
type ReplicaConfig struct {
	Name           string        `yaml:"name"`
	Endpoint       string        `yaml:"endpoint"`
	Mode           Mode          `yaml:"mode"`
	CheckFrequency time.Duration `yaml:"check_frequency"`
}

// DeltaKind identifies a system change.
type DeltaKind string

const (
	DeltaCreateDatabase DeltaKind = "CREATE_DATABASE"
	DeltaDropDatabase   DeltaKind = "DROP_DATABASE"
)

// SystemDelta is one replicated system change.
type SystemDelta struct {
	Kind      DeltaKind `json:"kind"`
	Database  string    `json:"database"`
	Epoch     string    `json:"epoch"`
	Timestamp uint64    `json:"timestamp"`
}

// Client sends system deltas to one replica.
type Client interface {
	Name() string
	Mode() Mode
	Replicate(ctx context.Context, delta SystemDelta) error
	Shutdown()
}

// Pinger is implemented by clients that support health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemTransaction collects the system deltas of one session transaction.
// It is owned by a single session and not safe for concurrent use.
type SystemTransaction struct {
	manager   *Manager
	timestamp uint64
	deltas    []SystemDelta
	done      bool
}

// Timestamp is the transaction's position in the system log.
func (tx *SystemTransaction) Timestamp() uint64 { return tx.timestamp }

// AddAction records a delta to replicate at commit.
func (tx *SystemTransaction) AddAction(kind DeltaKind, database string) {
	tx.deltas = append(tx.deltas, SystemDelta{
		Kind:      kind,
		Database:  database,
		Epoch:     tx.manager.epoch,
		Timestamp: tx.timestamp,
	})
}

// Deltas returns the recorded deltas.
func (tx *SystemTransaction) Deltas() []SystemDelta { return tx.deltas }

// Commit replicates the deltas. SYNC replicas must all acknowledge every
// delta before Commit returns.
func (tx *SystemTransaction) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTransactionDone
	}
	tx.done = true
	if len(tx.deltas) == 0 {
		return nil
	}
	return tx.manager.replicate(ctx, tx.deltas)
}

// Abort discards the deltas. It is safe to call more than once.
func (tx *SystemTransaction) Abort() {
	tx.done = true
	tx.deltas = nil
}

// Manager owns the replica clients of this instance.
type Manager struct {
	epoch string
	clock atomic.Uint64

	mu      sync.RWMutex
	clients map[string]Client

	async sync.WaitGroup
}

// NewManager creates a manager with a fresh epoch.
func NewManager() *Manager {
	return &Manager{
		epoch:   uuid.NewString(),
		clients: make(map[string]Client),
	}
}

// Epoch identifies this main's history.
func (m *Manager) Epoch() string { return m.epoch }

// Begin starts a system transaction.
func (m *Manager) Begin() *SystemTransaction {
	return &SystemTransaction{manager: m, timestamp: m.clock.Add(1)}
}

// Register adds a replica client.
func (m *Manager) Register(c Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.Name()]; ok {
		return errors.Wrapf(ErrReplicaExists, "%q", c.Name())
	}
	m.clients[c.Name()] = c
	log.WithFields(log.Fields{"replica": c.Name(), "mode": c.Mode()}).Info("[Replication] replica registered")
	return nil
}

// Unregister removes and shuts down a replica client.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	c, ok := m.clients[name]
	delete(m.clients, name)
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrReplicaNotFound, "%q", name)
	}
	c.Shutdown()
	log.WithField("replica", name).Info("[Replication] replica unregistered")
	return nil
}

// Replicas lists registered replica names in order.
func (m *Manager) Replicas() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for n := range m.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) snapshot() []Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out
}

func (m *Manager) replicate(ctx context.Context, deltas []SystemDelta) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range m.snapshot() {
		if c.Mode() == ModeAsync {
			m.async.Add(1)
			go func() {
				defer m.async.Done()
				for _, d := range deltas {
					if err := c.Replicate(context.Background(), d); err != nil {
						log.WithError(err).WithFields(log.Fields{"replica": c.Name(), "kind": d.Kind, "db": d.Database}).
							Warn("[Replication] async replica failed to apply system delta")
						return
					}
				}
			}()
			continue
		}
		g.Go(func() error {
			for _, d := range deltas {
				if err := c.Replicate(gctx, d); err != nil {
					return errors.Mark(errors.Wrapf(err, "replica %q", c.Name()), ErrSyncReplicaFailed)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// WaitAsync blocks until in-flight ASYNC replication finishes.
func (m *Manager) WaitAsync() { m.async.Wait() }

// Shutdown waits for ASYNC work and shuts every client down.
func (m *Manager) Shutdown() {
	m.async.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.clients {
		c.Shutdown()
		delete(m.clients, name)
	}
}

// RunHealthChecks pings every Pinger client at its check frequency until
// ctx is done, logging transitions between healthy and failing.
func (m *Manager) RunHealthChecks(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	healthy := map[string]bool{}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, c := range m.snapshot() {
			p, ok := c.(Pinger)
			if !ok {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, every)
			err := p.Ping(pctx)
			cancel()
			was, seen := healthy[c.Name()]
			healthy[c.Name()] = err == nil
			switch {
			case err != nil && (was || !seen):
				log.WithError(err).WithField("replica", c.Name()).Warn("[Replication] replica unreachable")
			case err == nil && seen && !was:
				log.WithField("replica", c.Name()).Info("[Replication] replica reachable again")
			}
		}
	}
}
