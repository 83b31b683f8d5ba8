package query

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/orneryd/nornicqe/pkg/auth"
	"github.com/orneryd/nornicqe/pkg/cache"
	"github.com/orneryd/nornicqe/pkg/cypher"
	"github.com/orneryd/nornicqe/pkg/dbms"
	"github.com/orneryd/nornicqe/pkg/memory"
	"github.com/orneryd/nornicqe/pkg/querylog"
	"github.com/orneryd/nornicqe/pkg/replication"
)

// ContextConfig wires the collaborators shared by every interpreter.
type ContextConfig struct {
	// DBMS is required.
	DBMS *dbms.Manager

	// Auth decides query privileges. Nil allows everything.
	Auth auth.Checker

	// Upstream bounds the memory of all running queries. Nil means
	// unlimited.
	Upstream *memory.Upstream

	// Memory configures the per-query allocators.
	Memory memory.Options

	// Coordinator answers ROUTE. Nil routes everything to AdvertisedAddress.
	Coordinator       replication.Coordinator
	AdvertisedAddress string

	// Replication receives system transactions. Nil creates a manager with
	// no replicas.
	Replication *replication.Manager

	// QueryLog is optional.
	QueryLog *querylog.Logger

	// TransactionTimeout applies when the client sends none; 0 disables it.
	TransactionTimeout time.Duration

	PlanCacheSize int
	PlanCacheTTL  time.Duration
}

// Context is shared by all interpreters of a server: the databases, the
// collaborators and the registry of live sessions used by SHOW and
// TERMINATE TRANSACTIONS.
type Context struct {
	dbms        *dbms.Manager
	auth        auth.Checker
	upstream    *memory.Upstream
	memOpts     memory.Options
	coordinator replication.Coordinator
	replication *replication.Manager
	queryLog    *querylog.Logger
	txTimeout   time.Duration
	plans       *cache.Cache[string, *cypher.Statement]

	txIDs atomic.Uint64

	mu           sync.Mutex
	interpreters map[*Interpreter]struct{}

	afterCommit sync.WaitGroup
}

// NewContext validates cfg and fills in defaults.
func NewContext(cfg ContextConfig) (*Context, error) {
	if cfg.DBMS == nil {
		return nil, errors.New("query context requires a database manager")
	}
	c := &Context{
		dbms:         cfg.DBMS,
		auth:         cfg.Auth,
		upstream:     cfg.Upstream,
		memOpts:      cfg.Memory,
		coordinator:  cfg.Coordinator,
		replication:  cfg.Replication,
		queryLog:     cfg.QueryLog,
		txTimeout:    cfg.TransactionTimeout,
		plans:        cache.New[string, *cypher.Statement](cfg.PlanCacheSize, cfg.PlanCacheTTL),
		interpreters: make(map[*Interpreter]struct{}),
	}
	if c.auth == nil {
		c.auth = auth.AllowAll{}
	}
	if c.upstream == nil {
		c.upstream = memory.NewUpstream(0)
	}
	if c.memOpts == (memory.Options{}) {
		c.memOpts = memory.DefaultOptions()
	}
	if c.coordinator == nil {
		addr := cfg.AdvertisedAddress
		if addr == "" {
			addr = "localhost:7687"
		}
		c.coordinator = replication.SingleInstance{Address: addr}
	}
	if c.replication == nil {
		c.replication = replication.NewManager()
	}
	return c, nil
}

// DBMS returns the database manager.
func (c *Context) DBMS() *dbms.Manager { return c.dbms }

// Upstream returns the shared query memory resource.
func (c *Context) Upstream() *memory.Upstream { return c.upstream }

// Replication returns the replication manager.
func (c *Context) Replication() *replication.Manager { return c.replication }

// PlanCacheStats reports plan cache effectiveness.
func (c *Context) PlanCacheStats() cache.Stats { return c.plans.Stats() }

func (c *Context) nextTxID() uint64 { return c.txIDs.Add(1) }

// parseCypher returns the cached statement for text, parsing it on a miss.
// Failed parses are not cached.
func (c *Context) parseCypher(text string) (*cypher.Statement, error) {
	if st, ok := c.plans.Get(text); ok {
		return st, nil
	}
	st, err := cypher.Parse(text)
	if err != nil {
		return nil, err
	}
	c.plans.Put(text, st)
	return st, nil
}

func (c *Context) register(i *Interpreter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interpreters[i] = struct{}{}
}

func (c *Context) unregister(i *Interpreter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.interpreters, i)
}

// Sessions returns the number of live interpreters.
func (c *Context) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.interpreters)
}

func (c *Context) snapshot() []*Interpreter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Keys(c.interpreters)
}

func (c *Context) mayManageTransactions(user *auth.User) bool {
	return c.auth.IsAuthorized(user, []auth.Privilege{auth.PrivTransactionManagement}, "")
}

// ShowTransactions lists the open transactions caller may see: all of them
// with TRANSACTION_MANAGEMENT, otherwise only those of the same user. Rows
// are username, transaction_id, query and metadata.
func (c *Context) ShowTransactions(caller *Interpreter) [][]any {
	user := caller.User()
	manage := c.mayManageTransactions(user)

	type row struct {
		id     uint64
		values []any
	}
	var rows []row
	for _, in := range c.snapshot() {
		in.verify(func(txID uint64, username string) bool {
			if !manage && username != usernameOf(user) {
				return false
			}
			var name any
			if username != "" {
				name = username
			}
			rows = append(rows, row{id: txID, values: []any{
				name,
				strconv.FormatUint(txID, 10),
				lo.Map(in.GetQueries(), func(q string, _ int) any { return q }),
				copyMap(in.metadata),
			}})
			return false
		})
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].id < rows[b].id })
	return lo.Map(rows, func(r row, _ int) []any { return r.values })
}

// TerminateTransactions asks the transactions with the given ids to abort.
// They stop at their next checkpoint. The caller's own transaction is
// never terminated. Rows are transaction_id and killed.
func (c *Context) TerminateTransactions(caller *Interpreter, ids []string) [][]any {
	user := caller.User()
	manage := c.mayManageTransactions(user)

	killed := make(map[string]bool, len(ids))
	for _, in := range c.snapshot() {
		if in == caller {
			continue
		}
		in.verify(func(txID uint64, username string) bool {
			id := strconv.FormatUint(txID, 10)
			if !lo.Contains(ids, id) || (!manage && username != usernameOf(user)) {
				return false
			}
			killed[id] = true
			log.WithFields(log.Fields{"tx": id, "by": usernameOf(user)}).Info("[Interpreter] transaction terminated")
			return true
		})
	}
	return lo.Map(ids, func(id string, _ int) []any { return []any{id, killed[id]} })
}

// Shutdown terminates every open transaction and waits for running AFTER
// COMMIT triggers.
func (c *Context) Shutdown() {
	for _, in := range c.snapshot() {
		in.verify(func(uint64, string) bool { return true })
	}
	c.afterCommit.Wait()
}

// WaitAfterCommit blocks until running AFTER COMMIT triggers finish.
func (c *Context) WaitAfterCommit() { c.afterCommit.Wait() }

func usernameOf(u *auth.User) string {
	if u == nil {
		return ""
	}
	return u.Username
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
