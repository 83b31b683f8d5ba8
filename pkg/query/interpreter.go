// Package query is the session-level query engine: it turns client requests
// into prepared executions, streams their results and drives the storage
// transaction behind them.
//
// One Interpreter serves one client session. The protocol is
//
//	Parse → Prepare → CheckAuthorized → Pull ... Pull
//
// Parse classifies the text (BEGIN, COMMIT, ROLLBACK, a system statement or
// Cypher) without touching storage. Prepare appends a query execution slot
// whose index is the qid and opens the storage transaction if the statement
// needs one. Pull runs the slot's handler for up to n rows and, when the
// statement is finished, returns its summary. Outside BEGIN ... COMMIT every
// statement commits (or aborts) at its terminal Pull.
//
// Example Usage:
//
//	qctx, _ := query.NewContext(query.ContextConfig{DBMS: manager})
//	interp := query.NewInterpreter(qctx)
//	defer interp.Close()
//
//	pr, err := interp.Parse("MATCH (n) RETURN n", nil, query.QueryExtras{})
//	if err != nil {
//		return err
//	}
//	prep, err := interp.Prepare(ctx, pr, nil, query.QueryExtras{})
//	if err != nil {
//		return err
//	}
//	if err := interp.CheckAuthorized(prep.Privileges, prep.DB); err != nil {
//		interp.Abort()
//		return err
//	}
//	rows := &query.CollectStream{}
//	summary, err := interp.Pull(ctx, rows, nil, nil)
//
// An Interpreter is owned by a single goroutine. The transaction status is
// the only field other goroutines touch: SHOW and TERMINATE TRANSACTIONS
// move it through Verifying while they inspect the transaction.
package query

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/orneryd/nornicqe/pkg/auth"
	"github.com/orneryd/nornicqe/pkg/cypher"
	"github.com/orneryd/nornicqe/pkg/memory"
	"github.com/orneryd/nornicqe/pkg/querylog"
	"github.com/orneryd/nornicqe/pkg/replication"
	"github.com/orneryd/nornicqe/pkg/sched"
	"github.com/orneryd/nornicqe/pkg/storage"
	"github.com/orneryd/nornicqe/pkg/trigger"
)

// TransactionStatus is the lifecycle state of a session's transaction.
type TransactionStatus int32

const (
	StatusIdle TransactionStatus = iota
	StatusActive
	StatusVerifying
	StatusTerminated
	StatusCommitting
	StatusRollingBack
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusActive:
		return "ACTIVE"
	case StatusVerifying:
		return "VERIFYING"
	case StatusTerminated:
		return "TERMINATED"
	case StatusCommitting:
		return "COMMITTING"
	case StatusRollingBack:
		return "ROLLING_BACK"
	}
	return "UNKNOWN"
}

// QueryHandlerResult tells Pull what to do with the transaction once a
// statement has produced its last row.
type QueryHandlerResult int

const (
	HandlerCommit QueryHandlerResult = iota
	HandlerAbort
	HandlerNothing
)

// RWType is what a statement does to the graph, as reported in summaries.
type RWType string

const (
	RWNone      RWType = ""
	RWRead      RWType = cypher.ModeRead
	RWWrite     RWType = cypher.ModeWrite
	RWReadWrite RWType = cypher.ModeReadWrite
	RWSchema    RWType = cypher.ModeSchema
)

// HandlerFunc streams up to n rows (all when n is nil) into stream. It
// returns nil while rows remain.
type HandlerFunc func(ctx context.Context, stream Stream, n *int) (*QueryHandlerResult, error)

// PreparedQuery is a statement ready to be pulled.
type PreparedQuery struct {
	Header     []string
	Privileges []auth.Privilege
	Handler    HandlerFunc
	RW         RWType
	// DB is the database the statement runs against, "" for none.
	DB       string
	Priority sched.Priority
}

// QueryExtras are the per-request options a client sends alongside a
// query or BEGIN.
type QueryExtras struct {
	// MetadataPV is user metadata attached to the transaction.
	MetadataPV map[string]any
	// TxTimeout overrides the configured transaction timeout when > 0.
	TxTimeout time.Duration
	// IsRead is the client's access mode hint.
	IsRead bool
}

// Directive is a transaction control statement.
type Directive int

const (
	DirectiveNone Directive = iota
	DirectiveBegin
	DirectiveCommit
	DirectiveRollback
)

func (d Directive) String() string {
	switch d {
	case DirectiveBegin:
		return "BEGIN"
	case DirectiveCommit:
		return "COMMIT"
	case DirectiveRollback:
		return "ROLLBACK"
	}
	return ""
}

// ParseResult is the output of Parse, consumed by Prepare.
type ParseResult struct {
	Query     string
	Directive Directive

	statement   *cypher.Statement
	system      *systemQuery
	parsingTime time.Duration
}

// PrepareResult describes a prepared statement to the client. QID is set
// only inside an explicit transaction.
type PrepareResult struct {
	Headers    []string
	Privileges []auth.Privilege
	QID        *int
	DB         string
}

// SessionInfo identifies the client session.
type SessionInfo struct {
	UUID           string
	Username       string
	LoginTimestamp string
}

// queryExecution is one slot: a prepared statement and the memory it runs
// in. The allocator is released when the slot is retired.
type queryExecution struct {
	alloc         *memory.QueryAllocator
	prepared      *PreparedQuery
	summary       map[string]any
	notifications []cypher.Notification

	// cmd is the statement's write group; undone when the statement fails.
	cmd           *storage.Command
	collectorMark int
}

func newQueryExecution(c *Context) *queryExecution {
	return &queryExecution{
		alloc:   memory.NewQueryAllocator(c.upstream, c.memOpts),
		summary: make(map[string]any),
	}
}

func (q *queryExecution) addTime(key string, d time.Duration) {
	prev, _ := q.summary[key].(float64)
	q.summary[key] = prev + d.Seconds()
}

func (q *queryExecution) close() {
	q.prepared = nil
	q.notifications = nil
	q.cmd = nil
	q.alloc.Close()
}

// txTimer flags a transaction as expired after its timeout. It is polled,
// never interrupts.
type txTimer struct {
	timer   *time.Timer
	expired atomic.Bool
}

func newTxTimer(d time.Duration) *txTimer {
	t := &txTimer{}
	t.timer = time.AfterFunc(d, func() { t.expired.Store(true) })
	return t
}

func (t *txTimer) Expired() bool { return t != nil && t.expired.Load() }

func (t *txTimer) Stop() {
	if t != nil {
		t.timer.Stop()
	}
}

// Interpreter executes the queries of one session.
type Interpreter struct {
	ctx      *Context
	id       string
	queryLog *querylog.Session
	info     SessionInfo

	inExplicitTransaction bool
	expectRollback        bool
	currentDB             CurrentDB

	// status is shared with other sessions. currentTx, hasTx and metadata
	// change only while status is neither Active nor Verifying.
	status    atomic.Int32
	currentTx uint64
	hasTx     bool
	metadata  map[string]any
	timeout   *txTimer

	// readOnlyTx is the client's access mode for the transaction.
	readOnlyTx bool

	executions []*queryExecution
	systemTx   *replication.SystemTransaction

	sessionIsolation *storage.IsolationLevel
	nextIsolation    *storage.IsolationLevel

	onChange func(db string)

	mu      sync.Mutex
	user    *auth.User
	queries []string
}

// NewInterpreter creates a session bound to the default database.
func NewInterpreter(c *Context) *Interpreter {
	i := &Interpreter{ctx: c, id: uuid.NewString()}
	i.info.UUID = i.id
	if c.queryLog != nil {
		i.queryLog = c.queryLog.Session(i.id)
	}
	if db := c.dbms.Default(); db != nil {
		i.currentDB.SetCurrentDB(db, false)
		i.queryLog.SetDB(db.Name())
	}
	c.register(i)
	return i
}

// Close aborts whatever is open and leaves the registry.
func (i *Interpreter) Close() {
	i.Abort()
	i.ctx.unregister(i)
}

// ID returns the session id.
func (i *Interpreter) ID() string { return i.id }

func (i *Interpreter) logger() *log.Entry {
	fields := log.Fields{"session": i.id, "db": i.currentDB.Name()}
	if u := i.User(); u != nil {
		fields["user"] = u.Username
	}
	if i.hasTx {
		fields["tx"] = i.currentTx
	}
	return log.WithFields(fields)
}

// Status returns the transaction status.
func (i *Interpreter) Status() TransactionStatus { return TransactionStatus(i.status.Load()) }

// InExplicitTransaction reports whether BEGIN is in effect.
func (i *Interpreter) InExplicitTransaction() bool { return i.inExplicitTransaction }

// CurrentDB exposes the database binding.
func (i *Interpreter) CurrentDB() *CurrentDB { return &i.currentDB }

// Parse classifies text. It never opens storage. Outside an explicit
// transaction every non-directive statement starts a new interpreter
// transaction (an id, metadata and a timeout) here.
func (i *Interpreter) Parse(text string, params map[string]any, extras QueryExtras) (*ParseResult, error) {
	if !i.inExplicitTransaction {
		if i.activeExecutions() > 0 || i.Status() != StatusIdle {
			// The previous implicit statement was never pulled to the end,
			// or was parsed and never prepared.
			i.Abort()
		}
		i.clearQueries()
	}
	i.appendQuery(text)

	switch strings.ToUpper(strings.TrimSuffix(strings.TrimSpace(text), ";")) {
	case "BEGIN":
		return &ParseResult{Query: text, Directive: DirectiveBegin}, nil
	case "COMMIT":
		return &ParseResult{Query: text, Directive: DirectiveCommit}, nil
	case "ROLLBACK":
		return &ParseResult{Query: text, Directive: DirectiveRollback}, nil
	}

	if !i.inExplicitTransaction {
		if err := i.setupInterpreterTransaction(extras); err != nil {
			i.failPrepare(err)
			i.abortCommand(-1)
			return nil, err
		}
	}
	i.logQuery("Query ["+text+"] associated with transaction ["+i.txIDString()+"]", params)

	start := time.Now()
	pr := &ParseResult{Query: text}
	sys, err := parseSystemQuery(text)
	if err == nil && sys == nil {
		pr.statement, err = i.ctx.parseCypher(text)
	}
	if err != nil {
		i.failPrepare(err)
		i.abortCommand(-1)
		return nil, err
	}
	pr.system = sys
	pr.parsingTime = time.Since(start)
	return pr, nil
}

// Prepare appends a slot for pr. Statements that need the database open
// the storage transaction now; execution starts at the first Pull.
func (i *Interpreter) Prepare(ctx context.Context, pr *ParseResult, params map[string]any, extras QueryExtras) (*PrepareResult, error) {
	if pr == nil {
		panic(errors.AssertionFailedf("prepare called without a parse result"))
	}
	if i.inExplicitTransaction && i.expectRollback && pr.Directive != DirectiveRollback && pr.Directive != DirectiveCommit {
		return nil, errors.WithHint(
			explicitTxUsage("Transaction can't be continued because of previous errors."),
			"invoke ROLLBACK")
	}

	priority := i.ApproximateNextQueryPriority()
	var qid *int
	if i.inExplicitTransaction {
		q := len(i.executions)
		qid = &q
	}
	slot := newQueryExecution(i.ctx)
	i.executions = append(i.executions, slot)
	idx := len(i.executions) - 1

	if pr.Directive != DirectiveNone {
		slot.prepared = i.prepareTransactionQuery(pr.Directive, extras)
		slot.prepared.Priority = priority
		return &PrepareResult{Headers: slot.prepared.Header, QID: qid}, nil
	}

	start := time.Now()
	var pq *PreparedQuery
	var err error
	switch {
	case pr.system != nil:
		pq, err = i.prepareSystemQuery(pr.system, slot)
	case pr.statement.Schema != nil:
		pq, err = i.prepareConstraintQuery(pr.statement, slot)
	default:
		pq, err = i.prepareCypherQuery(pr.statement, params, extras, slot)
	}
	if err != nil {
		i.failPrepare(err)
		i.abortCommand(idx)
		return nil, err
	}
	pq.Priority = priority
	slot.prepared = pq
	slot.summary["parsing_time"] = pr.parsingTime.Seconds()
	slot.summary["planning_time"] = time.Since(start).Seconds()
	return &PrepareResult{Headers: pq.Header, Privileges: pq.Privileges, QID: qid, DB: pq.DB}, nil
}

func (i *Interpreter) failPrepare(err error) {
	i.logQuery(err.Error(), nil)
	metricFailedQuery.Inc()
	metricFailedPrepare.Inc()
}

// Pull streams up to n rows (all when n is nil) of the statement qid (the
// last one when nil; only allowed inside an explicit transaction). The
// result always has "has_more"; the full summary comes with the terminal
// call.
func (i *Interpreter) Pull(ctx context.Context, stream Stream, n, qid *int) (map[string]any, error) {
	if qid != nil && !i.inExplicitTransaction {
		panic(errors.AssertionFailedf("qid can only be used in an explicit transaction"))
	}
	idx := len(i.executions) - 1
	if qid != nil {
		idx = *qid
	}
	if idx < 0 || idx >= len(i.executions) {
		return nil, invalidArgument("qid", "Query with specified ID does not exist!")
	}
	if n != nil && *n < 0 {
		return nil, invalidArgument("n", "Cannot fetch negative number of results!")
	}
	slot := i.executions[idx]
	if slot == nil || slot.prepared == nil {
		panic(errors.AssertionFailedf("query %d already finished executing", idx))
	}

	summary, err := i.pull(ctx, slot, idx, stream, n)
	if err != nil {
		i.logQuery(err.Error(), nil)
		if errors.Is(err, ErrExplicitTransactionUsage) {
			i.retire(idx)
			return nil, err
		}
		i.logger().WithError(err).Debug("[Interpreter] query failed")
		metricFailedQuery.Inc()
		metricFailedPull.Inc()
		i.abortCommand(idx)
		return nil, err
	}
	if summary == nil {
		return map[string]any{"has_more": true}, nil
	}
	metricSuccessfulQuery.Inc()
	summary["has_more"] = false
	return summary, nil
}

func (i *Interpreter) pull(ctx context.Context, slot *queryExecution, idx int, stream Stream, n *int) (map[string]any, error) {
	res, err := slot.prepared.Handler(ctx, stream, n)
	if err != nil || res == nil {
		return nil, err
	}

	summary := slot.summary
	if len(slot.notifications) > 0 {
		list := make([]any, len(slot.notifications))
		for k, note := range slot.notifications {
			list[k] = map[string]any{
				"code":        note.Code,
				"title":       note.Title,
				"description": note.Description,
				"severity":    note.Severity,
			}
		}
		summary["notifications"] = list
	}

	if i.inExplicitTransaction {
		i.retire(idx)
		return summary, nil
	}
	switch *res {
	case HandlerCommit:
		if err := i.commit(ctx); err != nil {
			return nil, err
		}
	case HandlerAbort:
		i.Abort()
	case HandlerNothing:
		if i.currentDB.Accessor() != nil {
			panic(errors.AssertionFailedf("statement finished with nothing to do but a storage transaction is open"))
		}
		i.endTransaction(StatusCommitting)
	}
	i.resetInterpreter()
	return summary, nil
}

// BeginTransaction starts an explicit transaction.
func (i *Interpreter) BeginTransaction(extras QueryExtras) error {
	if !i.inExplicitTransaction {
		i.Abort()
	}
	_, err := i.prepareTransactionQuery(DirectiveBegin, extras).Handler(context.Background(), DiscardStream{}, nil)
	return err
}

// CommitTransaction commits the explicit transaction.
func (i *Interpreter) CommitTransaction(ctx context.Context) error {
	_, err := i.prepareTransactionQuery(DirectiveCommit, QueryExtras{}).Handler(ctx, DiscardStream{}, nil)
	i.resetInterpreter()
	return err
}

// RollbackTransaction discards the explicit transaction.
func (i *Interpreter) RollbackTransaction() error {
	_, err := i.prepareTransactionQuery(DirectiveRollback, QueryExtras{}).Handler(context.Background(), DiscardStream{}, nil)
	i.resetInterpreter()
	return err
}

func (i *Interpreter) prepareTransactionQuery(d Directive, extras QueryExtras) *PreparedQuery {
	nothing := HandlerNothing
	pq := &PreparedQuery{}
	switch d {
	case DirectiveBegin:
		pq.Handler = func(context.Context, Stream, *int) (*QueryHandlerResult, error) {
			if i.inExplicitTransaction {
				return nil, explicitTxUsage("Nested transactions are not supported.")
			}
			if i.currentDB.Database() == nil {
				return nil, errors.WithHint(ErrDatabaseNotSelected, "run USE DATABASE first")
			}
			if err := i.setupInterpreterTransaction(extras); err != nil {
				return nil, err
			}
			i.inExplicitTransaction = true
			i.expectRollback = false
			return &nothing, nil
		}
	case DirectiveCommit:
		pq.Handler = func(ctx context.Context, _ Stream, _ *int) (*QueryHandlerResult, error) {
			if !i.inExplicitTransaction {
				return nil, explicitTxUsage("No current transaction to commit.")
			}
			if i.expectRollback {
				return nil, errors.WithHint(
					explicitTxUsage("Transaction can't be committed because there was a previous error."),
					"invoke ROLLBACK instead")
			}
			if err := i.commit(ctx); err != nil {
				return nil, err
			}
			return &nothing, nil
		}
	case DirectiveRollback:
		pq.Handler = func(context.Context, Stream, *int) (*QueryHandlerResult, error) {
			if !i.inExplicitTransaction {
				return nil, explicitTxUsage("No current transaction to rollback.")
			}
			i.rollback()
			return &nothing, nil
		}
	default:
		panic(errors.AssertionFailedf("unknown directive %d", d))
	}
	return pq
}

// setupInterpreterTransaction gives the session a new transaction id,
// metadata and timeout, and marks it Active.
func (i *Interpreter) setupInterpreterTransaction(extras QueryExtras) error {
	if err := storage.CheckMetadata(extras.MetadataPV); err != nil {
		return err
	}
	if s := i.Status(); s != StatusIdle {
		panic(errors.AssertionFailedf("starting a transaction while status is %s", s))
	}
	i.currentTx = i.ctx.nextTxID()
	i.hasTx = true
	i.readOnlyTx = extras.IsRead
	i.metadata = nil
	if len(extras.MetadataPV) > 0 {
		i.metadata = copyMap(extras.MetadataPV)
	}
	timeout := extras.TxTimeout
	if timeout <= 0 {
		timeout = i.ctx.txTimeout
	}
	if timeout > 0 {
		i.timeout = newTxTimer(timeout)
	}
	metricActiveTransactions.Inc()
	i.status.Store(int32(StatusActive))
	return nil
}

// setupDatabaseTransaction opens the storage transaction on first use.
func (i *Interpreter) setupDatabaseTransaction(couldCommit bool, access storage.AccessType) error {
	if i.currentDB.Database() == nil {
		return errors.WithHint(ErrDatabaseNotSelected, "run USE DATABASE first")
	}
	fresh := i.currentDB.Accessor() == nil
	var override *storage.IsolationLevel
	if fresh {
		override = i.isolationOverride()
	}
	if err := i.currentDB.SetupDatabaseTransaction(override, couldCommit, access); err != nil {
		return err
	}
	if fresh && len(i.metadata) > 0 {
		return i.currentDB.Accessor().SetMetadata(i.metadata)
	}
	return nil
}

// isolationOverride consumes the NEXT isolation level, falling back to the
// SESSION one.
func (i *Interpreter) isolationOverride() *storage.IsolationLevel {
	if next := i.nextIsolation; next != nil {
		i.nextIsolation = nil
		return next
	}
	return i.sessionIsolation
}

// SetNextTransactionIsolationLevel applies level to the next transaction
// only.
func (i *Interpreter) SetNextTransactionIsolationLevel(level storage.IsolationLevel) {
	i.nextIsolation = &level
}

// SetSessionIsolationLevel applies level to every later transaction of the
// session.
func (i *Interpreter) SetSessionIsolationLevel(level storage.IsolationLevel) {
	i.sessionIsolation = &level
}

// transition moves an Active transaction to next, waiting while another
// session is verifying it. It returns the status found when the move is
// not possible.
func (i *Interpreter) transition(next TransactionStatus) (TransactionStatus, bool) {
	for {
		if i.status.CompareAndSwap(int32(StatusActive), int32(next)) {
			return next, true
		}
		cur := i.Status()
		if cur != StatusVerifying {
			return cur, false
		}
		runtime.Gosched()
	}
}

// endTransaction closes the interpreter transaction of a statement that
// left nothing to commit.
func (i *Interpreter) endTransaction(via TransactionStatus) {
	if cur, ok := i.transition(via); !ok && cur == StatusTerminated {
		i.status.Store(int32(via))
	}
	i.releaseTransaction()
}

// releaseTransaction drops the per-transaction state. The status must not
// be Active or Verifying.
func (i *Interpreter) releaseTransaction() {
	i.timeout.Stop()
	i.timeout = nil
	if i.hasTx {
		metricActiveTransactions.Dec()
	}
	i.hasTx = false
	i.currentTx = 0
	i.metadata = nil
	i.readOnlyTx = false
	i.status.Store(int32(StatusIdle))
}

// commit finalizes storage and the system transaction together. On any
// failure the whole transaction is discarded. AFTER COMMIT triggers run
// in the background once the data is durable.
func (i *Interpreter) commit(ctx context.Context) error {
	db := i.currentDB.Database()
	acc := i.currentDB.Accessor()

	var events []trigger.Event
	if collector := i.currentDB.Collector(); acc != nil && collector != nil {
		events = collector.Events()
		if err := db.Triggers().RunBeforeCommit(ctx, db.Name(), acc.NewCommand(nil), events); err != nil {
			i.rollback()
			return err
		}
	}

	if cur, ok := i.transition(StatusCommitting); !ok {
		if cur != StatusTerminated {
			panic(errors.AssertionFailedf("commit with transaction status %s", cur))
		}
		i.rollback()
		return errors.WithHint(ErrTransactionTerminated, "the transaction was terminated by another session")
	}

	if acc != nil {
		if err := acc.Commit(); err != nil {
			i.discardTransaction()
			return err
		}
	}
	if i.systemTx != nil {
		stx := i.systemTx
		i.systemTx = nil
		if err := stx.Commit(ctx); err != nil {
			i.discardTransaction()
			return err
		}
	}

	if len(events) > 0 && len(db.Triggers().List(trigger.AfterCommit)) > 0 {
		st, iso := db.Storage(), acc.IsolationLevel()
		i.ctx.afterCommit.Add(1)
		go func() {
			defer i.ctx.afterCommit.Done()
			db.Triggers().RunAfterCommit(context.Background(), st, iso, events)
		}()
	}

	i.currentDB.CleanupDBTransaction(false)
	i.inExplicitTransaction = false
	i.expectRollback = false
	metricCommittedTransactions.Inc()
	i.releaseTransaction()
	return nil
}

// rollback discards the open transaction but keeps the slots.
func (i *Interpreter) rollback() {
	if cur, ok := i.transition(StatusRollingBack); !ok && cur != StatusIdle {
		i.status.Store(int32(StatusRollingBack))
	}
	i.discardTransaction()
}

func (i *Interpreter) discardTransaction() {
	if i.systemTx != nil {
		i.systemTx.Abort()
		i.systemTx = nil
	}
	i.currentDB.CleanupDBTransaction(true)
	i.inExplicitTransaction = false
	i.expectRollback = false
	if i.hasTx {
		metricRolledBackTransactions.Inc()
	}
	i.releaseTransaction()
}

// Abort discards the open transaction, system transaction and every slot.
// It never fails and may be called repeatedly.
func (i *Interpreter) Abort() {
	i.rollback()
	i.resetInterpreter()
}

// abortCommand undoes the writes of the failed statement idx (-1 for a
// statement that never got a slot) and retires it. Inside an explicit
// transaction the client must then roll back; otherwise everything is
// aborted.
func (i *Interpreter) abortCommand(idx int) {
	if idx >= 0 && idx < len(i.executions) {
		if slot := i.executions[idx]; slot != nil && slot.cmd != nil {
			if err := slot.cmd.Abort(); err != nil {
				i.logger().WithError(err).Warn("[Interpreter] failed to undo statement")
			}
			if c := i.currentDB.Collector(); c != nil {
				c.Truncate(slot.collectorMark)
			}
		}
		i.retire(idx)
	}
	if i.inExplicitTransaction {
		i.expectRollback = true
		return
	}
	i.Abort()
}

func (i *Interpreter) retire(idx int) {
	if idx < 0 || idx >= len(i.executions) {
		return
	}
	if slot := i.executions[idx]; slot != nil {
		slot.close()
		i.executions[idx] = nil
	}
}

// resetInterpreter forgets every slot after a transaction ended. A session
// still bound to a database being dropped lets go of it here.
func (i *Interpreter) resetInterpreter() {
	for _, slot := range i.executions {
		if slot != nil {
			slot.close()
		}
	}
	i.executions = nil
	if i.systemTx != nil {
		i.systemTx.Abort()
		i.systemTx = nil
	}
	i.clearQueries()
	if db := i.currentDB.Database(); db != nil && db.IsDeleting() && i.currentDB.Accessor() == nil {
		i.currentDB.ResetDB()
		i.queryLog.ResetDB()
	}
}

func (i *Interpreter) activeExecutions() int {
	n := 0
	for _, slot := range i.executions {
		if slot != nil && slot.prepared != nil {
			n++
		}
	}
	return n
}

// stopChecker is polled by cursors at every row.
func (i *Interpreter) stopChecker() func() error {
	timer := i.timeout
	return func() error {
		if i.Status() == StatusTerminated {
			return errors.WithHint(ErrTransactionTerminated, "the transaction was terminated by another session")
		}
		if timer.Expired() {
			return errors.WithHint(ErrTransactionTimeout, "raise tx_timeout or split the work into smaller transactions")
		}
		return nil
	}
}

// verify runs fn on an Active transaction while holding it in Verifying,
// so its owner cannot finish it meanwhile. If fn returns true the
// transaction is marked Terminated.
func (i *Interpreter) verify(fn func(txID uint64, username string) bool) {
	if !i.status.CompareAndSwap(int32(StatusActive), int32(StatusVerifying)) {
		return
	}
	next := StatusActive
	if i.hasTx && fn(i.currentTx, usernameOf(i.User())) {
		next = StatusTerminated
	}
	i.status.Store(int32(next))
}

// GetTransactionID returns the id of the open transaction.
func (i *Interpreter) GetTransactionID() (uint64, bool) {
	return i.currentTx, i.hasTx
}

func (i *Interpreter) txIDString() string {
	if !i.hasTx {
		return ""
	}
	return strconv.FormatUint(i.currentTx, 10)
}

// GetQueryPriority returns the priority of statement qid (the last one when
// nil).
func (i *Interpreter) GetQueryPriority(qid *int) (sched.Priority, error) {
	idx := len(i.executions) - 1
	if qid != nil {
		idx = *qid
	}
	if idx < 0 || idx >= len(i.executions) || i.executions[idx] == nil || i.executions[idx].prepared == nil {
		return sched.PriorityLow, invalidArgument("qid", "Query with specified ID does not exist!")
	}
	return i.executions[idx].prepared.Priority, nil
}

// ApproximateNextQueryPriority guesses the priority of the next request
// before it is parsed: LOW inside an explicit transaction, otherwise the
// priority of the pending statement, HIGH when there is none.
func (i *Interpreter) ApproximateNextQueryPriority() sched.Priority {
	if i.inExplicitTransaction {
		return sched.PriorityLow
	}
	if len(i.executions) == 0 {
		return sched.PriorityHigh
	}
	if last := i.executions[len(i.executions)-1]; last != nil && last.prepared != nil {
		return last.prepared.Priority
	}
	return sched.PriorityHigh
}

// CheckAuthorized fails with ErrUnauthorized if the session user lacks
// privs on db (the current database when empty).
func (i *Interpreter) CheckAuthorized(privs []auth.Privilege, db string) error {
	if db == "" {
		db = i.currentDB.Name()
	}
	if i.ctx.auth.IsAuthorized(i.User(), privs, db) {
		return nil
	}
	return errors.WithHint(
		errors.Mark(errors.Newf("you are not authorized to execute this query on database %q", db), ErrUnauthorized),
		"contact your database administrator")
}

// SetCurrentDB binds the session to the database called name, or to the
// default database when name is empty.
func (i *Interpreter) SetCurrentDB(name string, explicit bool) error {
	if name == "" {
		name = i.ctx.dbms.DefaultName()
		explicit = false
	}
	if i.currentDB.Name() == name {
		i.currentDB.InExplicitDB = explicit
		return nil
	}
	if i.inExplicitTransaction || i.currentDB.Accessor() != nil {
		return explicitTxUsage("Cannot change the database inside a transaction.")
	}
	db, err := i.ctx.dbms.Get(name)
	if err != nil {
		return err
	}
	i.currentDB.SetCurrentDB(db, explicit)
	i.queryLog.SetDB(name)
	if i.onChange != nil {
		i.onChange(name)
	}
	return nil
}

// ResetDB unbinds the session.
func (i *Interpreter) ResetDB() {
	i.currentDB.ResetDB()
	i.queryLog.ResetDB()
}

// OnDatabaseChange registers fn to be told when the bound database changes.
func (i *Interpreter) OnDatabaseChange(fn func(db string)) { i.onChange = fn }

// Route returns the routing table for the current database.
func (i *Interpreter) Route(ctx context.Context, routing map[string]string) (*replication.RoutingTable, error) {
	return i.ctx.coordinator.Route(ctx, routing, i.currentDB.Name())
}

// SetSessionInfo records who the session belongs to.
func (i *Interpreter) SetSessionInfo(id, username, loginTimestamp string) {
	i.info = SessionInfo{UUID: id, Username: username, LoginTimestamp: loginTimestamp}
}

// SessionInfo returns what SetSessionInfo recorded.
func (i *Interpreter) SessionInfo() SessionInfo { return i.info }

// SetUser sets the identity queries are authorized against.
func (i *Interpreter) SetUser(user *auth.User) {
	i.mu.Lock()
	i.user = user
	i.mu.Unlock()
	if user != nil {
		i.queryLog.SetUser(user.Username)
	} else {
		i.queryLog.ResetUser()
	}
}

// ResetUser clears the identity.
func (i *Interpreter) ResetUser() { i.SetUser(nil) }

// User returns the current identity, nil when unauthenticated.
func (i *Interpreter) User() *auth.User {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.user
}

// GetQueries returns the texts run in the current transaction.
func (i *Interpreter) GetQueries() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.queries...)
}

func (i *Interpreter) appendQuery(text string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.queries = append(i.queries, text)
}

func (i *Interpreter) clearQueries() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.queries = nil
}

// IsQueryLoggingActive reports whether LogQueryMessage writes anything.
func (i *Interpreter) IsQueryLoggingActive() bool { return i.queryLog.Active() }

// LogQueryMessage writes msg to the query log, tagged with the session,
// user, database and transaction.
func (i *Interpreter) LogQueryMessage(msg string) { i.logQuery(msg, nil) }

func (i *Interpreter) logQuery(msg string, params map[string]any) {
	if !i.queryLog.Active() {
		return
	}
	fields := log.Fields{}
	if i.hasTx {
		fields["tx"] = i.txIDString()
	}
	if len(params) > 0 {
		fields["params"] = params
	}
	i.queryLog.Log(msg, fields)
}
