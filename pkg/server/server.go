// Package server provides the HTTP API for nornicqe.
//
// It implements the Neo4j HTTP transaction endpoints on top of the same
// query interpreters the Bolt server uses, plus operational endpoints:
//
//	GET    /                              discovery
//	GET    /health                        liveness
//	GET    /status                        sessions, memory and plan cache
//	GET    /metrics                       Prometheus metrics
//	POST   /replication/system            replica side of system replication
//	GET    /db/{name}                     database info
//	POST   /db/{name}/tx/commit           run statements and commit
//	POST   /db/{name}/tx                  open a transaction
//	POST   /db/{name}/tx/{id}             run statements in an open transaction
//	POST   /db/{name}/tx/{id}/commit      run statements and commit
//	DELETE /db/{name}/tx/{id}             roll back
//
// Every open transaction owns one query.Interpreter. Transactions that see
// no request for Config.TransactionTimeout are rolled back.
//
// Example Usage:
//
//	srv, err := server.New(qctx, pool, server.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Stop(context.Background())
//
//	// curl -u admin:secret -H 'Content-Type: application/json' \
//	//   -d '{"statements":[{"statement":"MATCH (n) RETURN count(n)"}]}' \
//	//   http://localhost:7474/db/neo4j/tx/commit
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/orneryd/nornicqe/pkg/auth"
	"github.com/orneryd/nornicqe/pkg/convert"
	"github.com/orneryd/nornicqe/pkg/dbms"
	"github.com/orneryd/nornicqe/pkg/pool"
	"github.com/orneryd/nornicqe/pkg/query"
	"github.com/orneryd/nornicqe/pkg/replication"
	"github.com/orneryd/nornicqe/pkg/sched"
	"github.com/orneryd/nornicqe/pkg/storage"
)

// Errors for HTTP operations.
var (
	ErrServerClosed = errors.New("server closed")
	ErrTxNotFound   = errors.New("transaction not found")
)

// Neo4j status codes used by the HTTP layer itself.
const (
	codeInvalid       = "Neo.ClientError.Request.Invalid"
	codeInvalidFormat = "Neo.ClientError.Request.InvalidFormat"
	codeUnauthorized  = "Neo.ClientError.Security.Unauthorized"
	codeTxNotFound    = "Neo.ClientError.Transaction.TransactionNotFound"
	codeInternal      = "Neo.DatabaseError.General.UnknownError"
)

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nornicqe",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "HTTP API requests by method and status code.",
}, []string{"method", "code"})

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "0.0.0.0")
	Address string
	// Port to listen on (default: 7474)
	Port int
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration
	// MaxRequestSize in bytes (default: 10MB)
	MaxRequestSize int64
	// EnableCORS for cross-origin requests
	EnableCORS bool
	// CORSOrigins allowed (default: "*")
	CORSOrigins []string
	// TransactionTimeout rolls back open transactions left idle this long
	TransactionTimeout time.Duration
	// BoltAddress is advertised by discovery, host:port
	BoltAddress string
	// Authenticator checks Basic credentials; nil disables authentication
	Authenticator *auth.Authenticator
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:            "0.0.0.0",
		Port:               7474,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       60 * time.Second,
		IdleTimeout:        120 * time.Second,
		MaxRequestSize:     10 * 1024 * 1024, // 10MB
		EnableCORS:         true,
		CORSOrigins:        []string{"*"},
		TransactionTimeout: 60 * time.Second,
		BoltAddress:        "localhost:7687",
	}
}

// Server is the HTTP API server.
type Server struct {
	config *Config
	qctx   *query.Context
	pool   *sched.Pool

	httpServer *http.Server
	listener   net.Listener

	mu     sync.Mutex
	txs    map[string]*openTx
	nextTx atomic.Uint64

	closed  atomic.Bool
	started time.Time
	stop    chan struct{}
	reaper  sync.WaitGroup

	// Metrics
	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// openTx is an explicit transaction kept between requests.
type openTx struct {
	id       string
	db       string
	username string

	mu      sync.Mutex
	interp  *query.Interpreter
	expires time.Time
	done    bool
}

// New creates a new HTTP server.
func New(qctx *query.Context, pool *sched.Pool, config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if qctx == nil || pool == nil {
		return nil, errors.New("query context and scheduler required")
	}
	return &Server{
		config:  config,
		qctx:    qctx,
		pool:    pool,
		txs:     make(map[string]*openTx),
		stop:    make(chan struct{}),
		started: time.Now(),
	}, nil
}

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("[HTTP] server error")
		}
	}()
	s.startReaper()
	log.WithField("address", listener.Addr().String()).Info("[HTTP] server listening")
	return nil
}

// Stop shuts the listener down and rolls back every open transaction.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	close(s.stop)
	s.reaper.Wait()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	txs := make([]*openTx, 0, len(s.txs))
	for id, tx := range s.txs {
		txs = append(txs, tx)
		delete(s.txs, id)
	}
	s.mu.Unlock()
	for _, tx := range txs {
		s.discard(tx, "server stopping")
	}
	return err
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	open := len(s.txs)
	s.mu.Unlock()
	return ServerStats{
		Uptime:           time.Since(s.started),
		RequestCount:     s.requestCount.Load(),
		ErrorCount:       s.errorCount.Load(),
		ActiveRequests:   s.activeRequests.Load(),
		OpenTransactions: open,
	}
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime           time.Duration `json:"uptime"`
	RequestCount     int64         `json:"request_count"`
	ErrorCount       int64         `json:"error_count"`
	ActiveRequests   int64         `json:"active_requests"`
	OpenTransactions int           `json:"open_transactions"`
}

// =============================================================================
// Router Setup
// =============================================================================

func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleDiscovery)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/replication/", replication.Handler(s.qctx.DBMS().ApplySystemDelta))
	mux.HandleFunc("/db/", s.withAuth(s.handleDatabaseEndpoint))

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	handler = s.metricsMiddleware(handler)
	return handler
}

// =============================================================================
// Middleware
// =============================================================================

type contextKey string

const contextKeyUser = contextKey("user")

func userFrom(r *http.Request) *auth.User {
	u, _ := r.Context().Value(contextKeyUser).(*auth.User)
	return u
}

// withAuth verifies Neo4j-style Basic credentials. With security disabled
// requests run unauthenticated.
func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := s.config.Authenticator
		if a == nil || !a.IsSecurityEnabled() {
			handler(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="nornicqe"`)
			s.writeNeo4jError(w, http.StatusUnauthorized, codeUnauthorized, "No authentication header supplied.")
			return
		}
		user, err := a.Authenticate(username, password)
		if err != nil {
			s.writeNeo4jError(w, http.StatusUnauthorized, codeUnauthorized, err.Error())
			return
		}
		handler(w, r.WithContext(context.WithValue(r.Context(), contextKeyUser, user)))
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.EnableCORS {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
			allowed := false
			for _, o := range s.config.CORSOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			// Handle preflight
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		httpRequests.WithLabelValues(r.Method, strconv.Itoa(wrapped.status)).Inc()
		if r.URL.Path != "/health" && r.URL.Path != "/metrics" {
			log.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   wrapped.status,
				"duration": time.Since(start),
			}).Debug("[HTTP] request")
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				log.WithField("path", r.URL.Path).Errorf("[HTTP] panic: %v\n%s", err, buf[:n])
				s.writeNeo4jError(w, http.StatusInternalServerError, codeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Discovery & Health Handlers
// =============================================================================

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeNeo4jError(w, http.StatusNotFound, codeInvalid, "not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"bolt_direct":   "bolt://" + s.config.BoltAddress,
		"bolt_routing":  "neo4j://" + s.config.BoltAddress,
		"transaction":   fmt.Sprintf("http://%s/db/{databaseName}/tx", r.Host),
		"neo4j_version": "4.4.0",
		"neo4j_edition": "community",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.Stats()
	plans := s.qctx.PlanCacheStats()
	mem := s.qctx.Upstream()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "running",
		"server": map[string]any{
			"uptime_seconds":    stats.Uptime.Seconds(),
			"requests":          stats.RequestCount,
			"errors":            stats.ErrorCount,
			"active":            stats.ActiveRequests,
			"open_transactions": stats.OpenTransactions,
		},
		"sessions":  s.qctx.Sessions(),
		"databases": s.qctx.DBMS().List(),
		"query_memory": map[string]any{
			"used":  mem.Used(),
			"peak":  mem.Peak(),
			"limit": mem.Limit(),
		},
		"plan_cache": map[string]any{
			"size":     plans.Size,
			"max_size": plans.MaxSize,
			"hit_rate": plans.HitRate,
		},
	})
}

// =============================================================================
// Neo4j-Compatible Database Endpoint Handler
// =============================================================================

// handleDatabaseEndpoint routes /db/{databaseName}/... requests.
func (s *Server) handleDatabaseEndpoint(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/db/"), "/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		s.writeNeo4jError(w, http.StatusBadRequest, codeInvalid, "database name required")
		return
	}
	dbName, remaining := parts[0], parts[1:]

	switch {
	case len(remaining) == 0:
		s.handleDatabaseInfo(w, r, dbName)
	case remaining[0] == "tx":
		s.handleTransactionEndpoint(w, r, dbName, remaining[1:])
	default:
		s.writeNeo4jError(w, http.StatusNotFound, codeInvalid, "unknown endpoint")
	}
}

// handleDatabaseInfo returns database information.
func (s *Server) handleDatabaseInfo(w http.ResponseWriter, r *http.Request, dbName string) {
	m := s.qctx.DBMS()
	db, err := m.Get(dbName)
	if err != nil {
		s.writeQueryError(w, http.StatusNotFound, err)
		return
	}
	nodes, err := db.Storage().ApproximateNodeCount("")
	if err != nil {
		s.writeQueryError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":      dbName,
		"status":    "online",
		"default":   dbName == m.DefaultName(),
		"nodeCount": nodes,
	})
}

// handleTransactionEndpoint routes transaction-related requests.
func (s *Server) handleTransactionEndpoint(w http.ResponseWriter, r *http.Request, dbName string, remaining []string) {
	switch {
	case len(remaining) == 0:
		// POST /db/{dbName}/tx - open new transaction
		if r.Method != http.MethodPost {
			s.writeNeo4jError(w, http.StatusMethodNotAllowed, codeInvalid, "POST required")
			return
		}
		s.handleOpenTransaction(w, r, dbName)

	case remaining[0] == "commit" && len(remaining) == 1:
		// POST /db/{dbName}/tx/commit - implicit transaction
		if r.Method != http.MethodPost {
			s.writeNeo4jError(w, http.StatusMethodNotAllowed, codeInvalid, "POST required")
			return
		}
		s.handleImplicitTransaction(w, r, dbName)

	case len(remaining) == 1:
		// POST/DELETE /db/{dbName}/tx/{txId}
		switch r.Method {
		case http.MethodPost:
			s.handleExecuteInTransaction(w, r, dbName, remaining[0])
		case http.MethodDelete:
			s.handleRollbackTransaction(w, r, dbName, remaining[0])
		default:
			s.writeNeo4jError(w, http.StatusMethodNotAllowed, codeInvalid, "POST or DELETE required")
		}

	case len(remaining) == 2 && remaining[1] == "commit":
		// POST /db/{dbName}/tx/{txId}/commit
		if r.Method != http.MethodPost {
			s.writeNeo4jError(w, http.StatusMethodNotAllowed, codeInvalid, "POST required")
			return
		}
		s.handleCommitTransaction(w, r, dbName, remaining[0])

	default:
		s.writeNeo4jError(w, http.StatusNotFound, codeInvalid, "unknown transaction endpoint")
	}
}

// TransactionRequest follows Neo4j HTTP API format.
type TransactionRequest struct {
	Statements []StatementRequest `json:"statements"`
}

// StatementRequest is a single Cypher statement.
type StatementRequest struct {
	Statement    string         `json:"statement"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	IncludeStats bool           `json:"includeStats,omitempty"`
}

// TransactionResponse follows Neo4j HTTP API format.
type TransactionResponse struct {
	Results       []QueryResult        `json:"results"`
	Errors        []QueryError         `json:"errors"`
	Commit        string               `json:"commit,omitempty"`
	Transaction   *TransactionInfo     `json:"transaction,omitempty"`
	LastBookmarks []string             `json:"lastBookmarks,omitempty"`
	Notifications []ServerNotification `json:"notifications,omitempty"`
}

// TransactionInfo holds transaction state.
type TransactionInfo struct {
	Expires string `json:"expires"` // RFC1123 format
}

// QueryResult is a single query result.
type QueryResult struct {
	Columns []string    `json:"columns"`
	Data    []ResultRow `json:"data"`
	Stats   *QueryStats `json:"stats,omitempty"`
}

// ResultRow is a row of results with metadata.
type ResultRow struct {
	Row  []any `json:"row"`
	Meta []any `json:"meta"`
}

// QueryStats holds query execution statistics.
type QueryStats struct {
	NodesCreated         int64 `json:"nodes_created"`
	NodesDeleted         int64 `json:"nodes_deleted"`
	RelationshipsCreated int64 `json:"relationships_created"`
	RelationshipsDeleted int64 `json:"relationships_deleted"`
	PropertiesSet        int64 `json:"properties_set"`
	LabelsAdded          int64 `json:"labels_added"`
	ContainsUpdates      bool  `json:"contains_updates"`
}

// QueryError is an error from a query (Neo4j format).
type QueryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerNotification is a warning/info from the server.
type ServerNotification struct {
	Code        string `json:"code"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func newResponse() *TransactionResponse {
	return &TransactionResponse{Results: []QueryResult{}, Errors: []QueryError{}}
}

func (resp *TransactionResponse) fail(err error) {
	msg := err.Error()
	if hints := errors.FlattenHints(err); hints != "" {
		msg += "\nHINT: " + hints
	}
	resp.Errors = append(resp.Errors, QueryError{Code: query.Classify(err).Code(), Message: msg})
}

// handleImplicitTransaction runs the statements of one request in a single
// transaction and commits it: POST /db/{dbName}/tx/commit. A lone statement
// runs in auto-commit mode so schema and system statements work too.
func (s *Server) handleImplicitTransaction(w http.ResponseWriter, r *http.Request, dbName string) {
	req, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	interp, err := s.newInterpreter(r, dbName)
	if err != nil {
		s.writeQueryError(w, http.StatusNotFound, err)
		return
	}
	defer interp.Close()

	resp := newResponse()
	ctx := r.Context()
	if len(req.Statements) == 1 {
		if err := s.execute(ctx, interp, req.Statements[0], resp); err != nil {
			resp.fail(err)
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	if err := s.schedule(ctx, interp, func() error { return interp.BeginTransaction(query.QueryExtras{}) }); err != nil {
		resp.fail(err)
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	if err := s.runStatements(ctx, interp, req.Statements, resp); err != nil {
		interp.Abort()
		resp.fail(err)
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	if err := s.commit(ctx, interp, resp); err != nil {
		resp.fail(err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleOpenTransaction opens an explicit transaction, runs any statements
// in it and keeps it for later requests: POST /db/{dbName}/tx.
func (s *Server) handleOpenTransaction(w http.ResponseWriter, r *http.Request, dbName string) {
	req, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	interp, err := s.newInterpreter(r, dbName)
	if err != nil {
		s.writeQueryError(w, http.StatusNotFound, err)
		return
	}

	resp := newResponse()
	ctx := r.Context()
	err = s.schedule(ctx, interp, func() error { return interp.BeginTransaction(query.QueryExtras{}) })
	if err == nil {
		err = s.runStatements(ctx, interp, req.Statements, resp)
	}
	if err != nil {
		interp.Close()
		resp.fail(err)
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	tx := &openTx{
		id:       strconv.FormatUint(s.nextTx.Add(1), 10),
		db:       dbName,
		username: usernameOf(userFrom(r)),
		interp:   interp,
		expires:  time.Now().Add(s.config.TransactionTimeout),
	}
	s.mu.Lock()
	s.txs[tx.id] = tx
	s.mu.Unlock()

	s.describeOpen(r, tx, resp)
	w.Header().Set("Location", fmt.Sprintf("http://%s/db/%s/tx/%s", r.Host, dbName, tx.id))
	s.writeJSON(w, http.StatusCreated, resp)
}

// handleExecuteInTransaction runs statements in an open transaction. An
// error rolls the transaction back.
func (s *Server) handleExecuteInTransaction(w http.ResponseWriter, r *http.Request, dbName, txID string) {
	req, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	tx, ok := s.acquire(w, r, dbName, txID)
	if !ok {
		return
	}
	defer tx.mu.Unlock()

	resp := newResponse()
	if err := s.runStatements(r.Context(), tx.interp, req.Statements, resp); err != nil {
		s.forget(tx)
		s.discard(tx, "statement failed")
		resp.fail(err)
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	tx.expires = time.Now().Add(s.config.TransactionTimeout)
	s.describeOpen(r, tx, resp)
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCommitTransaction runs the final statements and commits.
func (s *Server) handleCommitTransaction(w http.ResponseWriter, r *http.Request, dbName, txID string) {
	req, ok := s.readRequest(w, r)
	if !ok {
		return
	}
	tx, ok := s.acquire(w, r, dbName, txID)
	if !ok {
		return
	}
	defer tx.mu.Unlock()
	s.forget(tx)

	resp := newResponse()
	ctx := r.Context()
	err := s.runStatements(ctx, tx.interp, req.Statements, resp)
	if err == nil {
		err = s.commit(ctx, tx.interp, resp)
	}
	if err != nil {
		resp.fail(err)
	}
	s.discard(tx, "")
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRollbackTransaction rolls an open transaction back.
func (s *Server) handleRollbackTransaction(w http.ResponseWriter, r *http.Request, dbName, txID string) {
	tx, ok := s.acquire(w, r, dbName, txID)
	if !ok {
		return
	}
	defer tx.mu.Unlock()
	s.forget(tx)

	resp := newResponse()
	if err := s.schedule(r.Context(), tx.interp, tx.interp.RollbackTransaction); err != nil {
		resp.fail(err)
	}
	s.discard(tx, "")
	s.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Execution
// =============================================================================

// newInterpreter creates a session for the request's user bound to dbName.
func (s *Server) newInterpreter(r *http.Request, dbName string) (*query.Interpreter, error) {
	interp := query.NewInterpreter(s.qctx)
	user := userFrom(r)
	interp.SetUser(user)
	interp.SetSessionInfo(interp.ID(), usernameOf(user), time.Now().Format(time.RFC3339))
	if err := interp.SetCurrentDB(dbName, true); err != nil {
		interp.Close()
		return nil, err
	}
	return interp, nil
}

func (s *Server) schedule(ctx context.Context, interp *query.Interpreter, fn func() error) error {
	return s.pool.Do(ctx, interp.ApproximateNextQueryPriority(), fn)
}

func (s *Server) runStatements(ctx context.Context, interp *query.Interpreter, stmts []StatementRequest, resp *TransactionResponse) error {
	for _, stmt := range stmts {
		if err := s.execute(ctx, interp, stmt, resp); err != nil {
			return err
		}
	}
	return nil
}

// execute runs one statement to completion and appends its result.
func (s *Server) execute(ctx context.Context, interp *query.Interpreter, stmt StatementRequest, resp *TransactionResponse) error {
	params := convert.NormalizeMap(stmt.Parameters)
	var (
		prep    *query.PrepareResult
		summary map[string]any
	)
	rows := query.CollectStream{Rows: pool.GetRowSlice()}
	defer func() { pool.PutRowSlice(rows.Rows) }()
	err := s.schedule(ctx, interp, func() error {
		pr, err := interp.Parse(stmt.Statement, params, query.QueryExtras{})
		if err != nil {
			return err
		}
		if prep, err = interp.Prepare(ctx, pr, params, query.QueryExtras{}); err != nil {
			return err
		}
		if err := interp.CheckAuthorized(prep.Privileges, prep.DB); err != nil {
			interp.Abort()
			return err
		}
		if !interp.InExplicitTransaction() {
			if id, ok := interp.GetTransactionID(); ok {
				resp.LastBookmarks = []string{bookmark(id)}
			}
		}
		summary, err = interp.Pull(ctx, &rows, nil, nil)
		return err
	})
	if err != nil {
		return err
	}

	qr := QueryResult{Columns: prep.Headers, Data: make([]ResultRow, len(rows.Rows))}
	if qr.Columns == nil {
		qr.Columns = []string{}
	}
	for i, row := range rows.Rows {
		out := ResultRow{Row: make([]any, len(row)), Meta: make([]any, len(row))}
		for j, v := range row {
			out.Row[j] = jsonValue(v)
			out.Meta[j] = jsonMeta(v)
		}
		qr.Data[i] = out
	}
	if stmt.IncludeStats {
		qr.Stats = queryStats(summary)
	}
	resp.Results = append(resp.Results, qr)
	resp.Notifications = append(resp.Notifications, notifications(summary)...)
	return nil
}

func (s *Server) commit(ctx context.Context, interp *query.Interpreter, resp *TransactionResponse) error {
	id, hasTx := interp.GetTransactionID()
	err := s.schedule(ctx, interp, func() error { return interp.CommitTransaction(ctx) })
	if err == nil && hasTx {
		resp.LastBookmarks = []string{bookmark(id)}
	}
	return err
}

func bookmark(txID uint64) string {
	return "nornicqe:tx:" + strconv.FormatUint(txID, 10)
}

// describeOpen adds the commit URL and expiry of tx to resp.
func (s *Server) describeOpen(r *http.Request, tx *openTx, resp *TransactionResponse) {
	resp.Commit = fmt.Sprintf("http://%s/db/%s/tx/%s/commit", r.Host, tx.db, tx.id)
	resp.Transaction = &TransactionInfo{Expires: tx.expires.UTC().Format(time.RFC1123)}
}

// =============================================================================
// Open transactions
// =============================================================================

// acquire finds and locks the transaction. Transactions are private to the
// user that opened them; others get the same 404 as for an unknown id.
func (s *Server) acquire(w http.ResponseWriter, r *http.Request, dbName, txID string) (*openTx, bool) {
	s.mu.Lock()
	tx := s.txs[txID]
	s.mu.Unlock()
	if tx == nil || tx.db != dbName || tx.username != usernameOf(userFrom(r)) {
		s.writeNeo4jError(w, http.StatusNotFound, codeTxNotFound, errors.Wrapf(ErrTxNotFound, "%s", txID).Error())
		return nil, false
	}
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		s.writeNeo4jError(w, http.StatusNotFound, codeTxNotFound, errors.Wrapf(ErrTxNotFound, "%s", txID).Error())
		return nil, false
	}
	return tx, true
}

func (s *Server) forget(tx *openTx) {
	s.mu.Lock()
	delete(s.txs, tx.id)
	s.mu.Unlock()
}

// discard aborts what is left of tx and closes its session. The caller
// holds tx.mu, or tx is no longer reachable from s.txs.
func (s *Server) discard(tx *openTx, reason string) {
	if tx.done {
		return
	}
	tx.done = true
	tx.interp.Close()
	if reason != "" {
		log.WithFields(log.Fields{"tx": tx.id, "db": tx.db, "reason": reason}).Debug("[HTTP] transaction rolled back")
	}
}

func (s *Server) startReaper() {
	every := s.config.TransactionTimeout / 2
	if every <= 0 {
		return
	}
	if every < 100*time.Millisecond {
		every = 100 * time.Millisecond
	}
	s.reaper.Add(1)
	go func() {
		defer s.reaper.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.expireTransactions(now)
			}
		}
	}()
}

// expireTransactions rolls back transactions idle past their expiry and
// returns how many there were.
func (s *Server) expireTransactions(now time.Time) int {
	s.mu.Lock()
	var expired []*openTx
	for id, tx := range s.txs {
		if tx.mu.TryLock() {
			if now.After(tx.expires) {
				expired = append(expired, tx)
				delete(s.txs, id)
				continue
			}
			tx.mu.Unlock()
		}
	}
	s.mu.Unlock()

	for _, tx := range expired {
		s.discard(tx, "expired")
		tx.mu.Unlock()
	}
	return len(expired)
}

// =============================================================================
// Value conversion
// =============================================================================

// jsonValue renders nodes and relationships as their property maps, the
// way Neo4j's row format does.
func jsonValue(v any) any {
	switch val := v.(type) {
	case *storage.Node:
		return propsOrEmpty(val.Properties)
	case *storage.Edge:
		return propsOrEmpty(val.Properties)
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = jsonValue(x)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = jsonValue(x)
		}
		return out
	}
	return v
}

func propsOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// jsonMeta describes graph entities in a row; other values have no meta.
func jsonMeta(v any) any {
	switch val := v.(type) {
	case *storage.Node:
		return map[string]any{
			"id":        int64(val.ID),
			"elementId": fmt.Sprintf("4:nornicqe:%d", val.ID),
			"type":      "node",
			"deleted":   false,
		}
	case *storage.Edge:
		return map[string]any{
			"id":        int64(val.ID),
			"elementId": fmt.Sprintf("5:nornicqe:%d", val.ID),
			"type":      "relationship",
			"deleted":   false,
		}
	}
	return nil
}

func queryStats(summary map[string]any) *QueryStats {
	qs := &QueryStats{}
	stats, _ := summary["stats"].(map[string]any)
	get := func(key string) int64 {
		n, _ := convert.ToInt64(stats[key])
		return n
	}
	qs.NodesCreated = get("nodes-created")
	qs.NodesDeleted = get("nodes-deleted")
	qs.RelationshipsCreated = get("relationships-created")
	qs.RelationshipsDeleted = get("relationships-deleted")
	qs.PropertiesSet = get("properties-set")
	qs.LabelsAdded = get("labels-added")
	qs.ContainsUpdates = qs.NodesCreated+qs.NodesDeleted+qs.RelationshipsCreated+
		qs.RelationshipsDeleted+qs.PropertiesSet+qs.LabelsAdded > 0
	return qs
}

func notifications(summary map[string]any) []ServerNotification {
	list, _ := summary["notifications"].([]any)
	out := make([]ServerNotification, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		str := func(k string) string { s, _ := m[k].(string); return s }
		out = append(out, ServerNotification{
			Code:        str("code"),
			Severity:    str("severity"),
			Title:       str("title"),
			Description: str("description"),
		})
	}
	return out
}

func usernameOf(u *auth.User) string {
	if u == nil {
		return ""
	}
	return u.Username
}

// =============================================================================
// Helpers
// =============================================================================

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// readRequest decodes the statements. Numbers keep full int64 precision.
// An empty body is an empty request.
func (s *Server) readRequest(w http.ResponseWriter, r *http.Request) (*TransactionRequest, bool) {
	var req TransactionRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeNeo4jError(w, http.StatusBadRequest, codeInvalidFormat, "invalid request body: "+err.Error())
		return nil, false
	}
	return &req, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("[HTTP] writing response")
	}
}

// writeNeo4jError writes an error in Neo4j format.
func (s *Server) writeNeo4jError(w http.ResponseWriter, status int, code, message string) {
	s.errorCount.Add(1)
	resp := newResponse()
	resp.Errors = append(resp.Errors, QueryError{Code: code, Message: message})
	s.writeJSON(w, status, resp)
}

func (s *Server) writeQueryError(w http.ResponseWriter, status int, err error) {
	if !errors.Is(err, dbms.ErrDatabaseNotFound) && status == http.StatusNotFound {
		status = http.StatusBadRequest
	}
	s.writeNeo4jError(w, status, query.Classify(err).Code(), err.Error())
}
