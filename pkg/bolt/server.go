// Package bolt provides a Neo4j Bolt protocol server for nornicqe.
//
// This package implements the Bolt 4.x wire protocol so Neo4j drivers and
// tools (cypher-shell, Neo4j Browser, the official drivers) can talk to the
// query engine without changes. Every connection gets its own
// query.Interpreter; Bolt messages map onto the interpreter protocol:
//
//	HELLO            → authenticate, SetUser, SetSessionInfo
//	RUN              → Parse, Prepare, CheckAuthorized
//	PULL {n, qid}    → Pull, streamed as RECORD messages
//	DISCARD {n, qid} → Pull into a discarding stream
//	BEGIN            → BeginTransaction (tx_metadata, tx_timeout, db, mode)
//	COMMIT/ROLLBACK  → CommitTransaction / RollbackTransaction
//	RESET, GOODBYE   → Abort
//	ROUTE            → Interpreter.Route
//
// Work for RUN, PULL and the transaction messages runs on the shared
// sched.Pool at the priority the interpreter reports, so short statements
// in explicit transactions do not queue behind long scans.
//
// After a FAILURE the session is FAILED: every message except RESET and
// GOODBYE is answered with IGNORED until the client sends RESET.
//
// Example Usage:
//
//	pool := sched.New(8)
//	defer pool.Close()
//
//	config := bolt.DefaultConfig()
//	config.Authenticator = authenticator
//	server := bolt.New(config, qctx, pool)
//
//	go func() {
//		if err := server.ListenAndServe(); err != nil {
//			log.Fatal(err)
//		}
//	}()
//	defer server.Close()
//
// Protocol Details:
//   - Handshake: 0x6060B017 magic followed by four version proposals
//   - Messages are PackStream structures sent in chunks of at most 64KB,
//     terminated by a zero-size chunk
//   - Versions 4.0 through 4.4 are accepted
//
// ELI12 (Explain Like I'm 12):
//
// Think of the Bolt server like a waiter in a restaurant:
//
//  1. **Taking the order**: The driver hands over a query (RUN). The waiter
//     checks the order makes sense and that you're allowed to have it.
//
//  2. **Serving in courses**: The kitchen doesn't dump everything on the
//     table at once. You ask for the next plates (PULL n) when you're ready.
//
//  3. **The tab**: Inside BEGIN ... COMMIT you keep ordering on the same tab
//     and pay once at the end. ROLLBACK means you walk away and nothing
//     counts.
//
//  4. **Spilled drink**: If something goes wrong (FAILURE), the waiter
//     ignores new orders until you say "let's start over" (RESET).
package bolt

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/orneryd/nornicqe/pkg/auth"
	"github.com/orneryd/nornicqe/pkg/convert"
	"github.com/orneryd/nornicqe/pkg/pool"
	"github.com/orneryd/nornicqe/pkg/query"
	"github.com/orneryd/nornicqe/pkg/sched"
)

// Protocol versions supported
const (
	BoltV4_4 = 0x0404 // Bolt 4.4
	BoltV4_3 = 0x0403 // Bolt 4.3
	BoltV4_2 = 0x0402 // Bolt 4.2
	BoltV4_1 = 0x0401 // Bolt 4.1
	BoltV4_0 = 0x0400 // Bolt 4.0
)

// Message types
const (
	MsgHello    byte = 0x01
	MsgGoodbye  byte = 0x02
	MsgReset    byte = 0x0F
	MsgRun      byte = 0x10
	MsgDiscard  byte = 0x2F
	MsgPull     byte = 0x3F
	MsgBegin    byte = 0x11
	MsgCommit   byte = 0x12
	MsgRollback byte = 0x13
	MsgRoute    byte = 0x66

	// Response messages
	MsgSuccess byte = 0x70
	MsgRecord  byte = 0x71
	MsgIgnored byte = 0x7E
	MsgFailure byte = 0x7F
)

// maxChunkSize is the largest chunk payload the protocol allows.
const maxChunkSize = 0xFFFF

var boltMagic = [4]byte{0x60, 0x60, 0xB0, 0x17}

// Failure codes that do not come from query.Classify.
const (
	codeInvalidFormat = "Neo.ClientError.Request.InvalidFormat"
	codeInvalid       = "Neo.ClientError.Request.Invalid"
	codeUnauthorized  = "Neo.ClientError.Security.Unauthorized"
)

// errSessionEnded stops the message loop without logging an error.
var errSessionEnded = errors.New("session ended")

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nornicqe",
		Subsystem: "bolt",
		Name:      "connections",
		Help:      "Open Bolt connections.",
	})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nornicqe",
		Subsystem: "bolt",
		Name:      "messages_total",
		Help:      "Bolt request messages received, by type.",
	}, []string{"type"})

	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nornicqe",
		Subsystem: "bolt",
		Name:      "failures_total",
		Help:      "FAILURE responses sent, by Neo4j status code.",
	}, []string{"code"})
)

func messageName(sig byte) string {
	switch sig {
	case MsgHello:
		return "HELLO"
	case MsgGoodbye:
		return "GOODBYE"
	case MsgReset:
		return "RESET"
	case MsgRun:
		return "RUN"
	case MsgDiscard:
		return "DISCARD"
	case MsgPull:
		return "PULL"
	case MsgBegin:
		return "BEGIN"
	case MsgCommit:
		return "COMMIT"
	case MsgRollback:
		return "ROLLBACK"
	case MsgRoute:
		return "ROUTE"
	}
	return "UNKNOWN"
}

// Config holds Bolt protocol server configuration.
//
// Authentication:
//   - Authenticator nil, or with security disabled: every HELLO succeeds and
//     sessions run without a user
//   - Otherwise only the "basic" scheme is accepted
type Config struct {
	Address         string
	Port            int
	MaxConnections  int // 0 = unlimited
	ReadBufferSize  int
	WriteBufferSize int

	// HandshakeTimeout bounds the version negotiation; 0 disables it.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds writing the responses to one request.
	WriteTimeout time.Duration

	// ServerAgent is reported in the HELLO response.
	ServerAgent string

	Authenticator *auth.Authenticator
}

// DefaultConfig returns Neo4j-compatible defaults: port 7687, 100
// connections, 8KB buffers.
func DefaultConfig() *Config {
	return &Config{
		Address:          "0.0.0.0",
		Port:             7687,
		MaxConnections:   100,
		ReadBufferSize:   8192,
		WriteBufferSize:  8192,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     30 * time.Second,
		ServerAgent:      "nornicqe/1.0",
	}
}

// Server accepts Bolt connections and runs one Session per connection.
//
// Thread Safety:
//
//	The server is safe for concurrent use. Each Session is driven by its
//	own goroutine.
type Server struct {
	config *Config
	qctx   *query.Context
	pool   *sched.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	listener net.Listener
	sessions map[string]*Session
	closed   atomic.Bool
	connIDs  atomic.Uint64
	active   atomic.Int64
	conns    sync.WaitGroup
}

// New creates a Bolt server. A nil config uses DefaultConfig; a nil pool
// runs work on the connection goroutines.
func New(config *Config, qctx *query.Context, pool *sched.Pool) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   config,
		qctx:     qctx,
		pool:     pool,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// ListenAndServe listens on the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	log.WithField("address", l.Addr().String()).Info("[Bolt] server listening")
	return s.Serve(l)
}

// Serve accepts connections on l until Close. It returns nil after Close.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "accept")
		}
		s.conns.Add(1)
		go s.handleConnection(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting connections, closes the open ones and waits for
// their sessions to abort.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()

	s.conns.Wait()
	return err
}

// IsClosed returns whether the server is closed.
func (s *Server) IsClosed() bool {
	return s.closed.Load()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) addSession(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// handleConnection runs a session to completion. Assertion failures raised
// by the interpreter are contained here and end only this connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.conns.Done()
	defer conn.Close()

	entry := log.WithField("remote", conn.RemoteAddr().String())
	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", r).Error("[Bolt] recovered from panic in connection handler")
		}
	}()

	if limit := s.config.MaxConnections; limit > 0 && s.active.Load() >= int64(limit) {
		entry.WithField("max", limit).Warn("[Bolt] connection limit reached, rejecting client")
		return
	}
	s.active.Add(1)
	connectionsActive.Inc()
	defer func() {
		s.active.Add(-1)
		connectionsActive.Dec()
	}()

	// Disable Nagle's algorithm: responses are small and latency bound.
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := newSession(s, conn)
	s.addSession(sess)
	defer func() {
		s.removeSession(sess)
		sess.close()
	}()

	if err := sess.handshake(); err != nil {
		sess.log.WithError(err).Debug("[Bolt] handshake failed")
		return
	}
	for !s.closed.Load() {
		if err := sess.handleMessage(); err != nil {
			if errors.Is(err, errSessionEnded) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || s.closed.Load() {
				return
			}
			sess.log.WithError(err).Debug("[Bolt] connection closed")
			return
		}
	}
}

type sessionState int

const (
	// stateConnected waits for HELLO.
	stateConnected sessionState = iota
	stateReady
	stateFailed
)

// Session is one Bolt connection and the interpreter serving it.
type Session struct {
	id      string
	connID  string
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	server  *Server
	interp  *query.Interpreter
	ctx     context.Context
	log     *log.Entry
	version uint32
	state   sessionState

	headerBuf  [2]byte
	messageBuf []byte
	out        packer
}

func newSession(s *Server, conn net.Conn) *Session {
	interp := query.NewInterpreter(s.qctx)
	connID := "bolt-" + strconv.FormatUint(s.connIDs.Add(1), 10)
	return &Session{
		id:         interp.ID(),
		connID:     connID,
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, bufSize(s.config.ReadBufferSize)),
		writer:     bufio.NewWriterSize(conn, bufSize(s.config.WriteBufferSize)),
		server:     s,
		interp:     interp,
		ctx:        s.ctx,
		log:        log.WithFields(log.Fields{"session": interp.ID(), "connection": connID}),
		messageBuf: pool.GetBuffer(),
		out:        packer{buf: pool.GetBuffer()},
	}
}

func bufSize(n int) int {
	if n <= 0 {
		return 8192
	}
	return n
}

// close aborts whatever the client left open and recycles the buffers.
func (s *Session) close() {
	s.interp.Close()
	pool.PutBuffer(s.messageBuf)
	pool.PutBuffer(s.out.buf)
	s.messageBuf, s.out.buf = nil, nil
}

// handshake performs the Bolt handshake and negotiates the version.
func (s *Session) handshake() error {
	if t := s.server.config.HandshakeTimeout; t > 0 {
		s.conn.SetReadDeadline(time.Now().Add(t))
		defer s.conn.SetReadDeadline(time.Time{})
	}

	var magic [4]byte
	if _, err := io.ReadFull(s.reader, magic[:]); err != nil {
		return errors.Wrap(err, "failed to read magic")
	}
	if magic != boltMagic {
		return errors.Newf("invalid magic number: %x", magic)
	}

	var proposals [16]byte
	if _, err := io.ReadFull(s.reader, proposals[:]); err != nil {
		return errors.Wrap(err, "failed to read versions")
	}
	s.version = negotiateVersion(proposals)

	response := []byte{0, 0, byte(s.version), byte(s.version >> 8)}
	if _, err := s.writer.Write(response); err != nil {
		return errors.Wrap(err, "failed to send version")
	}
	if err := s.writer.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush version")
	}
	if s.version == 0 {
		return errors.Newf("no supported version in %x", proposals)
	}
	s.log = s.log.WithField("version", strconv.Itoa(int(s.version>>8))+"."+strconv.Itoa(int(s.version&0xFF)))
	return nil
}

// negotiateVersion picks the first proposal that overlaps 4.0-4.4. Each
// proposal is [reserved, range, minor, major]; range (4.3+) extends the
// offer down to minor-range. It returns 0 when nothing matches.
func negotiateVersion(proposals [16]byte) uint32 {
	for i := 0; i < 16; i += 4 {
		major, minor, rng := int(proposals[i+3]), int(proposals[i+2]), int(proposals[i+1])
		if major != 4 {
			continue
		}
		for m := minor; m >= minor-rng && m >= 0; m-- {
			if m <= 4 {
				return uint32(4<<8 | m)
			}
		}
	}
	return 0
}

// handleMessage reads one message and dispatches it. Messages can span
// several chunks; a zero-size chunk terminates a message.
func (s *Session) handleMessage() error {
	s.messageBuf = s.messageBuf[:0]
	for {
		if _, err := io.ReadFull(s.reader, s.headerBuf[:]); err != nil {
			return err
		}
		size := int(s.headerBuf[0])<<8 | int(s.headerBuf[1])
		if size == 0 {
			break
		}
		oldLen := len(s.messageBuf)
		s.messageBuf = append(s.messageBuf, make([]byte, size)...)
		if _, err := io.ReadFull(s.reader, s.messageBuf[oldLen:]); err != nil {
			return err
		}
	}
	if len(s.messageBuf) == 0 {
		return nil // NOOP chunk, used by drivers as keep-alive
	}

	if t := s.server.config.WriteTimeout; t > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(t))
	}
	sig, fields, err := decodeMessage(s.messageBuf)
	messagesTotal.WithLabelValues(messageName(sig)).Inc()
	if err != nil {
		if s.state == stateFailed {
			return s.sendIgnored()
		}
		return s.failWith(codeInvalidFormat, err)
	}
	return s.dispatch(sig, fields)
}

// dispatch routes the message to its handler, enforcing the session state.
func (s *Session) dispatch(sig byte, fields []any) error {
	switch {
	case sig == MsgGoodbye:
		s.interp.Abort()
		return errSessionEnded
	case s.state == stateConnected && sig != MsgHello:
		s.failWith(codeInvalid, errors.Newf("expected HELLO, got %s", messageName(sig)))
		return errSessionEnded
	case s.state == stateFailed && sig != MsgReset:
		return s.sendIgnored()
	}

	switch sig {
	case MsgHello:
		return s.handleHello(fields)
	case MsgReset:
		return s.handleReset()
	case MsgRun:
		return s.handleRun(fields)
	case MsgPull:
		return s.handlePull(fields, false)
	case MsgDiscard:
		return s.handlePull(fields, true)
	case MsgBegin:
		return s.handleBegin(fields)
	case MsgCommit:
		return s.handleCommit()
	case MsgRollback:
		return s.handleRollback()
	case MsgRoute:
		return s.handleRoute(fields)
	}
	return s.failWith(codeInvalid, errors.Newf("unknown message type: 0x%02X", sig))
}

// schedule runs fn on the worker pool at prio and waits for it.
func (s *Session) schedule(prio sched.Priority, fn func() error) error {
	if s.server.pool == nil {
		return fn()
	}
	return s.server.pool.Do(s.ctx, prio, fn)
}

// handleHello authenticates the client.
//
//	HELLO { user_agent: String, scheme: String, principal: String, credentials: String, ... }
func (s *Session) handleHello(fields []any) error {
	if s.state != stateConnected {
		return s.failWith(codeInvalid, errors.New("HELLO was already sent"))
	}
	extra := mapField(fields, 0)
	scheme, _ := extra["scheme"].(string)
	principal, _ := extra["principal"].(string)
	credentials, _ := extra["credentials"].(string)
	agent, _ := extra["user_agent"].(string)

	user, err := s.server.authenticate(scheme, principal, credentials)
	if err != nil {
		s.log.WithFields(log.Fields{"user": principal, "agent": agent}).WithError(err).Warn("[Bolt] authentication failed")
		s.failWith(codeUnauthorized, err)
		return errSessionEnded
	}

	username := principal
	if user != nil {
		username = user.Username
	}
	s.interp.SetUser(user)
	s.interp.SetSessionInfo(s.id, username, time.Now().UTC().Format(time.RFC3339))
	s.state = stateReady
	s.log = s.log.WithField("user", username)
	s.log.WithField("agent", agent).Debug("[Bolt] session authenticated")

	return s.sendSuccess(map[string]any{
		"server":        s.server.config.ServerAgent,
		"connection_id": s.connID,
		"hints":         map[string]any{},
	})
}

// handleRun prepares a statement.
//
//	RUN "query" {params} {extra}
func (s *Session) handleRun(fields []any) error {
	text, ok := stringField(fields, 0)
	if !ok {
		return s.failWith(codeInvalid, errors.New("RUN requires a query string"))
	}
	params := mapField(fields, 1)
	extra := mapField(fields, 2)

	if err := s.bindDatabase(extra); err != nil {
		return s.fail(err)
	}
	extras := queryExtras(extra)

	start := time.Now()
	var prep *query.PrepareResult
	err := s.schedule(s.interp.ApproximateNextQueryPriority(), func() error {
		pr, err := s.interp.Parse(text, params, extras)
		if err != nil {
			return err
		}
		if prep, err = s.interp.Prepare(s.ctx, pr, params, extras); err != nil {
			return err
		}
		if err := s.interp.CheckAuthorized(prep.Privileges, prep.DB); err != nil {
			s.interp.Abort()
			return err
		}
		return nil
	})
	if err != nil {
		return s.fail(err)
	}

	meta := map[string]any{
		"fields":  prep.Headers,
		"t_first": time.Since(start).Milliseconds(),
	}
	// Neo4j only sends qid inside explicit transactions.
	if prep.QID != nil {
		meta["qid"] = int64(*prep.QID)
	}
	return s.sendSuccess(meta)
}

// handlePull streams (or discards) results.
//
//	PULL {n: Integer, qid: Integer}    n = -1 means all, qid = -1 the last statement
func (s *Session) handlePull(fields []any, discard bool) error {
	extra := mapField(fields, 0)
	var n, qid *int
	if v := intField(extra, "n", -1); v != -1 {
		n = &v
	}
	if v := intField(extra, "qid", -1); v != -1 {
		if !s.interp.InExplicitTransaction() {
			return s.fail(errors.Mark(errors.New("qid can only be used in an explicit transaction"), query.ErrInvalidArgument))
		}
		qid = &v
	}

	var stream query.Stream = query.DiscardStream{}
	if !discard {
		stream = query.StreamFunc(s.writeRecord)
	}

	prio := s.interp.ApproximateNextQueryPriority()
	if p, err := s.interp.GetQueryPriority(qid); err == nil {
		prio = p
	}

	start := time.Now()
	var summary map[string]any
	err := s.schedule(prio, func() error {
		var err error
		summary, err = s.interp.Pull(s.ctx, stream, n, qid)
		return err
	})
	if err != nil {
		return s.fail(err)
	}

	if more, _ := summary["has_more"].(bool); more {
		return s.sendSuccess(map[string]any{"has_more": true})
	}
	// Neo4j does not send has_more when it's false.
	delete(summary, "has_more")
	summary["t_last"] = time.Since(start).Milliseconds()
	return s.sendSuccess(summary)
}

// handleBegin opens an explicit transaction.
//
//	BEGIN {tx_metadata: Map, tx_timeout: Integer (ms), db: String, mode: "r"|"w"}
func (s *Session) handleBegin(fields []any) error {
	extra := mapField(fields, 0)
	if err := s.bindDatabase(extra); err != nil {
		return s.fail(err)
	}
	extras := queryExtras(extra)
	err := s.schedule(s.interp.ApproximateNextQueryPriority(), func() error {
		return s.interp.BeginTransaction(extras)
	})
	if err != nil {
		return s.fail(err)
	}
	return s.sendSuccess(nil)
}

func (s *Session) handleCommit() error {
	txID, _ := s.interp.GetTransactionID()
	err := s.schedule(s.interp.ApproximateNextQueryPriority(), func() error {
		return s.interp.CommitTransaction(s.ctx)
	})
	if err != nil {
		return s.fail(err)
	}
	return s.sendSuccess(map[string]any{
		"bookmark": "nornicqe:tx:" + strconv.FormatUint(txID, 10),
	})
}

func (s *Session) handleRollback() error {
	err := s.schedule(s.interp.ApproximateNextQueryPriority(), s.interp.RollbackTransaction)
	if err != nil {
		return s.fail(err)
	}
	return s.sendSuccess(nil)
}

// handleReset aborts any open transaction and clears the FAILED state.
func (s *Session) handleReset() error {
	s.interp.Abort()
	if s.state == stateFailed {
		s.state = stateReady
	}
	return s.sendSuccess(nil)
}

// handleRoute answers with the routing table.
//
//	ROUTE {routing} [bookmarks] db         (4.3)
//	ROUTE {routing} [bookmarks] {db: ...}  (4.4)
func (s *Session) handleRoute(fields []any) error {
	routing := make(map[string]string)
	for k, v := range mapField(fields, 0) {
		if str, ok := v.(string); ok {
			routing[k] = str
		}
	}
	var db string
	if len(fields) > 2 {
		switch v := fields[2].(type) {
		case string:
			db = v
		case map[string]any:
			db, _ = v["db"].(string)
		}
	}

	rt, err := s.interp.Route(s.ctx, routing)
	if err != nil {
		return s.fail(err)
	}
	if db != "" {
		rt.DB = db
	}
	return s.sendSuccess(map[string]any{
		"rt": map[string]any{
			"ttl":     int64(rt.TTL),
			"db":      rt.DB,
			"servers": rt.Servers(),
		},
	})
}

// bindDatabase applies the db field of RUN and BEGIN. Without one, sessions
// that never chose a database follow the default.
func (s *Session) bindDatabase(extra map[string]any) error {
	if s.interp.InExplicitTransaction() {
		return nil
	}
	cur := s.interp.CurrentDB()
	db, _ := extra["db"].(string)
	switch {
	case db != "":
		if cur.Name() == db && cur.InExplicitDB {
			return nil
		}
		return s.interp.SetCurrentDB(db, true)
	case cur.Name() == "" || !cur.InExplicitDB:
		return s.interp.SetCurrentDB("", false)
	}
	return nil
}

// queryExtras reads tx_metadata, tx_timeout and mode.
func queryExtras(extra map[string]any) query.QueryExtras {
	var qe query.QueryExtras
	if md, ok := extra["tx_metadata"].(map[string]any); ok {
		qe.MetadataPV = md
	}
	if ms := intField(extra, "tx_timeout", 0); ms > 0 {
		qe.TxTimeout = time.Duration(ms) * time.Millisecond
	}
	if mode, _ := extra["mode"].(string); mode == "r" {
		qe.IsRead = true
	}
	return qe
}

func mapField(fields []any, i int) map[string]any {
	if i < len(fields) {
		if m, ok := fields[i].(map[string]any); ok {
			return m
		}
	}
	return map[string]any{}
}

func stringField(fields []any, i int) (string, bool) {
	if i < len(fields) {
		s, ok := fields[i].(string)
		return s, ok
	}
	return "", false
}

func intField(m map[string]any, key string, def int) int {
	if v, ok := convert.ToInt64(m[key]); ok {
		return int(v)
	}
	return def
}

// ============================================================================
// Responses
// ============================================================================

// writeRecord buffers a RECORD; the SUCCESS that ends the PULL flushes it.
func (s *Session) writeRecord(row []any) error {
	s.out.buf = s.out.buf[:0]
	s.out.structHeader(1, MsgRecord)
	s.out.packList(row)
	return s.writeChunks(s.out.buf)
}

func (s *Session) sendSuccess(metadata map[string]any) error {
	return s.send(MsgSuccess, metadata)
}

func (s *Session) sendIgnored() error {
	s.out.buf = s.out.buf[:0]
	s.out.structHeader(0, MsgIgnored)
	if err := s.writeChunks(s.out.buf); err != nil {
		return err
	}
	return s.writer.Flush()
}

// fail reports err to the client and moves the session to FAILED. The
// interpreter has already cleaned up after the error.
func (s *Session) fail(err error) error {
	return s.failWith(query.Classify(err).Code(), err)
}

func (s *Session) failWith(code string, err error) error {
	failuresTotal.WithLabelValues(code).Inc()
	s.log.WithError(err).WithField("code", code).Debug("[Bolt] request failed")
	s.state = stateFailed

	message := err.Error()
	if hint := errors.FlattenHints(err); hint != "" {
		message += "\nHINT: " + hint
	}
	return s.send(MsgFailure, map[string]any{"code": code, "message": message})
}

// send writes a one-field response message and flushes.
func (s *Session) send(sig byte, metadata map[string]any) error {
	s.out.buf = s.out.buf[:0]
	s.out.structHeader(1, sig)
	s.out.packMap(metadata)
	if err := s.writeChunks(s.out.buf); err != nil {
		return err
	}
	return s.writer.Flush()
}

// writeChunks frames data as one message: chunks of at most 64KB and a
// zero-size terminator.
func (s *Session) writeChunks(data []byte) error {
	for len(data) > 0 {
		n := min(len(data), maxChunkSize)
		if _, err := s.writer.Write([]byte{byte(n >> 8), byte(n)}); err != nil {
			return err
		}
		if _, err := s.writer.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	_, err := s.writer.Write([]byte{0, 0})
	return err
}
