package bolt

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicqe/pkg/auth"
	"github.com/orneryd/nornicqe/pkg/dbms"
	"github.com/orneryd/nornicqe/pkg/query"
	"github.com/orneryd/nornicqe/pkg/sched"
	"github.com/orneryd/nornicqe/pkg/storage"
)

func newTestServer(t *testing.T, configure ...func(*Config)) *Server {
	t.Helper()
	engine, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	m, err := dbms.NewManager(engine, "neo4j")
	require.NoError(t, err)
	qctx, err := query.NewContext(query.ContextConfig{DBMS: m})
	require.NoError(t, err)
	t.Cleanup(qctx.Shutdown)

	pool := sched.New(2)
	t.Cleanup(pool.Close)

	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1"
	cfg.Port = 0
	for _, fn := range configure {
		fn(cfg)
	}
	srv := New(cfg, qctx, pool)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return srv
}

// testClient speaks just enough Bolt to drive a session.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, srv *Server) *testClient {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// dial connects and negotiates Bolt 4.4.
func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	c := dialRaw(t, srv)
	_, err := c.conn.Write(append(boltMagic[:], 0, 0, 4, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0))
	require.NoError(t, err)
	var version [4]byte
	_, err = io.ReadFull(c.r, version[:])
	require.NoError(t, err)
	require.Equal(t, [4]byte{0, 0, 4, 4}, version)
	return c
}

func (c *testClient) send(sig byte, fields ...any) {
	c.t.Helper()
	p := &packer{}
	p.structHeader(len(fields), sig)
	for _, f := range fields {
		p.pack(f)
	}
	data := p.buf
	var framed []byte
	for len(data) > 0 {
		n := min(len(data), maxChunkSize)
		framed = append(framed, byte(n>>8), byte(n))
		framed = append(framed, data[:n]...)
		data = data[n:]
	}
	framed = append(framed, 0, 0)
	_, err := c.conn.Write(framed)
	require.NoError(c.t, err)
}

func (c *testClient) recv() (byte, []any) {
	c.t.Helper()
	var msg []byte
	for {
		var hdr [2]byte
		_, err := io.ReadFull(c.r, hdr[:])
		require.NoError(c.t, err)
		size := int(hdr[0])<<8 | int(hdr[1])
		if size == 0 {
			break
		}
		chunk := make([]byte, size)
		_, err = io.ReadFull(c.r, chunk)
		require.NoError(c.t, err)
		msg = append(msg, chunk...)
	}
	sig, fields, err := decodeMessage(msg)
	require.NoError(c.t, err)
	return sig, fields
}

func (c *testClient) expect(want byte) []any {
	c.t.Helper()
	sig, fields := c.recv()
	require.Equalf(c.t, want, sig, "expected message 0x%02X, got 0x%02X: %v", want, sig, fields)
	return fields
}

func (c *testClient) success() map[string]any {
	c.t.Helper()
	fields := c.expect(MsgSuccess)
	require.Len(c.t, fields, 1)
	return fields[0].(map[string]any)
}

func (c *testClient) failure() map[string]any {
	c.t.Helper()
	sig, fields := c.recv()
	require.Equal(c.t, MsgFailure, sig, "fields: %v", fields)
	return fields[0].(map[string]any)
}

func (c *testClient) hello(user, password string) map[string]any {
	c.t.Helper()
	c.send(MsgHello, map[string]any{
		"user_agent":  "test/1.0",
		"scheme":      "basic",
		"principal":   user,
		"credentials": password,
	})
	return c.success()
}

func (c *testClient) run(q string, params, extra map[string]any) map[string]any {
	c.t.Helper()
	c.send(MsgRun, q, params, extra)
	return c.success()
}

// pull sends PULL and collects records until the closing SUCCESS.
func (c *testClient) pull(extra map[string]any) ([][]any, map[string]any) {
	c.t.Helper()
	c.send(MsgPull, extra)
	var rows [][]any
	for {
		sig, fields := c.recv()
		switch sig {
		case MsgRecord:
			rows = append(rows, fields[0].([]any))
		case MsgSuccess:
			return rows, fields[0].(map[string]any)
		default:
			require.FailNow(c.t, "unexpected message", "%s %v", messageName(sig), fields)
		}
	}
}

func (c *testClient) pullAll() ([][]any, map[string]any) {
	c.t.Helper()
	return c.pull(map[string]any{"n": int64(-1)})
}

func (c *testClient) count(label string) int64 {
	c.t.Helper()
	c.run("MATCH (n:"+label+") RETURN count(n) AS c", nil, nil)
	rows, _ := c.pullAll()
	require.Len(c.t, rows, 1)
	return rows[0][0].(int64)
}

// expectClosed asserts the server hung up.
func (c *testClient) expectClosed() {
	c.t.Helper()
	_, err := c.r.ReadByte()
	require.Error(c.t, err)
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 7687, config.Port)
	assert.Equal(t, 100, config.MaxConnections)
	assert.Equal(t, 8192, config.ReadBufferSize)
	assert.Equal(t, 8192, config.WriteBufferSize)
	assert.Nil(t, config.Authenticator)
}

func TestNegotiateVersion(t *testing.T) {
	tests := []struct {
		name      string
		proposals [16]byte
		want      uint32
	}{
		{"exact 4.4", [16]byte{0, 0, 4, 4}, BoltV4_4},
		{"older minor", [16]byte{0, 0, 1, 4}, BoltV4_1},
		{"skips bolt 5", [16]byte{0, 0, 0, 5, 0, 0, 2, 4}, BoltV4_2},
		{"range reaches 4.4", [16]byte{0, 3, 6, 4}, BoltV4_4},
		{"range too short", [16]byte{0, 1, 7, 4}, 0},
		{"bolt 3 only", [16]byte{0, 0, 0, 3}, 0},
		{"empty", [16]byte{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, negotiateVersion(tt.proposals))
		})
	}
}

func TestHandshake_RejectsBadMagic(t *testing.T) {
	srv := newTestServer(t)
	c := dialRaw(t, srv)
	_, err := c.conn.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 4, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	c.expectClosed()
}

func TestHandshake_NoCommonVersion(t *testing.T) {
	srv := newTestServer(t)
	c := dialRaw(t, srv)
	_, err := c.conn.Write(append(boltMagic[:], 0, 0, 0, 5, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0))
	require.NoError(t, err)
	var version [4]byte
	_, err = io.ReadFull(c.r, version[:])
	require.NoError(t, err)
	assert.Equal(t, [4]byte{}, version)
	c.expectClosed()
}

func TestSession_Hello(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	meta := c.hello("", "")
	assert.Equal(t, "nornicqe/1.0", meta["server"])
	assert.True(t, strings.HasPrefix(meta["connection_id"].(string), "bolt-"))
	assert.Equal(t, 1, srv.SessionCount())
}

func TestSession_RequiresHelloFirst(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.send(MsgRun, "RETURN 1 AS x", map[string]any{}, map[string]any{})
	f := c.failure()
	assert.Equal(t, codeInvalid, f["code"])
	c.expectClosed()
}

func TestSession_ImplicitRunAndPull(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")

	meta := c.run("UNWIND range(1, 3) AS x RETURN x", nil, nil)
	assert.Equal(t, []any{"x"}, meta["fields"])
	assert.NotContains(t, meta, "qid", "qid is only sent inside explicit transactions")

	rows, summary := c.pullAll()
	assert.Equal(t, [][]any{{int64(1)}, {int64(2)}, {int64(3)}}, rows)
	assert.Equal(t, "r", summary["type"])
	assert.NotContains(t, summary, "has_more")
	assert.Contains(t, summary, "t_last")
}

func TestSession_PartialPull(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")

	c.run("UNWIND range(1, 5) AS x RETURN x", nil, nil)
	rows, summary := c.pull(map[string]any{"n": int64(2)})
	assert.Len(t, rows, 2)
	assert.Equal(t, map[string]any{"has_more": true}, summary)

	rows, summary = c.pullAll()
	assert.Equal(t, [][]any{{int64(3)}, {int64(4)}, {int64(5)}}, rows)
	assert.NotContains(t, summary, "has_more")
}

func TestSession_WriteSummary(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")

	c.run("CREATE (n:Item {name: $name}) RETURN n.name AS name", map[string]any{"name": "a"}, nil)
	rows, summary := c.pullAll()
	assert.Equal(t, [][]any{{"a"}}, rows)
	assert.Equal(t, "w", summary["type"])
	assert.Equal(t, "neo4j", summary["db"])
	stats := summary["stats"].(map[string]any)
	assert.Equal(t, int64(1), stats["nodes-created"])

	assert.Equal(t, int64(1), c.count("Item"))
}

func TestSession_Discard(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")

	c.run("CREATE (:Item)", nil, nil)
	c.send(MsgDiscard, map[string]any{"n": int64(-1)})
	summary := c.success()
	assert.Equal(t, "w", summary["type"])

	// Discarding still commits the implicit transaction.
	assert.Equal(t, int64(1), c.count("Item"))
}

func TestSession_ExplicitTransaction(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")
	other := dial(t, srv)
	other.hello("", "")

	c.send(MsgBegin, map[string]any{"tx_metadata": map[string]any{"app": "test"}})
	c.success()

	first := c.run("CREATE (:Item {name: 'a'})", nil, nil)
	second := c.run("CREATE (:Item {name: 'b'})", nil, nil)
	assert.Equal(t, int64(0), first["qid"])
	assert.Equal(t, int64(1), second["qid"])

	_, summary := c.pull(map[string]any{"n": int64(-1), "qid": int64(0)})
	assert.Equal(t, "w", summary["type"])
	_, _ = c.pull(map[string]any{"n": int64(-1), "qid": int64(1)})

	assert.Equal(t, int64(0), other.count("Item"), "uncommitted writes are invisible")

	c.send(MsgCommit)
	commit := c.success()
	assert.True(t, strings.HasPrefix(commit["bookmark"].(string), "nornicqe:tx:"))

	assert.Equal(t, int64(2), other.count("Item"))
}

func TestSession_Rollback(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")

	c.send(MsgBegin, map[string]any{})
	c.success()
	c.run("CREATE (:Item)", nil, nil)
	c.pullAll()
	c.send(MsgRollback)
	c.success()

	assert.Equal(t, int64(0), c.count("Item"))
}

func TestSession_FailureIgnoresUntilReset(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")

	c.send(MsgRun, "MATCH (n RETURN n", map[string]any{}, map[string]any{})
	f := c.failure()
	assert.Equal(t, "Neo.ClientError.Statement.SyntaxError", f["code"])

	c.send(MsgPull, map[string]any{"n": int64(-1)})
	c.expect(MsgIgnored)
	c.send(MsgRun, "RETURN 1 AS x", map[string]any{}, map[string]any{})
	c.expect(MsgIgnored)

	c.send(MsgReset)
	c.success()

	c.run("RETURN 1 AS x", nil, nil)
	rows, _ := c.pullAll()
	assert.Equal(t, [][]any{{int64(1)}}, rows)
}

func TestSession_ResetAbortsFailedTransaction(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")

	c.send(MsgBegin, map[string]any{})
	c.success()
	c.run("CREATE (:Item)", nil, nil)
	c.pullAll()

	c.run("RETURN 1 / 0 AS x", nil, nil)
	c.send(MsgPull, map[string]any{"n": int64(-1)})
	f := c.failure()
	assert.Equal(t, "Neo.ClientError.Statement.ArithmeticError", f["code"])

	c.send(MsgCommit)
	c.expect(MsgIgnored)

	c.send(MsgReset)
	c.success()
	assert.Equal(t, int64(0), c.count("Item"))
}

func TestSession_QidOutsideTransaction(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")

	c.run("RETURN 1 AS x", nil, nil)
	c.send(MsgPull, map[string]any{"n": int64(-1), "qid": int64(0)})
	f := c.failure()
	assert.Equal(t, "Neo.ClientError.Statement.ArgumentError", f["code"])
}

func TestSession_BeginWithUnknownDatabase(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")

	c.send(MsgBegin, map[string]any{"db": "missing"})
	f := c.failure()
	assert.Equal(t, "Neo.ClientError.Database.DatabaseNotFound", f["code"])
}

func TestSession_DatabaseField(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")

	c.run("CREATE DATABASE analytics", nil, nil)
	c.pullAll()

	c.run("CREATE (:Item)", nil, map[string]any{"db": "analytics"})
	_, summary := c.pullAll()
	assert.Equal(t, "analytics", summary["db"])

	assert.Equal(t, int64(1), c.count("Item"), "session stays on the chosen database")

	c.run("SHOW DATABASE", nil, map[string]any{"db": "neo4j"})
	rows, _ := c.pullAll()
	assert.Equal(t, [][]any{{"neo4j"}}, rows)
	assert.Equal(t, int64(0), c.count("Item"))
}

func TestSession_Route(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")

	c.send(MsgRoute, map[string]any{"address": "localhost:7687"}, []any{}, map[string]any{"db": "neo4j"})
	meta := c.success()
	rt := meta["rt"].(map[string]any)
	assert.Equal(t, int64(300), rt["ttl"])
	assert.Equal(t, "neo4j", rt["db"])
	servers := rt["servers"].([]any)
	require.Len(t, servers, 3)
	roles := make([]string, 0, 3)
	for _, s := range servers {
		entry := s.(map[string]any)
		roles = append(roles, entry["role"].(string))
		assert.Equal(t, []any{"localhost:7687"}, entry["addresses"])
	}
	assert.ElementsMatch(t, []string{"ROUTE", "READ", "WRITE"}, roles)
}

func TestSession_LargeValuesSpanChunks(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")

	big := strings.Repeat("x", 3*maxChunkSize)
	c.run("RETURN $s AS s", map[string]any{"s": big}, nil)
	rows, _ := c.pullAll()
	require.Len(t, rows, 1)
	assert.Equal(t, big, rows[0][0])
}

func TestSession_GoodbyeClosesSession(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")
	require.Equal(t, 1, srv.SessionCount())

	c.send(MsgGoodbye)
	c.expectClosed()
	require.Eventually(t, func() bool { return srv.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSession_NoopChunk(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	_, err := c.conn.Write([]byte{0, 0})
	require.NoError(t, err)
	c.hello("", "")
}

func TestSession_Authentication(t *testing.T) {
	authenticator, err := auth.NewAuthenticator(auth.AuthConfig{
		MinPasswordLength: 4,
		BcryptCost:        4,
		MaxFailedLogins:   5,
		LockoutDuration:   time.Minute,
		SecurityEnabled:   true,
	})
	require.NoError(t, err)
	_, err = authenticator.CreateUser("alice", "alice-pw", []auth.Role{auth.RoleEditor})
	require.NoError(t, err)
	_, err = authenticator.CreateUser("victor", "victor-pw", []auth.Role{auth.RoleViewer})
	require.NoError(t, err)

	srv := newTestServer(t, func(c *Config) { c.Authenticator = authenticator })

	t.Run("wrong password", func(t *testing.T) {
		c := dial(t, srv)
		c.send(MsgHello, map[string]any{"scheme": "basic", "principal": "alice", "credentials": "nope"})
		f := c.failure()
		assert.Equal(t, codeUnauthorized, f["code"])
		c.expectClosed()
	})

	t.Run("anonymous", func(t *testing.T) {
		c := dial(t, srv)
		c.send(MsgHello, map[string]any{"scheme": "none"})
		f := c.failure()
		assert.Equal(t, codeUnauthorized, f["code"])
	})

	t.Run("editor writes", func(t *testing.T) {
		c := dial(t, srv)
		c.hello("alice", "alice-pw")
		c.run("CREATE (:Item)", nil, nil)
		c.pullAll()
		assert.Equal(t, int64(1), c.count("Item"))
	})

	t.Run("viewer cannot write", func(t *testing.T) {
		c := dial(t, srv)
		c.hello("victor", "victor-pw")
		c.send(MsgRun, "CREATE (:Item)", map[string]any{}, map[string]any{})
		f := c.failure()
		assert.Equal(t, "Neo.ClientError.Security.Forbidden", f["code"])

		c.send(MsgReset)
		c.success()
		c.run("MATCH (n:Item) RETURN count(n) AS c", nil, nil)
		rows, _ := c.pullAll()
		assert.Equal(t, [][]any{{int64(1)}}, rows)
	})
}

func TestServer_MaxConnections(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.MaxConnections = 1 })
	first := dial(t, srv)
	first.hello("", "")

	second := dialRaw(t, srv)
	second.expectClosed()

	first.run("RETURN 1 AS x", nil, nil)
	rows, _ := first.pullAll()
	assert.Len(t, rows, 1)
}

func TestServer_CloseDisconnectsClients(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	c.hello("", "")

	require.NoError(t, srv.Close())
	assert.True(t, srv.IsClosed())
	c.expectClosed()
	assert.Equal(t, 0, srv.SessionCount())
	assert.NoError(t, srv.Close(), "second Close is a no-op")
}
