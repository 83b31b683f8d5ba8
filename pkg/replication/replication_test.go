package replication

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	name string
	mode Mode
	err  error

	mu       sync.Mutex
	received []SystemDelta
	shutdown bool
}

func (f *fakeClient) Name() string { return f.name }
func (f *fakeClient) Mode() Mode   { return f.mode }

func (f *fakeClient) Replicate(_ context.Context, d SystemDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.received = append(f.received, d)
	return nil
}

func (f *fakeClient) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

func (f *fakeClient) got() []SystemDelta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemDelta(nil), f.received...)
}

func TestSystemTransaction_CommitReplicates(t *testing.T) {
	m := NewManager()
	sync1 := &fakeClient{name: "r1", mode: ModeSync}
	async1 := &fakeClient{name: "r2", mode: ModeAsync}
	require.NoError(t, m.Register(sync1))
	require.NoError(t, m.Register(async1))
	assert.Equal(t, []string{"r1", "r2"}, m.Replicas())

	tx := m.Begin()
	tx.AddAction(DeltaCreateDatabase, "db1")
	tx.AddAction(DeltaDropDatabase, "db2")
	require.NoError(t, tx.Commit(context.Background()))
	m.WaitAsync()

	for _, c := range []*fakeClient{sync1, async1} {
		got := c.got()
		require.Len(t, got, 2, c.name)
		assert.Equal(t, DeltaCreateDatabase, got[0].Kind)
		assert.Equal(t, "db1", got[0].Database)
		assert.Equal(t, m.Epoch(), got[0].Epoch)
		assert.Equal(t, tx.Timestamp(), got[1].Timestamp)
	}

	assert.ErrorIs(t, tx.Commit(context.Background()), ErrTransactionDone)
}

func TestSystemTransaction_SyncFailureFailsCommit(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(&fakeClient{name: "bad", mode: ModeSync, err: errors.New("down")}))

	tx := m.Begin()
	tx.AddAction(DeltaCreateDatabase, "db1")
	err := tx.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSyncReplicaFailed))
}

func TestSystemTransaction_AsyncFailureIsLogged(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(&fakeClient{name: "bad", mode: ModeAsync, err: errors.New("down")}))

	tx := m.Begin()
	tx.AddAction(DeltaCreateDatabase, "db1")
	assert.NoError(t, tx.Commit(context.Background()))
	m.WaitAsync()
}

func TestSystemTransaction_Abort(t *testing.T) {
	m := NewManager()
	c := &fakeClient{name: "r1", mode: ModeSync}
	require.NoError(t, m.Register(c))

	tx := m.Begin()
	tx.AddAction(DeltaCreateDatabase, "db1")
	tx.Abort()
	tx.Abort()
	assert.Empty(t, tx.Deltas())
	assert.Empty(t, c.got())
}

func TestManager_RegisterUnregister(t *testing.T) {
	m := NewManager()
	c := &fakeClient{name: "r1", mode: ModeSync}
	require.NoError(t, m.Register(c))
	assert.ErrorIs(t, m.Register(&fakeClient{name: "r1"}), ErrReplicaExists)

	require.NoError(t, m.Unregister("r1"))
	assert.True(t, c.shutdown)
	assert.ErrorIs(t, m.Unregister("r1"), ErrReplicaNotFound)

	a, b := m.Begin(), m.Begin()
	assert.Less(t, a.Timestamp(), b.Timestamp())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("sync")
	require.NoError(t, err)
	assert.Equal(t, ModeSync, m)
	m, err = ParseMode("Async")
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, m)
	_, err = ParseMode("strict")
	assert.ErrorIs(t, err, ErrInvalidReplicaMode)
}

func TestHTTPClient_RoundTrip(t *testing.T) {
	var mu sync.Mutex
	var applied []SystemDelta
	srv := httptest.NewServer(Handler(func(d SystemDelta) error {
		mu.Lock()
		defer mu.Unlock()
		if d.Database == "reject" {
			return errors.New("database exists")
		}
		applied = append(applied, d)
		return nil
	}))
	defer srv.Close()

	c := NewHTTPClient(ReplicaConfig{Name: "r1", Endpoint: srv.URL + "/"})
	defer c.Shutdown()
	assert.Equal(t, ModeSync, c.Mode())
	require.NoError(t, c.Ping(context.Background()))

	m := NewManager()
	require.NoError(t, m.Register(c))
	tx := m.Begin()
	tx.AddAction(DeltaCreateDatabase, "db1")
	require.NoError(t, tx.Commit(context.Background()))

	mu.Lock()
	require.Len(t, applied, 1)
	assert.Equal(t, "db1", applied[0].Database)
	mu.Unlock()

	err := c.Replicate(context.Background(), SystemDelta{Kind: DeltaCreateDatabase, Database: "reject"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestRunHealthChecks_StopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(Handler(func(SystemDelta) error { return nil }))
	defer srv.Close()

	m := NewManager()
	require.NoError(t, m.Register(NewHTTPClient(ReplicaConfig{Name: "r1", Endpoint: srv.URL})))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.RunHealthChecks(ctx, 10*time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("health checks did not stop")
	}
}

func TestSingleInstance_Route(t *testing.T) {
	rt, err := SingleInstance{Address: "localhost:7687"}.Route(context.Background(), nil, "neo4j")
	require.NoError(t, err)
	assert.Equal(t, DefaultRoutingTTL, rt.TTL)
	assert.Equal(t, "neo4j", rt.DB)

	servers := rt.Servers()
	require.Len(t, servers, 3)
	first := servers[0].(map[string]any)
	assert.Equal(t, RoleRoute, first["role"])
	assert.Equal(t, []any{"localhost:7687"}, first["addresses"])
}
