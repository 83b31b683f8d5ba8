package trigger

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicqe/pkg/storage"
)

func TestStore_AddDropList(t *testing.T) {
	s := NewStore()
	assert.False(t, s.HasTriggers())

	noop := func(context.Context, *Context) error { return nil }
	require.NoError(t, s.Add(Trigger{Name: "b", Phase: BeforeCommit, Fn: noop}))
	require.NoError(t, s.Add(Trigger{Name: "a", Phase: BeforeCommit, Fn: noop}))
	require.NoError(t, s.Add(Trigger{Name: "c", Phase: AfterCommit, Fn: noop}))

	err := s.Add(Trigger{Name: "a", Fn: noop})
	assert.True(t, errors.Is(err, ErrTriggerExists))

	before := s.List(BeforeCommit)
	require.Len(t, before, 2)
	assert.Equal(t, "a", before[0].Name)
	assert.Len(t, s.List(AfterCommit), 1)

	require.NoError(t, s.Drop("a"))
	assert.True(t, errors.Is(s.Drop("a"), ErrTriggerNotFound))
}

func TestCollector_ObservesCommand(t *testing.T) {
	engine, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer engine.Close()
	st, err := engine.Storage("neo4j")
	require.NoError(t, err)

	acc := st.Access(storage.SnapshotIsolation, storage.ReadWrite)
	defer acc.Abort()
	c := NewCollector()
	cmd := acc.NewCommand(nil)
	cmd.SetObserver(c)

	n, err := cmd.CreateNode([]string{"A"}, nil)
	require.NoError(t, err)
	mark := c.Mark()
	_, err = cmd.SetProperty(n.ID, "x", int64(1))
	require.NoError(t, err)

	require.Len(t, c.Events(), 2)
	assert.Equal(t, NodeCreated, c.Events()[0].Kind)
	assert.Equal(t, "x", c.Events()[1].Key)

	c.Truncate(mark)
	assert.Len(t, c.Events(), 1)
}

func TestStore_RunBeforeCommitCanWriteAndVeto(t *testing.T) {
	engine, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer engine.Close()
	st, err := engine.Storage("neo4j")
	require.NoError(t, err)

	s := NewStore()
	require.NoError(t, s.Add(Trigger{Name: "audit", Phase: BeforeCommit, Fn: func(_ context.Context, tc *Context) error {
		_, err := tc.Command.CreateNode([]string{"Audit"}, map[string]any{"changes": int64(len(tc.Events))})
		return err
	}}))

	acc := st.Access(storage.SnapshotIsolation, storage.ReadWrite)
	cmd := acc.NewCommand(nil)
	require.NoError(t, s.RunBeforeCommit(context.Background(), "neo4j", cmd, []Event{{Kind: NodeCreated}}))
	require.NoError(t, acc.Commit())

	count, err := st.ApproximateNodeCount("Audit")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, s.Add(Trigger{Name: "veto", Phase: BeforeCommit, Fn: func(context.Context, *Context) error {
		return errors.New("nope")
	}}))
	err = s.RunBeforeCommit(context.Background(), "neo4j", acc.NewCommand(nil), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "veto")
}

func TestStore_RunAfterCommit(t *testing.T) {
	engine, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer engine.Close()
	st, err := engine.Storage("neo4j")
	require.NoError(t, err)

	s := NewStore()
	require.NoError(t, s.Add(Trigger{Name: "fail", Phase: AfterCommit, Fn: func(_ context.Context, tc *Context) error {
		_, _ = tc.Command.CreateNode([]string{"Lost"}, nil)
		return errors.New("boom")
	}}))
	require.NoError(t, s.Add(Trigger{Name: "log", Phase: AfterCommit, Fn: func(_ context.Context, tc *Context) error {
		_, err := tc.Command.CreateNode([]string{"Log"}, nil)
		return err
	}}))

	s.RunAfterCommit(context.Background(), st, storage.SnapshotIsolation, nil)

	lost, _ := st.ApproximateNodeCount("Lost")
	logged, _ := st.ApproximateNodeCount("Log")
	assert.Zero(t, lost)
	assert.Equal(t, int64(1), logged)
}
