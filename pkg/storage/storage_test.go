package storage

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicqe/pkg/memory"
)

func setupTestStorage(t *testing.T) (*Engine, *Storage) {
	t.Helper()
	engine, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	st, err := engine.Storage("neo4j")
	require.NoError(t, err)
	return engine, st
}

func TestCommand_CreateAndRead(t *testing.T) {
	_, st := setupTestStorage(t)

	acc := st.Access(SnapshotIsolation, ReadWrite)
	cmd := acc.NewCommand(nil)
	alice, err := cmd.CreateNode([]string{"User"}, map[string]any{"name": "Alice", "age": int64(30)})
	require.NoError(t, err)
	bob, err := cmd.CreateNode([]string{"User"}, map[string]any{"name": "Bob"})
	require.NoError(t, err)
	_, err = cmd.CreateEdge("KNOWS", alice.ID, bob.ID, map[string]any{"since": int64(2020)})
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	reader := st.Access(SnapshotIsolation, ReadOnly)
	defer reader.Abort()
	rc := reader.NewCommand(nil)

	got, err := rc.GetNode(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Properties["name"])
	assert.Equal(t, int64(30), got.Properties["age"])
	assert.True(t, got.HasLabel("user"))

	ids, err := rc.NodeIDs("user")
	require.NoError(t, err)
	assert.Equal(t, []NodeID{alice.ID, bob.ID}, ids)

	edges, err := rc.EdgeIDs(bob.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	edge, err := rc.GetEdge(edges[0])
	require.NoError(t, err)
	assert.Equal(t, "KNOWS", edge.Type)
	assert.Equal(t, int64(2020), edge.Properties["since"])

	count, err := st.ApproximateNodeCount("User")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestAccessor_AbortDiscardsWrites(t *testing.T) {
	_, st := setupTestStorage(t)

	acc := st.Access(SnapshotIsolation, ReadWrite)
	_, err := acc.NewCommand(nil).CreateNode([]string{"Tmp"}, nil)
	require.NoError(t, err)
	acc.Abort()
	acc.Abort()

	assert.ErrorIs(t, acc.Commit(), ErrTransactionClosed)
	count, err := st.ApproximateNodeCount("Tmp")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCommand_AbortUndoesOnlyTheCommand(t *testing.T) {
	_, st := setupTestStorage(t)

	acc := st.Access(SnapshotIsolation, ReadWrite)
	first := acc.NewCommand(nil)
	kept, err := first.CreateNode([]string{"Item"}, map[string]any{"v": int64(1)})
	require.NoError(t, err)

	second := acc.NewCommand(nil)
	_, err = second.SetProperty(kept.ID, "v", int64(2))
	require.NoError(t, err)
	_, err = second.CreateNode([]string{"Item"}, nil)
	require.NoError(t, err)
	require.NoError(t, second.Abort())

	ids, err := first.NodeIDs("Item")
	require.NoError(t, err)
	assert.Equal(t, []NodeID{kept.ID}, ids)
	n, err := first.GetNode(kept.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.Properties["v"])

	require.NoError(t, acc.Commit())
}

func TestCommand_DeleteNode(t *testing.T) {
	_, st := setupTestStorage(t)

	acc := st.Access(SnapshotIsolation, ReadWrite)
	defer acc.Abort()
	cmd := acc.NewCommand(nil)
	a, _ := cmd.CreateNode([]string{"N"}, nil)
	b, _ := cmd.CreateNode([]string{"N"}, nil)
	_, err := cmd.CreateEdge("R", a.ID, b.ID, nil)
	require.NoError(t, err)

	err = cmd.DeleteNode(a.ID, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNodeHasEdges))

	require.NoError(t, cmd.DeleteNode(a.ID, true))
	_, err = cmd.GetNode(a.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	edges, err := cmd.EdgeIDs(b.ID)
	require.NoError(t, err)
	assert.Empty(t, edges)

	stats := cmd.Stats()
	assert.Equal(t, 2, stats.NodesCreated)
	assert.Equal(t, 1, stats.NodesDeleted)
	assert.Equal(t, 1, stats.RelationshipsDeleted)
}

func TestCommand_CreateEdgeRequiresNodes(t *testing.T) {
	_, st := setupTestStorage(t)
	acc := st.Access(SnapshotIsolation, ReadWrite)
	defer acc.Abort()

	_, err := acc.NewCommand(nil).CreateEdge("R", 100, 200, nil)
	assert.True(t, errors.Is(err, ErrInvalidEdge))
}

func TestAccessor_ReadOnlyRejectsWrites(t *testing.T) {
	_, st := setupTestStorage(t)
	acc := st.Access(SnapshotIsolation, ReadOnly)
	defer acc.Abort()

	_, err := acc.NewCommand(nil).CreateNode(nil, nil)
	assert.ErrorIs(t, err, ErrReadOnlyAccessor)
}

func TestIsolation_SnapshotVsReadCommitted(t *testing.T) {
	_, st := setupTestStorage(t)

	snapshot := st.Access(SnapshotIsolation, ReadWrite)
	defer snapshot.Abort()
	committed := st.Access(ReadCommitted, ReadWrite)
	defer committed.Abort()

	writer := st.Access(SnapshotIsolation, ReadWrite)
	_, err := writer.NewCommand(nil).CreateNode([]string{"Late"}, nil)
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	ids, err := snapshot.NewCommand(nil).NodeIDs("Late")
	require.NoError(t, err)
	assert.Empty(t, ids, "snapshot must not see later commits")

	rcCmd := committed.NewCommand(nil)
	ids, err = rcCmd.NodeIDs("Late")
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	own, err := rcCmd.CreateNode([]string{"Late"}, nil)
	require.NoError(t, err)
	ids, err = rcCmd.NodeIDs("Late")
	require.NoError(t, err)
	assert.Contains(t, ids, own.ID)
	assert.Len(t, ids, 2)
}

func TestAccessor_ConflictIsSerializationError(t *testing.T) {
	_, st := setupTestStorage(t)

	setup := st.Access(SnapshotIsolation, ReadWrite)
	n, err := setup.NewCommand(nil).CreateNode([]string{"C"}, map[string]any{"v": int64(0)})
	require.NoError(t, err)
	require.NoError(t, setup.Commit())

	t1 := st.Access(SnapshotIsolation, ReadWrite)
	t2 := st.Access(SnapshotIsolation, ReadWrite)
	_, err = t1.NewCommand(nil).SetProperty(n.ID, "v", int64(1))
	require.NoError(t, err)
	_, err = t2.NewCommand(nil).SetProperty(n.ID, "v", int64(2))
	require.NoError(t, err)

	require.NoError(t, t1.Commit())
	err = t2.Commit()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSerialization))
}

func TestUniqueConstraint(t *testing.T) {
	_, st := setupTestStorage(t)

	created, err := st.CreateUniqueConstraint("User", "email")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = st.CreateUniqueConstraint("User", "email")
	require.NoError(t, err)
	assert.False(t, created)

	acc := st.Access(SnapshotIsolation, ReadWrite)
	cmd := acc.NewCommand(nil)
	alice, err := cmd.CreateNode([]string{"User"}, map[string]any{"email": "a@example.com"})
	require.NoError(t, err)

	_, err = cmd.CreateNode([]string{"User"}, map[string]any{"email": "a@example.com"})
	var cve *ConstraintViolationError
	require.ErrorAs(t, err, &cve)
	assert.Equal(t, ConstraintUnique, cve.Type)

	// Changing the value frees the old one.
	_, err = cmd.SetProperty(alice.ID, "email", "alice@example.com")
	require.NoError(t, err)
	_, err = cmd.CreateNode([]string{"User"}, map[string]any{"email": "a@example.com"})
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	dropped, err := st.DropUniqueConstraint("User", "email")
	require.NoError(t, err)
	assert.True(t, dropped)
	assert.Empty(t, st.Constraints())
}

func TestUniqueConstraint_RejectsExistingDuplicates(t *testing.T) {
	_, st := setupTestStorage(t)

	acc := st.Access(SnapshotIsolation, ReadWrite)
	cmd := acc.NewCommand(nil)
	_, _ = cmd.CreateNode([]string{"P"}, map[string]any{"k": "x"})
	_, _ = cmd.CreateNode([]string{"P"}, map[string]any{"k": "x"})
	require.NoError(t, acc.Commit())

	_, err := st.CreateUniqueConstraint("P", "k")
	var cve *ConstraintViolationError
	assert.ErrorAs(t, err, &cve)
	assert.Empty(t, st.Constraints())
}

func TestUniqueConstraint_LabelCaseFolded(t *testing.T) {
	_, st := setupTestStorage(t)

	acc := st.Access(SnapshotIsolation, ReadWrite)
	_, err := acc.NewCommand(nil).CreateNode([]string{"Person"}, map[string]any{"name": "Ada"})
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	created, err := st.CreateUniqueConstraint("person", "name")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = st.CreateUniqueConstraint("PERSON", "name")
	require.NoError(t, err)
	assert.False(t, created)

	acc = st.Access(SnapshotIsolation, ReadWrite)
	defer acc.Abort()
	_, err = acc.NewCommand(nil).CreateNode([]string{"Person"}, map[string]any{"name": "Ada"})
	var cve *ConstraintViolationError
	require.ErrorAs(t, err, &cve, "existing :Person nodes were indexed by the :person constraint")
}

func TestEngine_StoragesAreIsolated(t *testing.T) {
	engine, first := setupTestStorage(t)
	second, err := engine.Storage("other")
	require.NoError(t, err)

	acc := first.Access(SnapshotIsolation, ReadWrite)
	_, err = acc.NewCommand(nil).CreateNode([]string{"X"}, nil)
	require.NoError(t, err)
	require.NoError(t, acc.Commit())

	count, err := second.ApproximateNodeCount("")
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, engine.DropStorage("neo4j"))
	again, err := engine.Storage("neo4j")
	require.NoError(t, err)
	count, err = again.ApproximateNodeCount("")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCommand_ReadsThroughQueryMemory(t *testing.T) {
	_, st := setupTestStorage(t)
	up := memory.NewUpstream(0)
	qa := memory.NewQueryAllocator(up, memory.DefaultOptions())

	acc := st.Access(SnapshotIsolation, ReadWrite)
	defer acc.Abort()
	cmd := acc.NewCommand(qa.Resource())
	n, err := cmd.CreateNode([]string{"M"}, map[string]any{"blob": "hello"})
	require.NoError(t, err)

	got, err := cmd.GetNode(n.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Properties["blob"])
	assert.Greater(t, qa.Reserved(), int64(0))

	qa.Close()
	assert.Zero(t, up.Used())
}

func TestCommand_ReadFailsWhenQueryMemoryExhausted(t *testing.T) {
	_, st := setupTestStorage(t)
	qa := memory.NewQueryAllocator(memory.NewUpstream(16), memory.DefaultOptions())
	defer qa.Close()

	acc := st.Access(SnapshotIsolation, ReadWrite)
	defer acc.Abort()
	n, err := acc.NewCommand(nil).CreateNode(nil, map[string]any{"text": "more than sixteen bytes"})
	require.NoError(t, err)

	_, err = acc.NewCommand(qa.Resource()).GetNode(n.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrOutOfMemory))
}

func TestAccessor_Metadata(t *testing.T) {
	_, st := setupTestStorage(t)
	acc := st.Access(SnapshotIsolation, ReadOnly)
	defer acc.Abort()

	require.NoError(t, acc.SetMetadata(map[string]any{"app": "billing"}))
	assert.Equal(t, "billing", acc.Metadata()["app"])

	big := make([]byte, MaxMetadataSize+1)
	err := acc.SetMetadata(map[string]any{"x": string(big)})
	assert.True(t, errors.Is(err, ErrMetadataTooLarge))
}

func TestParseIsolationLevel(t *testing.T) {
	for _, l := range []IsolationLevel{SnapshotIsolation, ReadCommitted, ReadUncommitted} {
		got, err := ParseIsolationLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseIsolationLevel("serializable")
	assert.Error(t, err)
}

func TestEngine_EncryptedReopen(t *testing.T) {
	dir := t.TempDir()
	key := []byte("0123456789abcdef0123456789abcdef")

	engine, err := Open(Options{DataDir: dir, EncryptionKey: key})
	require.NoError(t, err)
	st, err := engine.Storage("neo4j")
	require.NoError(t, err)
	acc := st.Access(SnapshotIsolation, ReadWrite)
	node, err := acc.NewCommand(nil).CreateNode([]string{"Secret"}, map[string]any{"v": "classified"})
	require.NoError(t, err)
	require.NoError(t, acc.Commit())
	require.NoError(t, engine.Close())

	_, err = Open(Options{DataDir: dir, EncryptionKey: []byte("fedcba9876543210fedcba9876543210")})
	assert.Error(t, err, "wrong key")

	engine, err = Open(Options{DataDir: dir, EncryptionKey: key})
	require.NoError(t, err)
	defer engine.Close()
	st, err = engine.Storage("neo4j")
	require.NoError(t, err)
	reader := st.Access(SnapshotIsolation, ReadOnly)
	defer reader.Abort()
	got, err := reader.NewCommand(nil).GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, "classified", got.Properties["v"])
}
