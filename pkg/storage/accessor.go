package storage

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/nornicqe/pkg/memory"
)

// Accessor is one storage transaction.
//
// Under SnapshotIsolation every read goes through the Badger transaction and
// sees the snapshot taken when the accessor was opened plus its own writes.
// Under ReadCommitted, keys the accessor has not written are read from a
// fresh view of the latest committed state.
//
// An Accessor is not safe for concurrent use.
type Accessor struct {
	storage   *Storage
	txn       *badger.Txn
	isolation IsolationLevel
	access    AccessType
	written   map[string]bool
	metadata  map[string]any
	done      bool
}

func newAccessor(s *Storage, iso IsolationLevel, access AccessType) *Accessor {
	return &Accessor{
		storage:   s,
		txn:       s.db.NewTransaction(access == ReadWrite),
		isolation: iso,
		access:    access,
		written:   make(map[string]bool),
	}
}

// Storage returns the storage the accessor was opened on.
func (a *Accessor) Storage() *Storage { return a.storage }

// IsolationLevel returns the accessor's isolation level.
func (a *Accessor) IsolationLevel() IsolationLevel { return a.isolation }

// AccessType returns whether the accessor may write.
func (a *Accessor) AccessType() AccessType { return a.access }

// Done reports whether Commit or Abort has been called.
func (a *Accessor) Done() bool { return a.done }

// HasWrites reports whether anything was written through the accessor.
func (a *Accessor) HasWrites() bool { return len(a.written) > 0 }

// Commit makes the accessor's writes durable. Write-write and read-write
// conflicts with transactions that committed after this one started are
// reported as ErrSerialization.
func (a *Accessor) Commit() error {
	if a.done {
		return ErrTransactionClosed
	}
	a.done = true
	if err := a.txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return errors.WithHint(
				errors.Mark(errors.Wrap(err, "commit failed"), ErrSerialization),
				"retry the transaction")
		}
		return errors.Wrap(err, "commit failed")
	}
	return nil
}

// Abort discards the accessor. Calling it more than once is a no-op.
func (a *Accessor) Abort() {
	if a.done {
		return
	}
	a.done = true
	a.txn.Discard()
}

// SetMetadata merges user-supplied transaction metadata.
func (a *Accessor) SetMetadata(md map[string]any) error {
	if a.done {
		return ErrTransactionClosed
	}
	if err := CheckMetadata(md); err != nil {
		return err
	}
	if a.metadata == nil {
		a.metadata = make(map[string]any, len(md))
	}
	for k, v := range md {
		a.metadata[k] = v
	}
	return nil
}

// Metadata returns a copy of the transaction metadata.
func (a *Accessor) Metadata() map[string]any {
	return copyProperties(a.metadata)
}

// CheckMetadata fails with ErrMetadataTooLarge when md renders to more than
// MaxMetadataSize characters.
func CheckMetadata(md map[string]any) error {
	total := 0
	for k, v := range md {
		total += len(k)
		if v != nil {
			total += len(fmt.Sprint(v))
		}
	}
	if total > MaxMetadataSize {
		return errors.Mark(
			errors.Newf("transaction metadata too large: %d chars (max %d)", total, MaxMetadataSize),
			ErrMetadataTooLarge)
	}
	return nil
}

// NewCommand starts a statement-scoped write group. mem, when not nil,
// supplies the buffers values are copied into while reading.
func (a *Accessor) NewCommand(mem memory.Resource) *Command {
	return &Command{acc: a, mem: mem, seen: make(map[string]struct{})}
}

func (a *Accessor) writable() error {
	if a.done {
		return ErrTransactionClosed
	}
	if a.access == ReadOnly {
		return ErrReadOnlyAccessor
	}
	return nil
}

func (a *Accessor) read(key []byte, fn func(item *badger.Item) error) error {
	if a.done {
		return ErrTransactionClosed
	}
	if a.isolation != SnapshotIsolation {
		if _, mine := a.written[string(key)]; !mine {
			return a.storage.db.View(func(txn *badger.Txn) error {
				item, err := txn.Get(key)
				if err != nil {
					return err
				}
				return fn(item)
			})
		}
	}
	item, err := a.txn.Get(key)
	if err != nil {
		return err
	}
	return fn(item)
}

func (a *Accessor) set(key, val []byte) error {
	if err := a.writable(); err != nil {
		return err
	}
	if err := a.txn.Set(key, val); err != nil {
		return errors.Wrap(err, "write failed")
	}
	a.written[string(key)] = true
	return nil
}

func (a *Accessor) delete(key []byte) error {
	if err := a.writable(); err != nil {
		return err
	}
	if err := a.txn.Delete(key); err != nil {
		return errors.Wrap(err, "delete failed")
	}
	a.written[string(key)] = false
	return nil
}

// scanIDs returns the sorted trailing ids of every key under prefix. The
// iterator is closed before returning, so callers may write afterwards.
func (a *Accessor) scanIDs(prefix []byte) ([]uint64, error) {
	if a.done {
		return nil, ErrTransactionClosed
	}
	collect := func(txn *badger.Txn) []uint64 {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		var ids []uint64
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, trailingID(it.Item().Key()))
		}
		return ids
	}

	if a.isolation == SnapshotIsolation {
		return collect(a.txn), nil
	}

	var committed []uint64
	if err := a.storage.db.View(func(txn *badger.Txn) error {
		committed = collect(txn)
		return nil
	}); err != nil {
		return nil, err
	}
	set := make(map[uint64]struct{}, len(committed))
	for _, id := range committed {
		set[id] = struct{}{}
	}
	for k, present := range a.written {
		if len(k) != len(prefix)+8 || k[:len(prefix)] != string(prefix) {
			continue
		}
		id := trailingID([]byte(k))
		if present {
			set[id] = struct{}{}
		} else {
			delete(set, id)
		}
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// copyValue copies an item's value into a buffer from mem. The returned
// buffer must be handed back to mem once the value has been decoded.
func copyValue(item *badger.Item, mem memory.Resource) (val, buf []byte, err error) {
	if mem == nil {
		val, err = item.ValueCopy(nil)
		return val, nil, err
	}
	buf, err = mem.Allocate(int(item.ValueSize()))
	if err != nil {
		return nil, nil, err
	}
	val, err = item.ValueCopy(buf)
	if err != nil {
		mem.Deallocate(buf)
		return nil, nil, err
	}
	return val, buf, nil
}
