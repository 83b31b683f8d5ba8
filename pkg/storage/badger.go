package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
)

// sequenceBandwidth is how many ids a badger.Sequence leases at once.
const sequenceBandwidth = 1000

// Options configures the Badger engine.
type Options struct {
	// DataDir is the directory for storing data files.
	// Ignored when InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines.
	// If nil, they are routed to logrus at warning level and above.
	Logger badger.Logger

	// DefaultIsolation is the isolation level new storages start with.
	DefaultIsolation IsolationLevel

	// EncryptionKey enables encryption at rest (16, 24 or 32 bytes).
	EncryptionKey []byte

	// EncryptionKeyRotation is how often Badger rotates its data keys.
	// Zero keeps Badger's default.
	EncryptionKeyRotation time.Duration
}

// encryptedIndexCacheSize is the block index cache Badger requires when
// encryption is on.
const encryptedIndexCacheSize = 64 << 20

// Engine owns one BadgerDB and hands out named Storage namespaces.
type Engine struct {
	db       *badger.DB
	opts     Options
	mu       sync.Mutex
	storages map[string]*Storage
	closed   bool
}

// Open opens (or creates) a Badger database with the given options.
func Open(opts Options) (*Engine, error) {
	bopts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites)
	if len(opts.EncryptionKey) > 0 {
		bopts = bopts.WithEncryptionKey(opts.EncryptionKey).WithIndexCacheSize(encryptedIndexCacheSize)
		if opts.EncryptionKeyRotation > 0 {
			bopts = bopts.WithEncryptionKeyRotationDuration(opts.EncryptionKeyRotation)
		}
	}
	if opts.Logger != nil {
		bopts = bopts.WithLogger(opts.Logger)
	} else {
		bopts = bopts.WithLogger(badgerLogger{entry: log.WithField("component", "badger")})
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open badger database at %q", opts.DataDir)
	}
	log.WithFields(log.Fields{"dir": opts.DataDir, "in_memory": opts.InMemory, "encrypted": len(opts.EncryptionKey) > 0}).
		Info("[Storage] badger engine opened")

	return &Engine{
		db:       db,
		opts:     opts,
		storages: make(map[string]*Storage),
	}, nil
}

// OpenInMemory opens a throwaway in-memory engine.
func OpenInMemory() (*Engine, error) {
	return Open(Options{InMemory: true})
}

// Storage returns the namespace called name, creating it on first use.
func (e *Engine) Storage(name string) (*Storage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrStorageClosed
	}
	if s, ok := e.storages[name]; ok {
		return s, nil
	}
	s, err := newStorage(e.db, name, e.opts.DefaultIsolation)
	if err != nil {
		return nil, err
	}
	e.storages[name] = s
	return s, nil
}

// DropStorage removes every key of the namespace.
func (e *Engine) DropStorage(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrStorageClosed
	}
	if s, ok := e.storages[name]; ok {
		s.release()
		delete(e.storages, name)
	}
	if err := e.db.DropPrefix(newKeyspace(name).ns); err != nil {
		return errors.Wrapf(err, "failed to drop storage %q", name)
	}
	return nil
}

// Close releases sequences and closes BadgerDB.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	for _, s := range e.storages {
		s.release()
	}
	return e.db.Close()
}

// RunGC runs one round of value log garbage collection.
func (e *Engine) RunGC() error {
	err := e.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

// Storage is one database's namespace inside the engine.
type Storage struct {
	name      string
	keys      keyspace
	db        *badger.DB
	nodeSeq   *badger.Sequence
	edgeSeq   *badger.Sequence
	isolation atomic.Int32

	constraintsMu sync.RWMutex
	constraints   []UniqueConstraint
}

func newStorage(db *badger.DB, name string, iso IsolationLevel) (*Storage, error) {
	keys := newKeyspace(name)
	nodeSeq, err := db.GetSequence(keys.sequenceKey("node"), sequenceBandwidth)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lease node id sequence")
	}
	edgeSeq, err := db.GetSequence(keys.sequenceKey("edge"), sequenceBandwidth)
	if err != nil {
		_ = nodeSeq.Release()
		return nil, errors.Wrap(err, "failed to lease edge id sequence")
	}
	s := &Storage{name: name, keys: keys, db: db, nodeSeq: nodeSeq, edgeSeq: edgeSeq}
	s.isolation.Store(int32(iso))
	if err := s.loadConstraints(); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Storage) release() {
	if err := s.nodeSeq.Release(); err != nil {
		log.WithError(err).WithField("db", s.name).Warn("[Storage] failed to release node sequence")
	}
	if err := s.edgeSeq.Release(); err != nil {
		log.WithError(err).WithField("db", s.name).Warn("[Storage] failed to release edge sequence")
	}
}

// Name returns the database name.
func (s *Storage) Name() string { return s.name }

// IsolationLevel returns the default isolation level for new transactions.
func (s *Storage) IsolationLevel() IsolationLevel {
	return IsolationLevel(s.isolation.Load())
}

// SetIsolationLevel changes the default isolation level.
func (s *Storage) SetIsolationLevel(l IsolationLevel) {
	s.isolation.Store(int32(l))
}

// Access opens a new accessor (one Badger transaction).
func (s *Storage) Access(iso IsolationLevel, access AccessType) *Accessor {
	return newAccessor(s, iso, access)
}

// ApproximateNodeCount counts the label index entries for label, or all
// nodes when label is empty. It reads the latest committed state.
func (s *Storage) ApproximateNodeCount(label string) (int64, error) {
	prefix := s.keys.prefix(kindNode)
	if label != "" {
		prefix = s.keys.labelIndexPrefix(label)
	}
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// badgerLogger routes Badger's logger to logrus. Info and debug are
// demoted one level because Badger is chatty at startup.
type badgerLogger struct {
	entry *log.Entry
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.entry.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...any) { l.entry.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...any)    { l.entry.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.entry.Tracef(f, v...) }

// catalogPrefix holds one key per registered storage name. Storage names
// are validated by the caller and never start with 0xFF.
var catalogPrefix = []byte{0xFF, 'c', 'a', 't', 0x00}

// Register records name in the engine catalog so it is found again after a
// restart.
func (e *Engine) Register(name string) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append(append([]byte{}, catalogPrefix...), name...), []byte{})
	})
}

// Unregister removes name from the catalog.
func (e *Engine) Unregister(name string) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(append(append([]byte{}, catalogPrefix...), name...))
	})
}

// Registered lists the catalog in key order.
func (e *Engine) Registered() ([]string, error) {
	var names []string
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = catalogPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(catalogPrefix):]))
		}
		return nil
	})
	return names, err
}
