// Package dbms manages the set of databases served by one instance.
//
// Each Database is a storage namespace plus its trigger store. The Manager
// keeps the catalog persistent through the storage engine so databases
// survive restarts.
package dbms

import (
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/orneryd/nornicqe/pkg/replication"
	"github.com/orneryd/nornicqe/pkg/storage"
	"github.com/orneryd/nornicqe/pkg/trigger"
)

var (
	ErrDatabaseNotFound   = errors.New("database not found")
	ErrDatabaseExists     = errors.New("database already exists")
	ErrInvalidName        = errors.New("invalid database name")
	ErrCannotDropDefault  = errors.New("cannot drop the default database")
	ErrDatabaseIsDeleting = errors.New("database is being dropped")
)

var validName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.\-]{0,62}$`)

// Database is one named graph.
type Database struct {
	name     string
	storage  *storage.Storage
	triggers *trigger.Store
	deleting atomic.Bool
}

// Name returns the database name.
func (d *Database) Name() string { return d.name }

// Storage returns the database's storage.
func (d *Database) Storage() *storage.Storage { return d.storage }

// Triggers returns the database's trigger store.
func (d *Database) Triggers() *trigger.Store { return d.triggers }

// IsDeleting reports whether a DROP DATABASE has started on it. Sessions
// still bound to it must let go at the next reset.
func (d *Database) IsDeleting() bool { return d.deleting.Load() }

// Manager owns every Database of the instance.
type Manager struct {
	engine      *storage.Engine
	defaultName string

	mu  sync.RWMutex
	dbs map[string]*Database
}

// NewManager opens the default database and every database in the
// engine catalog.
func NewManager(engine *storage.Engine, defaultName string) (*Manager, error) {
	if !validName.MatchString(defaultName) {
		return nil, errors.Wrapf(ErrInvalidName, "%q", defaultName)
	}
	m := &Manager{engine: engine, defaultName: defaultName, dbs: make(map[string]*Database)}

	names, err := engine.Registered()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read database catalog")
	}
	if !contains(names, defaultName) {
		if err := engine.Register(defaultName); err != nil {
			return nil, err
		}
		names = append(names, defaultName)
	}
	for _, name := range names {
		if _, err := m.open(name); err != nil {
			return nil, err
		}
	}
	log.WithFields(log.Fields{"default": defaultName, "databases": len(m.dbs)}).Info("[DBMS] databases loaded")
	return m, nil
}

func (m *Manager) open(name string) (*Database, error) {
	st, err := m.engine.Storage(name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %q", name)
	}
	db := &Database{name: name, storage: st, triggers: trigger.NewStore()}
	m.dbs[name] = db
	return db, nil
}

// DefaultName returns the name of the default database.
func (m *Manager) DefaultName() string { return m.defaultName }

// Default returns the default database.
func (m *Manager) Default() *Database {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dbs[m.defaultName]
}

// Get returns the database called name.
func (m *Manager) Get(name string) (*Database, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.dbs[name]
	if !ok {
		return nil, errors.Wrapf(ErrDatabaseNotFound, "%q", name)
	}
	return db, nil
}

// Exists reports whether name is a live database.
func (m *Manager) Exists(name string) bool {
	_, err := m.Get(name)
	return err == nil
}

// ValidateName checks that name can be used for a new database.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return errors.WithHint(errors.Wrapf(ErrInvalidName, "%q", name),
			"names start with a letter and contain letters, digits, '_', '.' or '-'")
	}
	return nil
}

// Create adds a database.
func (m *Manager) Create(name string) (*Database, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dbs[name]; ok {
		return nil, errors.Wrapf(ErrDatabaseExists, "%q", name)
	}
	if err := m.engine.Register(name); err != nil {
		return nil, err
	}
	db, err := m.open(name)
	if err != nil {
		return nil, err
	}
	log.WithField("db", name).Info("[DBMS] database created")
	return db, nil
}

// Drop marks the database as deleting, removes it from the catalog and
// erases its data.
func (m *Manager) Drop(name string) error {
	if name == m.defaultName {
		return ErrCannotDropDefault
	}
	m.mu.Lock()
	db, ok := m.dbs[name]
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrDatabaseNotFound, "%q", name)
	}
	if !db.deleting.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return errors.Wrapf(ErrDatabaseIsDeleting, "%q", name)
	}
	delete(m.dbs, name)
	m.mu.Unlock()

	if err := m.engine.Unregister(name); err != nil {
		return err
	}
	if err := m.engine.DropStorage(name); err != nil {
		return err
	}
	log.WithField("db", name).Info("[DBMS] database dropped")
	return nil
}

// ApplySystemDelta replays a change received from the main instance.
// Replays are idempotent: creating an existing database or dropping a
// missing one succeeds.
func (m *Manager) ApplySystemDelta(d replication.SystemDelta) error {
	switch d.Kind {
	case replication.DeltaCreateDatabase:
		if _, err := m.Create(d.Database); err != nil && !errors.Is(err, ErrDatabaseExists) {
			return err
		}
	case replication.DeltaDropDatabase:
		if err := m.Drop(d.Database); err != nil && !errors.Is(err, ErrDatabaseNotFound) {
			return err
		}
	default:
		return errors.Newf("unknown system delta kind %q", d.Kind)
	}
	log.WithFields(log.Fields{"kind": d.Kind, "db": d.Database, "epoch": d.Epoch}).
		Debug("[DBMS] applied replicated change")
	return nil
}

// List returns the names of all live databases, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.dbs))
	for name := range m.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
