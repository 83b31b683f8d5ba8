package query

import (
	"github.com/cockroachdb/errors"

	"github.com/orneryd/nornicqe/pkg/dbms"
	"github.com/orneryd/nornicqe/pkg/memory"
	"github.com/orneryd/nornicqe/pkg/storage"
	"github.com/orneryd/nornicqe/pkg/trigger"
)

// DbAccessor is the execution view of an open storage transaction. Every
// statement gets its own storage.Command from it, reporting changes to the
// trigger collector when one is active.
type DbAccessor struct {
	acc       *storage.Accessor
	collector *trigger.Collector
}

// Accessor returns the underlying storage transaction.
func (d *DbAccessor) Accessor() *storage.Accessor { return d.acc }

// NewCommand starts the write group of one statement. mem backs the
// buffers values are read into.
func (d *DbAccessor) NewCommand(mem memory.Resource) *storage.Command {
	cmd := d.acc.NewCommand(mem)
	if d.collector != nil {
		cmd.SetObserver(d.collector)
	}
	return cmd
}

// CurrentDB is the database a session is bound to plus the transaction it
// has open on it. The storage accessor and its execution view are set and
// cleared together.
type CurrentDB struct {
	db        *dbms.Database
	accessor  *storage.Accessor
	execution *DbAccessor
	collector *trigger.Collector

	// InExplicitDB is set when the client chose the database (USE DATABASE
	// or the Bolt db field) rather than getting the default.
	InExplicitDB bool
}

// Database returns the bound database, or nil.
func (c *CurrentDB) Database() *dbms.Database { return c.db }

// Name returns the bound database name, or "".
func (c *CurrentDB) Name() string {
	if c.db == nil {
		return ""
	}
	return c.db.Name()
}

// Accessor returns the open storage transaction, or nil.
func (c *CurrentDB) Accessor() *storage.Accessor { return c.accessor }

// Execution returns the execution view of the open transaction, or nil.
func (c *CurrentDB) Execution() *DbAccessor { return c.execution }

// Collector returns the trigger collector of the open transaction, or nil.
func (c *CurrentDB) Collector() *trigger.Collector { return c.collector }

// SetupDatabaseTransaction opens a storage transaction on the bound
// database unless one is already open. override, when set, replaces the
// database's default isolation level. couldCommit is false for
// transactions that will only ever be aborted; those never collect
// trigger events.
func (c *CurrentDB) SetupDatabaseTransaction(override *storage.IsolationLevel, couldCommit bool, access storage.AccessType) error {
	if c.db == nil {
		panic(errors.AssertionFailedf("database transaction requested with no database bound"))
	}
	if c.accessor != nil {
		if access == storage.ReadWrite && c.accessor.AccessType() == storage.ReadOnly {
			return errors.Wrap(storage.ErrReadOnlyAccessor, "transaction was opened for reading")
		}
		return nil
	}
	if c.db.IsDeleting() {
		return errors.Wrapf(dbms.ErrDatabaseIsDeleting, "%q", c.db.Name())
	}

	st := c.db.Storage()
	iso := st.IsolationLevel()
	if override != nil {
		iso = *override
	}
	c.accessor = st.Access(iso, access)
	if couldCommit && c.db.Triggers().HasTriggers() {
		c.collector = trigger.NewCollector()
	}
	c.execution = &DbAccessor{acc: c.accessor, collector: c.collector}
	return nil
}

// CleanupDBTransaction releases the open transaction, aborting it first if
// asked. The trigger collector is always dropped.
func (c *CurrentDB) CleanupDBTransaction(abort bool) {
	if abort && c.accessor != nil {
		c.accessor.Abort()
	}
	c.accessor = nil
	c.execution = nil
	c.collector = nil
}

// SetCurrentDB rebinds the session. Any open transaction must have been
// released first.
func (c *CurrentDB) SetCurrentDB(db *dbms.Database, explicit bool) {
	if c.accessor != nil {
		panic(errors.AssertionFailedf("cannot switch database with an open transaction"))
	}
	c.db = db
	c.InExplicitDB = explicit
}

// ResetDB clears the whole binding.
func (c *CurrentDB) ResetDB() {
	c.db = nil
	c.accessor = nil
	c.execution = nil
	c.collector = nil
	c.InExplicitDB = false
}
