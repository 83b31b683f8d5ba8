// Package trigger holds per-database commit triggers and the collector that
// records what a transaction changed.
//
// BEFORE COMMIT triggers run inside the committing transaction and can veto
// it by returning an error. AFTER COMMIT triggers run in their own
// transaction once the commit is durable; their failures are only logged.
package trigger

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/orneryd/nornicqe/pkg/storage"
)

// Phase is when a trigger fires.
type Phase int

const (
	BeforeCommit Phase = iota
	AfterCommit
)

func (p Phase) String() string {
	if p == AfterCommit {
		return "AFTER COMMIT"
	}
	return "BEFORE COMMIT"
}

var (
	ErrTriggerExists   = errors.New("trigger already exists")
	ErrTriggerNotFound = errors.New("trigger not found")
)

// Context is what a trigger function receives. Command is the write handle
// the trigger may use: the committing transaction for BEFORE COMMIT, a fresh
// transaction for AFTER COMMIT.
type Context struct {
	Database string
	Command  *storage.Command
	Events   []Event
}

// Func is a trigger body.
type Func func(ctx context.Context, tc *Context) error

// Trigger is a named Func bound to a phase.
type Trigger struct {
	Name  string
	Phase Phase
	Fn    Func
}

// Store is the set of triggers registered on one database.
type Store struct {
	mu       sync.RWMutex
	triggers map[string]Trigger
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{triggers: make(map[string]Trigger)}
}

// Add registers t.
func (s *Store) Add(t Trigger) error {
	if t.Name == "" || t.Fn == nil {
		return errors.New("trigger requires a name and a function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[t.Name]; ok {
		return errors.Wrapf(ErrTriggerExists, "%q", t.Name)
	}
	s.triggers[t.Name] = t
	return nil
}

// Drop removes the trigger called name.
func (s *Store) Drop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[name]; !ok {
		return errors.Wrapf(ErrTriggerNotFound, "%q", name)
	}
	delete(s.triggers, name)
	return nil
}

// HasTriggers reports whether any trigger is registered.
func (s *Store) HasTriggers() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.triggers) > 0
}

// List returns the triggers of a phase ordered by name.
func (s *Store) List(phase Phase) []Trigger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Trigger
	for _, t := range s.triggers {
		if t.Phase == phase {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunBeforeCommit runs the BEFORE COMMIT triggers inside the committing
// transaction. The first failure is returned.
func (s *Store) RunBeforeCommit(ctx context.Context, db string, cmd *storage.Command, events []Event) error {
	for _, t := range s.List(BeforeCommit) {
		if err := t.Fn(ctx, &Context{Database: db, Command: cmd, Events: events}); err != nil {
			return errors.Wrapf(err, "trigger %q failed", t.Name)
		}
	}
	return nil
}

// RunAfterCommit runs every AFTER COMMIT trigger in its own transaction on
// st. Failures are logged and the transaction is discarded.
func (s *Store) RunAfterCommit(ctx context.Context, st *storage.Storage, iso storage.IsolationLevel, events []Event) {
	for _, t := range s.List(AfterCommit) {
		acc := st.Access(iso, storage.ReadWrite)
		err := t.Fn(ctx, &Context{Database: st.Name(), Command: acc.NewCommand(nil), Events: events})
		if err == nil {
			err = acc.Commit()
		} else {
			acc.Abort()
		}
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"db": st.Name(), "trigger": t.Name}).
				Warn("[Trigger] after commit trigger failed")
		}
	}
}
