// Package querylog writes the per-session query log: one JSON line per
// message, tagged with the session id, user and database.
//
// The log is a dedicated logrus logger with a JSON formatter, separate from
// the process log, so it can be shipped and queried on its own.
//
// Example Usage:
//
//	logger, err := querylog.NewLogger(querylog.Config{
//		Enabled: true,
//		LogPath: "./logs/queries.log",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logger.Close()
//
//	s := logger.Session(uuid.NewString())
//	s.SetUser("alice")
//	s.SetDB("neo4j")
//	s.Log("MATCH (n) RETURN n", nil)
//
//	// Later, for troubleshooting:
//	entries, _ := querylog.NewReader("./logs/queries.log").Query(querylog.Filter{User: "alice"})
package querylog

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned when logging after Close.
var ErrClosed = errors.New("query logger is closed")

// Config holds query log configuration.
type Config struct {
	// Enabled controls whether query logging is active.
	Enabled bool

	// LogPath is the file the JSON lines are appended to.
	LogPath string

	// SyncWrites forces fsync after each line.
	SyncWrites bool
}

// DefaultConfig returns a disabled configuration with the default path.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		LogPath: "./logs/queries.log",
	}
}

// Logger owns the query log file. It is safe for concurrent use; sessions
// obtained from it share the underlying writer.
type Logger struct {
	mu     sync.Mutex
	out    *log.Logger
	file   *os.File
	config Config
	closed bool
}

// NewLogger opens (creating if needed) the log file. A disabled config
// returns a logger whose sessions report inactive.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}
	if err := os.MkdirAll(filepath.Dir(config.LogPath), 0750); err != nil {
		return nil, errors.Wrap(err, "creating query log directory")
	}
	file, err := os.OpenFile(config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, errors.Wrap(err, "opening query log file")
	}
	var w io.Writer = file
	if config.SyncWrites {
		w = syncWriter{file}
	}
	l := NewLoggerWithWriter(w, config)
	l.file = file
	return l, nil
}

// NewLoggerWithWriter creates a logger writing to w (for testing).
func NewLoggerWithWriter(w io.Writer, config Config) *Logger {
	out := log.New()
	out.SetOutput(w)
	out.SetLevel(log.InfoLevel)
	out.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	return &Logger{out: out, config: config}
}

// Enabled reports whether messages are being written.
func (l *Logger) Enabled() bool {
	if l == nil || !l.config.Enabled {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Session returns a logger for one session.
func (l *Logger) Session(sessionID string) *Session {
	return &Session{logger: l, fields: log.Fields{"session": sessionID}}
}

func (l *Logger) write(fields log.Fields, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.out.WithFields(fields).Info(msg)
	return nil
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

type syncWriter struct{ f *os.File }

func (w syncWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.f.Sync()
}

// Session tags every message with the owning session's id, user and
// database. A nil *Session is valid and inactive.
type Session struct {
	logger *Logger
	mu     sync.Mutex
	fields log.Fields
}

// Active reports whether Log writes anything.
func (s *Session) Active() bool {
	return s != nil && s.logger.Enabled()
}

// SetUser tags subsequent messages with username.
func (s *Session) SetUser(username string) { s.set("user", username) }

// ResetUser removes the user tag.
func (s *Session) ResetUser() { s.set("user", "") }

// SetDB tags subsequent messages with the bound database.
func (s *Session) SetDB(db string) { s.set("db", db) }

// ResetDB removes the database tag.
func (s *Session) ResetDB() { s.set("db", "") }

func (s *Session) set(key, value string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.fields, key)
		return
	}
	s.fields[key] = value
}

// Log writes msg with the session tags and any extra fields (for example
// the transaction id).
func (s *Session) Log(msg string, extra log.Fields) {
	if !s.Active() {
		return
	}
	s.mu.Lock()
	fields := make(log.Fields, len(s.fields)+len(extra))
	for k, v := range s.fields {
		fields[k] = v
	}
	s.mu.Unlock()
	for k, v := range extra {
		fields[k] = v
	}
	if err := s.logger.write(fields, msg); err != nil {
		log.WithError(err).Debug("[QueryLog] dropped message")
	}
}

// Entry is one decoded query log line.
type Entry struct {
	Time    time.Time `json:"time"`
	Msg     string    `json:"msg"`
	Session string    `json:"session"`
	User    string    `json:"user,omitempty"`
	DB      string    `json:"db,omitempty"`
	Tx      string    `json:"tx,omitempty"`
}

// Filter selects entries in Reader.Query. Zero fields match everything.
type Filter struct {
	Session string
	User    string
	DB      string
	Since   time.Time
	Limit   int
}

// Reader reads a query log file back.
type Reader struct {
	path string
}

// NewReader creates a reader for the log at path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Query returns matching entries in file order. Malformed lines are
// skipped.
func (r *Reader) Query(f Filter) ([]Entry, error) {
	file, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "opening query log")
	}
	defer file.Close()
	return readEntries(file, f)
}

func readEntries(rd io.Reader, f Filter) ([]Entry, error) {
	var out []Entry
	dec := json.NewDecoder(rd)
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			var syn *json.SyntaxError
			if errors.As(err, &syn) {
				return out, nil
			}
			continue
		}
		switch {
		case f.Session != "" && e.Session != f.Session:
			continue
		case f.User != "" && e.User != f.User:
			continue
		case f.DB != "" && e.DB != f.DB:
			continue
		case !f.Since.IsZero() && e.Time.Before(f.Since):
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			return out, nil
		}
	}
}
