package querylog

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_TagsMessages(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, Config{Enabled: true})

	s := l.Session("sess-1")
	s.SetUser("alice")
	s.SetDB("neo4j")
	s.Log("MATCH (n) RETURN n", log.Fields{"tx": "7"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "MATCH (n) RETURN n", line["msg"])
	assert.Equal(t, "sess-1", line["session"])
	assert.Equal(t, "alice", line["user"])
	assert.Equal(t, "neo4j", line["db"])
	assert.Equal(t, "7", line["tx"])

	buf.Reset()
	s.ResetUser()
	s.ResetDB()
	s.Log("RETURN 1", nil)
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	_, hasUser := line["user"]
	assert.False(t, hasUser)
}

func TestSession_Inactive(t *testing.T) {
	var nilSession *Session
	assert.False(t, nilSession.Active())
	nilSession.Log("ignored", nil)
	nilSession.SetUser("x")

	disabled, err := NewLogger(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, disabled.Session("s").Active())

	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, Config{Enabled: true})
	s := l.Session("s")
	require.True(t, s.Active())
	require.NoError(t, l.Close())
	assert.False(t, s.Active())
	s.Log("after close", nil)
	assert.Zero(t, buf.Len())
}

func TestLogger_FileAndReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "queries.log")
	l, err := NewLogger(Config{Enabled: true, LogPath: path, SyncWrites: true})
	require.NoError(t, err)

	a := l.Session("a")
	a.SetUser("alice")
	b := l.Session("b")
	b.SetUser("bob")
	a.Log("q1", nil)
	b.Log("q2", nil)
	a.Log("q3", nil)
	require.NoError(t, l.Close())

	r := NewReader(path)
	all, err := r.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	alice, err := r.Query(Filter{User: "alice"})
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, "q1", alice[0].Msg)
	assert.Equal(t, "q3", alice[1].Msg)
	assert.False(t, alice[0].Time.IsZero())

	limited, err := r.Query(Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	missing, err := NewReader(filepath.Join(t.TempDir(), "none.log")).Query(Filter{})
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestLogger_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, Config{Enabled: true})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := l.Session("s")
			for j := 0; j < 50; j++ {
				s.Log("q", nil)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, strings.Count(buf.String(), "\n"))
}
