// Package pool recycles the short-lived buffers of the network layer.
//
// Every Bolt connection needs a message buffer and an output buffer, and
// every HTTP statement collects its rows into a slice before rendering.
// Under connection churn those allocations dominate, so they are taken
// from sync.Pools and handed back when the connection or request is done.
//
// Example Usage:
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
//	buf = append(buf, payload...)
//
// Pooling can be switched off (for allocation profiling) with Configure.
package pool

import (
	"sync"
	"sync/atomic"
)

// Config configures pooling behavior.
type Config struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxBufferSize is the largest buffer capacity that is kept; bigger
	// buffers are left to the garbage collector
	MaxBufferSize int
}

// DefaultConfig returns pooling enabled with a 1MB buffer ceiling.
func DefaultConfig() Config {
	return Config{Enabled: true, MaxBufferSize: 1 << 20}
}

var current atomic.Pointer[Config]

func init() {
	cfg := DefaultConfig()
	current.Store(&cfg)
}

// Configure sets the process-wide pool configuration.
func Configure(cfg Config) {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultConfig().MaxBufferSize
	}
	current.Store(&cfg)
}

// IsEnabled reports whether pooling is active.
func IsEnabled() bool {
	return current.Load().Enabled
}

const (
	bufferCap   = 4096
	rowSliceCap = 64
	maxRowSlice = 4096
)

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, bufferCap)
		return &b
	},
}

// GetBuffer returns an empty byte buffer.
func GetBuffer() []byte {
	if !IsEnabled() {
		return make([]byte, 0, bufferCap)
	}
	return (*bufferPool.Get().(*[]byte))[:0]
}

// PutBuffer returns buf to the pool. buf must not be used afterwards.
func PutBuffer(buf []byte) {
	cfg := current.Load()
	if !cfg.Enabled || buf == nil || cap(buf) > cfg.MaxBufferSize {
		return
	}
	buf = buf[:0]
	bufferPool.Put(&buf)
}

var rowSlicePool = sync.Pool{
	New: func() any {
		rows := make([][]any, 0, rowSliceCap)
		return &rows
	},
}

// GetRowSlice returns an empty slice for result rows.
func GetRowSlice() [][]any {
	if !IsEnabled() {
		return make([][]any, 0, rowSliceCap)
	}
	return (*rowSlicePool.Get().(*[][]any))[:0]
}

// PutRowSlice returns rows to the pool. The rows themselves are released
// so pooled slices do not pin result values.
func PutRowSlice(rows [][]any) {
	if !IsEnabled() || rows == nil || cap(rows) > maxRowSlice {
		return
	}
	clear(rows[:cap(rows)])
	rows = rows[:0]
	rowSlicePool.Put(&rows)
}
