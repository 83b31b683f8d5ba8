// Package memory provides the tiered allocators used for query execution.
//
// Every prepared query owns a QueryAllocator. The allocator layers three
// strategies on top of a process-wide Upstream resource:
//
//   - Pool: size-class free lists for small, frequently recycled buffers
//   - Monotonic: a bump arena that is released in one step when the query ends
//   - Upstream: direct, accounted heap allocation with an optional byte limit
//
// Usage:
//
//	upstream := memory.NewUpstream(512 * 1024 * 1024)
//	qa := memory.NewQueryAllocator(upstream, memory.DefaultOptions())
//	defer qa.Close()
//
//	buf, err := qa.Resource().Allocate(128)
//	if err != nil {
//		return err
//	}
//	defer qa.Resource().Deallocate(buf)
//
// None of the resources except Upstream are safe for concurrent use. A query
// allocator belongs to exactly one query execution.
package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrOutOfMemory marks allocation failures caused by the upstream limit.
var ErrOutOfMemory = errors.New("query memory limit exceeded")

// Resource hands out byte buffers.
//
// Allocate returns a slice of len size. The contents are unspecified when the
// buffer is recycled. Deallocate must be called with a slice returned by the
// same resource, not resliced from the front.
type Resource interface {
	Allocate(size int) ([]byte, error)
	Deallocate(buf []byte)
}

// Upstream is the accounted, process-wide root resource.
//
// It is created once at startup and injected into every query allocator.
// A limit of zero or less disables the limit.
type Upstream struct {
	limit  int64
	used   atomic.Int64
	peak   atomic.Int64
	allocs atomic.Int64
}

// NewUpstream creates an upstream resource with the given byte limit.
func NewUpstream(limit int64) *Upstream {
	return &Upstream{limit: limit}
}

// Allocate reserves size bytes from the limit and returns a fresh buffer.
func (u *Upstream) Allocate(size int) ([]byte, error) {
	if size < 0 {
		return nil, errors.AssertionFailedf("negative allocation size %d", size)
	}
	n := u.used.Add(int64(size))
	if u.limit > 0 && n > u.limit {
		u.used.Add(-int64(size))
		return nil, errors.Mark(
			errors.Newf("cannot allocate %s: %s of %s already in use",
				FormatBytes(int64(size)), FormatBytes(n-int64(size)), FormatBytes(u.limit)),
			ErrOutOfMemory)
	}
	for {
		p := u.peak.Load()
		if n <= p || u.peak.CompareAndSwap(p, n) {
			break
		}
	}
	u.allocs.Add(1)
	return make([]byte, size), nil
}

// Deallocate returns the buffer's capacity to the limit.
func (u *Upstream) Deallocate(buf []byte) {
	if buf == nil {
		return
	}
	u.used.Add(-int64(cap(buf)))
}

// Used returns the bytes currently reserved.
func (u *Upstream) Used() int64 { return u.used.Load() }

// Peak returns the high-water mark of reserved bytes.
func (u *Upstream) Peak() int64 { return u.peak.Load() }

// Limit returns the configured limit, or 0 when unlimited.
func (u *Upstream) Limit() int64 { return u.limit }

// Allocations returns how many buffers were handed out in total.
func (u *Upstream) Allocations() int64 { return u.allocs.Load() }

// FormatBytes renders a byte count the way the config package prints sizes.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}
