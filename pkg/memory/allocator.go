package memory

// Options configures a QueryAllocator.
type Options struct {
	// BlocksPerChunk is how many pool blocks are carved per refill.
	BlocksPerChunk int

	// MaxBlockSize is the largest request served by the pool.
	MaxBlockSize int

	// MonotonicInitialSize is the first arena chunk size.
	MonotonicInitialSize int

	// Profile sends every request straight upstream so allocation
	// profiles attribute memory to its real call sites.
	Profile bool
}

// DefaultOptions returns the allocator defaults.
func DefaultOptions() Options {
	return Options{
		BlocksPerChunk:       DefaultBlocksPerChunk,
		MaxBlockSize:         DefaultMaxBlockSize,
		MonotonicInitialSize: DefaultMonotonicInitialSize,
	}
}

// noCopy triggers go vet's copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// QueryAllocator is the per-query allocator: pool over arena over upstream.
//
// It lives exactly as long as the query execution that owns it and must not
// be copied.
type QueryAllocator struct {
	_        noCopy
	upstream *Upstream
	mono     *Monotonic
	pool     *Pool
	profile  bool
	closed   bool
}

// NewQueryAllocator builds the tiers on top of upstream.
func NewQueryAllocator(upstream *Upstream, opts Options) *QueryAllocator {
	mono := NewMonotonic(opts.MonotonicInitialSize, upstream)
	return &QueryAllocator{
		upstream: upstream,
		mono:     mono,
		pool:     NewPool(opts.BlocksPerChunk, opts.MaxBlockSize, mono, upstream),
		profile:  opts.Profile,
	}
}

// Resource returns the pooled tier.
func (qa *QueryAllocator) Resource() Resource {
	if qa.profile {
		return qa.upstream
	}
	return qa.pool
}

// ResourceWithoutPool returns the monotonic tier, for buffers that live
// until the query ends.
func (qa *QueryAllocator) ResourceWithoutPool() Resource {
	if qa.profile {
		return qa.upstream
	}
	return qa.mono
}

// ResourceWithoutPoolOrMono returns the upstream resource.
func (qa *QueryAllocator) ResourceWithoutPoolOrMono() Resource {
	return qa.upstream
}

// Reserved returns the bytes the arena currently holds from upstream.
func (qa *QueryAllocator) Reserved() int64 { return qa.mono.Reserved() }

// Close returns all memory to upstream. It is safe to call more than once.
func (qa *QueryAllocator) Close() {
	if qa.closed {
		return
	}
	qa.closed = true
	qa.pool.Release()
	qa.mono.Release()
}
