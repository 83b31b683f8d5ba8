package memory

import (
	"math/bits"

	"github.com/cockroachdb/errors"
)

// Pool defaults.
const (
	DefaultBlocksPerChunk = 64
	DefaultMaxBlockSize   = 1024
	minBlockSize          = 8
)

// Pool recycles small buffers through power-of-two size classes.
//
// Each class carves BlocksPerChunk blocks at a time out of the chunk source
// (normally the query's Monotonic arena). Requests larger than the maximum
// block size go straight to the upstream resource and are tracked so that
// Release can return anything the caller forgot.
type Pool struct {
	blocksPerChunk int
	maxBlockSize   int
	chunks         Resource
	upstream       Resource
	free           [][][]byte
	large          map[*byte][]byte
	pooled         int64
	oversized      int64
}

// NewPool creates a pool. Zero values select the defaults.
func NewPool(blocksPerChunk, maxBlockSize int, chunks, upstream Resource) *Pool {
	if blocksPerChunk <= 0 {
		blocksPerChunk = DefaultBlocksPerChunk
	}
	if maxBlockSize <= 0 {
		maxBlockSize = DefaultMaxBlockSize
	}
	maxBlockSize = roundUpPow2(maxBlockSize)
	return &Pool{
		blocksPerChunk: blocksPerChunk,
		maxBlockSize:   maxBlockSize,
		chunks:         chunks,
		upstream:       upstream,
		free:           make([][][]byte, classIndex(maxBlockSize)+1),
		large:          make(map[*byte][]byte),
	}
}

// Allocate returns a block from the matching size class.
func (p *Pool) Allocate(size int) ([]byte, error) {
	if size < 0 {
		return nil, errNegativeSize(size)
	}
	if size > p.maxBlockSize {
		buf, err := p.upstream.Allocate(size)
		if err != nil {
			return nil, err
		}
		p.large[&buf[0]] = buf
		p.oversized++
		return buf, nil
	}
	idx := classIndex(size)
	if len(p.free[idx]) == 0 {
		if err := p.refill(idx); err != nil {
			return nil, err
		}
	}
	list := p.free[idx]
	blk := list[len(list)-1]
	p.free[idx] = list[:len(list)-1]
	p.pooled++
	return blk[:size], nil
}

func (p *Pool) refill(idx int) error {
	blockSize := minBlockSize << idx
	chunk, err := p.chunks.Allocate(blockSize * p.blocksPerChunk)
	if err != nil {
		return err
	}
	for i := 0; i < p.blocksPerChunk; i++ {
		off := i * blockSize
		p.free[idx] = append(p.free[idx], chunk[off:off+blockSize:off+blockSize])
	}
	return nil
}

// Deallocate puts a block back on its free list, or returns an oversized
// buffer upstream.
func (p *Pool) Deallocate(buf []byte) {
	c := cap(buf)
	if c == 0 {
		return
	}
	if c > p.maxBlockSize {
		full := buf[:c]
		if _, ok := p.large[&full[0]]; ok {
			delete(p.large, &full[0])
			p.upstream.Deallocate(full)
		}
		return
	}
	idx := classIndex(c)
	if minBlockSize<<idx != c {
		panic(errors.AssertionFailedf("buffer of capacity %d was not allocated by this pool", c))
	}
	p.free[idx] = append(p.free[idx], buf[:c])
}

// Release returns any outstanding oversized buffers upstream and forgets the
// free lists. Pooled blocks live in the chunk source and go away with it.
func (p *Pool) Release() {
	for k, buf := range p.large {
		p.upstream.Deallocate(buf)
		delete(p.large, k)
	}
	for i := range p.free {
		p.free[i] = nil
	}
}

// MaxBlockSize returns the largest pooled block size.
func (p *Pool) MaxBlockSize() int { return p.maxBlockSize }

// Stats reports how many allocations were served from the pool and how many
// were forwarded upstream.
func (p *Pool) Stats() (pooled, oversized int64) { return p.pooled, p.oversized }

func classIndex(size int) int {
	if size <= minBlockSize {
		return 0
	}
	return bits.Len(uint(size-1)) - bits.Len(uint(minBlockSize-1))
}

func roundUpPow2(n int) int {
	if n <= minBlockSize {
		return minBlockSize
	}
	return 1 << bits.Len(uint(n-1))
}

func errNegativeSize(size int) error {
	return errors.AssertionFailedf("negative allocation size %d", size)
}
