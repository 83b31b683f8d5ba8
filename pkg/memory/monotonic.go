package memory

// DefaultMonotonicInitialSize is the size of the first arena chunk.
const DefaultMonotonicInitialSize = 4 * 1024

const alignment = 8

// Monotonic is a bump-pointer arena over chunks taken from an upstream
// resource. Deallocate is a no-op; everything is returned at once by Release.
// Chunk sizes grow geometrically so a long query does not keep asking the
// upstream for tiny chunks.
type Monotonic struct {
	upstream Resource
	initial  int
	next     int
	chunks   [][]byte
	current  []byte
	offset   int
	reserved int64
	used     int64
}

// NewMonotonic creates an arena whose first chunk is initialSize bytes.
func NewMonotonic(initialSize int, upstream Resource) *Monotonic {
	if initialSize <= 0 {
		initialSize = DefaultMonotonicInitialSize
	}
	return &Monotonic{upstream: upstream, initial: initialSize, next: initialSize}
}

// Allocate bumps the offset of the current chunk, pulling a new chunk from
// upstream when the request does not fit.
func (m *Monotonic) Allocate(size int) ([]byte, error) {
	if size < 0 {
		return nil, errNegativeSize(size)
	}
	aligned := (size + alignment - 1) &^ (alignment - 1)
	if aligned == 0 {
		aligned = alignment
	}
	if m.current == nil || m.offset+aligned > len(m.current) {
		chunkSize := m.next
		for chunkSize < aligned {
			chunkSize *= 2
		}
		chunk, err := m.upstream.Allocate(chunkSize)
		if err != nil {
			return nil, err
		}
		m.chunks = append(m.chunks, chunk)
		m.current = chunk
		m.offset = 0
		m.reserved += int64(chunkSize)
		m.next = chunkSize * 2
	}
	buf := m.current[m.offset : m.offset+size : m.offset+size]
	m.offset += aligned
	m.used += int64(size)
	return buf, nil
}

// Deallocate does nothing; memory is reclaimed by Release.
func (m *Monotonic) Deallocate([]byte) {}

// Release hands every chunk back to the upstream resource.
func (m *Monotonic) Release() {
	for _, c := range m.chunks {
		m.upstream.Deallocate(c)
	}
	m.chunks = nil
	m.current = nil
	m.offset = 0
	m.reserved = 0
	m.used = 0
	m.next = m.initial
}

// Reserved returns the bytes taken from upstream.
func (m *Monotonic) Reserved() int64 { return m.reserved }

// Used returns the bytes handed out since the last Release.
func (m *Monotonic) Used() int64 { return m.used }

// Chunks returns the number of upstream chunks currently held.
func (m *Monotonic) Chunks() int { return len(m.chunks) }
