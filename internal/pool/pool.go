// Package pool implements growth-only byte arenas addressed by offset.
//
// A Pool hands out regions with a single atomic add on its cursor; there
// is no per-region free. The whole pool is rewound to its floor between
// reload cycles.
package pool

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/c2h5oh/datasize"
)

// Kind names one of the memory pools.
type Kind int

const (
	Bind Kind = iota
	Staging
	DescriptorResource
	DescriptorSampler
	Image
	KindCount
)

// String returns the pool name.
func (k Kind) String() string {
	switch k {
	case Bind:
		return "bind"
	case Staging:
		return "staging"
	case DescriptorResource:
		return "descriptor-resource"
	case DescriptorSampler:
		return "descriptor-sampler"
	case Image:
		return "image"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Pool errors.
var (
	ErrExhausted        = errors.New("pool exhausted")
	ErrInvalidAlignment = errors.New("alignment must be a power of two")
	ErrInvalidFloor     = errors.New("floor exceeds capacity")
)

// Failed is the offset reported by a failed allocation.
const Failed = ^uint64(0)

// Region is a byte range inside a pool.
type Region struct {
	Offset uint64
	Size   uint64
}

// End returns the first offset past the region.
func (r Region) End() uint64 {
	return r.Offset + r.Size
}

// Overlaps reports whether two non-empty regions share any byte.
func (r Region) Overlaps(o Region) bool {
	if r.Size == 0 || o.Size == 0 {
		return false
	}
	return r.Offset < o.End() && o.Offset < r.End()
}

// Options configures a pool.
type Options struct {
	Capacity  uint64
	Alignment uint64 // power of two; 0 means 1
	Floor     uint64 // reserved prefix kept across resets
}

// Pool is a lock-free bump allocator over fixed-size memory.
type Pool struct {
	kind   Kind
	mem    []byte
	opts   Options
	cursor atomic.Uint64
	allocs atomic.Uint64
	fails  atomic.Uint64
}

// New creates a pool. mem is the host mapping of the pool and may be nil
// when the pool is not host-visible; otherwise it must be at least
// opts.Capacity bytes long.
func New(kind Kind, mem []byte, opts Options) (*Pool, error) {
	if opts.Alignment == 0 {
		opts.Alignment = 1
	}
	if opts.Alignment&(opts.Alignment-1) != 0 {
		return nil, fmt.Errorf("%s pool: %w", kind, ErrInvalidAlignment)
	}
	if opts.Floor > opts.Capacity {
		return nil, fmt.Errorf("%s pool: %w", kind, ErrInvalidFloor)
	}
	if mem != nil && uint64(len(mem)) < opts.Capacity {
		return nil, fmt.Errorf("%s pool: mapping of %d bytes smaller than capacity %d", kind, len(mem), opts.Capacity)
	}
	p := &Pool{kind: kind, mem: mem, opts: opts}
	p.cursor.Store(opts.Floor)
	return p, nil
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Kind returns the pool kind.
func (p *Pool) Kind() Kind {
	return p.kind
}

// Alloc reserves size bytes rounded up to the pool alignment. When the
// reservation runs past capacity it returns a region at Failed and
// ErrExhausted; the cursor keeps the overshoot, so every later allocation
// fails too until Reset.
func (p *Pool) Alloc(size uint64) (Region, error) {
	size = AlignUp(size, p.opts.Alignment)
	end := p.cursor.Add(size)
	if end > p.opts.Capacity || end < size {
		p.fails.Add(1)
		return Region{Offset: Failed}, fmt.Errorf("%s pool: %d bytes at cursor %d of %d: %w",
			p.kind, size, end-size, p.opts.Capacity, ErrExhausted)
	}
	p.allocs.Add(1)
	return Region{Offset: end - size, Size: size}, nil
}

// AllocAligned reserves size bytes whose start is a multiple of align,
// which may exceed the pool alignment. The slack is part of the
// reservation.
func (p *Pool) AllocAligned(size, align uint64) (Region, error) {
	if align&(align-1) != 0 {
		return Region{Offset: Failed}, fmt.Errorf("%s pool: %w", p.kind, ErrInvalidAlignment)
	}
	if align <= p.opts.Alignment {
		return p.Alloc(size)
	}
	r, err := p.Alloc(size + align - 1)
	if err != nil {
		return r, err
	}
	start := AlignUp(r.Offset, align)
	return Region{Offset: start, Size: size}, nil
}

// Reset rewinds the cursor to the floor. Callers must ensure no region
// handed out since the last reset is still in use. The atomic store
// publishes the reset to every goroutine that allocates afterwards.
func (p *Pool) Reset() {
	p.cursor.Store(p.opts.Floor)
}

// Cursor returns the current cursor, which may exceed capacity after a
// failed allocation.
func (p *Pool) Cursor() uint64 {
	return p.cursor.Load()
}

// Capacity returns the pool size in bytes.
func (p *Pool) Capacity() uint64 {
	return p.opts.Capacity
}

// Alignment returns the pool's allocation granularity.
func (p *Pool) Alignment() uint64 {
	return p.opts.Alignment
}

// HostVisible reports whether the pool has a host mapping.
func (p *Pool) HostVisible() bool {
	return p.mem != nil
}

// Bytes returns the host view of a region, or nil when the pool is not
// host-visible.
func (p *Pool) Bytes(r Region) []byte {
	if p.mem == nil || r.Offset == Failed {
		return nil
	}
	return p.mem[r.Offset:r.End():r.End()]
}

// Stats describes pool usage.
type Stats struct {
	Kind     Kind
	Used     datasize.ByteSize
	Capacity datasize.ByteSize
	Allocs   uint64
	Failures uint64
}

// String formats the stats with human-readable sizes.
func (s Stats) String() string {
	return fmt.Sprintf("%s: %s / %s (%d allocs, %d failures)",
		s.Kind, s.Used.HumanReadable(), s.Capacity.HumanReadable(), s.Allocs, s.Failures)
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() Stats {
	used := p.cursor.Load()
	if used > p.opts.Capacity {
		used = p.opts.Capacity
	}
	return Stats{
		Kind:     p.kind,
		Used:     datasize.ByteSize(used),
		Capacity: datasize.ByteSize(p.opts.Capacity),
		Allocs:   p.allocs.Load(),
		Failures: p.fails.Load(),
	}
}

// Set holds one pool of each kind.
type Set [KindCount]*Pool

// Get returns the pool of the given kind.
func (s *Set) Get(k Kind) *Pool {
	return s[k]
}

// Reset rewinds every pool to its floor.
func (s *Set) Reset() {
	for _, p := range s {
		if p != nil {
			p.Reset()
		}
	}
}

// Cursors returns every pool's cursor, indexed by Kind.
func (s *Set) Cursors() [KindCount]uint64 {
	var c [KindCount]uint64
	for k, p := range s {
		if p != nil {
			c[k] = p.Cursor()
		}
	}
	return c
}
