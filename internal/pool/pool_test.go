package pool

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	p, err := New(Bind, make([]byte, opts.Capacity), opts)
	require.NoError(t, err)
	return p
}

func TestAllocOvershootLeavesCursor(t *testing.T) {
	p := newPool(t, Options{Capacity: 1024})

	r, err := p.Alloc(600)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Offset)
	assert.Equal(t, uint64(600), r.Size)

	r, err = p.Alloc(600)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, Failed, r.Offset)
	assert.Equal(t, uint64(1200), p.Cursor())

	// Every later allocation fails until reset.
	_, err = p.Alloc(1)
	assert.ErrorIs(t, err, ErrExhausted)

	p.Reset()
	assert.Equal(t, uint64(0), p.Cursor())
	r, err = p.Alloc(600)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Offset)
}

func TestAllocMonotonic(t *testing.T) {
	p := newPool(t, Options{Capacity: 4096, Alignment: 16})

	a, err := p.Alloc(100)
	require.NoError(t, err)
	b, err := p.Alloc(40)
	require.NoError(t, err)

	assert.Equal(t, uint64(112), a.Size)
	assert.Equal(t, a.Offset+a.Size, b.Offset)
	assert.False(t, a.Overlaps(b))
}

func TestFloor(t *testing.T) {
	p := newPool(t, Options{Capacity: 256, Alignment: 4, Floor: 64})

	r, err := p.Alloc(8)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), r.Offset)

	p.Reset()
	assert.Equal(t, uint64(64), p.Cursor())
}

func TestAllocAligned(t *testing.T) {
	p := newPool(t, Options{Capacity: 4096, Alignment: 4})

	_, err := p.Alloc(12)
	require.NoError(t, err)

	r, err := p.AllocAligned(100, 256)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Offset%256)
	assert.Equal(t, uint64(100), r.Size)
	assert.LessOrEqual(t, r.End(), p.Cursor())

	_, err = p.AllocAligned(8, 3)
	assert.ErrorIs(t, err, ErrInvalidAlignment)
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		mem  []byte
		opts Options
		want error
	}{
		{"bad alignment", nil, Options{Capacity: 64, Alignment: 12}, ErrInvalidAlignment},
		{"floor past capacity", nil, Options{Capacity: 64, Floor: 128}, ErrInvalidFloor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Staging, tt.mem, tt.opts)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err := New(Staging, make([]byte, 8), Options{Capacity: 64})
	assert.Error(t, err)
}

func TestBytes(t *testing.T) {
	p := newPool(t, Options{Capacity: 64})
	r, err := p.Alloc(8)
	require.NoError(t, err)

	b := p.Bytes(r)
	require.Len(t, b, 8)
	b[0] = 0xff
	assert.Equal(t, byte(0xff), p.Bytes(Region{Offset: 0, Size: 1})[0])
	assert.Nil(t, p.Bytes(Region{Offset: Failed}))

	dev, err := New(Image, nil, Options{Capacity: 64})
	require.NoError(t, err)
	assert.False(t, dev.HostVisible())
	assert.Nil(t, dev.Bytes(Region{Size: 8}))
}

func TestConcurrentAllocDisjoint(t *testing.T) {
	const workers, per = 8, 64
	p := newPool(t, Options{Capacity: workers * per * 16, Alignment: 16})

	regions := make([][]Region, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				r, err := p.Alloc(16)
				if err == nil {
					regions[w] = append(regions[w], r)
				}
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, rs := range regions {
		for _, r := range rs {
			assert.False(t, seen[r.Offset], "offset %d handed out twice", r.Offset)
			seen[r.Offset] = true
		}
	}
	assert.Len(t, seen, workers*per)
	assert.Equal(t, p.Capacity(), p.Cursor())
}

func TestStats(t *testing.T) {
	p := newPool(t, Options{Capacity: 1024})
	_, _ = p.Alloc(512)
	_, _ = p.Alloc(1024)

	s := p.Stats()
	assert.Equal(t, uint64(1), s.Allocs)
	assert.Equal(t, uint64(1), s.Failures)
	assert.Equal(t, uint64(1024), uint64(s.Used))
	assert.Contains(t, s.String(), "bind")
}

func TestSetReset(t *testing.T) {
	var s Set
	for k := Kind(0); k < KindCount; k++ {
		p, err := New(k, nil, Options{Capacity: 128, Floor: 8})
		require.NoError(t, err)
		s[k] = p
	}
	_, err := s.Get(Staging).Alloc(32)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), s.Cursors()[Staging])

	s.Reset()
	for k, c := range s.Cursors() {
		assert.Equal(t, uint64(8), c, Kind(k).String())
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "descriptor-sampler", DescriptorSampler.String())
	assert.Equal(t, "Unknown(9)", Kind(9).String())
}
