package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask64(t *testing.T) {
	var m Mask64
	m.Set(0)
	m.Set(5)
	m.Set(63)

	assert.True(t, m.Test(5))
	assert.False(t, m.Test(6))
	assert.Equal(t, 3, m.Count())

	var got []int
	m.Each(func(i int) { got = append(got, i) })
	assert.Equal(t, []int{0, 5, 63}, got)

	m.Clear(5)
	assert.False(t, m.Test(5))
	assert.Equal(t, 2, m.Count())
}

func TestSet(t *testing.T) {
	s := New(130)
	for _, i := range []int{0, 64, 129, 7} {
		s.Set(i)
	}
	s.Set(130) // out of range
	s.Set(-1)

	assert.Equal(t, 130, s.Len())
	assert.Equal(t, 4, s.Count())
	assert.True(t, s.Test(129))
	assert.False(t, s.Test(130))

	var got []int
	s.Each(func(i int) { got = append(got, i) })
	assert.Equal(t, []int{0, 7, 64, 129}, got)

	s.Clear(64)
	assert.False(t, s.Test(64))

	s.Reset()
	assert.Zero(t, s.Count())
	assert.Equal(t, 130, s.Len())
}

func TestSetResize(t *testing.T) {
	s := New(10)
	s.Set(3)
	s.Resize(200)

	assert.Zero(t, s.Count())
	s.Set(199)
	assert.True(t, s.Test(199))

	s.Resize(5)
	assert.Zero(t, s.Count())
	assert.Equal(t, 5, s.Len())
}
