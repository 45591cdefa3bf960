package bufalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFittingShift(t *testing.T) {
	cases := []struct {
		in  int
		out uint
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {1024, 10}, {1025, 11},
	}
	for _, c := range cases {
		assert.Equal(t, c.out, fittingShift(c.in), "input %d", c.in)
	}
}

func TestAllocSizesAndReuse(t *testing.T) {
	a := New(6, 20, 1<<24, nil, nil)

	b := a.Alloc(100)
	require.True(t, b.IsValid())
	assert.Equal(t, 100, len(b.Bytes()))
	assert.Equal(t, 128, b.Cap())

	backing := &b.classBuf[0]
	a.Free(b)

	// same class comes back off the free list
	b2 := a.Alloc(120)
	require.True(t, b2.IsValid())
	assert.Same(t, backing, &b2.classBuf[0])
}

func TestAllocBelowMinClassRoundsUp(t *testing.T) {
	a := New(6, 20, 1<<24, nil, nil)
	b := a.Alloc(1)
	require.True(t, b.IsValid())
	assert.Equal(t, 1<<6, b.Cap())
}

func TestAllocBudgetExhaustion(t *testing.T) {
	a := New(6, 12, 1<<12, nil, nil)

	b := a.Alloc(1 << 12)
	require.True(t, b.IsValid())

	// budget fully mapped, next mapping fails
	assert.False(t, a.Alloc(64).IsValid())

	// freeing makes the class list serve the next request
	a.Free(b)
	b2 := a.Alloc(1 << 12)
	assert.True(t, b2.IsValid())
}

func TestAllocTooLargePanics(t *testing.T) {
	a := New(6, 12, 1<<20, nil, nil)
	assert.Panics(t, func() { a.Alloc(1<<12 + 1) })
	assert.Panics(t, func() { a.Alloc(0) })
}

func TestRegistrationHooks(t *testing.T) {
	var regs, deregs int
	a := New(6, 12, 1<<20,
		func(mem []byte) { regs++ },
		func(mem []byte) { deregs++ })

	b := a.Alloc(64)
	require.True(t, b.IsValid())
	assert.Equal(t, 1, regs)

	// reuse does not re-register
	a.Free(b)
	b = a.Alloc(64)
	assert.Equal(t, 1, regs)

	a.Free(b)
	a.Close()
	assert.Equal(t, 1, deregs)
}

func TestStatUserAllocTot(t *testing.T) {
	a := New(6, 20, 1<<24, nil, nil)
	b1 := a.Alloc(100)
	b2 := a.Alloc(200)
	assert.Equal(t, 300, a.StatUserAllocTot())
	a.Free(b1)
	assert.Equal(t, 200, a.StatUserAllocTot())
	a.Free(b2)
	assert.Equal(t, 0, a.StatUserAllocTot())
}

func TestFreeForeignBufferPanics(t *testing.T) {
	a := New(6, 12, 1<<20, nil, nil)
	other := New(6, 12, 1<<20, nil, nil)
	b := other.Alloc(64)
	assert.Panics(t, func() { a.Free(b) })
}
