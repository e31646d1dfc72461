package arena

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-dmaperf/internal/invariant"
)

func mustArena(t *testing.T, slotSize, slots uint32) *Arena {
	t.Helper()
	a, err := New(slotSize, slots)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// freeErr frees r and returns the error, recovering the panic raised by
// dmadebug builds.
func freeErr(a *Arena, r Region) (err error) {
	if invariant.Fatal {
		defer func() {
			if recover() != nil {
				err = ErrInvalidFree
			}
		}()
	}
	return a.Free(r)
}

func TestNewRejectsZeroSlots(t *testing.T) {
	_, err := New(4096, 0)
	assert.Error(t, err)
}

func TestAllocSequential(t *testing.T) {
	a := mustArena(t, 64, 16)

	r1, ok := a.Alloc(4)
	require.True(t, ok)
	r2, ok := a.Alloc(6)
	require.True(t, ok)
	r3, ok := a.Alloc(4)
	require.True(t, ok)

	assert.Equal(t, uint32(0), r1.Index)
	assert.Equal(t, uint32(4), r2.Index)
	assert.Equal(t, uint32(10), r3.Index)

	st := a.Stats()
	assert.Equal(t, uint32(14), st.InUse)
	assert.Equal(t, uint32(3), st.Live)
}

// Sixteen slots holding runs of 4, 6 and 4: freeing the first run leaves
// no five-slot gap, freeing the second opens one at slot 0.
func TestAllocSkipsOccupiedRuns(t *testing.T) {
	a := mustArena(t, 64, 16)

	r1, _ := a.Alloc(4)
	r2, _ := a.Alloc(6)
	_, ok := a.Alloc(4)
	require.True(t, ok)

	require.NoError(t, a.Free(r1))
	_, ok = a.Alloc(5)
	assert.False(t, ok, "no five-slot run should exist")

	require.NoError(t, a.Free(r2))
	r, ok := a.Alloc(5)
	require.True(t, ok)
	assert.Equal(t, uint32(0), r.Index)
	assert.Equal(t, uint32(5), r.Len)
}

func TestAllocTooLarge(t *testing.T) {
	a := mustArena(t, 64, 8)
	_, ok := a.Alloc(9)
	assert.False(t, ok)
	_, ok = a.Alloc(0)
	assert.False(t, ok)
	assert.Equal(t, uint64(2), a.Stats().Failures)
}

// Allocating k slots m times with frees in between must always succeed
// when k divides the arena or leaves room after a wrap.
func TestAllocWraparound(t *testing.T) {
	for n := uint32(1); n <= 12; n++ {
		for k := uint32(1); k <= n; k++ {
			a := mustArena(t, 0, n)
			for m := 0; m < int(3*n); m++ {
				r, ok := a.Alloc(k)
				require.True(t, ok, "n=%d k=%d m=%d", n, k, m)
				require.LessOrEqual(t, r.Index+r.Len, n)
				require.NoError(t, a.Free(r))
			}
			assert.Equal(t, uint32(0), a.Stats().InUse)
		}
	}
}

func TestAllocGapAtEnd(t *testing.T) {
	sizes := []uint32{1, 3, 2}
	for n := uint32(2); n <= 24; n++ {
		for k := uint32(1); k < n; k++ {
			a := mustArena(t, 0, n)
			// fill slots [0, n-k) with runs of mixed length
			for used, i := uint32(0), 0; used < n-k; i++ {
				size := min(sizes[i%len(sizes)], n-k-used)
				r, ok := a.Alloc(size)
				require.True(t, ok, "n=%d k=%d fill at %d", n, k, used)
				require.Equal(t, used, r.Index)
				used += size
			}

			_, ok := a.Alloc(k + 1)
			assert.False(t, ok, "n=%d k=%d: alloc(k+1) must fail", n, k)
			r, ok := a.Alloc(k)
			require.True(t, ok, "n=%d k=%d: alloc(k) must succeed", n, k)
			assert.Equal(t, n-k, r.Index, "n=%d k=%d", n, k)
			assert.Equal(t, n, a.Stats().InUse)
		}
	}
}

func TestFreeInvalid(t *testing.T) {
	a := mustArena(t, 64, 8)
	r, ok := a.Alloc(3)
	require.True(t, ok)

	tests := []struct {
		name string
		r    Region
	}{
		{"zero", Region{}},
		{"wrong length", Region{Index: r.Index, Len: 2, Gen: r.Gen}},
		{"not head", Region{Index: r.Index + 1, Len: 2, Gen: r.Gen}},
		{"stale generation", Region{Index: r.Index, Len: r.Len, Gen: r.Gen + 1}},
		{"out of range", Region{Index: 7, Len: 4, Gen: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := freeErr(a, tt.r)
			assert.ErrorIs(t, err, ErrInvalidFree)
		})
	}

	// metadata untouched by the invalid frees
	assert.True(t, a.Live(r))
	require.NoError(t, a.Free(r))
	assert.ErrorIs(t, freeErr(a, r), ErrInvalidFree, "double free")
}

func TestGenerationRejectsReuseAfterFree(t *testing.T) {
	a := mustArena(t, 0, 1)
	old, ok := a.Alloc(1)
	require.True(t, ok)
	require.NoError(t, a.Free(old))

	cur, ok := a.Alloc(1)
	require.True(t, ok)
	assert.Equal(t, old.Index, cur.Index)
	assert.NotEqual(t, old.Gen, cur.Gen)
	assert.False(t, a.Live(old))
	assert.ErrorIs(t, freeErr(a, old), ErrInvalidFree)
	assert.True(t, a.Live(cur))
}

func TestBytesDisjoint(t *testing.T) {
	a := mustArena(t, 4096, 8)
	r1, _ := a.Alloc(2)
	r2, _ := a.Alloc(3)

	b1 := a.Bytes(r1)
	b2 := a.Bytes(r2)
	require.Len(t, b1, 2*4096)
	require.Len(t, b2, 3*4096)
	assert.Equal(t, 2*4096, cap(b1), "capacity must not reach into the next run")

	for i := range b1 {
		b1[i] = 0xAA
	}
	for _, c := range b2 {
		require.Equal(t, byte(0), c)
	}
}

func TestIndexOnlyArenaHasNoBytes(t *testing.T) {
	a := mustArena(t, 0, 4)
	r, ok := a.Alloc(1)
	require.True(t, ok)
	assert.Nil(t, a.Bytes(r))
}

// Random interleavings of Alloc and Free never hand out overlapping slots
// and never lose any.
func TestAllocExclusivityRandom(t *testing.T) {
	const slots = 64
	a := mustArena(t, 0, slots)
	rng := rand.New(rand.NewSource(42))

	var live []Region
	owner := make([]int, slots)
	for i := range owner {
		owner[i] = -1
	}

	for step := 0; step < 20000; step++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			i := rng.Intn(len(live))
			r := live[i]
			require.NoError(t, a.Free(r))
			for j := r.Index; j < r.Index+r.Len; j++ {
				owner[j] = -1
			}
			live = append(live[:i], live[i+1:]...)
			continue
		}
		n := uint32(rng.Intn(8) + 1)
		r, ok := a.Alloc(n)
		if !ok {
			continue
		}
		for j := r.Index; j < r.Index+r.Len; j++ {
			require.Equal(t, -1, owner[j], "slot %d handed out twice", j)
			owner[j] = step
		}
		live = append(live, r)
	}

	var inUse uint32
	for _, r := range live {
		inUse += r.Len
	}
	st := a.Stats()
	assert.Equal(t, inUse, st.InUse)
	assert.Equal(t, uint32(len(live)), st.Live)
	assert.Equal(t, st.Allocs-st.Frees, uint64(len(live)))
}

func TestCloseIdempotent(t *testing.T) {
	a, err := New(4096, 4)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, ok := a.Alloc(1)
	assert.False(t, ok)
}

func TestSlab(t *testing.T) {
	type rec struct{ v int }
	s, err := NewSlab[rec](2)
	require.NoError(t, err)

	r1, p1, ok := s.Alloc()
	require.True(t, ok)
	p1.v = 7
	r2, _, ok := s.Alloc()
	require.True(t, ok)
	_, _, ok = s.Alloc()
	assert.False(t, ok, "slab should be exhausted")

	got := s.Get(FromHandle(r1.Handle()))
	require.NotNil(t, got)
	assert.Equal(t, 7, got.v)

	require.NoError(t, s.Free(r1))
	assert.Nil(t, s.Get(r1))
	require.NoError(t, s.Free(r2))
	assert.Equal(t, uint32(2), s.Cap())
	assert.Equal(t, uint32(0), s.Stats().Live)
}

func BenchmarkAllocFree(b *testing.B) {
	a, err := New(4096, 1024)
	if err != nil {
		b.Fatal(err)
	}
	defer a.Close()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r, ok := a.Alloc(4)
		if !ok {
			b.Fatal("alloc failed")
		}
		a.Free(r)
	}
}
