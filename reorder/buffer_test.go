package reorder

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/streamcore/seqnum"
)

func TestNewValidation(t *testing.T) {
	_, err := New16[int](0, 0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = New16[int](25, 0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	b, err := New16[int](4, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), b.Capacity())
	assert.Equal(t, uint64(0), b.Count())
}

func TestInOrderPushPull(t *testing.T) {
	b, err := New16[string](4, 10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.Push(seqnum.Num16(10+i), "p")
	}
	for i := 0; i < 5; i++ {
		seq, _, ok := b.Pull()
		require.True(t, ok)
		assert.Equal(t, seqnum.Num16(10+i), seq)
	}
	_, _, ok := b.Pull()
	assert.False(t, ok)
}

func TestOutOfOrderPullsAscending(t *testing.T) {
	b, err := New16[int](4, 0)
	require.NoError(t, err)

	for _, seq := range []seqnum.Num16{3, 0, 2, 1, 5, 4} {
		b.Push(seq, int(seq))
	}

	var got []seqnum.Num16
	for {
		seq, payload, ok := b.Pull()
		if !ok {
			break
		}
		assert.Equal(t, int(seq), payload)
		got = append(got, seq)
	}
	assert.Equal(t, []seqnum.Num16{0, 1, 2, 3, 4, 5}, got)
}

func TestPullNeverSkipsGap(t *testing.T) {
	b, err := New16[int](4, 0)
	require.NoError(t, err)

	b.Push(1, 1)
	_, _, ok := b.Pull()
	assert.False(t, ok, "front slot is a hole, pull must not skip it")

	b.Push(0, 0)
	seq, _, ok := b.Pull()
	require.True(t, ok)
	assert.Equal(t, seqnum.Num16(0), seq)
	seq, _, ok = b.Pull()
	require.True(t, ok)
	assert.Equal(t, seqnum.Num16(1), seq)
}

func TestDuplicateDroppedOnce(t *testing.T) {
	b, err := New16[string](4, 0)
	require.NoError(t, err)

	var drops []string
	b.SetDropCallback(func(seq seqnum.Num16, payload string) {
		drops = append(drops, payload)
	})

	b.Push(0, "original")
	b.Push(0, "duplicate")
	require.Equal(t, []string{"duplicate"}, drops)

	_, payload, ok := b.Pull()
	require.True(t, ok)
	assert.Equal(t, "original", payload, "stored payload must be unchanged")
}

func TestStaleDropped(t *testing.T) {
	b, err := New16[int](4, 100)
	require.NoError(t, err)

	var dropped []seqnum.Num16
	b.SetDropCallback(func(seq seqnum.Num16, payload int) {
		dropped = append(dropped, seq)
	})

	b.Push(99, 99)
	assert.Equal(t, []seqnum.Num16{99}, dropped)
	assert.Equal(t, uint64(0), b.Count())
}

func TestCapacityDropNewest(t *testing.T) {
	b, err := New16[int](2, 0)
	require.NoError(t, err)

	var dropped []seqnum.Num16
	b.SetDropCallback(func(seq seqnum.Num16, payload int) {
		dropped = append(dropped, seq)
	})

	b.Push(0, 0)
	b.Push(4, 4) // window [0,5) needs 5 slots > 4
	assert.Equal(t, []seqnum.Num16{4}, dropped)
	assert.Equal(t, uint64(1), b.Count())
}

func TestCapacityDropOldestEvicts(t *testing.T) {
	b, err := New16[int](2, 0)
	require.NoError(t, err)
	b.SetDropStrategy(DropOldest)

	var dropped []seqnum.Num16
	b.SetDropCallback(func(seq seqnum.Num16, payload int) {
		dropped = append(dropped, seq)
	})

	b.Push(0, 0)
	b.Push(1, 1)
	b.Push(5, 5) // forces eviction of the front

	assert.Contains(t, dropped, seqnum.Num16(0))
	_, seq, _, ok := b.FindFirstSet()
	_ = seq
	require.True(t, ok)

	// Everything still pullable is in ascending order.
	var last seqnum.Num16
	first := true
	for {
		s, _, ok := b.Pull()
		if !ok {
			break
		}
		if !first {
			assert.True(t, s.Gt(last))
		}
		last, first = s, false
	}
}

func TestCapacityDropOldestFastForward(t *testing.T) {
	b, err := New16[int](2, 0)
	require.NoError(t, err)
	b.SetDropStrategy(DropOldest)

	var dropped []seqnum.Num16
	b.SetDropCallback(func(seq seqnum.Num16, payload int) {
		dropped = append(dropped, seq)
	})

	b.Push(0, 0)
	// Far beyond any reachable window: buffer empties and fast-forwards.
	b.Push(1000, 1000)

	assert.Equal(t, []seqnum.Num16{0}, dropped)
	assert.Equal(t, seqnum.Num16(1000), b.Begin())
	seq, payload, ok := b.Pull()
	require.True(t, ok)
	assert.Equal(t, seqnum.Num16(1000), seq)
	assert.Equal(t, 1000, payload)
}

func TestCountNeverExceedsCapacity(t *testing.T) {
	b, err := New16[int](3, 0)
	require.NoError(t, err)
	b.SetDropStrategy(DropOldest)
	b.SetDropCallback(func(seqnum.Num16, int) {})

	rng := rand.New(rand.NewSource(7))
	next := seqnum.Num16(0)
	for i := 0; i < 500; i++ {
		next = seqnum.Add(next, uint64(rng.Intn(5)))
		b.Push(next, i)
		assert.LessOrEqual(t, b.Count(), b.Capacity())
		if rng.Intn(3) == 0 {
			b.Pull()
		}
	}
}

// Scenario: begin=100, size 16; 102 and 104 arrive, 101/103 never do.
func TestSkipGapDropFindFirstSet(t *testing.T) {
	b, err := New16[int](4, 100)
	require.NoError(t, err)
	b.SetDropCallback(func(seqnum.Num16, int) {})

	b.Push(102, 102)
	b.Push(104, 104)

	offset, seq, _, ok := b.FindFirstSet()
	require.True(t, ok)
	assert.Equal(t, uint64(2), offset)
	assert.Equal(t, seqnum.Num16(102), seq)

	b.SkipGap()
	assert.Equal(t, seqnum.Num16(101), b.Begin())

	offset, seq, _, ok = b.FindFirstSet()
	require.True(t, ok)
	assert.Equal(t, uint64(1), offset)
	assert.Equal(t, seqnum.Num16(102), seq)

	b.Drop(1)

	// 101 and 103 are holes, 102 was dropped: first set is 104 at offset 3.
	offset, seq, _, ok = b.FindFirstSet()
	require.True(t, ok)
	assert.Equal(t, uint64(3), offset)
	assert.Equal(t, seqnum.Num16(104), seq)
}

// Scenario: wraparound at the 16-bit boundary.
func TestWraparoundPushPull(t *testing.T) {
	b, err := New16[int](4, 65534)
	require.NoError(t, err)

	var skipped []seqnum.Num16
	b.SetDropCallback(func(seq seqnum.Num16, payload int) {
		skipped = append(skipped, seq)
	})

	b.Push(0, 0)
	b.Push(65535, 65535)

	offset, seq, _, ok := b.FindFirstSet()
	require.True(t, ok)
	assert.Equal(t, uint64(1), offset)
	assert.Equal(t, seqnum.Num16(65535), seq)

	b.SkipGap() // clears the unset 65534 slot
	assert.Equal(t, []seqnum.Num16{65534}, skipped)

	seq, _, ok = b.Pull()
	require.True(t, ok)
	assert.Equal(t, seqnum.Num16(65535), seq)
	seq, _, ok = b.Pull()
	require.True(t, ok)
	assert.Equal(t, seqnum.Num16(0), seq)
}

func TestWraparound32(t *testing.T) {
	top := seqnum.Num32(^uint32(0))
	b, err := New32[int](4, top-1)
	require.NoError(t, err)

	b.Push(1, 1)
	b.Push(top-1, -2)
	b.Push(top, -1)
	b.Push(0, 0)

	want := []seqnum.Num32{top - 1, top, 0, 1}
	for _, w := range want {
		seq, _, ok := b.Pull()
		require.True(t, ok)
		assert.Equal(t, w, seq)
	}
}

func TestDropTrimsTail(t *testing.T) {
	b, err := New16[int](4, 0)
	require.NoError(t, err)
	b.SetDropCallback(func(seqnum.Num16, int) {})

	b.Push(0, 0)
	b.Push(3, 3)
	require.Equal(t, uint64(4), b.Count())

	b.Drop(3)
	// Slots 1..3 are now all unset; only the set front remains.
	assert.Equal(t, uint64(1), b.Count())

	b.Drop(0)
	assert.Equal(t, uint64(0), b.Count())
}

func TestPeekAgreesWithContents(t *testing.T) {
	b, err := New16[int](4, 0)
	require.NoError(t, err)

	b.Push(2, 20)
	_, _, ok := b.Peek(0)
	assert.False(t, ok, "hole must not peek")
	_, _, ok = b.Peek(1)
	assert.False(t, ok)
	seq, payload, ok := b.Peek(2)
	require.True(t, ok)
	assert.Equal(t, seqnum.Num16(2), seq)
	assert.Equal(t, 20, payload)
	_, _, ok = b.Peek(3)
	assert.False(t, ok, "offset beyond window")
}

func TestCloseDrainsSetSlots(t *testing.T) {
	b, err := New16[int](4, 0)
	require.NoError(t, err)

	var drained []seqnum.Num16
	b.SetDropCallback(func(seq seqnum.Num16, payload int) {
		drained = append(drained, seq)
	})

	b.Push(0, 0)
	b.Push(2, 2)
	b.Push(5, 5)
	b.Close()

	assert.ElementsMatch(t, []seqnum.Num16{0, 2, 5}, drained)
	assert.Equal(t, uint64(0), b.Count())
}

// naiveFirstSet re-derives the first set slot by peeking every offset,
// bypassing the hint entirely.
func naiveFirstSet(b *Buffer[seqnum.Num16, int]) (uint64, seqnum.Num16, bool) {
	for i := uint64(0); i < b.Count(); i++ {
		if seq, _, ok := b.Peek(i); ok {
			return i, seq, true
		}
	}
	return 0, 0, false
}

// The first-set hint is a performance cache only: under a random mix of
// operations FindFirstSet must always agree with a full scan.
func TestFindFirstSetMatchesFullScan(t *testing.T) {
	b, err := New16[int](5, 30000)
	require.NoError(t, err)
	b.SetDropStrategy(DropOldest)
	b.SetDropCallback(func(seqnum.Num16, int) {})

	rng := rand.New(rand.NewSource(42))
	next := seqnum.Num16(30000)
	for i := 0; i < 2000; i++ {
		switch rng.Intn(5) {
		case 0, 1:
			next = seqnum.Add(next, uint64(rng.Intn(4)))
			b.Push(next, i)
		case 2:
			b.Pull()
		case 3:
			if b.Count() > 0 {
				b.Drop(uint64(rng.Intn(int(b.Count()))))
			}
		case 4:
			b.SkipGap()
		}

		wantOff, wantSeq, wantOK := naiveFirstSet(b)
		gotOff, gotSeq, _, gotOK := b.FindFirstSet()
		require.Equal(t, wantOK, gotOK, "iteration %d", i)
		if wantOK {
			assert.Equal(t, wantOff, gotOff, "iteration %d", i)
			assert.Equal(t, wantSeq, gotSeq, "iteration %d", i)
		}
	}
}
