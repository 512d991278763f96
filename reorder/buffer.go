package reorder

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/streamcore/seqnum"
)

// DropStrategy selects what to discard when a push would exceed capacity.
type DropStrategy int

const (
	// DropNewest discards the incoming packet when the window is full.
	DropNewest DropStrategy = iota
	// DropOldest evicts entries from the front of the window until the
	// incoming packet fits.
	DropOldest
)

// DropFunc receives every payload that leaves the buffer without being
// pulled. For SkipGap on an empty slot, payload is the zero value.
type DropFunc[S seqnum.Value, P any] func(seq S, payload P)

// hintInvalid marks the first-set hint as unknown. The hint is a pure
// performance cache: FindFirstSet re-derives it by scanning whenever it is
// invalid or out of range, so correctness never depends on it.
const hintInvalid = math.MaxUint64

type slot[P any] struct {
	set     bool
	payload P
}

// Buffer is a bounded wraparound-aware reorder buffer. The zero value is
// not usable; construct with New, New16 or New32.
type Buffer[S seqnum.Value, P any] struct {
	sizeExp      uint
	begin        S
	count        uint64
	slots        []slot[P]
	strategy     DropStrategy
	dropFn       DropFunc[S, P]
	firstSetHint uint64
}

// New creates a buffer with capacity 1<<sizeExp whose window starts at
// start. The drop strategy defaults to DropNewest.
func New[S seqnum.Value, P any](sizeExp uint, start S) (*Buffer[S, P], error) {
	if sizeExp == 0 || sizeExp > 24 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer[S, P]{
		sizeExp:      sizeExp,
		begin:        start,
		slots:        make([]slot[P], 1<<sizeExp),
		strategy:     DropNewest,
		firstSetHint: hintInvalid,
	}, nil
}

// New16 creates a buffer keyed by 16-bit sequence numbers.
func New16[P any](sizeExp uint, start seqnum.Num16) (*Buffer[seqnum.Num16, P], error) {
	return New[seqnum.Num16, P](sizeExp, start)
}

// New32 creates a buffer keyed by 32-bit sequence numbers.
func New32[P any](sizeExp uint, start seqnum.Num32) (*Buffer[seqnum.Num32, P], error) {
	return New[seqnum.Num32, P](sizeExp, start)
}

// SetDropStrategy selects the behavior when a push exceeds capacity.
func (b *Buffer[S, P]) SetDropStrategy(s DropStrategy) {
	b.strategy = s
}

// SetDropCallback installs the callback receiving dropped payloads.
func (b *Buffer[S, P]) SetDropCallback(fn DropFunc[S, P]) {
	b.dropFn = fn
}

// Capacity returns the maximum window size.
func (b *Buffer[S, P]) Capacity() uint64 {
	return 1 << b.sizeExp
}

// Count returns the current window size, including unfilled holes.
func (b *Buffer[S, P]) Count() uint64 {
	return b.count
}

// Begin returns the sequence number at the front of the window.
func (b *Buffer[S, P]) Begin() S {
	return b.begin
}

func (b *Buffer[S, P]) idx(seq S) uint64 {
	return uint64(seq) & (1<<b.sizeExp - 1)
}

// offsetForSeq walks the window to find the offset of seq, or hintInvalid
// if seq is outside the window.
func (b *Buffer[S, P]) offsetForSeq(seq S) uint64 {
	cur := b.begin
	for i := uint64(0); i < b.count; i++ {
		if cur == seq {
			return i
		}
		cur = seqnum.Add(cur, 1)
	}
	return hintInvalid
}

func (b *Buffer[S, P]) drop(seq S, payload P) {
	if b.dropFn != nil {
		b.dropFn(seq, payload)
	}
}

// lowerHint moves the first-set hint down to seq's offset if seq precedes
// the currently hinted position. Push only ever moves the hint backward.
func (b *Buffer[S, P]) lowerHint(seq S) {
	if b.firstSetHint == hintInvalid {
		b.firstSetHint = b.offsetForSeq(seq)
		return
	}
	hinted := seqnum.Add(b.begin, b.firstSetHint)
	if seqnum.Lt(seq, hinted) {
		b.firstSetHint = b.offsetForSeq(seq)
	}
}

// decrementHint adjusts the hint after the front of the window advanced by
// one slot.
func (b *Buffer[S, P]) decrementHint() {
	if b.count == 0 {
		b.firstSetHint = hintInvalid
		return
	}
	if b.firstSetHint == hintInvalid {
		return
	}
	if b.firstSetHint == 0 {
		b.firstSetHint = hintInvalid
	} else {
		b.firstSetHint--
	}
}

// Push inserts payload at seq. Stale and duplicate sequence numbers are
// handed to the drop callback. A seq beyond the current window grows the
// window, applying the drop strategy if capacity would be exceeded.
func (b *Buffer[S, P]) Push(seq S, payload P) {
	end := seqnum.Add(b.begin, b.count)

	if seqnum.Ge(seq, b.begin) && seqnum.Lt(seq, end) {
		s := &b.slots[b.idx(seq)]
		if s.set {
			// Received twice; keep the stored payload.
			b.drop(seq, payload)
			return
		}
		s.payload = payload
		s.set = true
		b.lowerHint(seq)
		return
	}

	if seqnum.Lt(seq, b.begin) {
		b.drop(seq, payload)
		return
	}

	// seq is at or beyond the window end; check whether growing up to and
	// including seq still fits in capacity.
	freeElems := b.Capacity() - b.count
	totalEnd := seqnum.Add(end, freeElems)
	newEnd := seqnum.Add(seq, 1)
	if seqnum.Lt(totalEnd, newEnd) {
		if b.strategy == DropNewest {
			b.drop(seq, payload)
			return
		}

		// DropOldest: evict from the front until there is room or the
		// buffer is empty.
		for b.count > 0 && seqnum.Lt(totalEnd, newEnd) {
			front := &b.slots[b.idx(b.begin)]
			if front.set {
				b.drop(b.begin, front.payload)
				front.set = false
				var zero P
				front.payload = zero
			}
			b.begin = seqnum.Add(b.begin, 1)
			b.count--
			freeElems = b.Capacity() - b.count
			totalEnd = seqnum.Add(end, freeElems)
		}

		if b.count == 0 {
			logrus.WithFields(logrus.Fields{
				"function": "Push",
				"new_seq":  uint64(seq),
			}).Debug("Reorder buffer emptied by eviction, fast-forwarding window")
			b.begin = seq
			b.firstSetHint = hintInvalid
		}
	}

	// Grow the window up to newEnd, marking intermediate slots unset.
	end = seqnum.Add(b.begin, b.count)
	for seqnum.Lt(end, newEnd) {
		b.count++
		s := &b.slots[b.idx(end)]
		s.set = false
		var zero P
		s.payload = zero
		end = seqnum.Add(b.begin, b.count)
	}

	s := &b.slots[b.idx(seq)]
	s.set = true
	s.payload = payload
	b.lowerHint(seq)
}

// Pull removes and returns the front entry. It succeeds only when the
// front slot is set: consumption is strictly in order and never skips a
// gap.
func (b *Buffer[S, P]) Pull() (seq S, payload P, ok bool) {
	if b.count == 0 {
		return seq, payload, false
	}

	s := &b.slots[b.idx(b.begin)]
	if !s.set {
		return seq, payload, false
	}

	seq = b.begin
	payload = s.payload
	s.set = false
	var zero P
	s.payload = zero
	b.begin = seqnum.Add(b.begin, 1)
	b.count--
	b.decrementHint()
	return seq, payload, true
}

// Peek returns the set entry at offset from the front without removing it.
func (b *Buffer[S, P]) Peek(offset uint64) (seq S, payload P, ok bool) {
	if offset >= b.count {
		return seq, payload, false
	}
	cur := seqnum.Add(b.begin, offset)
	s := &b.slots[b.idx(cur)]
	if !s.set {
		return seq, payload, false
	}
	return cur, s.payload, true
}

// FindFirstSet scans forward for the first set slot, starting from the
// hinted position when it is valid, and refreshes the hint.
func (b *Buffer[S, P]) FindFirstSet() (offset uint64, seq S, payload P, ok bool) {
	start := uint64(0)
	if b.firstSetHint != hintInvalid && b.firstSetHint < b.count {
		start = b.firstSetHint
	}

	for i := start; i < b.count; i++ {
		cur := seqnum.Add(b.begin, i)
		s := &b.slots[b.idx(cur)]
		if !s.set {
			continue
		}
		b.firstSetHint = i
		return i, cur, s.payload, true
	}
	return 0, seq, payload, false
}

// Drop force-clears the set slot at offset, invoking the drop callback.
// If this empties the tail of the window, trailing unset slots are trimmed
// and the count shrinks.
func (b *Buffer[S, P]) Drop(offset uint64) {
	if offset >= b.count {
		return
	}

	seq := seqnum.Add(b.begin, offset)
	s := &b.slots[b.idx(seq)]
	if !s.set {
		return
	}

	b.drop(seq, s.payload)
	s.set = false
	var zero P
	s.payload = zero

	if offset == b.count-1 {
		for !s.set {
			b.count--
			if b.count == 0 {
				break
			}
			seq = seqnum.Add(b.begin, b.count-1)
			s = &b.slots[b.idx(seq)]
		}
	}
	if b.count == 0 {
		b.firstSetHint = hintInvalid
	} else if b.firstSetHint != hintInvalid && b.firstSetHint == offset {
		b.firstSetHint = hintInvalid
	}
}

// SkipGap unconditionally evicts the front slot, set or not, advancing the
// window by one. The drop callback always fires so resource accounting
// stays symmetric; for a hole the payload is the zero value.
func (b *Buffer[S, P]) SkipGap() {
	if b.count == 0 {
		return
	}

	s := &b.slots[b.idx(b.begin)]
	var payload P
	if s.set {
		payload = s.payload
	}
	b.drop(b.begin, payload)
	if s.set {
		s.set = false
		var zero P
		s.payload = zero
	}

	b.begin = seqnum.Add(b.begin, 1)
	b.count--
	b.decrementHint()
}

// Close drains every still-set slot through the drop callback and empties
// the buffer. The buffer must not be used afterwards.
func (b *Buffer[S, P]) Close() {
	drained := 0
	for i := uint64(0); i < b.count; i++ {
		seq := seqnum.Add(b.begin, i)
		s := &b.slots[b.idx(seq)]
		if s.set {
			b.drop(seq, s.payload)
			s.set = false
			drained++
		}
	}
	b.count = 0
	b.firstSetHint = hintInvalid
	if drained > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"drained":  drained,
		}).Debug("Reorder buffer closed with undelivered entries")
	}
}
