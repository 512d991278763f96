package seqnum

// Num16 is a 16-bit wraparound sequence number, used for frame indices.
type Num16 uint16

// Num32 is a 32-bit wraparound sequence number, used for packet sequence
// numbers.
type Num32 uint32

// Value constrains the integer widths sequence numbers may have.
type Value interface {
	~uint16 | ~uint32
}

// Gt reports whether a is newer than b under the half-range convention:
// a is newer iff (a - b) mod 2^W lies in (0, 2^(W-1)).
func Gt[T Value](a, b T) bool {
	d := a - b
	half := ^T(0)/2 + 1
	return d != 0 && d < half
}

// Lt reports whether a is older than b under the half-range convention.
func Lt[T Value](a, b T) bool {
	return Gt(b, a)
}

// Ge reports whether a equals b or is newer than b.
func Ge[T Value](a, b T) bool {
	return a == b || Gt(a, b)
}

// Le reports whether a equals b or is older than b.
func Le[T Value](a, b T) bool {
	return a == b || Lt(a, b)
}

// Add advances a by n modulo the width of T.
func Add[T Value](a T, n uint64) T {
	return a + T(n)
}

// Span16 returns the inclusive width of the range [start, end], accounting
// for wraparound. Span16(65534, 1) == 4.
func Span16(start, end Num16) uint16 {
	return uint16(end - start + 1)
}

// Gt reports whether n is newer than other.
func (n Num16) Gt(other Num16) bool { return Gt(n, other) }

// Lt reports whether n is older than other.
func (n Num16) Lt(other Num16) bool { return Lt(n, other) }

// Ge reports whether n equals other or is newer than other.
func (n Num16) Ge(other Num16) bool { return Ge(n, other) }

// Gt reports whether n is newer than other.
func (n Num32) Gt(other Num32) bool { return Gt(n, other) }

// Lt reports whether n is older than other.
func (n Num32) Lt(other Num32) bool { return Lt(n, other) }
