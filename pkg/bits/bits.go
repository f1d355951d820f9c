// Package bits holds the bit helpers shared by the APDU codec (CLA, SW) and the
// reader state machine (PC/SC state flags).
//
// Positions are 1-based, bit 1 being the least significant, which is how
// ISO/IEC 7816-4 numbers them ("b8..b1").
package bits

// Unsigned is the set of integer types the helpers operate on.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

func width[T Unsigned]() uint {
	var zero T
	w := uint(0)
	for v := ^zero; v != 0; v >>= 1 {
		w++
	}
	return w
}

// Bit returns a value with only the n-th bit set.
// Out of range positions yield 0.
func Bit[T Unsigned](n uint) T {
	if n < 1 || n > width[T]() {
		return 0
	}
	return T(1) << (n - 1)
}

// IsSet checks if the n-th bit is set.
func IsSet[T Unsigned](v T, n uint) bool {
	return v&Bit[T](n) != 0
}

// GetRange extracts the value from a range of bits (e.g., bits 4 to 3).
// Example: GetRange(byte(0b00001100), 4, 3) returns 3 (0b11)
func GetRange[T Unsigned](v T, high, low uint) T {
	if high < low || high > width[T]() || low < 1 {
		return 0
	}

	mask := ^T(0) >> (width[T]() - (high - low + 1))

	return (v >> (low - 1)) & mask
}

// Set returns v with bit n set.
func Set[T Unsigned](v T, n uint) T {
	return v | Bit[T](n)
}

// Changed returns the bits that differ between two snapshots.
func Changed[T Unsigned](prev, next T) T {
	return prev ^ next
}

// Rose reports whether a bit of mask flipped between prev and next and is set
// in next.
func Rose[T Unsigned](prev, next, mask T) bool {
	return Changed(prev, next)&mask != 0 && next&mask != 0
}
