// Package hexutil converts between hex-pair strings and bytes for keys, AIDs
// and APDU fixtures.
package hexutil

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Decode parses a hex-pair string ("A0000000030000") into bytes.
// Spaces are ignored so "FF FF FF" and "FFFFFF" are equivalent.
func Decode(s string) ([]byte, error) {
	clean := strings.ReplaceAll(s, " ", "")
	if len(clean)%2 != 0 {
		return nil, fmt.Errorf("odd hex length %d in %q", len(clean), s)
	}

	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return data, nil
}

// MustDecode constructs a byte slice from a series of hex strings and panics
// on malformed input. Intended for fixtures like MustDecode("FF 82 00 00", "06").
func MustDecode(parts ...string) []byte {
	data, err := Decode(strings.Join(parts, ""))
	if err != nil {
		panic(err.Error())
	}
	return data
}
