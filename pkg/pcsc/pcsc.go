// Package pcsc builds the PC/SC part 3 pseudo-APDUs that contactless readers
// interpret on behalf of storage cards (MIFARE Classic, Ultralight...): UID
// retrieval, key loading into reader memory, sector authentication and
// binary block access.
//
// All commands use CLA 0xFF. Byte layouts:
//
//	Load key            FF 82 00 <slot> 06 <key[6]>
//	Authenticate (2.07) FF 86 00 00 05 01 00 <block> <keyType> <slot>
//	Authenticate (2.01) FF 88 00 <block> <keyType> <slot>
//	Read binary         FF B0 00 <block> <len>
//	Update binary       FF D6 00 <block> <blockSize> <data>
//	Get UID             FF CA 00 00 00
package pcsc

import (
	"fmt"

	"github.com/gregLibert/pcsc-reader/pkg/iso7816"
)

// Command is anything that encodes to a C-APDU.
type Command interface {
	Bytes() ([]byte, error)
	String() string
}

var _ Command = (*iso7816.CommandAPDU)(nil)

// RawCommand carries a pre-encoded APDU for layouts the ISO 7816-3 case
// encoding cannot express.
type RawCommand struct {
	Name string
	Raw  []byte
}

// Bytes returns a copy of the encoded command.
func (r RawCommand) Bytes() ([]byte, error) {
	return append([]byte(nil), r.Raw...), nil
}

func (r RawCommand) String() string {
	return fmt.Sprintf("%s | Raw: %X", r.Name, r.Raw)
}

// KeyType selects which MIFARE sector key authenticates a block.
type KeyType byte

const (
	KeyTypeA KeyType = 0x60
	KeyTypeB KeyType = 0x61
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeA:
		return "A"
	case KeyTypeB:
		return "B"
	default:
		return fmt.Sprintf("KeyType(0x%02X)", byte(k))
	}
}

const (
	// KeyLength is the size of a MIFARE Classic sector key.
	KeyLength = 6

	// KeySlots is the number of volatile key locations in the reader.
	KeySlots = 2

	// authenticateVersion is byte 1 of the GENERAL AUTHENTICATE data block.
	authenticateVersion = 0x01

	// keyStructureVolatile is P1 of LOAD KEYS: key kept in reader volatile memory.
	keyStructureVolatile = 0x00
)
