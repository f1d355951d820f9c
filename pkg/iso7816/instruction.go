package iso7816

import (
	"fmt"

	"github.com/gregLibert/pcsc-reader/pkg/bits"
)

// Instruction Byte (INS) Logic according to ISO/IEC 7816-4 and PC/SC part 3.
//
// With CLA 0xFF several ISO codes are reused by the reader with a different
// meaning: 0x82 (EXTERNAL AUTHENTICATE) becomes LOAD KEYS, 0x86 is the PC/SC
// 2.07 GENERAL AUTHENTICATE and 0x88 (INTERNAL AUTHENTICATE) the PC/SC 2.01
// AUTHENTICATE. The byte values are identical, only the names differ.
//
// INS values where the upper nibble is '6' or '9' are invalid: they collide
// with SW1 procedure bytes of ISO/IEC 7816-3.

// InsCode is a typed representation of the instruction byte.
type InsCode byte

const (
	INS_LOAD_KEYS             InsCode = 0x82
	INS_GENERAL_AUTHENTICATE  InsCode = 0x86
	INS_AUTHENTICATE_OBSOLETE InsCode = 0x88
	INS_SELECT                InsCode = 0xA4
	INS_READ_BINARY           InsCode = 0xB0
	INS_READ_BINARY_BER       InsCode = 0xB1
	INS_READ_RECORD           InsCode = 0xB2
	INS_GET_RESPONSE          InsCode = 0xC0
	INS_GET_DATA              InsCode = 0xCA
	INS_UPDATE_BINARY         InsCode = 0xD6
	INS_UPDATE_BINARY_BER     InsCode = 0xD7
	INS_GET_CHALLENGE         InsCode = 0x84
	INS_VERIFY                InsCode = 0x20
	INS_MANAGE_CHANNEL        InsCode = 0x70
	INS_ENVELOPE              InsCode = 0xC2
	INS_PUT_DATA              InsCode = 0xDA
	INS_TERMINATE_CARD_USAGE  InsCode = 0xFE
)

var insNames = map[InsCode]string{
	INS_LOAD_KEYS:             "INS_LOAD_KEYS",
	INS_GENERAL_AUTHENTICATE:  "INS_GENERAL_AUTHENTICATE",
	INS_AUTHENTICATE_OBSOLETE: "INS_AUTHENTICATE_OBSOLETE",
	INS_SELECT:                "INS_SELECT",
	INS_READ_BINARY:           "INS_READ_BINARY",
	INS_READ_BINARY_BER:       "INS_READ_BINARY_BER",
	INS_READ_RECORD:           "INS_READ_RECORD",
	INS_GET_RESPONSE:          "INS_GET_RESPONSE",
	INS_GET_DATA:              "INS_GET_DATA",
	INS_UPDATE_BINARY:         "INS_UPDATE_BINARY",
	INS_UPDATE_BINARY_BER:     "INS_UPDATE_BINARY_BER",
	INS_GET_CHALLENGE:         "INS_GET_CHALLENGE",
	INS_VERIFY:                "INS_VERIFY",
	INS_MANAGE_CHANNEL:        "INS_MANAGE_CHANNEL",
	INS_ENVELOPE:              "INS_ENVELOPE",
	INS_PUT_DATA:              "INS_PUT_DATA",
	INS_TERMINATE_CARD_USAGE:  "INS_TERMINATE_CARD_USAGE",
}

func (i InsCode) String() string {
	if name, ok := insNames[i]; ok {
		return name
	}
	return fmt.Sprintf("InsCode(0x%02X)", byte(i))
}

// Instruction represents the parsed Instruction byte (INS).
type Instruction struct {
	Raw      InsCode
	IsBERTLV bool
}

// NewInstruction creates an Instruction object with validation.
// It rejects '6X' and '9X' values as they are invalid according to ISO 7816-3.
func NewInstruction(ins InsCode) (Instruction, error) {
	highNibble := bits.GetRange(byte(ins), 8, 5)
	if highNibble == 0x6 || highNibble == 0x9 {
		return Instruction{}, fmt.Errorf("invalid INS 0x%02X: 6X and 9X are reserved", byte(ins))
	}

	return Instruction{
		Raw:      ins,
		IsBERTLV: bits.IsSet(byte(ins), 1),
	}, nil
}

// MustInstruction is NewInstruction for compile-time constants.
func MustInstruction(ins InsCode) Instruction {
	i, err := NewInstruction(ins)
	if err != nil {
		panic(err)
	}
	return i
}

// Verbose returns a human-readable description of the instruction.
func (i Instruction) Verbose() string {
	format := "Standard"
	if i.IsBERTLV {
		format = "BER-TLV"
	}
	return fmt.Sprintf("INS: 0x%02X | Command: %s | Format: %s", byte(i.Raw), i.Raw, format)
}
