package iso7816

import (
	"bytes"
	"errors"
	"fmt"
)

// APDU (Application Protocol Data Unit) structures and encodings according to ISO/IEC 7816-3 and 7816-4.
//
// COMMAND APDU (C-APDU):
// A command consists of a mandatory Header (4 bytes) and an optional Body.
//
// 1. Header:
//   - CLA (Class): Security, Chaining, Logical Channel (0xFF for PC/SC pseudo-APDUs).
//   - INS (Instruction): The specific command to execute.
//   - P1, P2 (Parameters): Command modifiers.
//
// 2. Body:
//   - Lc (Length Command): Number of bytes in the data field.
//   - Data: The command payload.
//   - Le (Length Expected): Maximum number of bytes expected in the response.
//
// ENCODING CASES (ISO 7816-3):
// - Case 1: No Data, No Response (Header only).
// - Case 2: No Data, Response Expected (Header + Le).
// - Case 3: Data Present, No Response (Header + Lc + Data).
// - Case 4: Data Present, Response Expected (Header + Lc + Data + Le).
//
// LENGTH MODES:
//   - Short Length: Lc/Le encoded on 1 byte (Max 255/256).
//   - Extended Length: Lc/Le encoded on multiple bytes (Max 65535/65536).
//     Extended mode is triggered if Lc > 255 or Le > 256.
//
// RESPONSE APDU (R-APDU):
// An optional Body followed by the mandatory Trailer SW1 SW2 (big-endian).

// APDU Limits and Constants according to ISO 7816-3.
const (
	// MaxShortLc is the maximum data length (Nc) encodable in Short Length mode (1 byte).
	MaxShortLc = 255

	// MaxShortLe is the maximum expected response length (Ne) encodable in Short Length mode.
	// In Short mode, 0x00 encodes 256.
	MaxShortLe = 256

	// MaxExtendedLc is the theoretical limit for Lc in Extended mode (16-bit unsigned).
	MaxExtendedLc = 65535

	// MaxExtendedLe is the maximum Ne encodable in Extended Length mode.
	// In Extended mode, 0x0000 encodes 65536.
	MaxExtendedLe = 65536

	// StatusLength is the size of the SW1-SW2 trailer.
	StatusLength = 2
)

// ErrShortResponse is returned when a response cannot even hold a Status Word.
var ErrShortResponse = errors.New("iso7816: response shorter than status word")

// CommandAPDU represents a command sent to the card.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	Ne          int // Expected response length (0 means none)
}

// NewCommandAPDU creates a basic command.
func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{
		Class:       cla,
		Instruction: ins,
		P1:          p1,
		P2:          p2,
		Data:        data,
		Ne:          ne,
	}
}

// Bytes encodes the CommandAPDU into its byte representation (C-APDU).
// It selects Short or Extended encoding from the data length (Nc) and the
// expected response length (Ne).
func (c *CommandAPDU) Bytes() ([]byte, error) {
	nc := len(c.Data)
	if nc > MaxExtendedLc {
		return nil, fmt.Errorf("data length %d exceeds %d", nc, MaxExtendedLc)
	}
	if c.Ne < 0 || c.Ne > MaxExtendedLe {
		return nil, fmt.Errorf("expected length %d out of range", c.Ne)
	}

	class, err := c.Class.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode Class: %w", err)
	}

	buf := new(bytes.Buffer)
	buf.Write([]byte{class, byte(c.Instruction.Raw), c.P1, c.P2})

	extended := nc > MaxShortLc || c.Ne > MaxShortLe

	if nc > 0 {
		writeLc(buf, nc, extended)
		buf.Write(c.Data)
	}
	if c.Ne > 0 {
		writeLe(buf, c.Ne, extended, nc == 0)
	}

	return buf.Bytes(), nil
}

func writeLc(buf *bytes.Buffer, nc int, extended bool) {
	if !extended {
		buf.WriteByte(byte(nc))
		return
	}
	// 00 + Lc (2 bytes)
	buf.Write([]byte{0x00, byte(nc >> 8), byte(nc)})
}

func writeLe(buf *bytes.Buffer, ne int, extended, noLc bool) {
	if !extended {
		// 0x00 represents 256
		buf.WriteByte(byte(ne % MaxShortLe))
		return
	}
	// Case 2 Extended needs the leading 00 that would otherwise precede Lc.
	if noLc {
		buf.WriteByte(0x00)
	}
	// 0x0000 represents 65536
	buf.Write([]byte{byte(ne >> 8), byte(ne)})
}

// String returns a readable representation of the command meta-data.
func (c *CommandAPDU) String() string {
	return fmt.Sprintf("%s | P1: %02X, P2: %02X | Lc: %d | Le: %d",
		c.Instruction.Verbose(), c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU represents the reply from the card (R-APDU).
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU splits raw bytes received from the card into data and the
// trailing Status Word. The input must contain at least 2 bytes (SW1, SW2).
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	if len(raw) < StatusLength {
		return nil, fmt.Errorf("%w: length %d", ErrShortResponse, len(raw))
	}

	indexSW1 := len(raw) - StatusLength

	return &ResponseAPDU{
		Data:   raw[:indexSW1],
		Status: NewStatusWord(raw[indexSW1], raw[indexSW1+1]),
	}, nil
}

// IsSuccess reports a 9000 trailer. Unlike StatusWord.IsSuccess, 61XX does
// not count: pseudo-APDUs never chain.
func (r *ResponseAPDU) IsSuccess() bool {
	return r.Status == SW_NO_ERROR
}

// String returns a readable representation of the response.
func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Status.Verbose())
}
