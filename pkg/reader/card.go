package reader

import (
	"bytes"
	"slices"

	"github.com/moov-io/bertlv"
)

// Standard is the contactless protocol layer a card exposes.
type Standard string

const (
	// ISO14443_3 covers storage cards addressed through reader pseudo-APDUs
	// (MIFARE Classic, Ultralight...).
	ISO14443_3 Standard = "TAG_ISO_14443_3"

	// ISO14443_4 covers smart cards speaking ISO 7816-4 APDUs.
	ISO14443_4 Standard = "TAG_ISO_14443_4"
)

// atrStorageCardMarker at atrStandardIndex identifies a PC/SC part 3 storage
// card ATR (3B 8F 80 01 80 4F ...).
const (
	atrStandardIndex     = 5
	atrStorageCardMarker = 0x4F
)

// StandardFromATR classifies a card by its ATR. Without an ATR the standard
// is unknown (""); short ATRs are treated as ISO 14443-4.
func StandardFromATR(atr []byte) Standard {
	if len(atr) == 0 {
		return ""
	}
	if len(atr) > atrStandardIndex && atr[atrStandardIndex] == atrStorageCardMarker {
		return ISO14443_3
	}
	return ISO14443_4
}

// Card describes the card currently in the field.
type Card struct {
	ATR []byte

	// Standard is empty when the reader reported no ATR.
	Standard Standard

	// UID is the lower-case hex identifier, set by tag processing of
	// ISO 14443-3 cards.
	UID string

	// Data is the SELECT response payload of ISO 14443-4 cards.
	Data []byte

	// FCI is the BER-TLV decoding of Data, nil when Data is not BER-TLV.
	FCI []bertlv.TLV
}

func newCard(atr []byte) *Card {
	return &Card{
		ATR:      bytes.Clone(atr),
		Standard: StandardFromATR(atr),
	}
}

// Clone returns a deep copy so that published snapshots never alias session
// state.
func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	out := *c
	out.ATR = bytes.Clone(c.ATR)
	out.Data = bytes.Clone(c.Data)
	out.FCI = cloneTLVs(c.FCI)
	return &out
}

func cloneTLVs(in []bertlv.TLV) []bertlv.TLV {
	if in == nil {
		return nil
	}
	out := slices.Clone(in)
	for i := range out {
		out[i].Value = bytes.Clone(in[i].Value)
		out[i].TLVs = cloneTLVs(in[i].TLVs)
	}
	return out
}

// decodeFCI decodes a SELECT payload. Anything that is not valid BER-TLV
// yields nil.
func decodeFCI(data []byte) []bertlv.TLV {
	if len(data) == 0 {
		return nil
	}
	tlvs, err := bertlv.Decode(data)
	if err != nil {
		return nil
	}
	return tlvs
}
