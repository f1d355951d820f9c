package pcsc

import (
	"fmt"

	"github.com/gregLibert/pcsc-reader/pkg/iso7816"
)

// GetUID builds GET DATA with P1=00 (card UID) and Le=00 (full length).
func GetUID() *iso7816.CommandAPDU {
	return iso7816.NewCommandAPDU(
		iso7816.ClassPCSC,
		iso7816.MustInstruction(iso7816.INS_GET_DATA),
		0x00, 0x00,
		nil,
		iso7816.MaxShortLe,
	)
}

// LoadKey builds LOAD KEYS storing key into the reader's volatile slot.
func LoadKey(slot byte, key []byte) (*iso7816.CommandAPDU, error) {
	if slot >= KeySlots {
		return nil, fmt.Errorf("key slot %d out of range (max %d)", slot, KeySlots-1)
	}
	if len(key) != KeyLength {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeyLength, len(key))
	}

	return iso7816.NewCommandAPDU(
		iso7816.ClassPCSC,
		iso7816.MustInstruction(iso7816.INS_LOAD_KEYS),
		keyStructureVolatile, slot,
		append([]byte(nil), key...),
		0,
	), nil
}

// Authenticate builds the PC/SC 2.07 GENERAL AUTHENTICATE command.
func Authenticate(block byte, keyType KeyType, slot byte) *iso7816.CommandAPDU {
	data := []byte{authenticateVersion, 0x00, block, byte(keyType), slot}

	return iso7816.NewCommandAPDU(
		iso7816.ClassPCSC,
		iso7816.MustInstruction(iso7816.INS_GENERAL_AUTHENTICATE),
		0x00, 0x00,
		data,
		0,
	)
}

// AuthenticateObsolete builds the PC/SC 2.01 AUTHENTICATE command. Its P3 is
// the key type, not an Lc, so it is emitted raw.
func AuthenticateObsolete(block byte, keyType KeyType, slot byte) RawCommand {
	return RawCommand{
		Name: "AUTHENTICATE (PC/SC 2.01)",
		Raw: []byte{
			iso7816.ClassPCSC.Raw,
			byte(iso7816.INS_AUTHENTICATE_OBSOLETE),
			0x00,
			block,
			byte(keyType),
			slot,
		},
	}
}

// ReadBinary builds READ BINARY for length bytes starting at block.
func ReadBinary(block byte, length int) (*iso7816.CommandAPDU, error) {
	if length < 1 || length > iso7816.MaxShortLe {
		return nil, fmt.Errorf("read length %d out of range (1-%d)", length, iso7816.MaxShortLe)
	}

	return iso7816.NewCommandAPDU(
		iso7816.ClassPCSC,
		iso7816.MustInstruction(iso7816.INS_READ_BINARY),
		0x00, block,
		nil,
		length,
	), nil
}

// UpdateBinary builds UPDATE BINARY writing one block worth of data.
func UpdateBinary(block byte, data []byte) (*iso7816.CommandAPDU, error) {
	if len(data) < 1 || len(data) > iso7816.MaxShortLc {
		return nil, fmt.Errorf("block size %d out of range (1-%d)", len(data), iso7816.MaxShortLc)
	}

	return iso7816.NewCommandAPDU(
		iso7816.ClassPCSC,
		iso7816.MustInstruction(iso7816.INS_UPDATE_BINARY),
		0x00, block,
		append([]byte(nil), data...),
		0,
	), nil
}
