package pcsc

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/gregLibert/pcsc-reader/pkg/hexutil"
)

func TestStorageCommands(t *testing.T) {
	key := hexutil.MustDecode("FFFFFFFFFFFF")

	mustCmd := func(c Command, err error) Command {
		t.Helper()
		if err != nil {
			t.Fatalf("builder failed: %v", err)
		}
		return c
	}

	tests := []struct {
		name     string
		cmd      Command
		expected []byte
	}{
		{
			name:     "Get UID",
			cmd:      GetUID(),
			expected: hexutil.MustDecode("FF CA 00 00 00"),
		},
		{
			name:     "Load Key slot 1",
			cmd:      mustCmd(LoadKey(1, key)),
			expected: hexutil.MustDecode("FF 82 00 01 06", "FF FF FF FF FF FF"),
		},
		{
			name:     "General Authenticate",
			cmd:      Authenticate(4, KeyTypeA, 0),
			expected: hexutil.MustDecode("FF 86 00 00 05", "01 00 04 60 00"),
		},
		{
			name:     "Authenticate Obsolete",
			cmd:      AuthenticateObsolete(4, KeyTypeB, 1),
			expected: hexutil.MustDecode("FF 88 00 04 61 01"),
		},
		{
			name:     "Read Binary 16",
			cmd:      mustCmd(ReadBinary(8, 16)),
			expected: hexutil.MustDecode("FF B0 00 08 10"),
		},
		{
			name:     "Update Binary 4",
			cmd:      mustCmd(UpdateBinary(5, []byte{1, 2, 3, 4})),
			expected: hexutil.MustDecode("FF D6 00 05 04", "01 02 03 04"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Bytes()
			if err != nil {
				t.Fatalf("Failed to encode bytes: %v", err)
			}
			if !bytes.Equal(got, tt.expected) {
				t.Errorf("Mismatch:\nExpected: %s\nGot:      %s",
					hex.EncodeToString(tt.expected),
					hex.EncodeToString(got))
			}
		})
	}
}

func TestStorageCommands_Validation(t *testing.T) {
	if _, err := LoadKey(2, make([]byte, KeyLength)); err == nil {
		t.Error("LoadKey slot 2 should fail")
	}
	if _, err := LoadKey(0, make([]byte, 5)); err == nil {
		t.Error("LoadKey with 5-byte key should fail")
	}
	if _, err := ReadBinary(0, 0); err == nil {
		t.Error("ReadBinary length 0 should fail")
	}
	if _, err := UpdateBinary(0, nil); err == nil {
		t.Error("UpdateBinary without data should fail")
	}
}

func TestRawCommand_BytesIsCopy(t *testing.T) {
	cmd := AuthenticateObsolete(1, KeyTypeA, 0)
	b, _ := cmd.Bytes()
	b[0] = 0x00
	if cmd.Raw[0] != 0xFF {
		t.Error("Bytes() must not alias the raw command")
	}
}

func TestKeyType_String(t *testing.T) {
	if KeyTypeA.String() != "A" || KeyTypeB.String() != "B" {
		t.Errorf("KeyType names = %s/%s", KeyTypeA, KeyTypeB)
	}
	if got := KeyType(0x42).String(); got != "KeyType(0x42)" {
		t.Errorf("KeyType(0x42).String() = %q", got)
	}
}
