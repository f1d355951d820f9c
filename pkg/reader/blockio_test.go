package reader

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gregLibert/pcsc-reader/pkg/iso7816"
)

func TestReadChunks(t *testing.T) {
	got := readChunks(0, 40, ioConfig{blockSize: 4, packetSize: 16})
	want := []chunk{
		{block: 0, offset: 0, size: 16},
		{block: 4, offset: 16, size: 16},
		{block: 8, offset: 32, size: 8},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(chunk{})); diff != "" {
		t.Errorf("readChunks() mismatch (-want +got):\n%s", diff)
	}

	got = readChunks(4, 16, ioConfig{blockSize: 16, packetSize: 48})
	want = []chunk{{block: 4, offset: 0, size: 16}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(chunk{})); diff != "" {
		t.Errorf("single readChunks() mismatch (-want +got):\n%s", diff)
	}
}

func TestRead_SplitsAndReassembles(t *testing.T) {
	f := newFakePort()
	for i := range f.memory {
		f.memory[i] = byte(i)
	}
	s := connectedSession(t, f, atrStorage)

	got, err := s.Read(context.Background(), 0, 40, WithPacketSize(16))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if diff := cmp.Diff(f.memory[:40], got); diff != "" {
		t.Errorf("Read() mismatch (-want +got):\n%s", diff)
	}

	var lengths []byte
	for _, cmd := range f.sentCommands() {
		lengths = append(lengths, cmd[4])
	}
	if f.count(iso7816.INS_READ_BINARY) != 3 {
		t.Fatalf("sent %d reads, want 3", f.count(iso7816.INS_READ_BINARY))
	}
	// order of transmission is not fixed, only the multiset of sizes
	var n16, n8 int
	for _, l := range lengths {
		switch l {
		case 16:
			n16++
		case 8:
			n8++
		}
	}
	if n16 != 2 || n8 != 1 {
		t.Errorf("read sizes %v, want 16,16,8", lengths)
	}
}

func TestWriteThenRead(t *testing.T) {
	ctx := context.Background()

	for _, blockSize := range []int{4, 16} {
		for _, length := range []int{blockSize, 3 * blockSize, 12 * blockSize} {
			f := newFakePort()
			f.blockSize = blockSize
			s := connectedSession(t, f, atrStorage)

			data := bytes.Repeat([]byte{0xA5, 0x5A, 0x01}, length)[:length]
			opts := []IOOption{WithBlockSize(blockSize), WithPacketSize(16)}

			if err := s.Write(ctx, 4, data, opts...); err != nil {
				t.Fatalf("bs=%d len=%d: Write() error = %v", blockSize, length, err)
			}
			if n := f.count(iso7816.INS_UPDATE_BINARY); n != length/blockSize {
				t.Errorf("bs=%d len=%d: %d writes, want %d", blockSize, length, n, length/blockSize)
			}

			got, err := s.Read(ctx, 4, length, opts...)
			if err != nil {
				t.Fatalf("bs=%d len=%d: Read() error = %v", blockSize, length, err)
			}
			if diff := cmp.Diff(data, got); diff != "" {
				t.Errorf("bs=%d len=%d: round trip mismatch (-want +got):\n%s", blockSize, length, diff)
			}
		}
	}
}

func TestWrite_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		block     int
		data      []byte
		blockSize int
		want      *Error
	}{
		{"not a multiple of 4", 4, make([]byte, 6), 4, ErrInvalidDataLength},
		{"not a multiple of 16", 4, make([]byte, 20), 16, ErrInvalidDataLength},
		{"empty", 4, nil, 4, ErrInvalidDataLength},
		{"last block past 255", 254, make([]byte, 12), 4, ErrInvalidBlock},
		{"negative block", -1, make([]byte, 4), 4, ErrInvalidBlock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakePort()
			s := connectedSession(t, f, atrStorage)

			err := s.Write(ctx, tt.block, tt.data, WithBlockSize(tt.blockSize))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Write() error = %v, want %v", err, tt.want)
			}
			if n := len(f.sentCommands()); n != 0 {
				t.Errorf("%d commands sent, want none", n)
			}
		})
	}
}

func TestRead_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFakePort()
	s := connectedSession(t, f, atrStorage)

	if _, err := s.Read(ctx, 0, 0); !errors.Is(err, ErrInvalidDataLength) {
		t.Errorf("length 0: error = %v", err)
	}
	if _, err := s.Read(ctx, 0, 16, WithBlockSize(0)); !errors.Is(err, ErrInvalidDataLength) {
		t.Errorf("block size 0: error = %v", err)
	}
	if _, err := s.Read(ctx, 0, 32, WithBlockSize(16), WithPacketSize(8)); !errors.Is(err, ErrInvalidDataLength) {
		t.Errorf("packet smaller than block: error = %v", err)
	}
	if _, err := s.Read(ctx, 250, 64); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("past block 255: error = %v", err)
	}
	if n := len(f.sentCommands()); n != 0 {
		t.Errorf("%d commands sent, want none", n)
	}
}

func TestBlockIO_RequiresCard(t *testing.T) {
	ctx := context.Background()
	s := New(newFakePort())

	if _, err := s.Read(ctx, 0, 16); !errors.Is(err, &Error{Op: OpRead, Code: CodeCardNotConnected}) {
		t.Errorf("Read() error = %v, want card_not_connected", err)
	}
	if err := s.Write(ctx, 0, make([]byte, 4)); !errors.Is(err, &Error{Op: OpWrite, Code: CodeCardNotConnected}) {
		t.Errorf("Write() error = %v, want card_not_connected", err)
	}
}

func TestBlockIO_StatusFailure(t *testing.T) {
	ctx := context.Background()
	f := newFakePort()
	s := connectedSession(t, f, atrStorage)

	// fail only the second chunk of each operation
	f.setHook(func(cmd []byte) ([]byte, error) {
		if cmd[3] == 4 || cmd[3] == 1 {
			return []byte{0x63, 0x00}, nil
		}
		return nil, nil
	})

	if _, err := s.Read(ctx, 0, 48); !errors.Is(err, &Error{Op: OpRead, Code: CodeOperationFailed}) {
		t.Errorf("Read() error = %v, want operation_failed", err)
	}
	if err := s.Write(ctx, 0, make([]byte, 12)); !errors.Is(err, &Error{Op: OpWrite, Code: CodeOperationFailed}) {
		t.Errorf("Write() error = %v, want operation_failed", err)
	}

	f.setHook(func([]byte) ([]byte, error) { return nil, errTransport })
	if _, err := s.Read(ctx, 0, 4); !errors.Is(err, ErrFailure) || !errors.Is(err, errTransport) {
		t.Errorf("Read() error = %v, want failure", err)
	}
}

func TestRead_ShortPayload(t *testing.T) {
	f := newFakePort()
	s := connectedSession(t, f, atrStorage)
	f.setHook(func([]byte) ([]byte, error) { return []byte{0x01, 0x90, 0x00}, nil })

	if _, err := s.Read(context.Background(), 0, 4); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Read() error = %v, want invalid_response", err)
	}
}
