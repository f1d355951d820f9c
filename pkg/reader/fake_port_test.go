package reader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gregLibert/pcsc-reader/pkg/hexutil"
	"github.com/gregLibert/pcsc-reader/pkg/iso7816"
)

var (
	// MIFARE Classic 1K: byte 5 is 4F.
	atrStorage = hexutil.MustDecode("3B 8F 80 01 80 4F 0C A0 00 00 03 06 03 00 01 00 00 00 00 6A")

	// ISO 14443-4 smart card.
	atrSmart = hexutil.MustDecode("3B 88 80 01 00 00 00 00 33 81 81 00 3A")

	uidBytes = hexutil.MustDecode("04 A2 3B 1C 5D 80")

	swOK       = []byte{0x90, 0x00}
	swNotFound = []byte{0x6A, 0x82}
	swDenied   = []byte{0x69, 0x82}

	errTransport = errors.New("transport down")
)

// fakePort emulates a reader with a memory card in the field. Transmit
// answers PC/SC pseudo-APDUs from an in-memory image; hook overrides any
// answer.
type fakePort struct {
	mu sync.Mutex

	events    chan PortEvent
	closeOnce sync.Once

	blockSize int
	memory    []byte
	uid       []byte
	selectRsp []byte

	connectErr    error
	disconnectErr error
	protocol      Protocol

	// hook, when set, may answer a command instead of the emulator. A nil
	// response and nil error fall through to the emulator.
	hook func(cmd []byte) ([]byte, error)

	sent        [][]byte
	connects    []ShareMode
	disconnects []Disposition
	controls    []uint32
}

func newFakePort() *fakePort {
	return &fakePort{
		events:    make(chan PortEvent, 16),
		blockSize: DefaultBlockSize,
		memory:    make([]byte, 1024),
		uid:       uidBytes,
		selectRsp: append(hexutil.MustDecode("6F 0A 84 08 A0 00 00 00 03 00 00 00"), swOK...),
		protocol:  2,
	}
}

func (f *fakePort) Connect(mode ShareMode) (Protocol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, mode)
	if f.connectErr != nil {
		return 0, f.connectErr
	}
	return f.protocol, nil
}

func (f *fakePort) Disconnect(d Disposition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, d)
	return f.disconnectErr
}

func (f *fakePort) Transmit(cmd []byte, maxResponseLength int, p Protocol) ([]byte, error) {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), cmd...))
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if rsp, err := hook(cmd); rsp != nil || err != nil {
			return rsp, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emulate(cmd), nil
}

func (f *fakePort) emulate(cmd []byte) []byte {
	if len(cmd) < 4 {
		return []byte{0x67, 0x00}
	}
	ins, p2 := iso7816.InsCode(cmd[1]), int(cmd[3])

	switch {
	case cmd[0] == 0x00 && ins == iso7816.INS_SELECT:
		return f.selectRsp
	case ins == iso7816.INS_GET_DATA:
		return append(append([]byte(nil), f.uid...), swOK...)
	case ins == iso7816.INS_LOAD_KEYS,
		ins == iso7816.INS_GENERAL_AUTHENTICATE,
		ins == iso7816.INS_AUTHENTICATE_OBSOLETE:
		return swOK
	case ins == iso7816.INS_READ_BINARY:
		n := int(cmd[4])
		if n == 0 {
			n = 256
		}
		off := p2 * f.blockSize
		return append(append([]byte(nil), f.memory[off:off+n]...), swOK...)
	case ins == iso7816.INS_UPDATE_BINARY:
		n := int(cmd[4])
		copy(f.memory[p2*f.blockSize:], cmd[5:5+n])
		return swOK
	default:
		return []byte{0x6D, 0x00}
	}
}

func (f *fakePort) Control(cmd []byte, ioctl uint32, maxResponseLength int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, ioctl)
	return []byte{0x01}, nil
}

func (f *fakePort) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakePort) Events() <-chan PortEvent {
	return f.events
}

func (f *fakePort) setHook(h func(cmd []byte) ([]byte, error)) {
	f.mu.Lock()
	f.hook = h
	f.mu.Unlock()
}

// count returns how many transmitted commands carried ins.
func (f *fakePort) count(ins iso7816.InsCode) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.sent {
		if len(c) > 1 && iso7816.InsCode(c[1]) == ins {
			n++
		}
	}
	return n
}

func (f *fakePort) sentCommands() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// connectedSession returns a session with a card in the field and a card
// connection, bypassing the event loop.
func connectedSession(t *testing.T, f *fakePort, atr []byte, opts ...Option) *Session {
	t.Helper()

	s := New(f, append([]Option{WithAutoProcessing(false)}, opts...)...)
	s.handleStatus(context.Background(), StatePresent, atr)

	if _, ok := s.Connection(); !ok {
		t.Fatal("session not connected after insertion")
	}
	return s
}

// runSession starts Run and returns the subscribed event channel.
func runSession(t *testing.T, s *Session) <-chan Event {
	t.Helper()

	ch := s.Subscribe(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ch
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func noEvent(t *testing.T, ch <-chan Event) {
	t.Helper()

	select {
	case e, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %s (err=%v)", e.Type, e.Err)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
