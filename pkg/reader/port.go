package reader

// Port is the card-reader transport consumed by a Session. Implementations
// wrap a driver such as PC/SC (see package scardport); the Session never talks
// to hardware directly.
//
// Calls may block; they are not cancellable from this layer.
type Port interface {
	Connect(mode ShareMode) (Protocol, error)
	Disconnect(d Disposition) error
	Transmit(cmd []byte, maxResponseLength int, p Protocol) ([]byte, error)
	Control(cmd []byte, ioctl uint32, maxResponseLength int) ([]byte, error)
	Close() error

	// Events delivers status changes, errors and the final end notification.
	// The channel is closed after PortEnd or when the port is closed.
	Events() <-chan PortEvent
}

// ShareMode mirrors SCARD_SHARE_* values.
type ShareMode uint32

const (
	ShareExclusive ShareMode = 1
	ShareShared    ShareMode = 2
	ShareDirect    ShareMode = 3
)

// Disposition mirrors SCARD_*_CARD values for Disconnect.
type Disposition uint32

const (
	LeaveCard   Disposition = 0
	ResetCard   Disposition = 1
	UnpowerCard Disposition = 2
	EjectCard   Disposition = 3
)

// Protocol is the transport-assigned protocol identifier (T=0, T=1, RAW...).
type Protocol uint32

// StateFlag mirrors the SCARD_STATE_* reader state bits.
type StateFlag uint32

const (
	StateUnaware     StateFlag = 0x0000
	StateIgnore      StateFlag = 0x0001
	StateChanged     StateFlag = 0x0002
	StateUnknown     StateFlag = 0x0004
	StateUnavailable StateFlag = 0x0008
	StateEmpty       StateFlag = 0x0010
	StatePresent     StateFlag = 0x0020
	StateAtrMatch    StateFlag = 0x0040
	StateExclusive   StateFlag = 0x0080
	StateInUse       StateFlag = 0x0100
	StateMute        StateFlag = 0x0200
	StateUnpowered   StateFlag = 0x0400
)

// PortEventKind discriminates PortEvent.
type PortEventKind int

const (
	PortStatus PortEventKind = iota
	PortError
	PortEnd
)

func (k PortEventKind) String() string {
	switch k {
	case PortStatus:
		return "status"
	case PortError:
		return "error"
	case PortEnd:
		return "end"
	default:
		return "unknown"
	}
}

// PortEvent is one notification from the transport. State and ATR are set for
// PortStatus, Err for PortError.
type PortEvent struct {
	Kind  PortEventKind
	State StateFlag
	ATR   []byte
	Err   error
}
