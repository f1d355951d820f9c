// Package reader turns a raw card-reader transport into a managed card
// session.
//
// A Session watches the transport's status stream, connects to cards as they
// enter the field, identifies them (UID for ISO 14443-3 storage cards,
// application SELECT for ISO 14443-4 smart cards) and publishes the outcome
// as events. Callers then authenticate sectors and read or write blocks
// through the same Session.
//
//	s := reader.New(port, reader.WithLogger(log))
//	events := s.Subscribe(8)
//	go s.Run(ctx)
//	for e := range events {
//		...
//	}
package reader

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/gregLibert/pcsc-reader/pkg/hexutil"
	"github.com/gregLibert/pcsc-reader/pkg/iso7816"
	"github.com/gregLibert/pcsc-reader/pkg/pcsc"
)

// DefaultControlCode is the pcsc-lite CCID escape IOCTL, SCARD_CTL_CODE(3500).
const DefaultControlCode uint32 = 0x42000000 + 3500

// ConnectMode selects how the session attaches to the reader.
type ConnectMode int

const (
	// ModeDirect talks to the reader itself, with or without a card.
	ModeDirect ConnectMode = iota + 1

	// ModeCard talks to the card in the field (shared access).
	ModeCard
)

func (m ConnectMode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeCard:
		return "card"
	default:
		return fmt.Sprintf("ConnectMode(%d)", int(m))
	}
}

func (m ConnectMode) shareMode() (ShareMode, bool) {
	switch m {
	case ModeDirect:
		return ShareDirect, true
	case ModeCard:
		return ShareShared, true
	default:
		return 0, false
	}
}

// Connection is an established link to the reader or card.
type Connection struct {
	Mode     ConnectMode
	Protocol Protocol
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithAutoProcessing sets whether inserted cards are identified before the
// card event is published. Enabled by default.
func WithAutoProcessing(enabled bool) Option {
	return func(s *Session) { s.autoProcessing = enabled }
}

// WithControlCode overrides the IOCTL used by Control.
func WithControlCode(code uint32) Option {
	return func(s *Session) { s.controlCode = code }
}

// Session is the card session bound to one Port. All methods are safe for
// concurrent use; Run must be called once.
type Session struct {
	port        Port
	log         *slog.Logger
	id          string
	controlCode uint32
	events      *bus

	// loads deduplicates in-flight key loads, keyed by canonical key.
	loads singleflight.Group

	mu             sync.Mutex
	state          StateFlag
	card           *Card
	conn           *Connection
	autoProcessing bool
	aid            string
	aidBytes       []byte
	slots          [pcsc.KeySlots]string
}

// New creates a Session over port. Nothing happens until Run is called.
func New(port Port, opts ...Option) *Session {
	s := &Session{
		port:           port,
		log:            slog.New(slog.DiscardHandler),
		id:             uuid.NewString(),
		controlCode:    DefaultControlCode,
		autoProcessing: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With("session", s.id)
	s.events = newBus(s.log)
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// Subscribe returns a channel receiving the given event types (all types when
// none is given). A subscriber that falls more than buffer events behind
// misses events. The channel is closed when Run returns.
func (s *Session) Subscribe(buffer int, types ...EventType) <-chan Event {
	return s.events.subscribe(buffer, types...)
}

// Unsubscribe stops delivery to ch and closes it.
func (s *Session) Unsubscribe(ch <-chan Event) {
	s.events.unsubscribe(ch)
}

func (s *Session) publish(e Event) {
	s.events.publish(e)
}

func (s *Session) publishError(err error) {
	s.log.Error("session error", "err", err)
	s.publish(Event{Type: EventError, Err: err})
}

// Connect attaches to the reader (ModeDirect) or to the card (ModeCard).
func (s *Session) Connect(ctx context.Context, mode ConnectMode) (Connection, error) {
	share, ok := mode.shareMode()
	if !ok {
		return Connection{}, newError(OpConnect, CodeInvalidMode, fmt.Sprintf("unsupported mode %s", mode), nil)
	}
	if err := ctx.Err(); err != nil {
		return Connection{}, newError(OpConnect, CodeFailure, "", err)
	}

	protocol, err := s.port.Connect(share)
	if err != nil {
		return Connection{}, newError(OpConnect, CodeFailure, "An error occurred while connecting.", err)
	}

	conn := Connection{Mode: mode, Protocol: protocol}

	s.mu.Lock()
	s.conn = &conn
	s.mu.Unlock()

	s.log.Info("connected", "mode", mode.String(), "protocol", uint32(protocol))
	return conn, nil
}

// Disconnect releases the connection and leaves the card powered.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	connected := s.conn != nil
	s.mu.Unlock()

	if !connected {
		return newError(OpDisconnect, CodeNotConnected, "No connection available.", nil)
	}
	if err := ctx.Err(); err != nil {
		return newError(OpDisconnect, CodeFailure, "", err)
	}

	if err := s.port.Disconnect(LeaveCard); err != nil {
		return newError(OpDisconnect, CodeFailure, "An error occurred while disconnecting.", err)
	}

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	s.log.Info("disconnected")
	return nil
}

// Transmit sends raw bytes to the connected card and returns the raw
// response, status word included.
func (s *Session) Transmit(ctx context.Context, data []byte, maxResponseLength int) ([]byte, error) {
	protocol, err := s.cardProtocol(OpTransmit)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(OpTransmit, CodeFailure, "", err)
	}

	resp, err := s.port.Transmit(data, maxResponseLength, protocol)
	if err != nil {
		return nil, newError(OpTransmit, CodeFailure, "An error occurred while transmitting.", err)
	}
	return resp, nil
}

// Control sends a reader escape command over the current connection.
func (s *Session) Control(ctx context.Context, data []byte, maxResponseLength int) ([]byte, error) {
	s.mu.Lock()
	connected := s.conn != nil
	s.mu.Unlock()

	if !connected {
		return nil, newError(OpControl, CodeNotConnected, "No connection available.", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(OpControl, CodeFailure, "", err)
	}

	resp, err := s.port.Control(data, s.controlCode, maxResponseLength)
	if err != nil {
		return nil, newError(OpControl, CodeFailure, "An error occurred while transmitting control.", err)
	}
	return resp, nil
}

// Close closes the underlying port. The port then ends its event stream,
// which makes Run return.
func (s *Session) Close() error {
	return s.port.Close()
}

// Card returns a snapshot of the card in the field, or nil.
func (s *Session) Card() *Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.card.Clone()
}

// Connection returns the current connection, if any.
func (s *Session) Connection() (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return Connection{}, false
	}
	return *s.conn, true
}

// SetAutoProcessing sets whether inserted cards are identified before the
// card event is published.
func (s *Session) SetAutoProcessing(enabled bool) {
	s.mu.Lock()
	s.autoProcessing = enabled
	s.mu.Unlock()
}

// AutoProcessing reports whether inserted cards are identified.
func (s *Session) AutoProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoProcessing
}

// SetAID sets the application identifier selected on ISO 14443-4 cards, as a
// hex string. An empty string clears it. On error the previous AID is kept.
func (s *Session) SetAID(aid string) error {
	var parsed []byte
	if aid != "" {
		var err error
		if parsed, err = hexutil.Decode(aid); err != nil {
			return fmt.Errorf("invalid AID: %w", err)
		}
	}

	s.mu.Lock()
	s.aid = aid
	s.aidBytes = parsed
	s.mu.Unlock()
	return nil
}

// AID returns the AID as set.
func (s *Session) AID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aid
}

// ParsedAID returns a copy of the decoded AID, nil when unset.
func (s *Session) ParsedAID() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.aidBytes)
}

// cardProtocol returns the protocol of the current card connection, or a
// card_not_connected error tagged with op.
func (s *Session) cardProtocol(op Op) (Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card == nil || s.conn == nil {
		return 0, newError(op, CodeCardNotConnected, "No card or connection available.", nil)
	}
	return s.conn.Protocol, nil
}

// transceive encodes cmd, sends it and splits the response. The status word
// is not checked.
func (s *Session) transceive(ctx context.Context, op Op, cmd pcsc.Command, maxResponseLength int) (*iso7816.ResponseAPDU, error) {
	protocol, err := s.cardProtocol(op)
	if err != nil {
		return nil, err
	}

	raw, err := cmd.Bytes()
	if err != nil {
		return nil, newError(op, CodeFailure, "cannot encode command", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(op, CodeFailure, "", err)
	}

	s.log.Debug("apdu >>", "op", string(op), "cmd", fmt.Sprintf("% X", raw))

	out, err := s.port.Transmit(raw, maxResponseLength, protocol)
	if err != nil {
		return nil, newError(op, CodeFailure, "An error occurred while transmitting.", err)
	}

	resp, err := iso7816.ParseResponseAPDU(out)
	if err != nil {
		return nil, newError(op, CodeInvalidResponse, fmt.Sprintf("Invalid response length %d. Expected minimal length was 2 bytes.", len(out)), err)
	}

	s.log.Debug("apdu <<", "op", string(op), "sw", fmt.Sprintf("%04X", uint16(resp.Status)), "len", len(resp.Data))
	return resp, nil
}

// exchange is transceive plus a 9000 check. It returns the response payload.
func (s *Session) exchange(ctx context.Context, op Op, cmd pcsc.Command, maxResponseLength int) ([]byte, error) {
	resp, err := s.transceive(ctx, op, cmd, maxResponseLength)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, statusError(op, resp.Status)
	}
	return resp.Data, nil
}

func statusError(op Op, sw iso7816.StatusWord) *Error {
	return newError(op, CodeOperationFailed, "Operation failed: status code "+sw.Verbose(), nil)
}
