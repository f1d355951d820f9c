// Package scardport implements reader.Port on top of the PC/SC daemon through
// github.com/ebfe/scard.
//
// A Port is bound to one reader. It polls the reader state with
// SCardGetStatusChange on a private context, so blocking polls never contend
// with commands sent through the caller's context.
package scardport

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/ebfe/scard"

	"github.com/gregLibert/pcsc-reader/pkg/reader"
)

// DefaultPollTimeout bounds each GetStatusChange call.
const DefaultPollTimeout = 2 * time.Second

// ErrNoCard is returned by card operations before Connect succeeds.
var ErrNoCard = errors.New("scardport: not connected")

// Option configures a Port.
type Option func(*Port)

func WithPollTimeout(d time.Duration) Option {
	return func(p *Port) { p.pollTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Port) {
		if l != nil {
			p.log = l
		}
	}
}

// Port is a reader.Port for a single PC/SC reader.
type Port struct {
	ctx         *scard.Context
	monitorCtx  *scard.Context
	reader      string
	pollTimeout time.Duration
	log         *slog.Logger

	events chan reader.PortEvent
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	card *scard.Card
}

var _ reader.Port = (*Port)(nil)

// Open binds a Port to readerName and starts watching it. Commands go through
// ctx, which stays owned by the caller.
func Open(ctx *scard.Context, readerName string, opts ...Option) (*Port, error) {
	monitorCtx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish monitor context: %w", err)
	}

	p := &Port{
		ctx:         ctx,
		monitorCtx:  monitorCtx,
		reader:      readerName,
		pollTimeout: DefaultPollTimeout,
		log:         slog.New(slog.DiscardHandler),
		events:      make(chan reader.PortEvent, 8),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("reader", readerName)

	go p.monitor()
	return p, nil
}

// Reader returns the reader name.
func (p *Port) Reader() string {
	return p.reader
}

func (p *Port) Events() <-chan reader.PortEvent {
	return p.events
}

func (p *Port) Connect(mode reader.ShareMode) (reader.Protocol, error) {
	card, err := p.ctx.Connect(p.reader, scard.ShareMode(mode), protocolsFor(mode))
	if err != nil {
		return 0, err
	}

	var active scard.Protocol
	if status, err := card.Status(); err == nil {
		active = status.ActiveProtocol
	}

	p.mu.Lock()
	old := p.card
	p.card = card
	p.mu.Unlock()

	if old != nil {
		if err := old.Disconnect(scard.LeaveCard); err != nil {
			p.log.Warn("release previous handle", "err", err)
		}
	}

	return reader.Protocol(active), nil
}

func (p *Port) Disconnect(d reader.Disposition) error {
	p.mu.Lock()
	card := p.card
	p.mu.Unlock()

	if card == nil {
		return ErrNoCard
	}
	if err := card.Disconnect(scard.Disposition(d)); err != nil {
		return err
	}

	p.mu.Lock()
	if p.card == card {
		p.card = nil
	}
	p.mu.Unlock()
	return nil
}

// Transmit sends cmd on the current handle. The handle already knows its
// protocol; maxResponseLength only trims oversized answers.
func (p *Port) Transmit(cmd []byte, maxResponseLength int, _ reader.Protocol) ([]byte, error) {
	card, err := p.handle()
	if err != nil {
		return nil, err
	}

	rsp, err := card.Transmit(cmd)
	if err != nil {
		return nil, err
	}
	if maxResponseLength > 0 && len(rsp) > maxResponseLength {
		return nil, fmt.Errorf("response of %d bytes exceeds %d", len(rsp), maxResponseLength)
	}
	return rsp, nil
}

func (p *Port) Control(cmd []byte, ioctl uint32, maxResponseLength int) ([]byte, error) {
	card, err := p.handle()
	if err != nil {
		return nil, err
	}

	rsp, err := card.Control(ioctl, cmd)
	if err != nil {
		return nil, err
	}
	if maxResponseLength > 0 && len(rsp) > maxResponseLength {
		return nil, fmt.Errorf("response of %d bytes exceeds %d", len(rsp), maxResponseLength)
	}
	return rsp, nil
}

func (p *Port) handle() (*scard.Card, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.card == nil {
		return nil, ErrNoCard
	}
	return p.card, nil
}

// Close stops the monitor and drops any card handle. The events channel is
// closed once the monitor has exited.
func (p *Port) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		if cerr := p.monitorCtx.Cancel(); cerr != nil {
			p.log.Debug("cancel monitor", "err", cerr)
		}

		p.mu.Lock()
		card := p.card
		p.card = nil
		p.mu.Unlock()

		if card != nil {
			err = card.Disconnect(scard.LeaveCard)
		}
	})
	return err
}

func (p *Port) monitor() {
	defer close(p.events)
	defer func() {
		if err := p.monitorCtx.Release(); err != nil {
			p.log.Debug("release monitor context", "err", err)
		}
	}()

	states := []scard.ReaderState{{Reader: p.reader, CurrentState: scard.StateUnaware}}

	for {
		err := p.monitorCtx.GetStatusChange(states, p.pollTimeout)

		select {
		case <-p.done:
			return
		default:
		}

		switch {
		case err == nil:
		case errors.Is(err, scard.ErrTimeout):
			continue
		case errors.Is(err, scard.ErrCancelled):
			return
		case readerGone(err, 0):
			p.log.Info("reader removed", "err", err)
			p.emit(reader.PortEvent{Kind: reader.PortEnd})
			return
		default:
			p.log.Warn("status poll failed", "err", err)
			if !p.emit(reader.PortEvent{Kind: reader.PortError, Err: err}) || !p.wait() {
				return
			}
			continue
		}

		next := states[0].EventState
		if readerGone(nil, next) {
			p.log.Info("reader unavailable", "state", fmt.Sprintf("%#x", uint32(next)))
			p.emit(reader.PortEvent{Kind: reader.PortEnd})
			return
		}

		states[0].CurrentState = next &^ scard.StateChanged

		ev := reader.PortEvent{
			Kind:  reader.PortStatus,
			State: stateFlags(next),
			ATR:   bytes.Clone(states[0].Atr),
		}
		if !p.emit(ev) {
			return
		}
	}
}

// emit blocks until the event is taken or the port closes.
func (p *Port) emit(e reader.PortEvent) bool {
	select {
	case p.events <- e:
		return true
	case <-p.done:
		return false
	}
}

// wait pauses between failed polls.
func (p *Port) wait() bool {
	t := time.NewTimer(p.pollTimeout)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.done:
		return false
	}
}

// protocolsFor returns the preferred protocols for a share mode. Direct
// connections must not negotiate one.
func protocolsFor(mode reader.ShareMode) scard.Protocol {
	if mode == reader.ShareDirect {
		return scard.ProtocolUndefined
	}
	return scard.ProtocolT0 | scard.ProtocolT1
}

// stateFlags converts a PC/SC event state, dropping the changed bit and the
// event counter held in the upper half.
func stateFlags(s scard.StateFlag) reader.StateFlag {
	return reader.StateFlag(uint32(s)&0xFFFF) &^ reader.StateChanged
}

// readerGone reports whether err or state says the reader disappeared.
func readerGone(err error, state scard.StateFlag) bool {
	if err != nil {
		return errors.Is(err, scard.ErrUnknownReader) ||
			errors.Is(err, scard.ErrReaderUnavailable) ||
			errors.Is(err, scard.ErrNoReadersAvailable)
	}
	return state&(scard.StateUnknown|scard.StateUnavailable) != 0
}

// EscapeIOCTL returns the CCID escape control code of the running platform.
func EscapeIOCTL() uint32 {
	return escapeIOCTL(runtime.GOOS)
}

func escapeIOCTL(goos string) uint32 {
	const escapeFunction = 3500
	if goos == "windows" {
		// SCARD_CTL_CODE on Windows: CTL_CODE(FILE_DEVICE_SMARTCARD, code, 0, 0)
		return 0x31<<16 | escapeFunction<<2
	}
	return 0x42000000 + escapeFunction
}

// FirstReader returns name if set, else the first reader known to ctx.
func FirstReader(ctx *scard.Context, name string) (string, error) {
	if name != "" {
		return name, nil
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		return "", fmt.Errorf("list readers: %w", err)
	}
	if len(readers) == 0 {
		return "", errors.New("no smart card reader found")
	}
	return readers[0], nil
}
