package reader

import (
	"context"
	"fmt"

	"github.com/gregLibert/pcsc-reader/pkg/bits"
)

// Transition is what a status change means for the session.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionRemoved
	TransitionInserted
)

func (t Transition) String() string {
	switch t {
	case TransitionRemoved:
		return "removed"
	case TransitionInserted:
		return "inserted"
	default:
		return "none"
	}
}

// Classify derives the transition between two reader state snapshots. Only
// flags that changed are considered; removal wins over insertion.
func Classify(prev, next StateFlag) Transition {
	switch {
	case bits.Rose(prev, next, StateEmpty):
		return TransitionRemoved
	case bits.Rose(prev, next, StatePresent):
		return TransitionInserted
	default:
		return TransitionNone
	}
}

// Run processes port events until the port ends, its event channel closes or
// ctx is done. Subscriber channels are closed on return. It returns ctx.Err()
// on cancellation and nil otherwise.
func (s *Session) Run(ctx context.Context) error {
	defer s.events.close()

	portEvents := s.port.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case pe, ok := <-portEvents:
			if !ok {
				return nil
			}

			switch pe.Kind {
			case PortStatus:
				s.handleStatus(ctx, pe.State, pe.ATR)
			case PortError:
				s.publishError(newError(OpTransport, CodeFailure, "reader error", pe.Err))
			case PortEnd:
				s.log.Info("reader gone")
				s.publish(Event{Type: EventEnd})
				return nil
			}
		}
	}
}

func (s *Session) handleStatus(ctx context.Context, next StateFlag, atr []byte) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	switch Classify(prev, next) {
	case TransitionRemoved:
		s.onRemoved()
	case TransitionInserted:
		s.onInserted(ctx, atr)
	}
}

// onRemoved publishes the outgoing card and drops the connection. The
// connection is forgotten even when the port fails to disconnect.
func (s *Session) onRemoved() {
	s.mu.Lock()
	card := s.card
	conn := s.conn
	s.card = nil
	s.conn = nil
	s.mu.Unlock()

	if card != nil {
		s.log.Info("card removed", "standard", string(card.Standard), "uid", card.UID)
		s.publish(Event{Type: EventCardOff, Card: card})
	}

	if conn != nil {
		if err := s.port.Disconnect(LeaveCard); err != nil {
			s.publishError(newError(OpDisconnect, CodeFailure, "An error occurred while disconnecting.", err))
		}
	}
}

func (s *Session) onInserted(ctx context.Context, atr []byte) {
	card := newCard(atr)

	s.mu.Lock()
	s.card = card
	s.mu.Unlock()

	s.log.Info("card inserted", "atr", fmt.Sprintf("%X", card.ATR), "standard", string(card.Standard))

	if _, err := s.Connect(ctx, ModeCard); err != nil {
		s.publishError(err)
		return
	}

	if !s.AutoProcessing() {
		s.publish(Event{Type: EventCard, Card: s.Card()})
		return
	}

	s.processCard(ctx)
}
