package reader

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/gregLibert/pcsc-reader/pkg/iso7816"
	"github.com/gregLibert/pcsc-reader/pkg/pcsc"
)

const (
	uidResponseLength    = 12
	selectResponseLength = 40
)

// processCard identifies the connected card and publishes either a card
// event or an error event. Cards of unknown standard get the UID lookup.
func (s *Session) processCard(ctx context.Context) {
	card := s.Card()
	if card == nil {
		return
	}

	var err error
	switch card.Standard {
	case ISO14443_4:
		err = s.selectApplication(ctx)
	default:
		err = s.readUID(ctx)
	}
	if err != nil {
		s.publishError(err)
		return
	}

	s.publish(Event{Type: EventCard, Card: s.Card()})
}

// readUID fetches the card UID with GET DATA.
func (s *Session) readUID(ctx context.Context) error {
	resp, err := s.transceive(ctx, OpGetUID, pcsc.GetUID(), uidResponseLength)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return statusError(OpGetUID, resp.Status)
	}

	uid := hex.EncodeToString(resp.Data)

	s.mu.Lock()
	if s.card != nil {
		s.card.UID = uid
	}
	s.mu.Unlock()

	s.log.Info("card identified", "uid", uid)
	return nil
}

// selectApplication selects the configured AID and keeps the response
// payload on the card.
func (s *Session) selectApplication(ctx context.Context) error {
	aid := s.ParsedAID()
	if len(aid) == 0 {
		return newError(OpSelect, CodeAIDNotSet, "AID is not set.", nil)
	}

	cmd := iso7816.SelectByAID(iso7816.ClassInterindustry, aid)

	resp, err := s.transceive(ctx, OpSelect, cmd, selectResponseLength)
	if err != nil {
		return err
	}
	if resp.Status == iso7816.SW_ERR_FILE_NOT_FOUND {
		return newError(OpSelect, CodeNotFound, fmt.Sprintf("Application %X not found.", aid), nil)
	}
	if !resp.IsSuccess() {
		return statusError(OpSelect, resp.Status)
	}

	data := resp.Data
	fci := decodeFCI(data)

	s.mu.Lock()
	if s.card != nil {
		s.card.Data = data
		s.card.FCI = fci
	}
	s.mu.Unlock()

	s.log.Info("application selected", "aid", fmt.Sprintf("%X", aid), "data_len", len(data))
	return nil
}
