package reader

import (
	"context"
	"fmt"

	"github.com/gregLibert/pcsc-reader/pkg/hexutil"
	"github.com/gregLibert/pcsc-reader/pkg/pcsc"
)

// parseKey decodes a 6-byte hex key and returns it with its canonical
// (upper-case) form used as cache key.
func parseKey(op Op, key string) ([]byte, string, error) {
	raw, err := hexutil.Decode(key)
	if err != nil {
		return nil, "", newError(op, CodeInvalidKey, "Key must be a hex string.", err)
	}
	if len(raw) != pcsc.KeyLength {
		return nil, "", newError(op, CodeInvalidKey, fmt.Sprintf("Key must be %d bytes, got %d.", pcsc.KeyLength, len(raw)), nil)
	}
	return raw, fmt.Sprintf("%X", raw), nil
}

// LoadAuthenticationKey stores key in the reader's volatile slot and records
// it in the slot table. It returns slot.
func (s *Session) LoadAuthenticationKey(ctx context.Context, slot int, key string) (int, error) {
	if slot < 0 || slot >= pcsc.KeySlots {
		return 0, newError(OpLoadKey, CodeInvalidKeyNumber, fmt.Sprintf("Key number %d is out of range (0-%d).", slot, pcsc.KeySlots-1), nil)
	}

	raw, canonical, err := parseKey(OpLoadKey, key)
	if err != nil {
		return 0, err
	}

	cmd, err := pcsc.LoadKey(byte(slot), raw)
	if err != nil {
		return 0, newError(OpLoadKey, CodeInvalidKey, "", err)
	}

	if _, err := s.exchange(ctx, OpLoadKey, cmd, 2); err != nil {
		return 0, err
	}

	s.mu.Lock()
	for i := range s.slots {
		if s.slots[i] == canonical {
			s.slots[i] = ""
		}
	}
	s.slots[slot] = canonical
	s.mu.Unlock()

	s.log.Debug("key loaded", "slot", slot)
	return slot, nil
}

// Slots returns the keys held by each reader slot, "" for an empty slot.
func (s *Session) Slots() [pcsc.KeySlots]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots
}

func (s *Session) cachedSlot(canonical string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range s.slots {
		if k == canonical {
			return i, true
		}
	}
	return 0, false
}

// freeSlot picks slot 0 when empty, else the first empty slot, else slot 0.
func (s *Session) freeSlot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range s.slots {
		if k == "" {
			return i
		}
	}
	return 0
}

// resolveSlot returns the slot holding key, loading it if needed. Concurrent
// callers for the same key share one load. Waiting honours ctx but the load
// itself runs to completion.
func (s *Session) resolveSlot(ctx context.Context, canonical string) (int, error) {
	if slot, ok := s.cachedSlot(canonical); ok {
		return slot, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(canonical, func() (any, error) {
		// a flight that just settled may have filled the slot
		if slot, ok := s.cachedSlot(canonical); ok {
			return slot, nil
		}
		return s.LoadAuthenticationKey(loadCtx, s.freeSlot(), canonical)
	})

	select {
	case <-ctx.Done():
		return 0, newError(OpAuthenticate, CodeUnableToLoadKey, "Unable to load key.", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return 0, newError(OpAuthenticate, CodeUnableToLoadKey, "Unable to load key.", res.Err)
		}
		return res.Val.(int), nil
	}
}

// Authenticate authenticates block with key, loading the key into a reader
// slot first when it is not cached. legacy selects the PC/SC 2.01 command.
// keyType is sent as is.
func (s *Session) Authenticate(ctx context.Context, block int, keyType pcsc.KeyType, key string, legacy bool) error {
	if block < 0 || block > 0xFF {
		return newError(OpAuthenticate, CodeInvalidBlock, fmt.Sprintf("Block %d is out of range (0-255).", block), nil)
	}

	_, canonical, err := parseKey(OpAuthenticate, key)
	if err != nil {
		return newError(OpAuthenticate, CodeUnableToLoadKey, "Unable to load key.", err)
	}
	if _, err := s.cardProtocol(OpAuthenticate); err != nil {
		return err
	}

	slot, err := s.resolveSlot(ctx, canonical)
	if err != nil {
		return err
	}

	var cmd pcsc.Command
	if legacy {
		cmd = pcsc.AuthenticateObsolete(byte(block), keyType, byte(slot))
	} else {
		cmd = pcsc.Authenticate(byte(block), keyType, byte(slot))
	}

	if _, err := s.exchange(ctx, OpAuthenticate, cmd, 2); err != nil {
		return err
	}

	s.log.Debug("authenticated", "block", block, "key_type", keyType.String(), "slot", slot)
	return nil
}
