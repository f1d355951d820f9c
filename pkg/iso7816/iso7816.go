/*
Package iso7816 implements the APDU layer shared by the reader session: command
encoding, response parsing and Status Word interpretation according to ISO/IEC
7816-3/-4, plus the PC/SC class used by contactless readers for pseudo-APDUs.

# Fundamentals

The communication with a card is strictly command/response:
 1. The Host sends a Command APDU (Header + Optional Body).
 2. The Card (or the reader, for pseudo-APDUs) returns a Response APDU
    (Optional Body + Trailer SW1/SW2).

# PC/SC pseudo-APDUs

PC/SC part 3 reserves CLA 0xFF for commands interpreted by the reader itself
rather than forwarded to the card (GET DATA for the UID, LOAD KEYS, GENERAL
AUTHENTICATE, READ/UPDATE BINARY on storage cards). ISO 7816-3 forbids 0xFF as a
CLA, so NewClass rejects it; use ClassPCSC for these commands.

# Status Words

Every response ends with a 2-byte Status Word (SW).
  - 0x9000: Success (OK).
  - 0x6A82: File or application not found.
  - Other: Various error conditions, see StatusWord.Verbose.

# Usage Example

	cmd := iso7816.SelectByAID(iso7816.ClassInterindustry, aid)
	raw, err := cmd.Bytes()
	if err != nil {
	    return err
	}

	resp, err := iso7816.ParseResponseAPDU(transmit(raw))
	if err != nil {
	    return err
	}

	if resp.Status != iso7816.SW_NO_ERROR {
	    log.Printf("select failed: %s", resp.Status.Verbose())
	}
*/
package iso7816
