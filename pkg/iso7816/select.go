package iso7816

// SELECT COMMAND LOGIC (ISO 7816-4):
// The SELECT command (INS 'A4') opens a file or an application.
//
// P1 (Selection Method): how the target is named (by ID, by DF name/AID, by path).
// P2 (Selection Control): bits 4-3 pick the response template (FCI, FCP, FMD or
// none), bits 2-1 the occurrence (first, last, next, previous).

// SelectionMethod defines how the file is targeted (P1).
type SelectionMethod byte

const (
	SelectByFileID   SelectionMethod = 0x00
	SelectByDFName   SelectionMethod = 0x04 // Select by AID
	SelectPathFromMF SelectionMethod = 0x08
)

// SelectionControl defines what data to return (Bits 3-4 of P2).
type SelectionControl byte

const (
	ReturnFCI    SelectionControl = 0b0000_00_00
	ReturnFCP    SelectionControl = 0b0000_01_00
	ReturnFMD    SelectionControl = 0b0000_10_00
	ReturnNoData SelectionControl = 0b0000_11_00
)

// NewSelectCommand creates a SELECT command for the first or only occurrence.
//
// When data is sent no Le is appended: T=0 cannot carry Lc and Le together and
// the contactless readers in use return the FCI without it.
func NewSelectCommand(cla Class, method SelectionMethod, ctrl SelectionControl, data []byte) *CommandAPDU {
	ne := 0
	if len(data) == 0 && ctrl != ReturnNoData {
		ne = MaxShortLe
	}

	return NewCommandAPDU(cla, MustInstruction(INS_SELECT), byte(method), byte(ctrl), data, ne)
}

// SelectByAID selects an application by its name (AID): 00 A4 04 00 Lc AID.
func SelectByAID(cla Class, aid []byte) *CommandAPDU {
	return NewSelectCommand(cla, SelectByDFName, ReturnFCI, aid)
}
