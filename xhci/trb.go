// SPDX-License-Identifier: GPL-2.0-only

package xhci

import "github.com/hostfission/xhcid/dma"

// TRB is the 16-byte unit of work and event exchange with the
// controller: a 64-bit parameter, a 32-bit status word and a 32-bit
// control word carrying the type tag and the cycle bit. TRBs are copied
// to and from ring memory through Encode/Decode, never aliased in place.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

// TRBSize is the wire size of one TRB.
const TRBSize = 16

// TRBType tags the control word.
type TRBType uint8

const (
	TRBNormal            TRBType = 1
	TRBSetupStage        TRBType = 2
	TRBDataStage         TRBType = 3
	TRBStatusStage       TRBType = 4
	TRBLink              TRBType = 6
	TRBEventData         TRBType = 7
	TRBNoOp              TRBType = 8
	TRBEnableSlot        TRBType = 9
	TRBDisableSlot       TRBType = 10
	TRBAddressDevice     TRBType = 11
	TRBConfigureEndpoint TRBType = 12
	TRBNoOpCommand       TRBType = 23
	TRBTransferEvent     TRBType = 32
	TRBCommandCompletion TRBType = 33
	TRBPortStatusChange  TRBType = 34
)

func (t TRBType) String() string {
	switch t {
	case TRBNormal:
		return "normal"
	case TRBSetupStage:
		return "setup-stage"
	case TRBDataStage:
		return "data-stage"
	case TRBStatusStage:
		return "status-stage"
	case TRBLink:
		return "link"
	case TRBEventData:
		return "event-data"
	case TRBNoOp:
		return "no-op"
	case TRBEnableSlot:
		return "enable-slot"
	case TRBDisableSlot:
		return "disable-slot"
	case TRBAddressDevice:
		return "address-device"
	case TRBConfigureEndpoint:
		return "configure-endpoint"
	case TRBNoOpCommand:
		return "no-op-command"
	case TRBTransferEvent:
		return "transfer-event"
	case TRBCommandCompletion:
		return "command-completion"
	case TRBPortStatusChange:
		return "port-status-change"
	}
	return "unknown"
}

// Completion codes carried in bits 30:24 of an event's status word.
const (
	CompSuccess          = 1
	CompDataBufferError  = 2
	CompBabbleDetected   = 3
	CompTransactionError = 4
	CompTRBError         = 5
	CompStallError       = 6
	CompShortPacket      = 13
)

// Control-word bits shared by several TRB variants.
const (
	trbCycle       = 1 << 0
	trbToggle      = 1 << 1 // link TRBs: toggle cycle
	trbENT         = 1 << 1 // transfer TRBs: evaluate next TRB
	trbEventFlag   = 1 << 2 // transfer events: generated by an Event Data TRB
	trbChain       = 1 << 4
	trbIOC         = 1 << 5
	trbIDT         = 1 << 6
	trbBSR         = 1 << 9 // address-device: block the SET_ADDRESS request
	trbTypeShift   = 10
	trbDirShift    = 16 // data/status stage direction
	trbTRTShift    = 16 // setup stage transfer type
	trbTDSizeShift = 17 // status word: packets left in the TD
	trbSlotShift   = 24
)

// Setup-stage transfer types.
const (
	trtNoData  = 0
	trtOutData = 2
	trtInData  = 3
)

// Stage directions.
const (
	dirOut = 0
	dirIn  = 1
)

func (t TRB) Type() TRBType {
	return TRBType((t.Control >> trbTypeShift) & 0x3f)
}

func (t TRB) CycleBit() uint32 {
	return t.Control & trbCycle
}

// SlotID returns the slot field of an event's control word.
func (t TRB) SlotID() uint8 {
	return uint8(t.Control >> trbSlotShift)
}

// CompletionCode returns the code field of an event's status word.
func (t TRB) CompletionCode() uint8 {
	return uint8((t.Status >> 24) & 0x7f)
}

// DecodeTRB reads a TRB from its 16-byte wire form. Loads are atomic;
// the controller writes event TRBs concurrently. b must be 16-byte
// aligned ring memory.
func DecodeTRB(b []byte) TRB {
	return TRB{
		Parameter: dma.LoadUint64(b[0:8]),
		Status:    dma.LoadUint32(b[8:12]),
		Control:   dma.LoadUint32(b[12:16]),
	}
}

// EncodeTRB stores a TRB into ring memory. The control word goes last:
// it carries the cycle bit, and the controller owns the TRB the moment
// the cycle matches.
func EncodeTRB(b []byte, t TRB) {
	dma.StoreUint64(b[0:8], t.Parameter)
	dma.StoreUint32(b[8:12], t.Status)
	dma.StoreUint32(b[12:16], t.Control)
}
