package xhci

import (
	"sync/atomic"
	"testing"

	"github.com/hostfission/xhcid/dma"
)

func eventTestController(t *testing.T) *Controller {
	t.Helper()
	return &Controller{
		mem:         testArena(1 << 14),
		timings:     fastTimings(),
		pendingCmds: make(map[uint64]*commandResult),
		metrics:     newMetrics(nil),
	}
}

func TestCompleteCommandMatchesByAddress(t *testing.T) {
	c := eventTestController(t)
	rec := &commandResult{kind: TRBNoOpCommand}
	c.pendingCmds[0x1230] = rec

	c.handleEvent(TRB{
		Parameter: 0x1230,
		Status:    CompSuccess << 24,
		Control:   uint32(TRBCommandCompletion) << trbTypeShift,
	})

	if atomic.LoadUint32(&rec.done) == 0 {
		t.Fatal("completion record not marked done")
	}
	if rec.status>>24&0x7f != CompSuccess {
		t.Errorf("status not copied: %#x", rec.status)
	}
	if len(c.pendingCmds) != 0 {
		t.Error("completed record still pending")
	}
}

func TestCompleteCommandCapturesEnableSlotID(t *testing.T) {
	c := eventTestController(t)
	rec := &commandResult{kind: TRBEnableSlot}
	c.pendingCmds[0x40] = rec

	c.handleEvent(TRB{
		Parameter: 0x40,
		Status:    CompSuccess << 24,
		Control:   uint32(TRBCommandCompletion)<<trbTypeShift | 5<<trbSlotShift,
	})

	if rec.slotID != 5 {
		t.Errorf("slot id = %d, want 5", rec.slotID)
	}
}

func TestCompleteCommandIgnoresUnknownAddress(t *testing.T) {
	c := eventTestController(t)
	live := &commandResult{kind: TRBNoOpCommand}
	c.pendingCmds[0x100] = live

	// A completion for an address with no record must be dropped without
	// touching live records.
	c.handleEvent(TRB{
		Parameter: 0x9990,
		Status:    CompSuccess << 24,
		Control:   uint32(TRBCommandCompletion) << trbTypeShift,
	})

	if atomic.LoadUint32(&live.done) != 0 {
		t.Error("unrelated record marked done")
	}
	if c.pendingCmds[0x100] != live {
		t.Error("unrelated record evicted")
	}
}

func TestCompleteTransferWritesStatusBuffer(t *testing.T) {
	c := eventTestController(t)
	status, err := c.mem.Alloc(statusBufferAlign, statusBufferAlign)
	if err != nil {
		t.Fatal(err)
	}

	c.handleEvent(TRB{
		Parameter: status.Phys(),
		Status:    CompShortPacket<<24 | 2,
		Control:   uint32(TRBTransferEvent)<<trbTypeShift | trbEventFlag,
	})

	got := dma.LoadUint32(status.Bytes())
	if got&transferDone == 0 {
		t.Fatal("done flag not raised")
	}
	if got>>24&0x7f != CompShortPacket {
		t.Errorf("completion code = %d, want %d", got>>24&0x7f, CompShortPacket)
	}
	if got&0xffffff != 2 {
		t.Errorf("residue = %d, want 2", got&0xffffff)
	}
}

func TestCompleteTransferIgnoresNonEventDataEvents(t *testing.T) {
	c := eventTestController(t)
	status, err := c.mem.Alloc(statusBufferAlign, statusBufferAlign)
	if err != nil {
		t.Fatal(err)
	}

	// Without the event-data flag the parameter is a ring address, not a
	// status buffer; nothing may be written.
	c.handleEvent(TRB{
		Parameter: status.Phys(),
		Status:    CompSuccess << 24,
		Control:   uint32(TRBTransferEvent) << trbTypeShift,
	})
	if dma.LoadUint32(status.Bytes()) != 0 {
		t.Error("status buffer written for a non-event-data event")
	}

	// An address outside the DMA region must be dropped, not crash.
	c.handleEvent(TRB{
		Parameter: 0x2,
		Status:    CompSuccess << 24,
		Control:   uint32(TRBTransferEvent)<<trbTypeShift | trbEventFlag,
	})
}

func TestSendCommandTimesOut(t *testing.T) {
	c := eventTestController(t)
	var err error
	c.cmdRing, err = NewRing(c.mem, 8)
	if err != nil {
		t.Fatal(err)
	}
	c.db = noopWindow()

	_, err = c.sendCommand(TRB{Control: uint32(TRBNoOpCommand) << trbTypeShift})
	if !errorsIs(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if len(c.pendingCmds) != 0 {
		t.Error("timed-out command left pending; a late event could hit a dead record")
	}
}
