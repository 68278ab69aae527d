// SPDX-License-Identifier: GPL-2.0-only

package xhci

import (
	"fmt"
	"sync/atomic"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"

	"github.com/hostfission/xhcid/dma"
	"github.com/hostfission/xhcid/mmio"
)

// commandResult is the software-side completion record for one
// in-flight command TRB. The event handler fills it in and raises done;
// the submitting goroutine polls done. No hardware bit is borrowed for
// this, so the command ring contents stay untouched after submission.
type commandResult struct {
	kind   TRBType
	status uint32
	slotID uint8
	done   uint32 // atomic
}

// Interrupter register fields and bits.
const (
	irManagement = 0x00
	irModeration = 0x04
	irTableSize  = 0x08
	irTableAddr  = 0x10
	irDequeue    = 0x18

	irPending = 1 << 0
	irEnable  = 1 << 1

	// dequeueBusy is the event-handler-busy bit of the dequeue register,
	// cleared by writing it back set.
	dequeueBusy = 1 << 3
)

// ServiceInterrupt acknowledges the controller interrupt and drains the
// event ring. It is safe to call spuriously; the pending state is
// checked before any work.
func (c *Controller) ServiceInterrupt() {
	// Acknowledge USBSTS by writing the set bits back.
	c.op.Write32(opUSBSts, c.op.Read32(opUSBSts))

	iman := c.rt.Read32(mmio.Interrupter(0, irManagement))
	deq := c.rt.Read64(mmio.Interrupter(0, irDequeue))
	pending := iman&(irPending|irEnable) == irPending|irEnable || deq&dequeueBusy != 0
	if !pending {
		return
	}
	c.rt.Write32(mmio.Interrupter(0, irManagement), iman|irPending|irEnable)
	c.metrics.interrupts.Inc()

	last := c.eventRing.DequeuePhys()
	for {
		ev, owned := c.eventRing.Peek()
		if !owned {
			break
		}
		c.handleEvent(ev)
		last = c.eventRing.DequeuePhys()
		c.eventRing.Advance()
	}
	c.rt.Write64(mmio.Interrupter(0, irDequeue), last|dequeueBusy)
}

func (c *Controller) handleEvent(ev TRB) {
	switch ev.Type() {
	case TRBCommandCompletion:
		c.completeCommand(ev)
	case TRBTransferEvent:
		c.completeTransfer(ev)
	case TRBPortStatusChange:
		level.Debug(c.logger).Log("msg", "port status change", "port", ev.Parameter>>24&0xff)
	default:
		level.Debug(c.logger).Log("msg", "unhandled event", "type", ev.Type().String())
	}
}

// completeCommand matches a command-completion event to its pending
// record by the command TRB's physical address. Events for addresses
// with no record are logged and dropped; they must never corrupt live
// state.
func (c *Controller) completeCommand(ev TRB) {
	c.cmdMu.Lock()
	rec := c.pendingCmds[ev.Parameter]
	delete(c.pendingCmds, ev.Parameter)
	c.cmdMu.Unlock()

	if rec == nil {
		level.Warn(c.logger).Log("msg", "completion for unknown command", "addr", fmt.Sprintf("%#x", ev.Parameter))
		return
	}
	rec.status = ev.Status
	if rec.kind == TRBEnableSlot {
		rec.slotID = ev.SlotID()
	}
	atomic.StoreUint32(&rec.done, 1)
}

// completeTransfer publishes a transfer outcome. Only events raised by
// Event Data TRBs carry a status-buffer address in the parameter; the
// handler stores the event's status word there with the done flag set.
func (c *Controller) completeTransfer(ev TRB) {
	if ev.Control&trbEventFlag == 0 {
		return
	}
	buf, err := c.mem.At(ev.Parameter, 4)
	if err != nil {
		level.Warn(c.logger).Log("msg", "transfer event for address outside dma region", "addr", fmt.Sprintf("%#x", ev.Parameter), "err", err)
		return
	}
	dma.StoreUint32(buf, ev.Status|transferDone)
}

// sendCommand enqueues one command TRB, rings doorbell 0 and waits for
// the event handler to resolve the completion record. The returned TRB
// is the submitted command with the event's status word merged in; for
// Enable Slot the assigned slot id replaces the control word's slot
// field.
func (c *Controller) sendCommand(cmd TRB) (TRB, error) {
	rec := &commandResult{kind: cmd.Type()}
	c.cmdMu.Lock()
	phys := c.cmdRing.Enqueue(cmd)
	c.pendingCmds[phys] = rec
	c.cmdMu.Unlock()

	c.metrics.commands.Inc()
	c.ringDoorbell(0, 0)

	if !poll(c.timings.CommandInterval, c.timings.CommandAttempts, func() bool {
		return atomic.LoadUint32(&rec.done) != 0
	}) {
		c.cmdMu.Lock()
		delete(c.pendingCmds, phys)
		c.cmdMu.Unlock()
		c.metrics.commandTimeouts.Inc()
		return TRB{}, errors.Wrapf(ErrTimeout, "%s command", cmd.Type())
	}

	out := cmd
	out.Status = rec.status
	if rec.kind == TRBEnableSlot {
		out.Control = out.Control&^(uint32(0xff)<<trbSlotShift) | uint32(rec.slotID)<<trbSlotShift
	}
	return out, nil
}

// ringDoorbell notifies the controller of new TRBs: doorbell 0 with
// target 0 for the command ring, a slot's doorbell with the endpoint's
// context index for transfer rings.
func (c *Controller) ringDoorbell(slot int, target uint32) {
	c.db.Write32(uint32(slot)*4, target)
}
