// SPDX-License-Identifier: GPL-2.0-only

package xhci

import (
	"github.com/efficientgo/core/errors"

	"github.com/hostfission/xhcid/dma"
)

// ringAlign is the controller's alignment requirement for ring bases and
// context structures.
const ringAlign = 64

// Ring is a producer ring of TRBs whose last slot holds a Link TRB back
// to the base. The producer cycle state starts at 1 and flips on every
// wrap; the controller consumes TRBs whose cycle bit matches its own
// consumer state.
type Ring struct {
	buf     *dma.Buffer
	size    int // slots, including the link slot
	enqueue int
	cycle   uint32
}

// NewRing allocates a zeroed ring of size TRB slots and plants the Link
// TRB in the final slot. A misaligned base would be silently truncated
// by the controller, so it is rejected outright.
func NewRing(mem dma.Memory, size int) (*Ring, error) {
	if size < 2 {
		return nil, errors.Newf("ring needs at least 2 slots, got %d", size)
	}
	buf, err := mem.Alloc(size*TRBSize, ringAlign)
	if err != nil {
		return nil, errors.Wrap(err, "ring allocation")
	}
	if buf.Phys()%ringAlign != 0 {
		return nil, errors.Wrapf(ErrAlignment, "ring base %#x", buf.Phys())
	}

	// The link starts on the first lap's cycle; the controller only
	// reaches it once every preceding slot has been handed over.
	link := TRB{
		Parameter: buf.Phys(),
		Control:   uint32(TRBLink)<<trbTypeShift | trbToggle | trbCycle,
	}
	EncodeTRB(buf.Bytes()[(size-1)*TRBSize:], link)

	return &Ring{buf: buf, size: size, cycle: 1}, nil
}

// Base returns the physical address of slot 0.
func (r *Ring) Base() uint64 { return r.buf.Phys() }

// Cycle returns the producer cycle state.
func (r *Ring) Cycle() uint32 { return r.cycle }

// Size returns the slot count, including the link slot.
func (r *Ring) Size() int { return r.size }

// Enqueue writes one TRB at the producer cursor with the current cycle
// bit and advances. When the cursor lands on the Link TRB, the link is
// handed to the controller with the current cycle and the producer
// state flips for the next lap. Returns the physical address the TRB
// was written to.
func (r *Ring) Enqueue(t TRB) uint64 {
	phys := r.buf.Phys() + uint64(r.enqueue*TRBSize)
	t.Control = t.Control&^trbCycle | r.cycle
	EncodeTRB(r.slot(r.enqueue), t)
	r.enqueue++

	if next := DecodeTRB(r.slot(r.enqueue)); r.enqueue == r.size-1 && next.Type() == TRBLink {
		next.Control = next.Control&^trbCycle | r.cycle
		EncodeTRB(r.slot(r.enqueue), next)
		r.enqueue = 0
		r.cycle ^= 1
	}
	return phys
}

// At reads back the TRB at a slot index.
func (r *Ring) At(i int) TRB {
	return DecodeTRB(r.slot(i))
}

func (r *Ring) slot(i int) []byte {
	return r.buf.Bytes()[i*TRBSize : (i+1)*TRBSize]
}

// EventRing is the consumer ring the controller posts command
// completions and transfer events into. It is described to hardware by
// a segment table; the driver uses a single segment.
type EventRing struct {
	table   *dma.Buffer
	segment *dma.Buffer
	size    int
	dequeue int
	cycle   uint32
}

// segmentTableBytes is the size of one segment table allocation. The
// controller requires 64-byte alignment; one 16-byte entry is used.
const segmentTableBytes = 64

func NewEventRing(mem dma.Memory, size int) (*EventRing, error) {
	if size < 2 {
		return nil, errors.Newf("event ring needs at least 2 slots, got %d", size)
	}
	table, err := mem.Alloc(segmentTableBytes, ringAlign)
	if err != nil {
		return nil, errors.Wrap(err, "event ring segment table allocation")
	}
	segment, err := mem.Alloc(size*TRBSize, ringAlign)
	if err != nil {
		mem.Free(table)
		return nil, errors.Wrap(err, "event ring segment allocation")
	}
	if table.Phys()%ringAlign != 0 || segment.Phys()%ringAlign != 0 {
		mem.Free(table)
		mem.Free(segment)
		return nil, errors.Wrap(ErrAlignment, "event ring")
	}

	dma.StoreUint64(table.Bytes()[0:8], segment.Phys())
	dma.StoreUint64(table.Bytes()[8:16], uint64(size))

	return &EventRing{table: table, segment: segment, size: size, cycle: 1}, nil
}

// TableBase returns the physical address of the segment table.
func (e *EventRing) TableBase() uint64 { return e.table.Phys() }

// DequeuePhys returns the physical address of the TRB at the consumer
// cursor, for the dequeue-pointer register writeback.
func (e *EventRing) DequeuePhys() uint64 {
	return e.segment.Phys() + uint64(e.dequeue*TRBSize)
}

// Peek returns the TRB at the consumer cursor and whether software owns
// it, which is the case while its cycle bit matches the consumer state.
func (e *EventRing) Peek() (TRB, bool) {
	t := DecodeTRB(e.segment.Bytes()[e.dequeue*TRBSize : (e.dequeue+1)*TRBSize])
	return t, t.CycleBit() == e.cycle
}

// Advance moves the consumer cursor, wrapping to the segment base and
// flipping the consumer cycle state at the segment end.
func (e *EventRing) Advance() {
	e.dequeue++
	if e.dequeue == e.size {
		e.dequeue = 0
		e.cycle ^= 1
	}
}
