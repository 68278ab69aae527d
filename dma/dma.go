// SPDX-License-Identifier: GPL-2.0-only

// Package dma manages memory shared with the host controller. The
// controller addresses this memory physically and may read or write it
// at any time, so buffers carry both a byte view and a physical address,
// and words the device touches concurrently go through the atomic
// accessors below.
package dma

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/efficientgo/core/errors"
)

// ErrNoMemory reports an exhausted DMA region.
var ErrNoMemory = errors.New("out of dma memory")

// Buffer is one allocation inside a DMA region.
type Buffer struct {
	buf  []byte
	phys uint64
}

// Bytes returns the driver-visible view of the buffer.
func (b *Buffer) Bytes() []byte { return b.buf }

// Phys returns the address the controller uses to reach the buffer.
func (b *Buffer) Phys() uint64 { return b.phys }

// Len returns the buffer size in bytes.
func (b *Buffer) Len() int { return len(b.buf) }

// Memory hands out zero-initialized, aligned buffers the controller can
// address, and resolves physical addresses the controller reports back
// into driver-visible views.
type Memory interface {
	// Alloc returns a zeroed buffer of size bytes whose physical address
	// is a multiple of align. align must be a power of two.
	Alloc(size, align int) (*Buffer, error)
	// Free releases a buffer obtained from Alloc.
	Free(*Buffer)
	// At returns a view of size bytes at the given physical address.
	At(phys uint64, size int) ([]byte, error)
}

// Arena is a bump allocator over one physically contiguous block, such as
// a mapped udmabuf region. Free is a no-op; the whole block is reclaimed
// with Reset. Controller data structures live for the controller's
// lifetime, so per-buffer reclamation buys nothing here.
type Arena struct {
	mu   sync.Mutex
	mem  []byte
	phys uint64
	next int
}

// NewArena wraps a contiguous block whose first byte sits at physical
// address physBase.
func NewArena(block []byte, physBase uint64) *Arena {
	return &Arena{mem: block, phys: physBase}
}

func (a *Arena) Alloc(size, align int) (*Buffer, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return nil, errors.Newf("bad allocation request: size %d, align %d", size, align)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// Align the physical address, not the slice offset. They coincide only
	// if physBase itself is aligned, which we must not assume.
	phys := (a.phys + uint64(a.next) + uint64(align) - 1) &^ (uint64(align) - 1)
	off := int(phys - a.phys)
	if off+size > len(a.mem) {
		return nil, errors.Wrapf(ErrNoMemory, "need %d bytes, %d left", size, len(a.mem)-a.next)
	}
	a.next = off + size

	buf := a.mem[off : off+size : off+size]
	for i := range buf {
		buf[i] = 0
	}
	return &Buffer{buf: buf, phys: phys}, nil
}

func (a *Arena) Free(*Buffer) {}

// Reset reclaims the entire arena. The caller must guarantee the
// controller no longer references any of it.
func (a *Arena) Reset() {
	a.mu.Lock()
	a.next = 0
	a.mu.Unlock()
}

func (a *Arena) At(phys uint64, size int) ([]byte, error) {
	if phys < a.phys || phys+uint64(size) > a.phys+uint64(len(a.mem)) {
		return nil, errors.Newf("physical address %#x+%d outside dma region", phys, size)
	}
	off := int(phys - a.phys)
	return a.mem[off : off+size : off+size], nil
}

// The accessors below load and store single words in memory the
// controller writes concurrently. Plain slice accesses could be torn or
// reordered relative to the doorbell and status protocol. The word must
// be naturally aligned.

func LoadUint32(b []byte) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0])))
}

func StoreUint32(b []byte, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[0])), v)
}

func LoadUint64(b []byte) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[0])))
}

func StoreUint64(b []byte, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[0])), v)
}
