// SPDX-License-Identifier: GPL-2.0-only

// Package mmio provides typed access to the controller's memory-mapped
// register file. A Backend is one mapped region; Windows carve it into
// the capability, operational, runtime and doorbell groups at the
// offsets the capability registers declare.
package mmio

import "fmt"

// Backend performs raw register accesses against one mapped region.
// Offsets are region-relative bytes.
type Backend interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	Read64(off uint32) uint64
	Write64(off uint32, v uint64)
}

// Window is a view of one register group at a fixed base inside a
// region. Every access is checked against the register's natural
// alignment; a misaligned access is a driver bug, not a runtime
// condition, so it panics.
type Window struct {
	b    Backend
	base uint32
}

func NewWindow(b Backend, base uint32) *Window {
	return &Window{b: b, base: base}
}

// Base returns the window's offset within the region.
func (w *Window) Base() uint32 { return w.base }

func (w *Window) Read32(off uint32) uint32 {
	return w.b.Read32(w.check(off, 4))
}

func (w *Window) Write32(off uint32, v uint32) {
	w.b.Write32(w.check(off, 4), v)
}

func (w *Window) Read64(off uint32) uint64 {
	return w.b.Read64(w.check(off, 8))
}

func (w *Window) Write64(off uint32, v uint64) {
	w.b.Write64(w.check(off, 8), v)
}

// Read8 extracts a byte-wide register from its containing dword. Narrow
// reads are not generated against the controller; sub-fields come out of
// full-width accesses.
func (w *Window) Read8(off uint32) uint8 {
	word := w.Read32(off &^ 3)
	return uint8(word >> ((off & 3) * 8))
}

// Read16 extracts a 16-bit register from its containing dword. off must
// be 2-aligned.
func (w *Window) Read16(off uint32) uint16 {
	if off%2 != 0 {
		panic(fmt.Sprintf("mmio: misaligned 16-bit access at %#x+%#x", w.base, off))
	}
	word := w.Read32(off &^ 3)
	return uint16(word >> ((off & 3) * 8))
}

func (w *Window) check(off uint32, width uint32) uint32 {
	abs := w.base + off
	if abs%width != 0 {
		panic(fmt.Sprintf("mmio: misaligned %d-bit access at %#x+%#x", width*8, w.base, off))
	}
	return abs
}

// Interrupter register-set layout inside the runtime window: an array of
// 32-byte sets starting at offset 0x20.
const (
	interrupterBase   = 0x20
	interrupterStride = 32
)

// Interrupter returns the runtime-window offset of one field of the
// indexed interrupter register set.
func Interrupter(index int, field uint32) uint32 {
	return interrupterBase + uint32(index)*interrupterStride + field
}
