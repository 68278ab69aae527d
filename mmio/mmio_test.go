package mmio

import "testing"

// fakeBackend records accesses against a sparse register file.
type fakeBackend struct {
	words  map[uint32]uint32
	dwords map[uint32]uint64
	writes []uint32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{words: map[uint32]uint32{}, dwords: map[uint32]uint64{}}
}

func (f *fakeBackend) Read32(off uint32) uint32 { return f.words[off] }
func (f *fakeBackend) Write32(off uint32, v uint32) {
	f.words[off] = v
	f.writes = append(f.writes, off)
}
func (f *fakeBackend) Read64(off uint32) uint64 { return f.dwords[off] }
func (f *fakeBackend) Write64(off uint32, v uint64) {
	f.dwords[off] = v
	f.writes = append(f.writes, off)
}

func TestWindowOffsets(t *testing.T) {
	b := newFakeBackend()
	w := NewWindow(b, 0x80)

	w.Write32(0x18, 0x12345678)
	if got := b.words[0x98]; got != 0x12345678 {
		t.Errorf("write landed at wrong offset: region[0x98] = %#x", got)
	}
	if got := w.Read32(0x18); got != 0x12345678 {
		t.Errorf("Read32 = %#x", got)
	}

	w.Write64(0x30, 0x1122334455667788)
	if got := b.dwords[0xb0]; got != 0x1122334455667788 {
		t.Errorf("64-bit write landed at wrong offset: region[0xb0] = %#x", got)
	}
}

func TestWindowNarrowReads(t *testing.T) {
	b := newFakeBackend()
	b.words[0] = 0x01100020 // HCIVERSION 0x0110, CAPLENGTH 0x20
	w := NewWindow(b, 0)

	if got := w.Read8(0); got != 0x20 {
		t.Errorf("Read8(0) = %#x, want 0x20", got)
	}
	if got := w.Read16(2); got != 0x0110 {
		t.Errorf("Read16(2) = %#x, want 0x0110", got)
	}
}

func TestWindowMisalignedAccessPanics(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   func(w *Window)
	}{
		{name: "read32", op: func(w *Window) { w.Read32(2) }},
		{name: "write32", op: func(w *Window) { w.Write32(1, 0) }},
		{name: "read64", op: func(w *Window) { w.Read64(4) }},
		{name: "read16 odd", op: func(w *Window) { w.Read16(3) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("misaligned access did not panic")
				}
			}()
			tc.op(NewWindow(newFakeBackend(), 0))
		})
	}
}

func TestInterrupter(t *testing.T) {
	if got := Interrupter(0, 0); got != 0x20 {
		t.Errorf("Interrupter(0, 0) = %#x, want 0x20", got)
	}
	if got := Interrupter(0, 0x18); got != 0x38 {
		t.Errorf("Interrupter(0, 0x18) = %#x, want 0x38", got)
	}
	if got := Interrupter(3, 0x08); got != 0x20+3*32+8 {
		t.Errorf("Interrupter(3, 0x08) = %#x", got)
	}
}
