package xhci

import (
	"encoding/binary"
	"testing"

	"github.com/hostfission/xhcid/dma"
	"github.com/hostfission/xhcid/mmio"
)

// simController emulates enough of an xHCI controller to run the whole
// driver against it: capability and extended-capability decode, the
// reset and legacy-handover handshakes, port reset latching, command
// execution with completion events, and control transfers answered by
// model devices. It shares the test's DMA arena with the driver and
// executes doorbells synchronously, invoking the registered interrupt
// handler after posting events.
type simController struct {
	t   *testing.T
	mem *dma.Arena

	maxPorts int
	// ctxSize selects the context stride HCCPARAMS1 announces through
	// CSZ: 32 or 64 bytes.
	ctxSize int

	usbcmd uint32
	usbsts uint32
	dnctrl uint32
	config uint32
	crcr   uint64
	dcbaap uint64
	iman   uint32
	imod   uint32
	erstsz uint32
	erstba uint64
	erdp   uint64
	legacy uint32
	portsc []uint32

	devices map[int]*simDevice
	// stuckReset ports never complete a reset: the reset bit stays
	// latched and the change bit never rises.
	stuckReset map[int]bool
	// legacyStuck keeps the BIOS-owned bit set forever.
	legacyStuck bool

	cmd simCursor

	evBase    uint64
	evSize    int
	evEnqueue int
	evCycle   uint32

	nextSlot int
	slotPort map[int]int
	eps      map[[2]int]*simEndpoint

	handler func()

	commandCount int
}

type simCursor struct {
	phys  uint64
	cycle uint32
}

type simEndpoint struct {
	cursor simCursor
	resp   []byte
	req    Request
	hasReq bool
}

// simDevice is a model USB device attached to one root-hub port.
type simDevice struct {
	speed      int
	descriptor []byte
	config     []byte
	report     []byte

	configured  uint8
	idleSet     bool
	reportsRead int
}

// simKeyboard models a HID keyboard with one interrupt-in endpoint.
func simKeyboard(speed int) *simDevice {
	desc := make([]byte, 18)
	desc[0] = 18
	desc[1] = dtDevice
	binary.LittleEndian.PutUint16(desc[2:], 0x0200)
	desc[7] = 64
	binary.LittleEndian.PutUint16(desc[8:], 0x1d6b)
	binary.LittleEndian.PutUint16(desc[10:], 0x0002)
	desc[17] = 1
	return &simDevice{
		speed:      speed,
		descriptor: desc,
		config:     keyboardConfiguration(65),
		report:     make([]byte, 65),
	}
}

// Simulated register file layout.
const (
	simCapLength = 0x80
	simOpBase    = 0x80
	simExtCaps   = 0x1000
	simRuntime   = 0x2000
	simDoorbells = 0x3000
	simMaxSlots  = 32
)

// newSimController builds a controller with 4 root-hub ports: 0 and 1
// speak USB2, 2 and 3 USB3, sharing connectors pairwise. devices maps
// port index to the attached model device.
func newSimController(t *testing.T, mem *dma.Arena, devices map[int]*simDevice) *simController {
	t.Helper()
	s := &simController{
		t:          t,
		mem:        mem,
		maxPorts:   4,
		ctxSize:    32,
		usbsts:     stsHalted,
		legacy:     xcapLegacy | 4<<8 | legacyBIOSOwned,
		portsc:     make([]uint32, 4),
		devices:    devices,
		stuckReset: map[int]bool{},
		slotPort:   map[int]int{},
		eps:        map[[2]int]*simEndpoint{},
		evCycle:    1,
	}
	for port, dev := range devices {
		s.portsc[port] = portConnect | uint32(dev.speed)<<portSpeedShift
	}
	return s
}

func (s *simController) Read32(off uint32) uint32 {
	switch {
	case off < simOpBase:
		switch off {
		case capLengthVersion:
			return 0x0110<<16 | simCapLength
		case capHCSParams1:
			return uint32(s.maxPorts)<<24 | simMaxSlots
		case capHCSParams2:
			return 2 << 27 // two scratchpad buffers
		case capHCCParams1:
			v := uint32(simExtCaps >> 2 << 16)
			if s.ctxSize == 64 {
				v |= 1 << 2
			}
			return v
		case capDoorbellOff:
			return simDoorbells
		case capRuntimeOff:
			return simRuntime
		}
		return 0
	case off >= simDoorbells:
		return 0
	case off >= simRuntime:
		switch off - simRuntime {
		case mmio.Interrupter(0, irManagement):
			return s.iman
		case mmio.Interrupter(0, irModeration):
			return s.imod
		case mmio.Interrupter(0, irTableSize):
			return s.erstsz
		}
		return 0
	case off >= simExtCaps:
		return s.readExtCap(off - simExtCaps)
	default:
		o := off - simOpBase
		switch o {
		case opUSBCmd:
			return s.usbcmd
		case opUSBSts:
			return s.usbsts
		case opPageSize:
			return 1
		case opDNCtrl:
			return s.dnctrl
		case opConfig:
			return s.config
		}
		if o >= portRegisterBase && (o-portRegisterBase)%portRegisterStride == 0 {
			if idx := int(o-portRegisterBase) / portRegisterStride; idx < s.maxPorts {
				return s.portsc[idx]
			}
		}
		return 0
	}
}

// readExtCap serves the extended capability list: legacy support at
// +0x00, the USB2 protocol range (ports 1-2) at +0x10 and the USB3
// range (ports 3-4) at +0x20.
func (s *simController) readExtCap(off uint32) uint32 {
	switch off {
	case 0x00:
		return s.legacy
	case 0x10:
		return xcapProtocol | 4<<8 | 2<<24
	case 0x18:
		return 1 | 2<<8
	case 0x20:
		return xcapProtocol | 3<<24
	case 0x28:
		return 3 | 2<<8
	}
	return 0
}

func (s *simController) Write32(off uint32, v uint32) {
	switch {
	case off >= simDoorbells:
		s.doorbell(int(off-simDoorbells)/4, v)
	case off >= simRuntime:
		switch off - simRuntime {
		case mmio.Interrupter(0, irManagement):
			// The pending bit is write-1-to-clear; enable is plain RW.
			if v&irPending != 0 {
				s.iman &^= irPending
			}
			s.iman = s.iman&^irEnable | v&irEnable
		case mmio.Interrupter(0, irModeration):
			s.imod = v
		case mmio.Interrupter(0, irTableSize):
			s.erstsz = v
		}
	case off >= simExtCaps:
		if off == simExtCaps && !s.legacyStuck {
			s.legacy = v &^ legacyBIOSOwned
		}
	case off >= simOpBase:
		o := off - simOpBase
		switch {
		case o == opUSBCmd:
			if v&cmdReset != 0 {
				v &^= cmdReset
				s.usbsts |= stsHalted
				s.resetState()
			}
			if v&cmdRun != 0 {
				s.usbsts &^= stsHalted
			} else {
				s.usbsts |= stsHalted
			}
			s.usbcmd = v
		case o == opUSBSts:
			s.usbsts &^= v & (stsHostSystemErr | stsEventInterrupt | stsPortChange | stsSaveRestoreErr)
		case o == opDNCtrl:
			s.dnctrl = v
		case o == opConfig:
			s.config = v
		case o >= portRegisterBase && (o-portRegisterBase)%portRegisterStride == 0:
			if idx := int(o-portRegisterBase) / portRegisterStride; idx < s.maxPorts {
				s.writePort(idx, v)
			}
		}
	}
}

func (s *simController) Read64(off uint32) uint64 {
	switch {
	case off >= simRuntime:
		switch off - simRuntime {
		case mmio.Interrupter(0, irTableAddr):
			return s.erstba
		case mmio.Interrupter(0, irDequeue):
			return s.erdp
		}
	case off >= simOpBase:
		if off-simOpBase == opDCBAAP {
			return s.dcbaap
		}
	}
	return 0
}

func (s *simController) Write64(off uint32, v uint64) {
	switch {
	case off >= simRuntime:
		switch off - simRuntime {
		case mmio.Interrupter(0, irTableAddr):
			s.erstba = v
			s.loadSegmentTable()
		case mmio.Interrupter(0, irDequeue):
			s.erdp = v &^ dequeueBusy
		}
	case off >= simOpBase:
		switch off - simOpBase {
		case opCRCR:
			s.crcr = v
			s.cmd = simCursor{phys: v &^ 0x3f, cycle: uint32(v & 1)}
		case opDCBAAP:
			s.dcbaap = v
		}
	}
}

func (s *simController) resetState() {
	s.nextSlot = 0
	s.slotPort = map[int]int{}
	s.eps = map[[2]int]*simEndpoint{}
	s.evBase, s.evSize, s.evEnqueue, s.evCycle = 0, 0, 0, 1
	s.iman, s.erstba, s.erdp, s.crcr = 0, 0, 0, 0
}

func (s *simController) loadSegmentTable() {
	table, err := s.mem.At(s.erstba, 16)
	if err != nil {
		s.t.Fatalf("segment table at %#x: %v", s.erstba, err)
	}
	s.evBase = binary.LittleEndian.Uint64(table[0:8])
	s.evSize = int(binary.LittleEndian.Uint64(table[8:16]))
	s.evEnqueue = 0
	s.evCycle = 1
}

func (s *simController) writePort(port int, v uint32) {
	cur := s.portsc[port]
	next := cur & (portConnect | 0xf<<portSpeedShift | portEnabled | portChangeBits | portReset | portWarmReset)
	if v&portPower != 0 {
		next |= portPower
	}
	next &^= v & portChangeBits
	if v&(portReset|portWarmReset) != 0 {
		if s.stuckReset[port] {
			next |= v & (portReset | portWarmReset)
		} else if _, attached := s.devices[port]; attached {
			next |= portEnabled | portResetChange
		}
	}
	s.portsc[port] = next
}

func (s *simController) doorbell(slot int, target uint32) {
	if slot == 0 {
		s.runCommands()
	} else {
		s.runTransferRing(slot, int(target))
	}
	if s.handler != nil {
		s.handler()
	}
}

func (s *simController) postEvent(ev TRB) {
	if s.evBase == 0 {
		s.t.Fatal("event posted before the event ring was programmed")
	}
	slot, err := s.mem.At(s.evBase+uint64(s.evEnqueue*TRBSize), TRBSize)
	if err != nil {
		s.t.Fatalf("event ring slot: %v", err)
	}
	ev.Control = ev.Control&^trbCycle | s.evCycle
	EncodeTRB(slot, ev)
	s.evEnqueue++
	if s.evEnqueue == s.evSize {
		s.evEnqueue = 0
		s.evCycle ^= 1
	}
	s.iman |= irPending
	s.usbsts |= stsEventInterrupt
}

func (s *simController) runCommands() {
	for {
		slot, err := s.mem.At(s.cmd.phys, TRBSize)
		if err != nil {
			s.t.Fatalf("command ring at %#x: %v", s.cmd.phys, err)
		}
		trb := DecodeTRB(slot)
		if trb.CycleBit() != s.cmd.cycle {
			return
		}
		if trb.Type() == TRBLink {
			if trb.Control&trbToggle != 0 {
				s.cmd.cycle ^= 1
			}
			s.cmd.phys = trb.Parameter
			continue
		}
		phys := s.cmd.phys
		s.cmd.phys += TRBSize
		s.commandCount++
		s.execCommand(phys, trb)
	}
}

func (s *simController) execCommand(phys uint64, trb TRB) {
	ev := TRB{
		Parameter: phys,
		Status:    CompSuccess << 24,
		Control:   uint32(TRBCommandCompletion) << trbTypeShift,
	}
	switch trb.Type() {
	case TRBEnableSlot:
		s.nextSlot++
		ev.Control |= uint32(s.nextSlot) << trbSlotShift
	case TRBAddressDevice:
		slot := int(trb.SlotID())
		in, err := s.mem.At(trb.Parameter, s.ctxSize*3)
		if err != nil {
			s.t.Fatalf("address-device input context: %v", err)
		}
		slotCtx := DecodeSlotContext(in[s.ctxSize : s.ctxSize*2])
		s.slotPort[slot] = int(slotCtx.RootHubPort) - 1
		ep := DecodeEndpointContext(in[s.ctxSize*2 : s.ctxSize*3])
		s.eps[[2]int{slot, epControl}] = &simEndpoint{
			cursor: simCursor{phys: ep.DequeuePointer &^ 0xf, cycle: uint32(ep.DequeuePointer & 1)},
		}
		ev.Control |= uint32(slot) << trbSlotShift
	case TRBConfigureEndpoint:
		slot := int(trb.SlotID())
		in, err := s.mem.At(trb.Parameter, s.ctxSize*33)
		if err != nil {
			s.t.Fatalf("configure-endpoint input context: %v", err)
		}
		add := binary.LittleEndian.Uint32(in[inputAddFlags:])
		for dci := 2; dci < 32; dci++ {
			if add&(1<<dci) == 0 {
				continue
			}
			ep := DecodeEndpointContext(in[(dci+1)*s.ctxSize : (dci+2)*s.ctxSize])
			s.eps[[2]int{slot, dci}] = &simEndpoint{
				cursor: simCursor{phys: ep.DequeuePointer &^ 0xf, cycle: uint32(ep.DequeuePointer & 1)},
			}
		}
		ev.Control |= uint32(slot) << trbSlotShift
	case TRBNoOpCommand:
	default:
		ev.Status = CompTRBError << 24
	}
	s.postEvent(ev)
}

func (s *simController) runTransferRing(slot, dci int) {
	ep := s.eps[[2]int{slot, dci}]
	if ep == nil {
		s.t.Fatalf("doorbell for unknown endpoint: slot %d, dci %d", slot, dci)
	}
	dev := s.devices[s.slotPort[slot]]
	for {
		mem, err := s.mem.At(ep.cursor.phys, TRBSize)
		if err != nil {
			s.t.Fatalf("transfer ring at %#x: %v", ep.cursor.phys, err)
		}
		trb := DecodeTRB(mem)
		if trb.CycleBit() != ep.cursor.cycle {
			return
		}
		if trb.Type() == TRBLink {
			if trb.Control&trbToggle != 0 {
				ep.cursor.cycle ^= 1
			}
			ep.cursor.phys = trb.Parameter
			continue
		}
		ep.cursor.phys += TRBSize
		s.execTransferTRB(dev, ep, trb)
	}
}

func (s *simController) execTransferTRB(dev *simDevice, ep *simEndpoint, trb TRB) {
	switch trb.Type() {
	case TRBSetupStage:
		req := Request{
			Type:    uint8(trb.Parameter),
			Request: uint8(trb.Parameter >> 8),
			Value:   uint16(trb.Parameter >> 16),
			Index:   uint16(trb.Parameter >> 32),
			Length:  uint16(trb.Parameter >> 48),
		}
		ep.req, ep.hasReq = req, true
		ep.resp = s.deviceAnswer(dev, req)
	case TRBDataStage, TRBNormal:
		n := int(trb.Status & 0x1ffff)
		buf, err := s.mem.At(trb.Parameter, n)
		if err != nil {
			s.t.Fatalf("transfer data buffer: %v", err)
		}
		if len(ep.resp) > 0 {
			copy(buf, ep.resp)
			if n < len(ep.resp) {
				ep.resp = ep.resp[n:]
			} else {
				ep.resp = nil
			}
		}
	case TRBStatusStage:
		if ep.hasReq {
			s.applyRequest(dev, ep.req)
			ep.hasReq = false
		}
	case TRBEventData:
		s.postEvent(TRB{
			Parameter: trb.Parameter,
			Status:    CompSuccess << 24,
			Control:   uint32(TRBTransferEvent)<<trbTypeShift | trbEventFlag,
		})
	}
}

func (s *simController) deviceAnswer(dev *simDevice, req Request) []byte {
	if req.Type&0x80 == 0 || req.Request != reqGetDescriptor {
		return nil
	}
	var src []byte
	switch uint8(req.Value >> 8) {
	case dtDevice:
		src = dev.descriptor
	case dtConfiguration:
		src = dev.config
	case dtHIDReport:
		dev.reportsRead++
		src = dev.report
	}
	if len(src) > int(req.Length) {
		src = src[:req.Length]
	}
	return src
}

func (s *simController) applyRequest(dev *simDevice, req Request) {
	switch {
	case req.Type == reqHostToDevice && req.Request == reqSetConfiguration:
		dev.configured = uint8(req.Value)
	case req.Type == reqClassToInterface && req.Request == reqSetIdle:
		dev.idleSet = true
	}
}

// The adapters below plug the simulation into the driver's platform
// interfaces.

type simMapper struct{ s *simController }

func (m simMapper) Map(phys uint64, size int) (mmio.Backend, error) { return m.s, nil }
func (m simMapper) Unmap(mmio.Backend) error                        { return nil }

type simIRQ struct{ s *simController }

func (i simIRQ) Register(vector uint8, controllerID int, handler func()) error {
	i.s.handler = handler
	return nil
}
func (i simIRQ) Close() error { return nil }

type simConfigSpace struct{ regs map[int]uint32 }

func newSimConfigSpace() *simConfigSpace {
	return &simConfigSpace{regs: map[int]uint32{}}
}
func (c *simConfigSpace) ReadConfig(off int) uint32     { return c.regs[off] }
func (c *simConfigSpace) WriteConfig(off int, v uint32) { c.regs[off] = v }
