// SPDX-License-Identifier: GPL-2.0-only

// Package xhci drives xHCI USB host controllers: register decode, TRB
// rings, root-hub port management, device contexts, control transfers
// and the event loop. Platform access (PCI, MMIO, DMA, interrupts) is
// injected through the hw and dma packages, so the whole driver runs
// against simulated hardware in tests.
package xhci

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hostfission/xhcid/dma"
	"github.com/hostfission/xhcid/hw"
	"github.com/hostfission/xhcid/mmio"
)

// Capability register offsets.
const (
	capLengthVersion = 0x00 // CAPLENGTH byte 0, HCIVERSION bytes 3:2
	capHCSParams1    = 0x04
	capHCSParams2    = 0x08
	capHCCParams1    = 0x10
	capDoorbellOff   = 0x14
	capRuntimeOff    = 0x18
)

// Operational register offsets.
const (
	opUSBCmd   = 0x00
	opUSBSts   = 0x04
	opPageSize = 0x08
	opDNCtrl   = 0x14
	opCRCR     = 0x18
	opDCBAAP   = 0x30
	opConfig   = 0x38
)

// USBCMD bits.
const (
	cmdRun           = 1 << 0
	cmdReset         = 1 << 1
	cmdInterrupterEn = 1 << 2
	cmdSystemErrorEn = 1 << 3
)

// USBSTS bits.
const (
	stsHalted         = 1 << 0
	stsHostSystemErr  = 1 << 2
	stsEventInterrupt = 1 << 3
	stsPortChange     = 1 << 4
	stsSaveRestoreErr = 1 << 10
)

// Ring and structure sizing.
const (
	commandRingSlots  = 128
	transferRingSlots = 256
	eventRingSlots    = 4096
	dcbaaBytes        = 2048
	// regionSize is how much of BAR0 gets mapped; covers capability,
	// operational, runtime and doorbell windows on every controller the
	// driver knows.
	regionSize = 1 << 16
)

// irqVectorBase is the first vector requested from the interrupt
// source; controller id is added to it.
const irqVectorBase = 157

// Timings bounds every polling loop in the driver: attempts times
// interval per handshake. The defaults are the budgets the driver was
// tuned with on physical and emulated controllers; they are policy, not
// protocol, and may be overridden from configuration.
type Timings struct {
	StopAttempts      int           `json:"stop-attempts"`
	StopInterval      time.Duration `json:"stop-interval"`
	ResetAttempts     int           `json:"reset-attempts"`
	ResetInterval     time.Duration `json:"reset-interval"`
	LegacyAttempts    int           `json:"legacy-attempts"`
	LegacyInterval    time.Duration `json:"legacy-interval"`
	PortPowerAttempts int           `json:"port-power-attempts"`
	PortPowerInterval time.Duration `json:"port-power-interval"`
	PortResetAttempts int           `json:"port-reset-attempts"`
	PortResetInterval time.Duration `json:"port-reset-interval"`
	PortResetRecovery time.Duration `json:"port-reset-recovery"`
	CommandAttempts   int           `json:"command-attempts"`
	CommandInterval   time.Duration `json:"command-interval"`
	TransferAttempts  int           `json:"transfer-attempts"`
	TransferInterval  time.Duration `json:"transfer-interval"`
}

func DefaultTimings() Timings {
	return Timings{
		StopAttempts:      17,
		StopInterval:      time.Millisecond,
		ResetAttempts:     500,
		ResetInterval:     time.Millisecond,
		LegacyAttempts:    10,
		LegacyInterval:    time.Millisecond,
		PortPowerAttempts: 4,
		PortPowerInterval: 500 * time.Microsecond,
		PortResetAttempts: 100,
		PortResetInterval: 500 * time.Microsecond,
		PortResetRecovery: 10 * time.Millisecond,
		CommandAttempts:   400,
		CommandInterval:   time.Millisecond,
		TransferAttempts:  500,
		TransferInterval:  time.Millisecond,
	}
}

// poll runs cond up to attempts times, sleeping interval between tries,
// and reports whether it ever held. Every hardware wait in the driver
// goes through this one bounded-retry shape.
func poll(interval time.Duration, attempts int, cond func() bool) bool {
	for i := 0; i < attempts; i++ {
		if cond() {
			return true
		}
		time.Sleep(interval)
	}
	return false
}

// Quirks select controller-specific behavior, resolved once at init
// from PCI identity unless overridden.
type Quirks uint32

const (
	// QuirkDeferredDoorbell delays the control-transfer doorbell until
	// the status stage is queued. QEMU's xHCI model only resolves the
	// transfer once it sees the Status TRB, so ringing per stage would
	// strand the completion wait.
	QuirkDeferredDoorbell Quirks = 1 << iota
	// QuirkResetSelfClear accepts the reset bit clearing as completion
	// on models that never latch port-reset-change.
	QuirkResetSelfClear
)

// vendorRedHat is the PCI vendor id QEMU's emulated xHCI reports.
const vendorRedHat = 0x1b36

// detectQuirks classifies a controller by PCI identity.
func detectQuirks(dev *hw.Device) Quirks {
	if dev.VendorID == vendorRedHat {
		return QuirkDeferredDoorbell | QuirkResetSelfClear
	}
	return 0
}

// Intel Panther Point identity and port-routing config registers.
const (
	vendorIntel            = 0x8086
	devicePantherPointXHCI = 0x1e31
	cfgUSB3PortSSEnable    = 0xd8
	cfgUSB2PortRouting     = 0xd0
)

// maybeRouteIntelPorts switches ports shared with the companion EHCI
// controller over to xHCI on Intel Panther Point chipsets, which boot
// with everything routed to EHCI.
func maybeRouteIntelPorts(dev *hw.Device) bool {
	if dev.VendorID != vendorIntel || dev.DeviceID != devicePantherPointXHCI || dev.Revision != 4 {
		return false
	}
	dev.Config.WriteConfig(cfgUSB3PortSSEnable, 0xffffffff)
	dev.Config.WriteConfig(cfgUSB2PortRouting, 0xffffffff)
	return true
}

// MaxControllers bounds the registry.
const MaxControllers = 4

// Registry owns every initialized controller on the host. Init is
// serialized by one lock; at most one controller is mid-init at a time.
type Registry struct {
	mu    sync.Mutex
	slots [MaxControllers]*Controller
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Options carries the platform capabilities and policy for one
// controller.
type Options struct {
	Mapper     hw.RegionMapper
	Memory     dma.Memory
	Interrupts hw.InterruptSource
	Logger     log.Logger
	Registerer prometheus.Registerer
	// Timings overrides the polling budgets; nil selects the defaults.
	Timings *Timings
	// Quirks overrides quirk detection; nil detects from PCI identity.
	Quirks *Quirks
}

// Init brings up the controller behind one xHCI PCI function and parks
// it in the first free registry slot.
func (r *Registry) Init(dev *hw.Device, opts Options) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := -1
	for i, c := range r.slots {
		if c == nil {
			id = i
			break
		}
	}
	if id < 0 {
		return nil, errors.Wrapf(ErrControllerLimit, "all %d slots taken", MaxControllers)
	}

	c, err := newController(id, dev, opts)
	if err != nil {
		return nil, err
	}
	r.slots[id] = c
	return c, nil
}

// Controller returns the registered controller with the given id, or
// nil.
func (r *Registry) Controller(id int) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= MaxControllers {
		return nil
	}
	return r.slots[id]
}

// Controllers returns every registered controller.
func (r *Registry) Controllers() []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Controller
	for _, c := range r.slots {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Controller drives one xHCI host controller instance.
type Controller struct {
	id     int
	dev    *hw.Device
	logger log.Logger
	mem    dma.Memory
	mapper hw.RegionMapper

	backend mmio.Backend
	caps    *mmio.Window
	op      *mmio.Window
	rt      *mmio.Window
	db      *mmio.Window

	contextSize int
	maxSlots    int
	maxPorts    int
	extCapOff   uint32
	pageSize    int
	quirks      Quirks
	timings     Timings

	dcbaa         *dma.Buffer
	scratchpadArr *dma.Buffer
	scratchpads   []*dma.Buffer
	cmdRing       *Ring
	eventRing     *EventRing

	cmdMu       sync.Mutex
	pendingCmds map[uint64]*commandResult

	ports   []Port
	metrics *metrics
}

// ID returns the controller's registry slot.
func (c *Controller) ID() int { return c.id }

// Ports returns the root-hub port table. The slice is owned by the
// controller; callers must not mutate it.
func (c *Controller) Ports() []Port { return c.ports }

// Quirks returns the quirk set resolved at init.
func (c *Controller) Quirks() Quirks { return c.quirks }

func newController(id int, dev *hw.Device, opts Options) (c *Controller, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "controller", id, "pci", dev.Address)

	c = &Controller{
		id:          id,
		dev:         dev,
		logger:      logger,
		mem:         opts.Memory,
		mapper:      opts.Mapper,
		timings:     DefaultTimings(),
		pendingCmds: make(map[uint64]*commandResult),
		metrics:     newMetrics(opts.Registerer),
	}
	if opts.Timings != nil {
		c.timings = *opts.Timings
	}
	if opts.Quirks != nil {
		c.quirks = *opts.Quirks
	} else {
		c.quirks = detectQuirks(dev)
	}

	defer func() {
		if err != nil {
			c.teardown()
		}
	}()

	// Enable memory-space decoding and bus mastering before touching the
	// BAR; firmware may have left the function disabled.
	dev.Config.WriteConfig(hw.CfgCommand, dev.Config.ReadConfig(hw.CfgCommand)|hw.CmdMemorySpace|hw.CmdBusMaster)

	c.backend, err = opts.Mapper.Map(dev.BAR0&^0xf, regionSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map controller registers")
	}
	c.caps = mmio.NewWindow(c.backend, 0)

	dw0 := c.caps.Read32(capLengthVersion)
	capLen := dw0 & 0xff
	version := uint16(dw0 >> 16)
	if version < 0x90 {
		level.Warn(logger).Log("msg", "controller interface version below 0.90", "version", version)
	}

	hcs1 := c.caps.Read32(capHCSParams1)
	c.maxSlots = int(hcs1 & 0xff)
	c.maxPorts = int(hcs1 >> 24)
	hcc1 := c.caps.Read32(capHCCParams1)
	c.contextSize = 32
	if hcc1&(1<<2) != 0 {
		c.contextSize = 64
	}
	c.extCapOff = hcc1 >> 16 << 2

	c.op = mmio.NewWindow(c.backend, capLen)
	c.rt = mmio.NewWindow(c.backend, c.caps.Read32(capRuntimeOff)&^uint32(0x1f))
	c.db = mmio.NewWindow(c.backend, c.caps.Read32(capDoorbellOff)&^uint32(0x3))

	// Frame-length adjustment, in case firmware left it unprogrammed.
	dev.Config.WriteConfig(hw.CfgFLADJ, dev.Config.ReadConfig(hw.CfgFLADJ)|0x20<<8)
	if maybeRouteIntelPorts(dev) {
		_ = logger.Log("msg", "routed shared ports away from companion EHCI controller")
	}

	if err = c.releaseLegacy(); err != nil {
		return nil, err
	}
	if err = c.stop(); err != nil {
		return nil, err
	}
	if err = c.reset(); err != nil {
		return nil, err
	}

	c.ports = make([]Port, c.maxPorts)
	ranges := readProtocolRanges(c.caps, c.extCapOff)
	classifyPorts(c.ports, ranges)
	pairPorts(c.ports)
	applyActivationPolicy(c.ports)
	usb2, usb3 := 0, 0
	for i := range c.ports {
		switch c.ports[i].Protocol {
		case ProtocolUSB2:
			usb2++
		case ProtocolUSB3:
			usb3++
		}
	}
	_ = logger.Log("msg", "root hub ports classified", "ports", c.maxPorts, "usb2", usb2, "usb3", usb3)

	c.pageSize = int(c.op.Read32(opPageSize)&0xffff) << 12

	c.dcbaa, err = c.mem.Alloc(dcbaaBytes, ringAlign)
	if err != nil {
		return nil, errors.Wrap(err, "device context base array allocation")
	}
	if c.dcbaa.Phys()%ringAlign != 0 {
		return nil, errors.Wrapf(ErrAlignment, "device context base array at %#x", c.dcbaa.Phys())
	}
	c.op.Write64(opDCBAAP, c.dcbaa.Phys())

	if err = c.allocScratchpads(); err != nil {
		return nil, err
	}

	c.cmdRing, err = NewRing(c.mem, commandRingSlots)
	if err != nil {
		return nil, errors.Wrap(err, "command ring")
	}
	c.op.Write64(opCRCR, c.cmdRing.Base()|uint64(c.cmdRing.Cycle()))
	c.op.Write32(opConfig, uint32(c.maxSlots))
	c.op.Write32(opDNCtrl, 1<<1)

	if err = c.initInterrupter(opts.Interrupts); err != nil {
		return nil, err
	}

	c.start()
	c.probePorts()

	_ = logger.Log("msg", "controller initialized",
		"slots", c.maxSlots,
		"context_size", c.contextSize,
		"page_size", c.pageSize,
		"quirks", uint32(c.quirks),
	)
	return c, nil
}

// stop halts the schedule if it is running.
func (c *Controller) stop() error {
	if c.op.Read32(opUSBSts)&stsHalted != 0 {
		return nil
	}
	c.op.Write32(opUSBCmd, 0)
	if !poll(c.timings.StopInterval, c.timings.StopAttempts, func() bool {
		return c.op.Read32(opUSBSts)&stsHalted != 0
	}) {
		return errors.Wrap(ErrTimeout, "controller did not halt")
	}
	return nil
}

// reset issues a host controller reset and waits for the bit to
// self-clear.
func (c *Controller) reset() error {
	c.op.Write32(opUSBCmd, c.op.Read32(opUSBCmd)|cmdReset)
	if !poll(c.timings.ResetInterval, c.timings.ResetAttempts, func() bool {
		return c.op.Read32(opUSBCmd)&cmdReset == 0
	}) {
		return errors.Wrap(ErrTimeout, "controller reset did not complete")
	}
	return nil
}

// releaseLegacy claims the controller from firmware through the legacy
// support capability, when present.
func (c *Controller) releaseLegacy() error {
	var legacyOff uint32
	walkExtendedCapabilities(c.caps, c.extCapOff, func(off uint32, dw0 uint32) bool {
		if dw0&0xff == xcapLegacy {
			legacyOff = off
			return true
		}
		return false
	})
	if legacyOff == 0 {
		return nil
	}

	c.caps.Write32(legacyOff, c.caps.Read32(legacyOff)|legacyOSOwned)
	if !poll(c.timings.LegacyInterval, c.timings.LegacyAttempts, func() bool {
		return c.caps.Read32(legacyOff)&(legacyBIOSOwned|legacyOSOwned) == legacyOSOwned
	}) {
		return errors.Wrap(ErrTimeout, "firmware kept legacy ownership")
	}
	level.Debug(c.logger).Log("msg", "legacy ownership released by firmware")
	return nil
}

// allocScratchpads allocates the scratchpad buffers HCSPARAMS2 demands
// and publishes the array through slot 0 of the device context base
// array.
func (c *Controller) allocScratchpads() error {
	hcs2 := c.caps.Read32(capHCSParams2)
	count := int(hcs2>>21&0x1f)<<5 | int(hcs2>>27&0x1f)
	if count == 0 {
		return nil
	}

	arr, err := c.mem.Alloc(count*8, ringAlign)
	if err != nil {
		return errors.Wrap(err, "scratchpad array allocation")
	}
	c.scratchpadArr = arr

	pageSize := c.pageSize
	if pageSize == 0 {
		pageSize = 4096
	}
	for i := 0; i < count; i++ {
		buf, err := c.mem.Alloc(pageSize, pageSize)
		if err != nil {
			return errors.Wrapf(err, "scratchpad buffer %d", i)
		}
		binary.LittleEndian.PutUint64(arr.Bytes()[i*8:], buf.Phys())
		c.scratchpads = append(c.scratchpads, buf)
	}
	binary.LittleEndian.PutUint64(c.dcbaa.Bytes()[0:], arr.Phys())
	level.Debug(c.logger).Log("msg", "scratchpad buffers allocated", "count", count, "page_size", pageSize)
	return nil
}

// initInterrupter programs interrupter 0 with the event ring and hooks
// up interrupt delivery.
func (c *Controller) initInterrupter(src hw.InterruptSource) error {
	er, err := NewEventRing(c.mem, eventRingSlots)
	if err != nil {
		return errors.Wrap(err, "event ring")
	}
	c.eventRing = er

	c.rt.Write32(mmio.Interrupter(0, irManagement), irPending|irEnable)
	c.rt.Write32(mmio.Interrupter(0, irModeration), 0)
	c.rt.Write32(mmio.Interrupter(0, irTableSize), 1)
	c.rt.Write64(mmio.Interrupter(0, irDequeue), er.DequeuePhys()|dequeueBusy)
	c.rt.Write64(mmio.Interrupter(0, irTableAddr), er.TableBase())

	// Clear stale status bits left over from firmware.
	c.op.Write32(opUSBSts, stsSaveRestoreErr|stsPortChange|stsEventInterrupt|stsHostSystemErr)

	if src != nil {
		if err := src.Register(uint8(irqVectorBase+c.id), c.id, c.ServiceInterrupt); err != nil {
			return errors.Wrap(err, "failed to register interrupt handler")
		}
	}
	return nil
}

// start sets run/stop with interrupts and system-error reporting
// enabled.
func (c *Controller) start() {
	c.op.Write32(opUSBCmd, cmdRun|cmdInterrupterEn|cmdSystemErrorEn)
}

// Stop halts the schedule; the inverse of start, exposed for orderly
// daemon shutdown.
func (c *Controller) Stop() error {
	return c.stop()
}

// teardown releases everything a partially initialized controller
// holds.
func (c *Controller) teardown() {
	if c.eventRing != nil {
		c.mem.Free(c.eventRing.table)
		c.mem.Free(c.eventRing.segment)
	}
	if c.cmdRing != nil {
		c.mem.Free(c.cmdRing.buf)
	}
	for _, buf := range c.scratchpads {
		c.mem.Free(buf)
	}
	if c.scratchpadArr != nil {
		c.mem.Free(c.scratchpadArr)
	}
	if c.dcbaa != nil {
		c.mem.Free(c.dcbaa)
	}
	if c.backend != nil {
		_ = c.mapper.Unmap(c.backend)
	}
}
