// SPDX-License-Identifier: GPL-2.0-only

package xhci

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
)

// Port speeds as encoded in PORTSC and slot contexts.
const (
	SpeedFull  = 1
	SpeedLow   = 2
	SpeedHigh  = 3
	SpeedSuper = 4
)

// defaultMaxPacket returns the EP0 maximum packet size a device of the
// given speed answers with before its descriptor is known.
func defaultMaxPacket(speed int) int {
	switch speed {
	case SpeedLow:
		return 8
	case SpeedFull, SpeedHigh:
		return 64
	case SpeedSuper:
		return 512
	}
	return 8
}

// Endpoint types as encoded in endpoint contexts.
const (
	epTypeIsochOut     = 1
	epTypeBulkOut      = 2
	epTypeInterruptOut = 3
	epTypeControl      = 4
	epTypeIsochIn      = 5
	epTypeBulkIn       = 6
	epTypeInterruptIn  = 7
)

// epControl is the device context index of the bidirectional default
// control endpoint.
const epControl = 1

// SlotContext is the software view of a hardware slot context. Encode
// and Decode translate to the packed dword layout; the surrounding
// context block stride (32 or 64 bytes) is the controller's business.
type SlotContext struct {
	RouteString       uint32
	Speed             uint8
	Entries           uint8
	MaxExitLatency    uint16
	RootHubPort       uint8
	NumPorts          uint8
	InterrupterTarget uint16
	DeviceAddress     uint8
	State             uint8
}

func (s SlotContext) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], s.RouteString&0xfffff|uint32(s.Speed&0xf)<<20|uint32(s.Entries&0x1f)<<27)
	binary.LittleEndian.PutUint32(b[4:], uint32(s.MaxExitLatency)|uint32(s.RootHubPort)<<16|uint32(s.NumPorts)<<24)
	binary.LittleEndian.PutUint32(b[8:], uint32(s.InterrupterTarget&0x3ff)<<22)
	binary.LittleEndian.PutUint32(b[12:], uint32(s.DeviceAddress)|uint32(s.State&0x1f)<<27)
}

func DecodeSlotContext(b []byte) SlotContext {
	dw0 := binary.LittleEndian.Uint32(b[0:])
	dw1 := binary.LittleEndian.Uint32(b[4:])
	dw2 := binary.LittleEndian.Uint32(b[8:])
	dw3 := binary.LittleEndian.Uint32(b[12:])
	return SlotContext{
		RouteString:       dw0 & 0xfffff,
		Speed:             uint8(dw0 >> 20 & 0xf),
		Entries:           uint8(dw0 >> 27 & 0x1f),
		MaxExitLatency:    uint16(dw1),
		RootHubPort:       uint8(dw1 >> 16),
		NumPorts:          uint8(dw1 >> 24),
		InterrupterTarget: uint16(dw2 >> 22 & 0x3ff),
		DeviceAddress:     uint8(dw3),
		State:             uint8(dw3 >> 27 & 0x1f),
	}
}

// EndpointContext is the software view of a hardware endpoint context.
// DequeuePointer carries the dequeue cycle state in bit 0.
type EndpointContext struct {
	State            uint8
	Interval         uint8
	ErrorCount       uint8
	Type             uint8
	MaxBurst         uint8
	MaxPacket        uint16
	DequeuePointer   uint64
	AverageTRBLength uint16
	MaxESITPayload   uint16
}

func (e EndpointContext) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(e.State&0x7)|uint32(e.Interval)<<16)
	binary.LittleEndian.PutUint32(b[4:], uint32(e.ErrorCount&0x3)<<1|uint32(e.Type&0x7)<<3|uint32(e.MaxBurst)<<8|uint32(e.MaxPacket)<<16)
	binary.LittleEndian.PutUint64(b[8:], e.DequeuePointer)
	binary.LittleEndian.PutUint32(b[16:], uint32(e.AverageTRBLength)|uint32(e.MaxESITPayload)<<16)
}

func DecodeEndpointContext(b []byte) EndpointContext {
	dw0 := binary.LittleEndian.Uint32(b[0:])
	dw1 := binary.LittleEndian.Uint32(b[4:])
	dw4 := binary.LittleEndian.Uint32(b[16:])
	return EndpointContext{
		State:            uint8(dw0 & 0x7),
		Interval:         uint8(dw0 >> 16),
		ErrorCount:       uint8(dw1 >> 1 & 0x3),
		Type:             uint8(dw1 >> 3 & 0x7),
		MaxBurst:         uint8(dw1 >> 8),
		MaxPacket:        uint16(dw1 >> 16),
		DequeuePointer:   binary.LittleEndian.Uint64(b[8:]),
		AverageTRBLength: uint16(dw4),
		MaxESITPayload:   uint16(dw4 >> 16),
	}
}

// Input control context offsets: the drop-flags dword and the add-flags
// dword, followed by dword 7 which carries the configuration value on
// Configure Endpoint.
const (
	inputDropFlags   = 0x00
	inputAddFlags    = 0x04
	inputConfigValue = 0x1c
)

// initializeSlot allocates the device context block for a port's slot,
// publishes it in the device context base address array and fills in
// the slot context plus the default control endpoint.
func (c *Controller) initializeSlot(port int, speed int, maxPacket int) error {
	p := &c.ports[port]
	devCtx, err := c.mem.Alloc(c.contextSize*32, ringAlign)
	if err != nil {
		return errors.Wrap(err, "device context allocation")
	}
	binary.LittleEndian.PutUint64(c.dcbaa.Bytes()[p.SlotID*8:], devCtx.Phys())
	p.deviceCtx = devCtx

	slot := SlotContext{
		Entries:     1,
		Speed:       uint8(speed),
		RootHubPort: uint8(port + 1),
	}
	slot.Encode(devCtx.Bytes()[0:c.contextSize])

	return c.initializeEndpoint(port, epControl, EndpointContext{
		ErrorCount: 3,
		Type:       epTypeControl,
		MaxPacket:  uint16(maxPacket),
	})
}

// initializeEndpoint allocates a transfer ring for one endpoint and
// writes its context at the endpoint's device context index.
func (c *Controller) initializeEndpoint(port int, dci int, ep EndpointContext) error {
	p := &c.ports[port]
	ring, err := NewRing(c.mem, transferRingSlots)
	if err != nil {
		return errors.Wrapf(err, "transfer ring for endpoint %d", dci)
	}
	p.endpoints[dci] = ring

	ep.DequeuePointer = ring.Base() | uint64(ring.Cycle())
	if ep.ErrorCount == 0 {
		ep.ErrorCount = 3
	}
	if ep.AverageTRBLength == 0 {
		ep.AverageTRBLength = 8
	}
	ep.Encode(p.deviceCtx.Bytes()[dci*c.contextSize:])
	return nil
}

// setAddress issues an Address Device command for the port's slot. With
// block set the controller prepares the slot without sending the
// SET_ADDRESS request; devices fresh out of reset need that breather
// before they will answer on their new address.
func (c *Controller) setAddress(port int, block bool) error {
	p := &c.ports[port]
	in, err := c.mem.Alloc(c.contextSize*33, ringAlign)
	if err != nil {
		return errors.Wrap(err, "input context allocation")
	}
	defer c.mem.Free(in)

	binary.LittleEndian.PutUint32(in.Bytes()[inputAddFlags:], 0x3) // slot + EP0
	ctx := c.contextSize
	copy(in.Bytes()[ctx:2*ctx], p.deviceCtx.Bytes()[0:ctx])
	copy(in.Bytes()[2*ctx:3*ctx], p.deviceCtx.Bytes()[ctx:2*ctx])

	cmd := TRB{
		Parameter: in.Phys(),
		Control:   uint32(TRBAddressDevice)<<trbTypeShift | uint32(p.SlotID)<<trbSlotShift,
	}
	if block {
		cmd.Control |= trbBSR
	}
	res, err := c.sendCommand(cmd)
	if err != nil {
		return errors.Wrapf(err, "address device, slot %d", p.SlotID)
	}
	if code := res.CompletionCode(); code != CompSuccess {
		return errors.Newf("address device failed for slot %d: completion code %d", p.SlotID, code)
	}
	level.Debug(c.logger).Log("msg", "slot addressed", "port", port, "slot", p.SlotID, "blocked", block)
	return nil
}

// configureEndpoint sets up one additional endpoint on an addressed
// device and issues the Configure Endpoint command.
func (c *Controller) configureEndpoint(port int, dci int, ep EndpointContext, configValue uint8) error {
	p := &c.ports[port]
	if dci <= epControl || dci >= 32 {
		return errors.Newf("endpoint context index %d out of range", dci)
	}
	if err := c.initializeEndpoint(port, dci, ep); err != nil {
		return err
	}

	in, err := c.mem.Alloc(c.contextSize*33, ringAlign)
	if err != nil {
		return errors.Wrap(err, "input context allocation")
	}
	defer c.mem.Free(in)

	binary.LittleEndian.PutUint32(in.Bytes()[inputAddFlags:], 1<<dci|1)
	binary.LittleEndian.PutUint32(in.Bytes()[inputConfigValue:], uint32(configValue))

	ctx := c.contextSize
	slot := DecodeSlotContext(p.deviceCtx.Bytes()[0:ctx])
	if slot.Entries < uint8(dci) {
		slot.Entries = uint8(dci)
		slot.Encode(p.deviceCtx.Bytes()[0:ctx])
	}
	copy(in.Bytes()[ctx:2*ctx], p.deviceCtx.Bytes()[0:ctx])
	copy(in.Bytes()[(dci+1)*ctx:(dci+2)*ctx], p.deviceCtx.Bytes()[dci*ctx:(dci+1)*ctx])

	cmd := TRB{
		Parameter: in.Phys(),
		Control:   uint32(TRBConfigureEndpoint)<<trbTypeShift | uint32(p.SlotID)<<trbSlotShift,
	}
	res, err := c.sendCommand(cmd)
	if err != nil {
		return errors.Wrapf(err, "configure endpoint %d, slot %d", dci, p.SlotID)
	}
	if code := res.CompletionCode(); code != CompSuccess {
		return errors.Newf("configure endpoint %d failed for slot %d: completion code %d", dci, p.SlotID, code)
	}
	level.Debug(c.logger).Log("msg", "endpoint configured", "port", port, "slot", p.SlotID, "dci", dci)
	return nil
}
