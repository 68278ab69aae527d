// SPDX-License-Identifier: GPL-2.0-only

package xhci

import (
	"fmt"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"

	"github.com/hostfission/xhcid/dma"
)

// transferDone marks a completion status word the event handler has
// filled in. Bits 30:24 carry the completion code, bits 23:0 the
// residual length; bit 31 is unused by hardware and owned by software.
const transferDone = 1 << 31

// statusBufferAlign is the alignment of the 4-byte completion word each
// transfer descriptor reports into; the controller requires event-data
// pointers on a 16-byte boundary.
const statusBufferAlign = 16

// setupStage queues the Setup TRB carrying the 8-byte request packet
// immediate, tagged with the transfer type so the controller knows
// whether and where data stages follow.
func (r *Ring) setupStage(req Request, trt uint32) {
	r.Enqueue(TRB{
		Parameter: uint64(req.Type) | uint64(req.Request)<<8 | uint64(req.Value)<<16 |
			uint64(req.Index)<<32 | uint64(req.Length)<<48,
		Status:  8,
		Control: trbIDT | uint32(TRBSetupStage)<<trbTypeShift | trt<<trbTRTShift,
	})
}

// dataStage splits a transfer into ceil(size/maxPacket) chained TRBs
// whose lengths sum to size, with the TD-size field counting the packets
// still ahead, and closes the descriptor with an Event Data TRB that
// reports completion into the status buffer.
func (r *Ring) dataStage(buf *dma.Buffer, size int, maxPacket int, dir uint32, status *dma.Buffer) {
	remaining := size
	packets := (size + maxPacket - 1) / maxPacket
	phys := buf.Phys()
	typ := TRBDataStage
	for remaining > 0 {
		packets--
		n := maxPacket
		if remaining < maxPacket {
			n = remaining
		}
		t := TRB{
			Parameter: phys,
			Status:    uint32(n) | uint32(packets&0x1f)<<trbTDSizeShift,
			Control:   trbChain | uint32(typ)<<trbTypeShift,
		}
		if typ == TRBDataStage {
			t.Control |= dir << trbDirShift
		}
		if packets == 0 {
			t.Control |= trbENT
		}
		r.Enqueue(t)
		phys += uint64(n)
		remaining -= n
		typ = TRBNormal
	}
	r.Enqueue(TRB{
		Parameter: status.Phys(),
		Control:   trbIOC | uint32(TRBEventData)<<trbTypeShift,
	})
}

// statusStage queues the zero-length handshake in the given direction,
// followed by its own Event Data TRB.
func (r *Ring) statusStage(dir uint32, status *dma.Buffer) {
	r.Enqueue(TRB{
		Control: trbIOC | uint32(TRBStatusStage)<<trbTypeShift | dir<<trbDirShift,
	})
	r.Enqueue(TRB{
		Parameter: status.Phys(),
		Control:   trbIOC | uint32(TRBEventData)<<trbTypeShift,
	})
}

// waitForTransfer polls the status buffer for the done flag the event
// handler raises, then maps the completion code. Short packets are
// success; control transfers routinely ask for more than the device
// answers with.
func (c *Controller) waitForTransfer(status *dma.Buffer) error {
	if !poll(c.timings.TransferInterval, c.timings.TransferAttempts, func() bool {
		return dma.LoadUint32(status.Bytes())&transferDone != 0
	}) {
		c.metrics.transferTimeouts.Inc()
		return errors.Wrap(ErrTimeout, "transfer completion")
	}
	st := dma.LoadUint32(status.Bytes())
	switch code := uint8(st >> 24 & 0x7f); code {
	case CompSuccess, CompShortPacket:
		return nil
	case CompStallError, CompDataBufferError, CompBabbleDetected:
		c.metrics.transferErrors.Inc()
		return errors.Wrapf(ErrInvalidTransfer, "completion code %d", code)
	default:
		c.metrics.transferErrors.Inc()
		return errors.Newf("transfer failed: completion code %d", code)
	}
}

// controlIn runs an IN control transfer on the port's default endpoint
// and copies the device's answer into out. A zero-length request skips
// the data stage.
func (c *Controller) controlIn(port int, req Request, out []byte, maxPacket int) error {
	p := &c.ports[port]
	ring := p.endpoints[epControl]
	if ring == nil {
		return errors.Newf("port %d has no control endpoint", port)
	}

	status, err := c.mem.Alloc(statusBufferAlign, statusBufferAlign)
	if err != nil {
		return errors.Wrap(err, "status buffer allocation")
	}
	defer c.mem.Free(status)

	var data *dma.Buffer
	if req.Length > 0 {
		data, err = c.mem.Alloc(int(req.Length), statusBufferAlign)
		if err != nil {
			return errors.Wrap(err, "data buffer allocation")
		}
		defer c.mem.Free(data)
		ring.setupStage(req, trtInData)
		ring.dataStage(data, int(req.Length), maxPacket, dirIn, status)
	} else {
		ring.setupStage(req, trtNoData)
	}

	// The conformant flow rings per stage; controllers with the deferred
	// quirk only resolve the transfer once the status stage is queued.
	if c.quirks&QuirkDeferredDoorbell == 0 {
		c.ringDoorbell(p.SlotID, epControl)
		if err := c.waitForTransfer(status); err != nil {
			return err
		}
		dma.StoreUint32(status.Bytes(), 0)
	}

	ring.statusStage(dirOut, status)
	c.ringDoorbell(p.SlotID, epControl)
	if err := c.waitForTransfer(status); err != nil {
		return err
	}

	if data != nil {
		copy(out, data.Bytes())
	}
	return nil
}

// controlOut runs an OUT control transfer, sending payload after the
// setup packet when non-empty.
func (c *Controller) controlOut(port int, req Request, payload []byte, maxPacket int) error {
	p := &c.ports[port]
	ring := p.endpoints[epControl]
	if ring == nil {
		return errors.Newf("port %d has no control endpoint", port)
	}

	status, err := c.mem.Alloc(statusBufferAlign, statusBufferAlign)
	if err != nil {
		return errors.Wrap(err, "status buffer allocation")
	}
	defer c.mem.Free(status)

	if len(payload) > 0 {
		data, err := c.mem.Alloc(len(payload), statusBufferAlign)
		if err != nil {
			return errors.Wrap(err, "data buffer allocation")
		}
		defer c.mem.Free(data)
		copy(data.Bytes(), payload)
		ring.setupStage(req, trtOutData)
		ring.dataStage(data, len(payload), maxPacket, dirOut, status)
	} else {
		ring.setupStage(req, trtNoData)
	}

	if c.quirks&QuirkDeferredDoorbell == 0 {
		c.ringDoorbell(p.SlotID, epControl)
		if err := c.waitForTransfer(status); err != nil {
			return err
		}
		dma.StoreUint32(status.Bytes(), 0)
	}

	ring.statusStage(dirIn, status)
	c.ringDoorbell(p.SlotID, epControl)
	return c.waitForTransfer(status)
}

// getDeviceDescriptor enumerates the freshly reset device on a port:
// enable a slot, build its contexts, address it in two steps and read
// the 18-byte device descriptor.
func (c *Controller) getDeviceDescriptor(port int) (*DeviceDescriptor, error) {
	p := &c.ports[port]
	speed := c.portSpeed(port)
	maxPacket := defaultMaxPacket(speed)

	res, err := c.sendCommand(TRB{Control: uint32(TRBEnableSlot) << trbTypeShift})
	if err != nil {
		return nil, errors.Wrapf(err, "enable slot for port %d", port)
	}
	if code := res.CompletionCode(); code != CompSuccess {
		return nil, errors.Newf("enable slot failed for port %d: completion code %d", port, code)
	}
	slotID := int(res.SlotID())
	if slotID == 0 || slotID > c.maxSlots {
		return nil, errors.Newf("controller assigned invalid slot %d for port %d", slotID, port)
	}
	p.SlotID = slotID

	if err := c.initializeSlot(port, speed, maxPacket); err != nil {
		return nil, err
	}
	// Address in two steps: first with the SET_ADDRESS request blocked so
	// the device gets its recovery interval, then for real.
	if err := c.setAddress(port, true); err != nil {
		return nil, err
	}
	if err := c.setAddress(port, false); err != nil {
		return nil, err
	}

	buf := make([]byte, 18)
	req := Request{
		Type:    reqDeviceToHost,
		Request: reqGetDescriptor,
		Value:   dtDevice << 8,
		Length:  18,
	}
	if err := c.controlIn(port, req, buf, maxPacket); err != nil {
		return nil, errors.Wrapf(err, "device descriptor for port %d", port)
	}
	var d DeviceDescriptor
	if err := decodeDescriptor(buf, &d); err != nil {
		return nil, errors.Wrap(err, "device descriptor decode")
	}
	_ = c.logger.Log("msg", "usb device found",
		"port", port,
		"slot", slotID,
		"vendor", fmt.Sprintf("%04x", d.VendorID),
		"product", fmt.Sprintf("%04x", d.ProductID),
		"class", d.Class,
		"max_packet", d.MaxPacketSize0,
		"configurations", d.NumConfigurations,
	)
	return &d, nil
}

// configurePort reads the device's configuration, and for HID devices
// selects the configuration, sets up the first interrupt endpoint,
// issues Set-Idle and fetches the report descriptor.
func (c *Controller) configurePort(port int) error {
	p := &c.ports[port]
	if p.Device == nil {
		return errors.Newf("port %d has no enumerated device", port)
	}
	maxPacket := int(p.Device.MaxPacketSize0)

	head := make([]byte, 9)
	if err := c.controlIn(port, Request{
		Type:    reqDeviceToHost,
		Request: reqGetDescriptor,
		Value:   dtConfiguration << 8,
		Length:  9,
	}, head, maxPacket); err != nil {
		return errors.Wrapf(err, "configuration header for port %d", port)
	}
	var conf ConfigurationDescriptor
	if err := decodeDescriptor(head, &conf); err != nil {
		return errors.Wrap(err, "configuration header decode")
	}
	if conf.TotalLength < 9 {
		return errors.Newf("configuration announces %d bytes", conf.TotalLength)
	}

	full := make([]byte, conf.TotalLength)
	if err := c.controlIn(port, Request{
		Type:    reqDeviceToHost,
		Request: reqGetDescriptor,
		Value:   dtConfiguration << 8,
		Length:  conf.TotalLength,
	}, full, maxPacket); err != nil {
		return errors.Wrapf(err, "full configuration for port %d", port)
	}

	ifd, err := findInterface(full, 0)
	if err != nil {
		return err
	}
	if ifd.Class != usbClassHID {
		level.Debug(c.logger).Log("msg", "interface 0 is not HID; leaving device unconfigured", "port", port, "class", ifd.Class)
		return nil
	}

	epd, err := findEndpoint(full, ifd.Number, 0)
	if err != nil {
		return err
	}

	if err := c.controlOut(port, Request{
		Type:    reqHostToDevice,
		Request: reqSetConfiguration,
		Value:   uint16(conf.Value),
	}, nil, maxPacket); err != nil {
		return errors.Wrapf(err, "set configuration for port %d", port)
	}

	epType := uint8(epTypeInterruptOut)
	if epd.IsInput() {
		epType = epTypeInterruptIn
	}
	if err := c.configureEndpoint(port, epd.ContextIndex(), EndpointContext{
		Type:      epType,
		Interval:  epd.Interval,
		MaxBurst:  epd.MaxBurst(),
		MaxPacket: epd.MaxPacket(),
	}, conf.Value); err != nil {
		return err
	}

	if err := c.controlOut(port, Request{
		Type:    reqClassToInterface,
		Request: reqSetIdle,
		Index:   uint16(ifd.Number),
	}, nil, maxPacket); err != nil {
		return errors.Wrapf(err, "set idle for port %d", port)
	}

	hid, err := findHID(full)
	if err != nil {
		return err
	}
	report := make([]byte, hid.ReportLength)
	if err := c.controlIn(port, Request{
		Type:    reqInterfaceToHost,
		Request: reqGetDescriptor,
		Value:   dtHIDReport << 8,
		Index:   uint16(ifd.Number),
		Length:  hid.ReportLength,
	}, report, maxPacket); err != nil {
		return errors.Wrapf(err, "hid report descriptor for port %d", port)
	}
	level.Debug(c.logger).Log("msg", "hid device configured", "port", port, "report_bytes", hid.ReportLength, "endpoint_dci", epd.ContextIndex())
	return nil
}
