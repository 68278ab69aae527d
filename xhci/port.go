// SPDX-License-Identifier: GPL-2.0-only

package xhci

import (
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"

	"github.com/hostfission/xhcid/dma"
	"github.com/hostfission/xhcid/mmio"
)

// Protocol classifies a root-hub port by the supported-protocol
// capability covering it.
type Protocol uint8

const (
	ProtocolUnknown Protocol = 0
	ProtocolUSB2    Protocol = 2
	ProtocolUSB3    Protocol = 3
)

func (p Protocol) String() string {
	switch p {
	case ProtocolUSB2:
		return "usb2"
	case ProtocolUSB3:
		return "usb3"
	}
	return "unknown"
}

// Port is the driver's state for one root-hub port.
type Port struct {
	Protocol Protocol
	// HighSpeedOnly is the HSO flag of the port's protocol capability.
	HighSpeedOnly bool
	// Paired marks a port sharing its physical connector with a port of
	// the other protocol; Pair is that port's index.
	Paired bool
	Pair   int
	// Active marks the port the driver drives for its connector.
	Active bool
	// Offset is the port's zero-based position within its protocol group.
	Offset int
	// SlotID is the device slot the controller assigned, 0 if none.
	SlotID int
	// Device is the attached device's descriptor once read.
	Device *DeviceDescriptor

	deviceCtx *dma.Buffer
	endpoints [32]*Ring
}

// Extended capability ids.
const (
	xcapLegacy   = 1
	xcapProtocol = 2
)

// Legacy support capability bits.
const (
	legacyBIOSOwned = 1 << 16
	legacyOSOwned   = 1 << 24
)

// protocolHSO marks a protocol range carrying high-speed-only ports.
const protocolHSO = 1 << 1

// protocolRange is one supported-protocol capability entry: a run of
// ports speaking one protocol version.
type protocolRange struct {
	major  int
	offset int // zero-based first port
	count  int
	flags  uint16
}

// walkExtendedCapabilities calls visit with the capability-space offset
// and first dword of every extended capability. visit returns true to
// stop the walk.
func walkExtendedCapabilities(caps *mmio.Window, listOff uint32, visit func(off uint32, dw0 uint32) bool) {
	for off := listOff; off != 0; {
		dw0 := caps.Read32(off)
		if visit(off, dw0) {
			return
		}
		next := dw0 >> 8 & 0xff
		if next == 0 {
			return
		}
		off += next << 2
	}
}

// readProtocolRanges collects the supported-protocol entries from the
// extended capability list.
func readProtocolRanges(caps *mmio.Window, listOff uint32) []protocolRange {
	var ranges []protocolRange
	walkExtendedCapabilities(caps, listOff, func(off uint32, dw0 uint32) bool {
		if dw0&0xff != xcapProtocol {
			return false
		}
		major := int(dw0 >> 24)
		if major != 2 && major != 3 {
			return false
		}
		dw2 := caps.Read32(off + 8)
		ranges = append(ranges, protocolRange{
			major:  major,
			offset: int(dw2&0xff) - 1,
			count:  int(dw2 >> 8 & 0xff),
			flags:  uint16(dw2 >> 16 & 0xfff),
		})
		return false
	})
	return ranges
}

// classifyPorts tags each port with its protocol and its position
// within that protocol's group.
func classifyPorts(ports []Port, ranges []protocolRange) {
	nextOffset := map[int]int{}
	for _, r := range ranges {
		for i := 0; i < r.count; i++ {
			idx := r.offset + i
			if idx < 0 || idx >= len(ports) {
				continue
			}
			p := &ports[idx]
			p.Offset = nextOffset[r.major]
			nextOffset[r.major]++
			switch r.major {
			case 2:
				p.Protocol = ProtocolUSB2
				p.HighSpeedOnly = r.flags&protocolHSO != 0
			case 3:
				p.Protocol = ProtocolUSB3
			}
		}
	}
}

// pairPorts links the USB2 and USB3 ports sharing a physical connector:
// same offset within their protocol group, different protocol.
func pairPorts(ports []Port) {
	for i := range ports {
		for j := i + 1; j < len(ports); j++ {
			if ports[i].Protocol == ProtocolUnknown || ports[j].Protocol == ProtocolUnknown {
				continue
			}
			if ports[i].Offset == ports[j].Offset && ports[i].Protocol != ports[j].Protocol {
				ports[i].Paired, ports[i].Pair = true, j
				ports[j].Paired, ports[j].Pair = true, i
			}
		}
	}
}

// applyActivationPolicy picks the initially driven port per connector:
// every USB3 port, and any USB2 port without a USB3 companion.
func applyActivationPolicy(ports []Port) {
	for i := range ports {
		p := &ports[i]
		switch p.Protocol {
		case ProtocolUSB3:
			p.Active = true
		case ProtocolUSB2:
			p.Active = !p.Paired
		}
	}
}

// PORTSC register bits.
const (
	portConnect     = 1 << 0
	portEnabled     = 1 << 1
	portReset       = 1 << 4
	portPower       = 1 << 9
	portSpeedShift  = 10
	portResetChange = 1 << 21
	portWarmReset   = 1 << 31

	// write-1-to-clear change bits: connect, enable, warm-reset, reset,
	// link-state
	portChangeBits = 1<<17 | 1<<18 | 1<<20 | 1<<21 | 1<<22
)

// Port register sets start at 0x400 in the operational window, 16 bytes
// each; PORTSC is the first register of the set.
const (
	portRegisterBase   = 0x400
	portRegisterStride = 16
)

func (c *Controller) readPortSC(port int) uint32 {
	return c.op.Read32(portRegisterBase + uint32(port)*portRegisterStride)
}

func (c *Controller) writePortSC(port int, v uint32) {
	c.op.Write32(portRegisterBase+uint32(port)*portRegisterStride, v)
}

// portSpeed returns the speed field of a connected port.
func (c *Controller) portSpeed(port int) int {
	return int(c.readPortSC(port) >> portSpeedShift & 0xf)
}

// connected reports whether a device is present on the port.
func (c *Controller) connected(port int) bool {
	return c.readPortSC(port)&portConnect != 0
}

// resetPort powers the port on if needed and drives the reset sequence:
// clear stale change bits, assert warm or plain reset by protocol, wait
// for the reset-change latch within the configured budget, then verify
// the port came back enabled. It reports the outcome and touches no
// activation flags; companion-port bookkeeping is the prober's job.
func (c *Controller) resetPort(port int) error {
	p := &c.ports[port]
	c.metrics.portResets.Inc()

	if c.readPortSC(port)&portPower == 0 {
		c.writePortSC(port, portPower)
		if !poll(c.timings.PortPowerInterval, c.timings.PortPowerAttempts, func() bool {
			return c.readPortSC(port)&portPower != 0
		}) {
			return errors.Wrapf(ErrTimeout, "port %d refused power", port)
		}
	}

	c.writePortSC(port, portPower|portChangeBits)

	resetBit := uint32(portReset)
	if p.Protocol == ProtocolUSB3 {
		resetBit = portWarmReset
	}
	c.writePortSC(port, portPower|resetBit)

	done := poll(c.timings.PortResetInterval, c.timings.PortResetAttempts, func() bool {
		v := c.readPortSC(port)
		if v&portResetChange != 0 {
			return true
		}
		// Some emulated controllers never latch the change bit and only
		// clear the reset bit itself.
		return c.quirks&QuirkResetSelfClear != 0 && v&resetBit == 0
	})
	if !done {
		c.metrics.portResetFailures.Inc()
		return errors.Wrapf(ErrTimeout, "port %d reset did not complete", port)
	}

	time.Sleep(c.timings.PortResetRecovery)

	if c.readPortSC(port)&portEnabled == 0 {
		c.metrics.portResetFailures.Inc()
		return errors.Newf("port %d not enabled after reset", port)
	}
	c.writePortSC(port, portPower|portChangeBits)
	return nil
}

// probePorts resets and enumerates the active ports, USB3 before USB2
// so SuperSpeed-capable devices train at their native speed. Reset
// outcomes settle each shared connector on one protocol: a USB3 port
// that fails yields its connector to the USB2 companion, and a USB2
// port that succeeds silences its USB3 companion.
func (c *Controller) probePorts() {
	started := 0
	for _, proto := range []Protocol{ProtocolUSB3, ProtocolUSB2} {
		for i := range c.ports {
			p := &c.ports[i]
			if p.Protocol != proto || !p.Active {
				continue
			}
			if !c.connected(i) {
				continue
			}
			if err := c.resetPort(i); err != nil {
				level.Debug(c.logger).Log("msg", "port reset failed", "port", i, "protocol", proto, "err", err)
				if proto == ProtocolUSB3 && p.Paired {
					p.Active = false
					c.ports[p.Pair].Active = true
				}
				continue
			}
			if proto == ProtocolUSB2 && p.Paired {
				c.ports[p.Pair].Active = false
			}

			dev, err := c.getDeviceDescriptor(i)
			if err != nil {
				level.Warn(c.logger).Log("msg", "device enumeration failed", "port", i, "err", err)
				continue
			}
			p.Device = dev
			if err := c.configurePort(i); err != nil {
				level.Warn(c.logger).Log("msg", "device configuration failed", "port", i, "err", err)
				continue
			}
			started++
		}
	}
	_ = c.logger.Log("msg", "root hub ports probed", "started", started)
}
