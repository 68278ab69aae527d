// SPDX-License-Identifier: GPL-2.0-only

// Package hw declares the platform capabilities the driver consumes:
// PCI function discovery and configuration-space access, BAR mapping,
// and interrupt delivery. Implementations for Linux sysfs live here;
// tests substitute their own.
package hw

import "github.com/hostfission/xhcid/mmio"

// ConfigSpace reads and writes 32-bit dwords in one PCI function's
// configuration space. Offsets are byte offsets and must be 4-aligned.
type ConfigSpace interface {
	ReadConfig(offset int) uint32
	WriteConfig(offset int, value uint32)
}

// Standard and xHCI-specific configuration-space offsets.
const (
	CfgVendorDevice  = 0x00
	CfgCommand       = 0x04
	CfgRevisionClass = 0x08
	CfgBAR0          = 0x10
	CfgFLADJ         = 0x60 // dword containing the frame-length adjustment byte
)

// Command-register bits the driver enables before touching the BAR.
const (
	CmdMemorySpace = 1 << 1
	CmdBusMaster   = 1 << 2
)

// ClassXHCI is the 24-bit class code of an xHCI USB host controller
// (serial bus / USB / xHCI programming interface).
const ClassXHCI = 0x0c0330

// Device describes one PCI function hosting an xHCI controller.
type Device struct {
	// Address is the function's bus address, e.g. "0000:00:14.0".
	Address  string
	VendorID uint16
	DeviceID uint16
	Revision uint8
	// Class is the 24-bit class code.
	Class uint32
	// BAR0 is the raw register value; callers mask the low flag bits
	// before mapping.
	BAR0   uint64
	Config ConfigSpace
}

// RegionMapper maps one BAR window into driver-visible registers.
type RegionMapper interface {
	Map(phys uint64, size int) (mmio.Backend, error)
	Unmap(mmio.Backend) error
}

// InterruptSource delivers controller interrupts. Handlers must tolerate
// spurious invocation; polling implementations deliver unconditionally.
type InterruptSource interface {
	Register(vector uint8, controllerID int, handler func()) error
	Close() error
}

// Bus discovers xHCI functions on the host.
type Bus interface {
	Discover() ([]*Device, error)
}
