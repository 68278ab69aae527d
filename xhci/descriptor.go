// SPDX-License-Identifier: GPL-2.0-only

package xhci

import (
	"bytes"
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

// Standard request packet, the 8-byte SETUP payload.
type Request struct {
	Type    uint8
	Request uint8
	Value   uint16
	Index   uint16
	Length  uint16
}

// bmRequestType values used by the driver.
const (
	reqDeviceToHost     = 0x80
	reqHostToDevice     = 0x00
	reqInterfaceToHost  = 0x81
	reqClassToInterface = 0x21
)

// Standard and HID request codes.
const (
	reqGetDescriptor    = 6
	reqSetConfiguration = 9
	reqSetIdle          = 0x0a
)

// Descriptor type tags.
const (
	dtDevice        = 1
	dtConfiguration = 2
	dtString        = 3
	dtInterface     = 4
	dtEndpoint      = 5
	dtHID           = 0x21
	dtHIDReport     = 0x22
)

// usbClassHID is the interface class of human-interface devices.
const usbClassHID = 3

// DeviceDescriptor is the 18-byte standard device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	Class             uint8
	SubClass          uint8
	Protocol          uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialIndex       uint8
	NumConfigurations uint8
}

// ConfigurationDescriptor is the 9-byte configuration header. The full
// configuration blob it announces through TotalLength also carries the
// interface, endpoint and class descriptors.
type ConfigurationDescriptor struct {
	Length         uint8
	DescriptorType uint8
	TotalLength    uint16
	NumInterfaces  uint8
	Value          uint8
	Index          uint8
	Attributes     uint8
	MaxPower       uint8
}

type InterfaceDescriptor struct {
	Length         uint8
	DescriptorType uint8
	Number         uint8
	AltSetting     uint8
	NumEndpoints   uint8
	Class          uint8
	SubClass       uint8
	Protocol       uint8
	Index          uint8
}

type EndpointDescriptor struct {
	Length         uint8
	DescriptorType uint8
	Address        uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8
}

// HIDDescriptor is the class descriptor HID interfaces embed in the
// configuration blob, announcing the report descriptor's size.
type HIDDescriptor struct {
	Length         uint8
	DescriptorType uint8
	HIDVersion     uint16
	CountryCode    uint8
	NumDescriptors uint8
	ReportType     uint8
	ReportLength   uint16
}

func decodeDescriptor(b []byte, out interface{}) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, out)
}

// MaxPacket strips the transaction-opportunity bits some high-speed
// devices fold into the packet size field.
func (e EndpointDescriptor) MaxPacket() uint16 {
	return e.MaxPacketSize & 0x7ff
}

// MaxBurst returns the additional transaction opportunities per
// microframe encoded in bits 12:11.
func (e EndpointDescriptor) MaxBurst() uint8 {
	return uint8(e.MaxPacketSize >> 11 & 0x3)
}

// IsInput reports the endpoint's direction from the address field.
func (e EndpointDescriptor) IsInput() bool {
	return e.Address&0x80 != 0
}

// ContextIndex returns the endpoint's device context index: endpoint
// number doubled, plus one for input endpoints.
func (e EndpointDescriptor) ContextIndex() int {
	dci := int(e.Address&0xf) * 2
	if e.IsInput() {
		dci++
	}
	return dci
}

// walkConfiguration iterates the (length, type) records of a full
// configuration blob, calling visit with each record's type and bytes.
// visit returns true to stop.
func walkConfiguration(conf []byte, visit func(dt uint8, rec []byte) bool) error {
	off := 0
	for off+2 <= len(conf) {
		length := int(conf[off])
		if length < 2 || off+length > len(conf) {
			return errors.Newf("malformed configuration blob at offset %d", off)
		}
		if visit(conf[off+1], conf[off:off+length]) {
			return nil
		}
		off += length
	}
	return nil
}

// findInterface locates the numbered interface descriptor inside a full
// configuration blob.
func findInterface(conf []byte, number uint8) (InterfaceDescriptor, error) {
	var found *InterfaceDescriptor
	err := walkConfiguration(conf, func(dt uint8, rec []byte) bool {
		if dt != dtInterface || len(rec) < 9 {
			return false
		}
		var ifd InterfaceDescriptor
		if decodeDescriptor(rec[:9], &ifd) != nil {
			return false
		}
		if ifd.Number == number {
			found = &ifd
			return true
		}
		return false
	})
	if err != nil {
		return InterfaceDescriptor{}, err
	}
	if found == nil {
		return InterfaceDescriptor{}, errors.Newf("interface %d not present in configuration", number)
	}
	return *found, nil
}

// findEndpoint locates the index-th endpoint descriptor following the
// numbered interface.
func findEndpoint(conf []byte, ifNumber uint8, index int) (EndpointDescriptor, error) {
	var found *EndpointDescriptor
	inInterface := false
	seen := 0
	err := walkConfiguration(conf, func(dt uint8, rec []byte) bool {
		switch dt {
		case dtInterface:
			if len(rec) < 9 {
				return false
			}
			inInterface = rec[2] == ifNumber
		case dtEndpoint:
			if !inInterface || len(rec) < 7 {
				return false
			}
			if seen == index {
				var epd EndpointDescriptor
				if decodeDescriptor(rec[:7], &epd) != nil {
					return false
				}
				found = &epd
				return true
			}
			seen++
		}
		return false
	})
	if err != nil {
		return EndpointDescriptor{}, err
	}
	if found == nil {
		return EndpointDescriptor{}, errors.Newf("endpoint %d of interface %d not present in configuration", index, ifNumber)
	}
	return *found, nil
}

// findHID locates the HID class descriptor inside a full configuration
// blob.
func findHID(conf []byte) (HIDDescriptor, error) {
	var found *HIDDescriptor
	err := walkConfiguration(conf, func(dt uint8, rec []byte) bool {
		if dt != dtHID || len(rec) < 9 {
			return false
		}
		var hid HIDDescriptor
		if decodeDescriptor(rec[:9], &hid) != nil {
			return false
		}
		found = &hid
		return true
	})
	if err != nil {
		return HIDDescriptor{}, err
	}
	if found == nil {
		return HIDDescriptor{}, errors.New("no HID descriptor in configuration")
	}
	return *found, nil
}
