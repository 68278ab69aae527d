// SPDX-License-Identifier: GPL-2.0-only

package hw

import (
	"encoding/binary"
	baseerrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// sysfsBus scans a /sys/bus/pci/devices-shaped tree for xHCI functions.
// The tree is injected as an fs.FS so discovery is testable without
// hardware; config-space writes go through OpenConfigSpace separately.
type sysfsBus struct {
	fsys   fs.FS
	logger log.Logger
}

func NewSysfsBus(fsys fs.FS, logger log.Logger) Bus {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &sysfsBus{fsys: fsys, logger: logger}
}

func (b *sysfsBus) readAttribute(addr string, attributeName string) (string, error) {
	content, err := fs.ReadFile(b.fsys, addr+"/"+attributeName)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (b *sysfsBus) readHexAttribute(addr string, attributeName string) (uint64, error) {
	attrStr, err := b.readAttribute(addr, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint64 = 0
	_, err = fmt.Sscanf(attrStr, "0x%x", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse device attribute %s", attributeName)
	}
	return result, nil
}

// readBAR0 parses the first line of the sysfs resource file, which lists
// start, end and flags of BAR0.
func (b *sysfsBus) readBAR0(addr string) (uint64, error) {
	content, err := b.readAttribute(addr, "resource")
	if err != nil {
		return 0, err
	}
	lines := strings.Split(content, "\n")
	if len(lines) == 0 {
		return 0, errors.Newf("empty resource file for %s", addr)
	}
	var start, end, flags uint64
	_, err = fmt.Sscanf(lines[0], "0x%x 0x%x 0x%x", &start, &end, &flags)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse resource line for %s", addr)
	}
	return start, nil
}

func (b *sysfsBus) describeFunction(addr string) (*Device, error) {
	class, classErr := b.readHexAttribute(addr, "class")
	vendor, vendErr := b.readHexAttribute(addr, "vendor")
	device, devErr := b.readHexAttribute(addr, "device")
	revision, revErr := b.readHexAttribute(addr, "revision")

	totalErr := baseerrors.Join(classErr, vendErr, devErr, revErr)
	if totalErr != nil {
		return nil, errors.Wrapf(totalErr, "failed to describe function %s", addr)
	}

	bar0, err := b.readBAR0(addr)
	if err != nil {
		return nil, err
	}

	return &Device{
		Address:  addr,
		VendorID: uint16(vendor),
		DeviceID: uint16(device),
		Revision: uint8(revision),
		Class:    uint32(class),
		BAR0:     bar0,
	}, nil
}

func (b *sysfsBus) Discover() ([]*Device, error) {
	entries, err := fs.ReadDir(b.fsys, ".")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pci sysdir")
	}

	var found []*Device
	for _, entry := range entries {
		addr := entry.Name()
		class, err := b.readHexAttribute(addr, "class")
		if err != nil {
			level.Debug(b.logger).Log("msg", "skipping function without class attribute", "pci", addr, "err", err)
			continue
		}
		if uint32(class) != ClassXHCI {
			continue
		}
		dev, err := b.describeFunction(addr)
		if err != nil {
			return nil, err
		}
		_ = b.logger.Log("msg", "found xHCI function", "pci", addr, "vendor", fmt.Sprintf("%04x", dev.VendorID), "device", fmt.Sprintf("%04x", dev.DeviceID))
		found = append(found, dev)
	}
	return found, nil
}

// FileConfigSpace accesses configuration space through the sysfs config
// file of one function.
type FileConfigSpace struct {
	f *os.File
}

func OpenConfigSpace(path string) (*FileConfigSpace, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open config space %s", path)
	}
	return &FileConfigSpace{f: f}, nil
}

func (c *FileConfigSpace) ReadConfig(offset int) uint32 {
	var buf [4]byte
	if _, err := c.f.ReadAt(buf[:], int64(offset)); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (c *FileConfigSpace) WriteConfig(offset int, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	_, _ = c.f.WriteAt(buf[:], int64(offset))
}

func (c *FileConfigSpace) Close() error {
	return c.f.Close()
}
