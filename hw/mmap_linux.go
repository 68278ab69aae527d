// SPDX-License-Identifier: GPL-2.0-only

//go:build linux

package hw

import (
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"

	"github.com/hostfission/xhcid/mmio"
)

// mmapBackend serves register accesses from a mmapped BAR. Accesses are
// atomic so the compiler cannot tear or elide them; the region is mapped
// uncached by the kernel.
type mmapBackend struct {
	mem []byte
}

func (m *mmapBackend) at(off uint32, width uint32) unsafe.Pointer {
	if int(off)+int(width) > len(m.mem) {
		panic("mmio access outside mapped region")
	}
	return unsafe.Pointer(&m.mem[off])
}

func (m *mmapBackend) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(m.at(off, 4)))
}

func (m *mmapBackend) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(m.at(off, 4)), v)
}

func (m *mmapBackend) Read64(off uint32) uint64 {
	return atomic.LoadUint64((*uint64)(m.at(off, 8)))
}

func (m *mmapBackend) Write64(off uint32, v uint64) {
	atomic.StoreUint64((*uint64)(m.at(off, 8)), v)
}

// resourceMapper maps a sysfs resourceN file for one PCI function.
type resourceMapper struct {
	path string
}

// NewResourceMapper maps BAR windows through the given sysfs resource
// file, e.g. /sys/bus/pci/devices/0000:00:14.0/resource0.
func NewResourceMapper(path string) RegionMapper {
	return &resourceMapper{path: path}
}

func (r *resourceMapper) Map(phys uint64, size int) (mmio.Backend, error) {
	f, err := os.OpenFile(r.path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", r.path)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %s", r.path)
	}
	return &mmapBackend{mem: mem}, nil
}

func (r *resourceMapper) Unmap(b mmio.Backend) error {
	m, ok := b.(*mmapBackend)
	if !ok {
		return errors.New("backend was not produced by this mapper")
	}
	return unix.Munmap(m.mem)
}

// MapFile maps a file-backed DMA region, such as a udmabuf, read-write
// and shared.
func MapFile(path string, size int) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dma region %s", path)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map dma region %s", path)
	}
	return mem, nil
}
