// SPDX-License-Identifier: GPL-2.0-only

//go:build !linux

package hw

import (
	"github.com/efficientgo/core/errors"

	"github.com/hostfission/xhcid/mmio"
)

type unsupportedMapper struct{}

// NewResourceMapper requires sysfs; on other platforms it returns a
// mapper that fails every request.
func NewResourceMapper(path string) RegionMapper {
	return unsupportedMapper{}
}

func (unsupportedMapper) Map(phys uint64, size int) (mmio.Backend, error) {
	return nil, errors.New("BAR mapping is only supported on linux")
}

func (unsupportedMapper) Unmap(mmio.Backend) error {
	return errors.New("BAR mapping is only supported on linux")
}

func MapFile(path string, size int) ([]byte, error) {
	return nil, errors.New("dma region mapping is only supported on linux")
}
