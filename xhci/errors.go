// SPDX-License-Identifier: GPL-2.0-only

package xhci

import "github.com/efficientgo/core/errors"

// Error kinds reported by the driver. Call sites wrap these with
// context; callers classify with errors.Is.
var (
	// ErrTimeout reports a hardware handshake that did not complete
	// within its retry budget.
	ErrTimeout = errors.New("hardware timeout")
	// ErrAlignment reports a DMA structure the controller would reject
	// or silently corrupt. Not recoverable.
	ErrAlignment = errors.New("dma structure misaligned")
	// ErrInvalidTransfer reports a transfer the device refused or
	// corrupted (stall, babble, data buffer error).
	ErrInvalidTransfer = errors.New("invalid transfer")
	// ErrControllerLimit reports that no registry slot is free.
	ErrControllerLimit = errors.New("controller limit reached")
)
