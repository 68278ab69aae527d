package xhci

import (
	"errors"
	"time"

	"github.com/hostfission/xhcid/mmio"
)

// discardBackend absorbs writes and answers reads with zero.
type discardBackend struct{}

func (discardBackend) Read32(uint32) uint32   { return 0 }
func (discardBackend) Write32(uint32, uint32) {}
func (discardBackend) Read64(uint32) uint64   { return 0 }
func (discardBackend) Write64(uint32, uint64) {}

func noopWindow() *mmio.Window {
	return mmio.NewWindow(discardBackend{}, 0)
}

// errorsIs avoids clashing with the wrapped-errors package used by the
// driver proper.
func errorsIs(err, target error) bool {
	return errors.Is(err, target)
}

// fastTimings keeps the polling budgets tiny; the simulated controller
// answers synchronously, so a handful of attempts with no sleep is
// plenty, and failure paths stay fast.
func fastTimings() Timings {
	return Timings{
		StopAttempts:      3,
		StopInterval:      0,
		ResetAttempts:     3,
		ResetInterval:     0,
		LegacyAttempts:    3,
		LegacyInterval:    0,
		PortPowerAttempts: 3,
		PortPowerInterval: 0,
		PortResetAttempts: 3,
		PortResetInterval: 0,
		PortResetRecovery: 0,
		CommandAttempts:   3,
		CommandInterval:   time.Microsecond,
		TransferAttempts:  3,
		TransferInterval:  time.Microsecond,
	}
}
