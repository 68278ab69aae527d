// SPDX-License-Identifier: GPL-2.0-only

package hw

import (
	"sync"
	"time"
)

// TickerSource invokes registered handlers on a fixed period. It stands
// in for MSI delivery on hosts where the driver cannot own a vector; the
// event handler checks the interrupter pending state first, so the extra
// invocations are harmless.
type TickerSource struct {
	interval time.Duration

	mu    sync.Mutex
	stops []chan struct{}
	wg    sync.WaitGroup
}

func NewTickerSource(interval time.Duration) *TickerSource {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &TickerSource{interval: interval}
}

func (s *TickerSource) Register(vector uint8, controllerID int, handler func()) error {
	stop := make(chan struct{})
	s.mu.Lock()
	s.stops = append(s.stops, stop)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				handler()
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func (s *TickerSource) Close() error {
	s.mu.Lock()
	for _, stop := range s.stops {
		close(stop)
	}
	s.stops = nil
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
