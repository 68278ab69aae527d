// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/hostfission/xhcid/dma"
	"github.com/hostfission/xhcid/hw"
	"github.com/hostfission/xhcid/xhci"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	timings, err := getConfiguredTimings()
	if err != nil {
		return err
	}
	quirks, err := getConfiguredQuirks()
	if err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	pciRoot := viper.GetString("pci-root")
	bus := hw.NewSysfsBus(os.DirFS(pciRoot), logger)
	devs, err := bus.Discover()
	if err != nil {
		return errors.Wrap(err, "failed to scan for xHCI controllers")
	}
	if len(devs) == 0 {
		return fmt.Errorf("no xHCI controllers found under %s", pciRoot)
	}

	dmaPath := viper.GetString("dma-region")
	if dmaPath == "" {
		return fmt.Errorf("a dma-region must be configured")
	}
	block, err := hw.MapFile(dmaPath, viper.GetInt("dma-size"))
	if err != nil {
		return errors.Wrap(err, "failed to map the DMA region")
	}
	arena := dma.NewArena(block, viper.GetUint64("dma-phys-base"))

	irq := hw.NewTickerSource(viper.GetDuration("irq-poll-interval"))
	defer func() {
		_ = irq.Close()
	}()

	registry := xhci.NewRegistry()
	initialized := 0
	for _, dev := range devs {
		cfg, err := hw.OpenConfigSpace(filepath.Join(pciRoot, dev.Address, "config"))
		if err != nil {
			level.Error(logger).Log("msg", "cannot access config space", "pci", dev.Address, "err", err)
			continue
		}
		dev.Config = cfg
		c, err := registry.Init(dev, xhci.Options{
			Mapper:     hw.NewResourceMapper(filepath.Join(pciRoot, dev.Address, "resource0")),
			Memory:     arena,
			Interrupts: irq,
			Logger:     logger,
			Registerer: prometheus.WrapRegistererWith(prometheus.Labels{"pci": dev.Address}, r),
			Timings:    &timings,
			Quirks:     quirks,
		})
		if err != nil {
			level.Error(logger).Log("msg", "controller initialization failed", "pci", dev.Address, "err", err)
			continue
		}
		_ = logger.Log("msg", "controller up", "pci", dev.Address, "id", c.ID())
		initialized++
	}
	if initialized == 0 {
		return fmt.Errorf("no controller could be initialized")
	}

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
