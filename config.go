// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hostfission/xhcid/xhci"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")
	flag.String("pci-root", "/sys/bus/pci/devices", "The sysfs directory in which to discover xHCI functions.")
	flag.String("dma-region", "", "Path to the file backing the DMA arena, e.g. a udmabuf.")
	flag.Uint64("dma-phys-base", 0, "Physical base address of the DMA region.")
	flag.Int("dma-size", 1<<22, "Size of the DMA arena in bytes.")
	flag.Duration("irq-poll-interval", time.Millisecond, "Period at which controller interrupts are serviced.")
	flag.StringSlice("quirks", nil, "Controller quirk overrides (deferred-doorbell, reset-self-clear, none). Default is detection by PCI identity.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/xhcid/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// getConfiguredTimings decodes the optional timings section of the
// config file over the built-in defaults.
func getConfiguredTimings() (xhci.Timings, error) {
	timings := xhci.DefaultTimings()
	raw := viper.GetStringMap("timings")
	if len(raw) == 0 {
		return timings, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &timings,
		TagName:    "json",
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return timings, err
	}
	if err := decoder.Decode(raw); err != nil {
		return timings, fmt.Errorf("failed to decode timings: %w", err)
	}
	return timings, nil
}

// getConfiguredQuirks translates the quirks flag into an override mask.
// An empty flag keeps PCI-identity detection; "none" forces an empty
// quirk set.
func getConfiguredQuirks() (*xhci.Quirks, error) {
	names := viper.GetStringSlice("quirks")
	if len(names) == 0 {
		return nil, nil
	}

	var quirks xhci.Quirks
	for _, name := range names {
		switch name {
		case "none":
		case "deferred-doorbell":
			quirks |= xhci.QuirkDeferredDoorbell
		case "reset-self-clear":
			quirks |= xhci.QuirkResetSelfClear
		default:
			return nil, fmt.Errorf("unknown quirk %q", name)
		}
	}
	return &quirks, nil
}
