// SPDX-License-Identifier: GPL-2.0-only

package xhci

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	commands          prometheus.Counter
	commandTimeouts   prometheus.Counter
	transferTimeouts  prometheus.Counter
	transferErrors    prometheus.Counter
	interrupts        prometheus.Counter
	portResets        prometheus.Counter
	portResetFailures prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		commands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xhci_commands_total",
			Help: "The total number of command TRBs submitted.",
		}),
		commandTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xhci_command_timeouts_total",
			Help: "The total number of commands that missed their completion budget.",
		}),
		transferTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xhci_transfer_timeouts_total",
			Help: "The total number of transfers that missed their completion budget.",
		}),
		transferErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xhci_transfer_errors_total",
			Help: "The total number of transfers the device failed.",
		}),
		interrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xhci_interrupts_total",
			Help: "The total number of serviced controller interrupts.",
		}),
		portResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xhci_port_resets_total",
			Help: "The total number of root hub port reset attempts.",
		}),
		portResetFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xhci_port_reset_failures_total",
			Help: "The total number of root hub port resets that failed.",
		}),
	}
	reg.MustRegister(
		m.commands,
		m.commandTimeouts,
		m.transferTimeouts,
		m.transferErrors,
		m.interrupts,
		m.portResets,
		m.portResetFailures,
	)
	return m
}
