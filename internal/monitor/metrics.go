package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_cycles_total",
		Help: "Monitor cycles started.",
	})
	skippedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_account_cycles_skipped_total",
		Help: "Per-account cycles skipped because a previous one was still running.",
	})
	commandsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_commands_total",
		Help: "Corrective commands issued, by action.",
	}, []string{"action"})
	providerErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_provider_errors_total",
		Help: "Failed provider calls, fetches and commands combined.",
	})
	coalescedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_ticks_coalesced_total",
		Help: "Scheduler ticks merged into an already pending cycle.",
	})
)
