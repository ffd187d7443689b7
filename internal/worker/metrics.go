package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldvault_backup_runs_total",
		Help: "Backup runs by terminal status.",
	}, []string{"status"})

	uploadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldvault_uploaded_bytes_total",
		Help: "Total bytes uploaded by backup runs.",
	})

	uploadedFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldvault_uploaded_files_total",
		Help: "Total files uploaded by backup runs.",
	})

	triggerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coldvault_trigger_queue_depth",
		Help: "Runs waiting in the trigger queue.",
	})
)
