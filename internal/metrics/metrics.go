// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturePacketsTotal counts packets persisted to packet logs
	CapturePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpro_capture_packets_total",
			Help: "Total number of packets written to packet logs",
		},
		[]string{"service", "endpoint"},
	)

	// CaptureBytesTotal counts packet body bytes persisted to packet logs
	CaptureBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpro_capture_bytes_total",
			Help: "Total number of packet body bytes written to packet logs",
		},
		[]string{"service"},
	)

	// CaptureDropsTotal counts packets that were never logged, by reason
	CaptureDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpro_capture_drops_total",
			Help: "Total number of packets dropped by the capture writer",
		},
		[]string{"reason"},
	)

	// CaptureFilesTotal counts packet log lifecycle events
	CaptureFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpro_capture_files_total",
			Help: "Total number of packet logs by lifecycle event (opened, finalized, failed)",
		},
		[]string{"event"},
	)

	// CaptureOpenFiles tracks packet logs currently being written
	CaptureOpenFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netpro_capture_open_files",
			Help: "Number of packet logs currently open",
		},
	)

	// CaptureQueueDepth tracks messages waiting for the capture writer
	CaptureQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netpro_capture_queue_depth",
			Help: "Number of capture events waiting to be processed",
		},
	)

	// CaptureFinalizeSeconds measures how long finalizing a packet log takes
	CaptureFinalizeSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netpro_capture_finalize_seconds",
			Help:    "Latency of packet log finalization in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		},
	)

	// ScanResultsTotal counts scanned packet logs by classification
	ScanResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpro_scan_results_total",
			Help: "Total number of packet logs scanned, by result",
		},
		[]string{"result"},
	)
)

// Lifecycle events for CaptureFilesTotal.
const (
	FileOpened    = "opened"
	FileFinalized = "finalized"
	FileFailed    = "failed"
)

// Drop reasons for CaptureDropsTotal.
const (
	DropNoLog    = "no_log"
	DropShutdown = "shutdown"
	DropAbandon  = "abandoned"
)
