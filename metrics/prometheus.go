package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frame2img_runs_total",
		Help: "Total number of extraction runs, by outcome",
	}, []string{"outcome"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "frame2img_run_duration_seconds",
		Help:    "Wall time of extraction runs",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"decode_path"})

	FramesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frame2img_frames_written_total",
		Help: "Total number of frame images written across all runs",
	})

	FramesSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frame2img_frames_skipped_total",
		Help: "Total number of frames skipped because the image already existed",
	})

	DecodeFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frame2img_decode_fallback_total",
		Help: "Total number of hardware to software decode fallbacks",
	}, []string{"accel"})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "frame2img_active_runs",
		Help: "Number of extraction runs currently in progress",
	})

	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frame2img_probes_total",
		Help: "Total number of metadata probes, by result",
	}, []string{"result"})

	PreviewSeeksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frame2img_preview_seeks_total",
		Help: "Total number of preview seeks, by result",
	}, []string{"result"})
)
