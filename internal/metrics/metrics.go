package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TurnsProcessed     prometheus.Counter
	TurnsFailed        prometheus.Counter
	DocumentsIngested  prometheus.Counter
	IngestSkipped      prometheus.Counter
	ModelSubstitutions prometheus.Counter
	RunDuration        prometheus.Histogram
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			TurnsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "turns_processed_total",
				Help:      "Total conversation turns completed successfully",
			}),
			TurnsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "turns_failed_total",
				Help:      "Total conversation turns that ended in an error",
			}),
			DocumentsIngested: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "documents_ingested_total",
				Help:      "Total documents uploaded into knowledge stores",
			}),
			IngestSkipped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "ingest_skipped_total",
				Help:      "Total document references skipped (no attachment or already ingested)",
			}),
			ModelSubstitutions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "model_substitutions_total",
				Help:      "Total requests whose model was remapped to the allow-list default",
			}),
			RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "chatrelay",
				Name:      "run_duration_seconds",
				Help:      "Wall time from run start to terminal status",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			}),
		}
		prometheus.MustRegister(
			global.TurnsProcessed,
			global.TurnsFailed,
			global.DocumentsIngested,
			global.IngestSkipped,
			global.ModelSubstitutions,
			global.RunDuration,
		)
	})
	return global
}
