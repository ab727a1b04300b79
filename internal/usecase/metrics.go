package usecase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/binary-classifier/internal/repository"
	"github.com/example/binary-classifier/internal/verdict"
)

var predictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "classifier_predictions_total",
	Help: "Completed predictions by label",
}, []string{"label"})

var inferenceFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "classifier_inference_failures_total",
	Help: "Classifications that failed during preprocessing or the forward pass",
})

var abandonedRequests = promauto.NewCounter(prometheus.CounterOpts{
	Name: "classifier_abandoned_requests_total",
	Help: "Requests that ended before their classification finished",
})

var inferenceSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "classifier_inference_seconds",
	Help:    "Wall time of preprocessing plus forward pass",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
})

var storeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "count_store_failures_total",
	Help: "Count store operations that returned an error",
}, []string{"operation"})

// CountSummary is the tally plus derived shares.
type CountSummary struct {
	Chapri      int64   `json:"chapri"`
	Decent      int64   `json:"decent"`
	Total       int64   `json:"total"`
	DecentShare float64 `json:"decent_share"`
}

func summarize(record repository.CountRecord) *CountSummary {
	summary := &CountSummary{
		Chapri: record.Get(verdict.Chapri),
		Decent: record.Get(verdict.Decent),
		Total:  record.Total(),
	}
	if summary.Total > 0 {
		summary.DecentShare = float64(summary.Decent) / float64(summary.Total)
	}
	return summary
}
