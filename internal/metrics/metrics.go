// Package metrics provides Prometheus metrics collection for the loan risk
// service. It defines and manages all training, prediction, and system
// metrics that are exposed via the Prometheus metrics endpoint for
// monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
// It provides counters, gauges, and histograms for training jobs,
// predictions, explanations, and general system health.
type Metrics struct {
	// Training metrics
	TrainingsStarted prometheus.Counter   // Total number of training jobs started
	TrainingsFailed  prometheus.Counter   // Total number of training jobs that failed
	FoldsTrained     prometheus.Counter   // Total number of cross-validation folds trained
	TrainingDuration prometheus.Histogram // Duration of full training runs in seconds
	ModelAUC         prometheus.Histogram // Cross-validated AUC of finished trainings
	ActiveJobs       prometheus.Gauge     // Number of training jobs currently running

	// Prediction metrics
	Predictions      prometheus.Counter   // Total number of predictions served
	PredictionScores prometheus.Histogram // Distribution of served default probabilities
	PredictLatency   prometheus.Histogram // Prediction latency in seconds
	BatchSizes       prometheus.Histogram // Row counts of batch prediction requests

	// Explanation metrics
	Explanations       prometheus.Counter // Total number of local explanations served
	ExplainUnavailable prometheus.Counter // Requests rejected because no explainer was available

	// Storage metrics
	ModelsSaved prometheus.Counter // Total number of model artifacts persisted
	ModelLoads  prometheus.Counter // Total number of model artifacts loaded from storage

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all Prometheus metrics using the default registry.
// This is the standard way to create metrics for production use.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
// This allows for isolated metric collection in tests without affecting
// the global Prometheus registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		TrainingsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "trainings_started_total",
			Help: "Total number of training jobs started",
		}),
		TrainingsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "trainings_failed_total",
			Help: "Total number of training jobs that failed",
		}),
		FoldsTrained: factory.NewCounter(prometheus.CounterOpts{
			Name: "folds_trained_total",
			Help: "Total number of cross-validation folds trained",
		}),
		TrainingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "training_duration_seconds",
			Help:    "Duration of full training runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		ModelAUC: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "model_auc",
			Help:    "Cross-validated AUC of finished trainings",
			Buckets: []float64{0.5, 0.55, 0.6, 0.65, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 1.0},
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_training_jobs",
			Help: "Number of training jobs currently running",
		}),
		Predictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Total number of predictions served",
		}),
		PredictionScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_scores",
			Help:    "Distribution of served default probabilities",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		PredictLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_latency_seconds",
			Help:    "Prediction latency in seconds (end-to-end)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		BatchSizes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_batch_rows",
			Help:    "Row counts of batch prediction requests",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		Explanations: factory.NewCounter(prometheus.CounterOpts{
			Name: "explanations_total",
			Help: "Total number of local explanations served",
		}),
		ExplainUnavailable: factory.NewCounter(prometheus.CounterOpts{
			Name: "explain_unavailable_total",
			Help: "Requests rejected because no explainer was available",
		}),
		ModelsSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "models_saved_total",
			Help: "Total number of model artifacts persisted",
		}),
		ModelLoads: factory.NewCounter(prometheus.CounterOpts{
			Name: "model_loads_total",
			Help: "Total number of model artifacts loaded from storage",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
