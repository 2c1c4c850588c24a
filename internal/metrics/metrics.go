package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UnitsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qat_units_processed_total",
		Help: "Granularity units that completed their checkpoint",
	}, []string{"granularity"})

	LayersReplaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qat_layers_replaced_total",
		Help: "Dense linear layers replaced by quantized layers",
	}, []string{"method"})

	TrainSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qat_train_steps_total",
		Help: "Optimization steps executed",
	})

	TrainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qat_train_loss",
		Help: "Loss of the most recent optimization step",
	})

	LearningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qat_learning_rate",
		Help: "Learning rate of the most recent optimization step",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qat_stage_duration_seconds",
		Help:    "Duration of scheduler stages",
		Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 60, 300, 1800, 3600},
	}, []string{"stage"})

	CheckpointBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qat_checkpoint_bytes",
		Help: "Size of the most recent checkpoint",
	})

	CheckpointFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qat_checkpoint_failures_total",
		Help: "Failed checkpoint operations",
	}, []string{"operation"})

	EvalMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qat_eval_metric",
		Help: "Latest evaluation result per task and metric",
	}, []string{"task", "metric"})

	TrainableParameters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qat_trainable_parameters",
		Help: "Trainable parameter elements at the start of the current stage",
	})

	TrainingFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qat_training_failures_total",
		Help: "Training stages that aborted the run",
	})
)

// RecordUnit records a completed unit.
func RecordUnit(granularity string) {
	UnitsProcessed.WithLabelValues(granularity).Inc()
}

// RecordLayersReplaced records n substitutions for a method.
func RecordLayersReplaced(method string, n int) {
	LayersReplaced.WithLabelValues(method).Add(float64(n))
}

// RecordStep records one optimization step.
func RecordStep(loss, lr float64) {
	TrainSteps.Inc()
	TrainLoss.Set(loss)
	LearningRate.Set(lr)
}

// RecordStageDuration records how long a scheduler stage took.
func RecordStageDuration(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordCheckpoint records a written checkpoint's size.
func RecordCheckpoint(bytes int64) {
	CheckpointBytes.Set(float64(bytes))
}

// RecordCheckpointFailure records a failed save, load or publish.
func RecordCheckpointFailure(operation string) {
	CheckpointFailures.WithLabelValues(operation).Inc()
}

// RecordEval records every metric of an evaluation.
func RecordEval(results map[string]map[string]float64) {
	for task, ms := range results {
		for m, v := range ms {
			EvalMetric.WithLabelValues(task, m).Set(v)
		}
	}
}

// RecordTrainable records the trainable element count.
func RecordTrainable(n int) {
	TrainableParameters.Set(float64(n))
}

// RecordTrainingFailure counts an aborted training stage.
func RecordTrainingFailure() {
	TrainingFailures.Inc()
}
