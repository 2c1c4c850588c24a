package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordLayersReplaced(t *testing.T) {
	before := testutil.ToFloat64(LayersReplaced.WithLabelValues("xnor"))
	RecordLayersReplaced("xnor", 7)
	RecordLayersReplaced("xnor", 3)
	if got := testutil.ToFloat64(LayersReplaced.WithLabelValues("xnor")) - before; got != 10 {
		t.Errorf("expected 10 replacements, got %v", got)
	}
}

func TestRecordStep(t *testing.T) {
	before := testutil.ToFloat64(TrainSteps)
	RecordStep(2.5, 1e-4)
	RecordStep(1.5, 5e-5)

	if got := testutil.ToFloat64(TrainSteps) - before; got != 2 {
		t.Errorf("expected 2 steps, got %v", got)
	}
	if got := testutil.ToFloat64(TrainLoss); got != 1.5 {
		t.Errorf("expected last loss 1.5, got %v", got)
	}
	if got := testutil.ToFloat64(LearningRate); got != 5e-5 {
		t.Errorf("expected last lr 5e-5, got %v", got)
	}
}

func TestRecordUnit(t *testing.T) {
	before := testutil.ToFloat64(UnitsProcessed.WithLabelValues("per_block"))
	RecordUnit("per_block")
	if got := testutil.ToFloat64(UnitsProcessed.WithLabelValues("per_block")) - before; got != 1 {
		t.Errorf("expected 1 unit, got %v", got)
	}
}

func TestRecordEval(t *testing.T) {
	RecordEval(map[string]map[string]float64{
		"boolq": {"acc": 0.62},
		"piqa":  {"acc": 0.7, "acc_norm": 0.71},
	})
	if got := testutil.ToFloat64(EvalMetric.WithLabelValues("piqa", "acc_norm")); got != 0.71 {
		t.Errorf("expected 0.71, got %v", got)
	}
}

func TestRecordMisc(t *testing.T) {
	// Functions exist and work - no assertion needed
	RecordStageDuration("train", 150*time.Millisecond)
	RecordCheckpoint(1 << 20)
	RecordCheckpointFailure("save")
	RecordTrainable(4096)
	RecordTrainingFailure()

	if got := testutil.ToFloat64(CheckpointBytes); got != 1<<20 {
		t.Errorf("expected checkpoint bytes %d, got %v", 1<<20, got)
	}
}
