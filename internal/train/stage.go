// Package train runs the fine-tuning stage between substitution and freeze.
package train

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-binarize/internal/corpus"
	"github.com/23skdu/longbow-binarize/internal/errs"
	"github.com/23skdu/longbow-binarize/internal/logger"
	"github.com/23skdu/longbow-binarize/internal/metrics"
	"github.com/23skdu/longbow-binarize/internal/nn"
)

// Stepper performs one optimizer step on the trainable parameters of model
// and returns the step's loss.
type Stepper interface {
	Step(ctx context.Context, model nn.Module, batch corpus.Batch, lr float64) (float64, error)
}

// FuncStepper adapts a function to Stepper.
type FuncStepper func(ctx context.Context, model nn.Module, batch corpus.Batch, lr float64) (float64, error)

func (f FuncStepper) Step(ctx context.Context, model nn.Module, batch corpus.Batch, lr float64) (float64, error) {
	return f(ctx, model, batch, lr)
}

// Progress is reported after every step.
type Progress struct {
	Unit  string
	Step  int
	Steps int
	Loss  float64
	LR    float64
}

// Result summarises a finished stage.
type Result struct {
	Steps     int
	FinalLoss float64
	MeanLoss  float64
	Duration  time.Duration
}

// Stage is one training run over the currently trainable parameters.
type Stage struct {
	Unit     string
	Steps    int
	Schedule Schedule
	// LogEvery controls info-level step logging; 0 logs only at debug level.
	LogEvery int
}

// Run executes exactly s.Steps steps, cycling through src. Stepper errors,
// non-finite losses and cancellation are returned as *errs.TrainingFailure.
func (s Stage) Run(ctx context.Context, model nn.Module, src corpus.Source, stepper Stepper, progress func(Progress)) (res Result, err error) {
	if s.Steps <= 0 {
		return res, nil
	}
	if src == nil || src.Len() == 0 {
		return res, errs.Config("dataset", "empty", "training needs at least one example")
	}
	if stepper == nil {
		return res, errs.Config("stepper", nil, "training needs a stepper")
	}

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		metrics.RecordStageDuration("train", res.Duration)
	}()

	log := logger.Log.With("unit", s.Unit, "stage", "train")
	var sum float64
	for step := 0; step < s.Steps; step++ {
		if cerr := ctx.Err(); cerr != nil {
			return res, s.fail(step+1, cerr)
		}
		lr := s.Schedule.At(step)
		var loss float64
		loss, err = stepper.Step(ctx, model, src.Batch(step%src.Len()), lr)
		if err != nil {
			return res, s.fail(step+1, err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return res, s.fail(step+1, fmt.Errorf("loss diverged: %v", loss))
		}

		sum += loss
		res.Steps = step + 1
		res.FinalLoss = loss
		res.MeanLoss = sum / float64(res.Steps)
		metrics.RecordStep(loss, lr)

		if s.LogEvery > 0 && (step+1)%s.LogEvery == 0 {
			log.Info("train step", "step", step+1, "steps", s.Steps, "loss", loss, "lr", lr)
		} else {
			log.Debug("train step", "step", step+1, "loss", loss, "lr", lr)
		}
		if progress != nil {
			progress(Progress{Unit: s.Unit, Step: step + 1, Steps: s.Steps, Loss: loss, LR: lr})
		}
	}
	return res, nil
}

func (s Stage) fail(step int, err error) error {
	metrics.RecordTrainingFailure()
	return &errs.TrainingFailure{Unit: s.Unit, Step: step, Err: err}
}
