package train

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-binarize/internal/errs"
)

const (
	ScheduleCosine         = "cosine"
	ScheduleCosineRestarts = "cosine_with_restarts"
	ScheduleConstant       = "constant"
)

// DefaultWarmupRatio is the share of steps spent on linear warmup.
const DefaultWarmupRatio = 0.05

// DefaultWarmup returns ⌈5% of steps⌉.
func DefaultWarmup(steps int) int {
	return int(math.Ceil(float64(steps) * DefaultWarmupRatio))
}

// Schedule maps a 0-based step to a learning rate.
type Schedule struct {
	Kind   string
	Base   float64
	Warmup int
	Total  int
	Cycles int
}

// NewSchedule validates the schedule parameters. A negative warmup selects
// DefaultWarmup. Cycles only applies to cosine_with_restarts.
func NewSchedule(kind string, base float64, total, warmup, cycles int) (Schedule, error) {
	switch kind {
	case "", ScheduleCosine:
		kind = ScheduleCosine
	case ScheduleCosineRestarts:
		if cycles < 1 {
			return Schedule{}, errs.Config("cycles", cycles, "must be >= 1")
		}
	case ScheduleConstant:
	default:
		return Schedule{}, errs.Config("lr_schedule", kind, "must be cosine, cosine_with_restarts or constant")
	}
	if base <= 0 || math.IsNaN(base) || math.IsInf(base, 0) {
		return Schedule{}, errs.Config("learning_rate", base, "must be positive")
	}
	if total < 0 {
		return Schedule{}, errs.Config("train_steps", total, "must be >= 0")
	}
	if warmup < 0 {
		warmup = DefaultWarmup(total)
	}
	return Schedule{Kind: kind, Base: base, Warmup: warmup, Total: total, Cycles: cycles}, nil
}

// At returns the learning rate for step.
func (s Schedule) At(step int) float64 {
	if step < s.Warmup {
		return s.Base * float64(step) / float64(max(1, s.Warmup))
	}
	if s.Kind == ScheduleConstant {
		return s.Base
	}
	progress := float64(step-s.Warmup) / float64(max(1, s.Total-s.Warmup))
	switch s.Kind {
	case ScheduleCosineRestarts:
		if progress >= 1 {
			return 0
		}
		cycle := math.Mod(float64(s.Cycles)*progress, 1)
		return s.Base * math.Max(0, 0.5*(1+math.Cos(math.Pi*cycle)))
	default:
		return s.Base * math.Max(0, 0.5*(1+math.Cos(math.Pi*progress)))
	}
}

func (s Schedule) String() string {
	return fmt.Sprintf("%s(base=%g, warmup=%d, total=%d)", s.Kind, s.Base, s.Warmup, s.Total)
}
