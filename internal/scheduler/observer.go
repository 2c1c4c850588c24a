package scheduler

import "github.com/23skdu/longbow-binarize/internal/train"

// Stage names, in execution order.
const (
	StageSubstitute = "substitute"
	StageTrain      = "train"
	StageFreeze     = "freeze"
	StageCheckpoint = "checkpoint"
	StagePublish    = "publish"
	StageEvaluate   = "evaluate"
)

// Observer receives run progress. Calls are made from the scheduler's
// goroutine in order.
type Observer interface {
	UnitStarted(unit string, index, total int)
	StageEntered(unit, stage string)
	StepDone(p train.Progress)
	UnitDone(unit, checkpoint string)
	RunFailed(unit string, err error)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) UnitStarted(string, int, int) {}
func (NopObserver) StageEntered(string, string)  {}
func (NopObserver) StepDone(train.Progress)      {}
func (NopObserver) UnitDone(string, string)      {}
func (NopObserver) RunFailed(string, error)      {}

type multiObserver []Observer

// Observers fans events out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) UnitStarted(unit string, index, total int) {
	for _, o := range m {
		o.UnitStarted(unit, index, total)
	}
}

func (m multiObserver) StageEntered(unit, stage string) {
	for _, o := range m {
		o.StageEntered(unit, stage)
	}
}

func (m multiObserver) StepDone(p train.Progress) {
	for _, o := range m {
		o.StepDone(p)
	}
}

func (m multiObserver) UnitDone(unit, checkpoint string) {
	for _, o := range m {
		o.UnitDone(unit, checkpoint)
	}
}

func (m multiObserver) RunFailed(unit string, err error) {
	for _, o := range m {
		o.RunFailed(unit, err)
	}
}
