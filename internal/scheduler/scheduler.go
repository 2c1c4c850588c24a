// Package scheduler drives the per-unit substitute, train, freeze and
// checkpoint loop over a model.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-binarize/internal/checkpoint"
	"github.com/23skdu/longbow-binarize/internal/config"
	"github.com/23skdu/longbow-binarize/internal/corpus"
	"github.com/23skdu/longbow-binarize/internal/errs"
	"github.com/23skdu/longbow-binarize/internal/eval"
	"github.com/23skdu/longbow-binarize/internal/logger"
	"github.com/23skdu/longbow-binarize/internal/metrics"
	"github.com/23skdu/longbow-binarize/internal/nn"
	"github.com/23skdu/longbow-binarize/internal/plan"
	"github.com/23skdu/longbow-binarize/internal/quant"
	"github.com/23skdu/longbow-binarize/internal/substitute"
	"github.com/23skdu/longbow-binarize/internal/train"
)

// calibrationBatches bounds the corpus prefix used for activation statistics.
const calibrationBatches = 32

// Publisher ships a saved checkpoint somewhere else.
type Publisher interface {
	Publish(ctx context.Context, path string, st *checkpoint.State) error
}

// Deps are the run's collaborators. Only Corpus is required, and only when
// training steps are configured.
type Deps struct {
	Corpus    corpus.Source
	Stepper   train.Stepper
	Evaluator eval.Evaluator
	Publisher Publisher
	Observer  Observer
	Stats     quant.ActivationStats
}

// UnitReport describes one processed unit.
type UnitReport struct {
	Name       string
	Path       string
	Replaced   int
	Steps      int
	FinalLoss  float64
	Checkpoint string
	Published  bool
	Results    eval.Results
	Duration   time.Duration
}

// Report summarises a run.
type Report struct {
	RunID    string
	ModelID  string
	Method   string
	Resumed  int
	Units    []UnitReport
	Duration time.Duration
}

// Scheduler owns the model for the duration of a run.
type Scheduler struct {
	cfg      config.Config
	model    nn.Module
	units    []plan.Unit
	engine   *substitute.Engine
	schedule train.Schedule
	start    int
	deps     Deps
}

// New validates cfg, builds the factory and the plan, and resolves the
// resume point. The model is not modified.
func New(model nn.Module, cfg config.Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	steps := cfg.EffectiveSteps()
	if steps > 0 && (deps.Corpus == nil || deps.Corpus.Len() == 0) {
		return nil, errs.Config("dataset", cfg.Dataset, "training steps configured but the corpus is empty")
	}

	opts, err := cfg.QuantOptions()
	if err != nil {
		return nil, err
	}
	if opts.Outlier == quant.OutlierActColumn {
		opts.Stats = deps.Stats
		if opts.Stats == nil && deps.Corpus != nil && deps.Corpus.Len() > 0 {
			if opts.Stats, err = train.ColumnStats(model, deps.Corpus, calibrationBatches, 0); err != nil {
				return nil, err
			}
		}
	}
	factory, err := quant.NewFactory(opts)
	if err != nil {
		return nil, err
	}

	popts := cfg.PlanOptions()
	units, err := plan.Build(model, popts)
	if err != nil {
		return nil, err
	}
	if err := plan.Verify(model, popts.Granularity, units); err != nil {
		return nil, err
	}

	start := 0
	if cfg.ResumeFrom != "" {
		if start = plan.IndexOf(units, cfg.ResumeFrom); start < 0 {
			return nil, errs.Config("resume_from", cfg.ResumeFrom, fmt.Sprintf("not a unit of the plan %v", plan.Names(units)))
		}
	}

	schedule, err := cfg.LRSchedule()
	if err != nil {
		return nil, err
	}
	if deps.Stepper == nil {
		deps.Stepper = train.NewReconstructionStepper()
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}

	return &Scheduler{
		cfg:      cfg,
		model:    model,
		units:    units,
		engine:   substitute.NewEngine(factory, cfg.Method),
		schedule: schedule,
		start:    start,
		deps:     deps,
	}, nil
}

// Units returns the plan in execution order.
func (s *Scheduler) Units() []plan.Unit { return s.units }

// CheckpointDir is where the named unit's checkpoint lives.
func (s *Scheduler) CheckpointDir(unit string) string {
	return checkpoint.UnitDir(s.cfg.ModelSaveDir, s.cfg.Granularity, s.cfg.ModelID, s.cfg.OutlierFraction, unit)
}

// Run processes every unit from the resume point on. A failure aborts
// the run; checkpoints of units that completed stay in place.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	rep := &Report{RunID: uuid.NewString(), ModelID: s.cfg.ModelID, Method: s.cfg.Method, Resumed: s.start}
	defer func() { rep.Duration = time.Since(started) }()

	logger.Log.Info("starting run",
		"run_id", rep.RunID,
		"model", s.cfg.ModelID,
		"method", s.cfg.Method,
		"granularity", s.cfg.Granularity,
		"units", len(s.units),
		"steps", s.cfg.EffectiveSteps())

	if s.start > 0 {
		if err := s.resume(ctx); err != nil {
			s.deps.Observer.RunFailed(s.cfg.ResumeFrom, err)
			return rep, err
		}
	}

	for i := s.start; i < len(s.units); i++ {
		u := s.units[i]
		ur, err := s.runUnit(ctx, rep.RunID, i, u)
		if err != nil {
			s.deps.Observer.RunFailed(u.Name, err)
			logger.Log.Error("run aborted", "unit", u.Name, "error", err)
			return rep, err
		}
		rep.Units = append(rep.Units, ur)
	}
	logger.Log.Info("run finished", "run_id", rep.RunID, "units", len(rep.Units), "duration", time.Since(started).String())
	return rep, nil
}

// resume rebuilds the structure of the units before the resume point and
// restores the last of their checkpoints.
func (s *Scheduler) resume(ctx context.Context) error {
	prev := s.units[s.start-1]
	log := logger.Log.With("unit", s.cfg.ResumeFrom, "stage", "resume")
	for _, u := range s.units[:s.start] {
		if _, err := s.engine.Substitute(ctx, s.model, u.Path); err != nil {
			return fmt.Errorf("rebuild %s: %w", u.Name, err)
		}
	}
	dir := s.CheckpointDir(prev.Name)
	st, err := checkpoint.Load(dir)
	if err != nil {
		return err
	}
	if err := st.Apply(s.model); err != nil {
		return err
	}
	if _, err := nn.FreezeAll(s.model); err != nil {
		return err
	}
	log.Info("restored checkpoint", "path", dir, "skipped", s.start)
	return nil
}

func (s *Scheduler) runUnit(ctx context.Context, runID string, i int, u plan.Unit) (UnitReport, error) {
	started := time.Now()
	ur := UnitReport{Name: u.Name, Path: u.Path}
	obs := s.deps.Observer
	obs.UnitStarted(u.Name, i, len(s.units))
	log := logger.Log.With("unit", u.Name)

	obs.StageEntered(u.Name, StageSubstitute)
	n, err := s.engine.Substitute(ctx, s.model, u.Path)
	if err != nil {
		_, _ = nn.FreezeAll(s.model)
		return ur, fmt.Errorf("substitute %s: %w", u.Name, err)
	}
	ur.Replaced = n
	trainable, total, err := nn.CountTrainable(s.model)
	if err != nil {
		return ur, err
	}
	metrics.RecordTrainable(trainable)
	log.Info("substituted", "stage", StageSubstitute, "replaced", n, "trainable", trainable, "params", total)

	if steps := s.cfg.EffectiveSteps(); steps > 0 {
		obs.StageEntered(u.Name, StageTrain)
		stage := train.Stage{Unit: u.Name, Steps: steps, Schedule: s.schedule, LogEvery: logEvery(steps)}
		res, err := stage.Run(ctx, s.model, s.deps.Corpus, s.deps.Stepper, obs.StepDone)
		if err != nil {
			// Parameters are frozen even though the run stops here.
			_, _ = nn.FreezeAll(s.model)
			return ur, err
		}
		ur.Steps, ur.FinalLoss = res.Steps, res.FinalLoss
		log.Info("trained", "stage", StageTrain, "steps", res.Steps, "loss", res.FinalLoss, "duration", res.Duration.String())
	} else {
		log.Debug("training skipped", "stage", StageTrain)
	}

	obs.StageEntered(u.Name, StageFreeze)
	if _, err := nn.FreezeAll(s.model); err != nil {
		return ur, err
	}
	if left, _, err := nn.CountTrainable(s.model); err != nil || left != 0 {
		return ur, fmt.Errorf("freeze %s: %d parameters still trainable (err=%v)", u.Name, left, err)
	}
	metrics.RecordTrainable(0)

	obs.StageEntered(u.Name, StageCheckpoint)
	dir := s.CheckpointDir(u.Name)
	st, err := checkpoint.Capture(s.model, checkpoint.Meta{
		RunID:           runID,
		ModelID:         s.cfg.ModelID,
		Granularity:     s.cfg.Granularity,
		Unit:            u.Name,
		Method:          s.cfg.Method,
		OutlierFraction: s.cfg.OutlierFraction,
	})
	if err != nil {
		return ur, err
	}
	if err := checkpoint.Save(st, dir); err != nil {
		return ur, fmt.Errorf("checkpoint %s: %w", u.Name, err)
	}
	ur.Checkpoint = dir

	if s.deps.Publisher != nil {
		obs.StageEntered(u.Name, StagePublish)
		if err := s.deps.Publisher.Publish(ctx, dir, st); err != nil {
			log.Warn("publish failed", "stage", StagePublish, "path", dir, "error", err)
		} else {
			ur.Published = true
		}
	}

	if s.shouldEvaluate(i) {
		obs.StageEntered(u.Name, StageEvaluate)
		res, err := s.deps.Evaluator.Evaluate(ctx, s.model, s.cfg.ModelID, s.cfg.Tasks, s.cfg.EvalLimit)
		if err != nil {
			return ur, fmt.Errorf("evaluate %s: %w", u.Name, err)
		}
		ur.Results = res
		metrics.RecordEval(res)
		line := eval.Format(res)
		log.Info("evaluated", "stage", StageEvaluate, "results", line)
		if s.cfg.EvalLog != "" {
			entry := fmt.Sprintf("%s: %s %s %d %s %s %s", s.cfg.ModelID, s.cfg.Method,
				checkpoint.FormatFraction(s.cfg.OutlierFraction), s.cfg.EffectiveSteps(), s.cfg.Dataset, u.Name, line)
			if err := eval.AppendLog(s.cfg.EvalLog, entry); err != nil {
				log.Warn("eval log append failed", "path", s.cfg.EvalLog, "error", err)
			}
		}
	}

	metrics.RecordUnit(s.cfg.Granularity)
	ur.Duration = time.Since(started)
	obs.UnitDone(u.Name, dir)
	return ur, nil
}

// shouldEvaluate is true after the final unit and, with EvalEvery set,
// after every EvalEvery-th unit.
func (s *Scheduler) shouldEvaluate(i int) bool {
	if s.deps.Evaluator == nil || len(s.cfg.Tasks) == 0 {
		return false
	}
	if i == len(s.units)-1 {
		return true
	}
	return s.cfg.EvalEvery > 0 && (i+1)%s.cfg.EvalEvery == 0
}

func logEvery(steps int) int {
	switch {
	case steps >= 1000:
		return 100
	case steps >= 100:
		return 10
	default:
		return 1
	}
}

// Summary renders a one-line description of the report.
func (r *Report) Summary() string {
	names := make([]string, len(r.Units))
	for i, u := range r.Units {
		names[i] = u.Name
	}
	return fmt.Sprintf("run %s: %d units [%s] in %s", r.RunID, len(r.Units), strings.Join(names, ","), r.Duration.Round(time.Millisecond))
}
