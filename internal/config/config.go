package config

import (
	"math"
	"strings"

	"github.com/23skdu/longbow-binarize/internal/errs"
	"github.com/23skdu/longbow-binarize/internal/plan"
	"github.com/23skdu/longbow-binarize/internal/quant"
	"github.com/23skdu/longbow-binarize/internal/train"
)

type Config struct {
	ModelID   string
	ModelPath string

	Dataset     string
	DataField   string
	DataPercent float64
	MaxSeqLen   int

	Granularity     string
	Order           string
	BlockPaths      []string
	Method          string
	OutlierFraction float64
	LowBits         int

	TrainSteps     int
	Debug          bool
	LearningRate   float64
	WarmupFraction float64
	Schedule       string
	Cycles         int
	BatchSize      int
	Seed           int64

	ModelSaveDir string
	ResumeFrom   string

	Tasks     []string
	EvalLimit int
	EvalEvery int
	EvalLog   string

	LogLevel    string
	LogFormat   string
	MetricsAddr string
	FlightAddr  string
}

func Default() Config {
	return Config{
		DataField:      "text",
		DataPercent:    100,
		MaxSeqLen:      512,
		Granularity:    string(plan.PerBlock),
		Order:          string(plan.Forward),
		Method:         "xnor",
		LowBits:        quant.DefaultLowBits,
		TrainSteps:     1000,
		LearningRate:   1e-4,
		WarmupFraction: train.DefaultWarmupRatio,
		Schedule:       train.ScheduleCosine,
		Cycles:         5,
		BatchSize:      1,
		ModelSaveDir:   "./checkpoints",
		Tasks:          []string{"qerr", "coverage"},
		EvalLimit:      200,
		LogLevel:       "INFO",
		LogFormat:      "console",
	}
}

func (c *Config) Validate() error {
	if c.ModelID == "" {
		return errs.Config("model_id", c.ModelID, "must be set")
	}
	if c.DataPercent <= 0 || c.DataPercent > 100 || math.IsNaN(c.DataPercent) {
		return errs.Config("data_percent", c.DataPercent, "must be in (0, 100]")
	}
	if c.MaxSeqLen <= 0 {
		return errs.Config("max_seq_len", c.MaxSeqLen, "must be positive")
	}
	if _, err := plan.ParseGranularity(c.Granularity); err != nil {
		return err
	}
	if _, err := plan.ParseOrder(c.Order); err != nil {
		return err
	}
	if _, err := c.QuantOptions(); err != nil {
		return err
	}
	if c.TrainSteps < 0 {
		return errs.Config("train_steps", c.TrainSteps, "must be non-negative")
	}
	if c.LearningRate <= 0 || math.IsNaN(c.LearningRate) || math.IsInf(c.LearningRate, 0) {
		return errs.Config("learning_rate", c.LearningRate, "must be positive")
	}
	if c.WarmupFraction < 0 || c.WarmupFraction >= 1 || math.IsNaN(c.WarmupFraction) {
		return errs.Config("warmup_fraction", c.WarmupFraction, "must be in [0, 1)")
	}
	if _, err := c.LRSchedule(); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return errs.Config("batch_size", c.BatchSize, "must be positive")
	}
	if c.ModelSaveDir == "" {
		return errs.Config("model_save_dir", c.ModelSaveDir, "must be set")
	}
	if c.EvalLimit < 0 {
		return errs.Config("eval_limit", c.EvalLimit, "must be non-negative")
	}
	if c.EvalEvery < 0 {
		return errs.Config("eval_every", c.EvalEvery, "must be non-negative")
	}
	switch strings.ToUpper(c.LogLevel) {
	case "", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return errs.Config("log_level", c.LogLevel, "must be DEBUG, INFO, WARN or ERROR")
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return errs.Config("log_format", c.LogFormat, "must be console or json")
	}
	return nil
}

// EffectiveSteps is the per-unit step budget; debug runs take one step.
func (c *Config) EffectiveSteps() int {
	if c.Debug && c.TrainSteps > 1 {
		return 1
	}
	return c.TrainSteps
}

// WarmupSteps is ⌈WarmupFraction × EffectiveSteps⌉.
func (c *Config) WarmupSteps() int {
	return int(math.Ceil(c.WarmupFraction * float64(c.EffectiveSteps())))
}

// LRSchedule builds the learning-rate schedule for one unit.
func (c *Config) LRSchedule() (train.Schedule, error) {
	kind := c.Schedule
	if kind == "cosine_restarts" {
		kind = train.ScheduleCosineRestarts
	}
	return train.NewSchedule(kind, c.LearningRate, c.EffectiveSteps(), c.WarmupSteps(), c.Cycles)
}

// QuantOptions parses Method into factory options. Activation statistics
// are attached by the caller.
func (c *Config) QuantOptions() (quant.Options, error) {
	m, o, err := quant.ParseSpec(c.Method)
	if err != nil {
		return quant.Options{}, err
	}
	if m == quant.MethodLowBit && (c.LowBits < 2 || c.LowBits > 8) {
		return quant.Options{}, errs.Config("low_bits", c.LowBits, "must be between 2 and 8")
	}
	opts := quant.Options{Method: m, Outlier: o, Bits: c.LowBits}
	if o != quant.OutlierNone {
		opts.Fraction = c.OutlierFraction
	}
	if c.OutlierFraction < 0 || c.OutlierFraction >= 1 || math.IsNaN(c.OutlierFraction) {
		return quant.Options{}, errs.Config("outlier_fraction", c.OutlierFraction, "must be in [0, 1)")
	}
	return opts, nil
}

// PlanOptions returns the planner options.
func (c *Config) PlanOptions() plan.Options {
	return plan.Options{
		Granularity: plan.Granularity(c.Granularity),
		Order:       plan.Order(c.Order),
		BlockPaths:  c.BlockPaths,
	}
}
