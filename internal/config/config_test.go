package config

import (
	"errors"
	"testing"

	"github.com/23skdu/longbow-binarize/internal/errs"
	"github.com/23skdu/longbow-binarize/internal/quant"
	"github.com/23skdu/longbow-binarize/internal/train"
)

func valid() Config {
	cfg := Default()
	cfg.ModelID = "facebook/opt-125m"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.DataPercent != 100 {
		t.Errorf("expected DataPercent 100, got %v", cfg.DataPercent)
	}
	if cfg.LearningRate != 1e-4 {
		t.Errorf("expected LearningRate 1e-4, got %v", cfg.LearningRate)
	}
	if cfg.WarmupFraction != 0.05 {
		t.Errorf("expected WarmupFraction 0.05, got %v", cfg.WarmupFraction)
	}
	if cfg.Granularity != "per_block" || cfg.Order != "forward" {
		t.Errorf("unexpected plan defaults %s/%s", cfg.Granularity, cfg.Order)
	}
	if cfg.Schedule != train.ScheduleCosine {
		t.Errorf("expected cosine schedule, got %s", cfg.Schedule)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing model", func(c *Config) { c.ModelID = "" }, true},
		{"zero data percent", func(c *Config) { c.DataPercent = 0 }, true},
		{"data percent over 100", func(c *Config) { c.DataPercent = 150 }, true},
		{"bad granularity", func(c *Config) { c.Granularity = "per_head" }, true},
		{"bad order", func(c *Config) { c.Order = "random" }, true},
		{"unknown method", func(c *Config) { c.Method = "ternary" }, true},
		{"fraction of one", func(c *Config) { c.Method = "xnor_outlier"; c.OutlierFraction = 1 }, true},
		{"negative fraction", func(c *Config) { c.OutlierFraction = -0.1 }, true},
		{"negative steps", func(c *Config) { c.TrainSteps = -1 }, true},
		{"zero steps", func(c *Config) { c.TrainSteps = 0 }, false},
		{"zero lr", func(c *Config) { c.LearningRate = 0 }, true},
		{"warmup fraction", func(c *Config) { c.WarmupFraction = 1 }, true},
		{"bad schedule", func(c *Config) { c.Schedule = "step" }, true},
		{"restarts", func(c *Config) { c.Schedule = "cosine_restarts" }, false},
		{"restarts without cycles", func(c *Config) { c.Schedule = "cosine_restarts"; c.Cycles = 0 }, true},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, true},
		{"no save dir", func(c *Config) { c.ModelSaveDir = "" }, true},
		{"negative eval every", func(c *Config) { c.EvalEvery = -2 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "TRACE" }, true},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"lowbit bits", func(c *Config) { c.Method = "lowbit_quant"; c.LowBits = 9 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReturnsTypedErrors(t *testing.T) {
	cfg := valid()
	cfg.Method = "ternary_outlier"
	var ue *errs.UnsupportedMethodError
	if err := cfg.Validate(); !errors.As(err, &ue) {
		t.Errorf("expected UnsupportedMethodError, got %v", err)
	}

	cfg = valid()
	cfg.Granularity = "per_head"
	if err := cfg.Validate(); !errors.Is(err, errs.ErrNotImplemented) {
		t.Errorf("expected ErrNotImplemented, got %v", err)
	}
}

func TestEffectiveSteps(t *testing.T) {
	tests := []struct {
		steps  int
		debug  bool
		want   int
		warmup int
	}{
		{2000, false, 2000, 100},
		{2000, true, 1, 1},
		{0, true, 0, 0},
		{10, false, 10, 1},
	}
	for _, tt := range tests {
		cfg := valid()
		cfg.TrainSteps, cfg.Debug = tt.steps, tt.debug
		if got := cfg.EffectiveSteps(); got != tt.want {
			t.Errorf("steps=%d debug=%v: EffectiveSteps = %d, want %d", tt.steps, tt.debug, got, tt.want)
		}
		if got := cfg.WarmupSteps(); got != tt.warmup {
			t.Errorf("steps=%d debug=%v: WarmupSteps = %d, want %d", tt.steps, tt.debug, got, tt.warmup)
		}
	}
}

func TestQuantOptions(t *testing.T) {
	tests := []struct {
		method   string
		want     quant.Method
		outlier  quant.Outlier
		fraction float64
	}{
		{"xnor", quant.MethodXNOR, quant.OutlierNone, 0},
		{"ir_outlier_column", quant.MethodIR, quant.OutlierColumn, 0.05},
		{"bireal_act_outlier_column", quant.MethodBiReal, quant.OutlierActColumn, 0.05},
		{"lowbit_quant", quant.MethodLowBit, quant.OutlierNone, 0},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			cfg := valid()
			cfg.Method, cfg.OutlierFraction = tt.method, 0.05
			opts, err := cfg.QuantOptions()
			if err != nil {
				t.Fatal(err)
			}
			if opts.Method != tt.want || opts.Outlier != tt.outlier || opts.Fraction != tt.fraction {
				t.Errorf("unexpected options %+v", opts)
			}
		})
	}
}
