// Package eval scores a model after training.
package eval

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/23skdu/longbow-binarize/internal/errs"
	"github.com/23skdu/longbow-binarize/internal/nn"
	"github.com/23skdu/longbow-binarize/internal/quant"
)

// Results maps task -> metric -> value.
type Results map[string]map[string]float64

// Evaluator scores model on tasks. limit caps the work per task; 0 means
// no cap.
type Evaluator interface {
	Evaluate(ctx context.Context, model nn.Module, modelID string, tasks []string, limit int) (Results, error)
}

const (
	TaskQuantError = "qerr"
	TaskCoverage   = "coverage"
)

// ParseTasks splits a comma-separated task list, dropping blanks.
func ParseTasks(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// QuantError measures how far quantized layers are from their latent
// weights and how much of the model is quantized.
type QuantError struct{}

type effective interface {
	nn.Layer
	EffectiveWeight() []float32
}

func (QuantError) Evaluate(ctx context.Context, model nn.Module, modelID string, tasks []string, limit int) (Results, error) {
	for _, task := range tasks {
		if task != TaskQuantError && task != TaskCoverage {
			return nil, errs.Config("eval_tasks", task, "unknown task")
		}
	}

	var quantized []effective
	dense := 0
	err := nn.Walk(model, func(_ string, m nn.Module) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case nn.IsDense(m):
			dense++
		case quant.IsQuantized(m):
			if l, ok := m.(effective); ok {
				quantized = append(quantized, l)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := make(Results, len(tasks))
	for _, task := range tasks {
		switch task {
		case TaskQuantError:
			layers := quantized
			if limit > 0 && len(layers) > limit {
				layers = layers[:limit]
			}
			res[task] = relativeError(layers)
		case TaskCoverage:
			total := dense + len(quantized)
			frac := 0.0
			if total > 0 {
				frac = float64(len(quantized)) / float64(total)
			}
			res[task] = map[string]float64{"fraction": frac, "quantized": float64(len(quantized)), "dense": float64(dense)}
		}
	}
	return res, nil
}

func relativeError(layers []effective) map[string]float64 {
	out := map[string]float64{"mean_rel_err": 0, "max_rel_err": 0, "layers": float64(len(layers))}
	if len(layers) == 0 {
		return out
	}
	var sum, worst float64
	for _, l := range layers {
		latent, _ := quant.Latent(l)
		eff := l.EffectiveWeight()
		var num, den float64
		for i, w := range latent {
			d := float64(eff[i] - w)
			num += d * d
			den += float64(w) * float64(w)
		}
		e := 0.0
		if den > 0 {
			e = math.Sqrt(num / den)
		}
		sum += e
		worst = math.Max(worst, e)
	}
	out["mean_rel_err"] = sum / float64(len(layers))
	out["max_rel_err"] = worst
	return out
}

// Call is one recorded Evaluate invocation.
type Call struct {
	ModelID string
	Tasks   []string
	Limit   int
}

// Recorder is an Evaluator that records its calls and returns fixed results.
type Recorder struct {
	mu      sync.Mutex
	Calls   []Call
	Results Results
	Err     error
}

func (r *Recorder) Evaluate(_ context.Context, _ nn.Module, modelID string, tasks []string, limit int) (Results, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, Call{ModelID: modelID, Tasks: append([]string(nil), tasks...), Limit: limit})
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Results, nil
}

// Format renders results as "task.metric=value" pairs in sorted order.
func Format(res Results) string {
	var parts []string
	for task, metrics := range res {
		for metric, v := range metrics {
			parts = append(parts, fmt.Sprintf("%s.%s=%.4f", task, metric, v))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

// AppendLog appends one line to the evaluation log at path, creating the
// file and its directory if needed.
func AppendLog(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, strings.TrimRight(line, "\n")); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
