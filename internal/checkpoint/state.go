// Package checkpoint persists full model snapshots between scheduler stages.
//
// A checkpoint is a directory holding model.arrow (an Arrow IPC file with one
// row per parameter) and manifest.json (run metadata and the module list).
package checkpoint

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/23skdu/longbow-binarize/internal/errs"
	"github.com/23skdu/longbow-binarize/internal/nn"
)

const (
	TensorFile   = "model.arrow"
	ManifestFile = "manifest.json"
	FormatV1     = 1
)

// ModuleEntry records one module of the saved tree.
type ModuleEntry struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// Meta is the manifest content.
type Meta struct {
	Format          int           `json:"format"`
	RunID           string        `json:"run_id"`
	ModelID         string        `json:"model_id"`
	Granularity     string        `json:"granularity"`
	Unit            string        `json:"unit"`
	Method          string        `json:"method"`
	OutlierFraction float64       `json:"outlier_fraction"`
	CreatedAt       time.Time     `json:"created_at"`
	Modules         []ModuleEntry `json:"modules"`
}

// Tensor is one saved parameter.
type Tensor struct {
	Module    string
	Kind      string
	Name      string
	Shape     []int
	Data      []float32
	Trainable bool
}

// FullName is the parameter's dotted path in the model.
func (t Tensor) FullName() string { return nn.Join(t.Module, t.Name) }

// State is an in-memory snapshot.
type State struct {
	Path    string
	Meta    Meta
	Tensors []Tensor
}

// Capture snapshots model. Parameter data is copied so later training does
// not alter the snapshot.
func Capture(model nn.Module, meta Meta) (*State, error) {
	st := &State{Meta: meta}
	st.Meta.Format = FormatV1
	st.Meta.Modules = nil
	err := nn.Walk(model, func(name string, m nn.Module) error {
		st.Meta.Modules = append(st.Meta.Modules, ModuleEntry{Path: name, Kind: m.Kind()})
		for _, p := range m.Params() {
			data := make([]float32, len(p.Param.Data))
			copy(data, p.Param.Data)
			st.Tensors = append(st.Tensors, Tensor{
				Module:    name,
				Kind:      m.Kind(),
				Name:      p.Name,
				Shape:     append([]int(nil), p.Param.Shape...),
				Data:      data,
				Trainable: p.Param.RequiresGrad,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Apply copies the snapshot into model after checking that module names,
// kinds, parameter names and shapes match exactly. Nothing is written into
// the model unless the whole schema matches.
func (s *State) Apply(model nn.Module) error {
	named, err := nn.NamedModules(model)
	if err != nil {
		return err
	}
	if len(named) != len(s.Meta.Modules) {
		return errs.Corrupt(s.Path, "checkpoint has %d modules, model has %d", len(s.Meta.Modules), len(named))
	}
	for i, n := range named {
		want := s.Meta.Modules[i]
		if want.Path != n.Name {
			return errs.Corrupt(s.Path, "module %d is %q, model has %q", i, want.Path, n.Name)
		}
		if want.Kind != n.Module.Kind() {
			return errs.Corrupt(s.Path, "module %q is %s, model has %s", n.Name, want.Kind, n.Module.Kind())
		}
	}

	saved := make(map[string]*Tensor, len(s.Tensors))
	for i := range s.Tensors {
		saved[s.Tensors[i].FullName()] = &s.Tensors[i]
	}
	params, err := nn.Parameters(model)
	if err != nil {
		return err
	}
	if len(params) != len(saved) {
		return errs.Corrupt(s.Path, "checkpoint has %d parameters, model has %d", len(saved), len(params))
	}
	for _, p := range params {
		t, ok := saved[p.Name]
		if !ok {
			return errs.Corrupt(s.Path, "missing parameter %s", p.Name)
		}
		if !sameShape(t.Shape, p.Param.Shape) {
			return errs.Corrupt(s.Path, "parameter %s has shape %v, model has %v", p.Name, t.Shape, p.Param.Shape)
		}
		if len(t.Data) != p.Param.Numel() {
			return errs.Corrupt(s.Path, "parameter %s has %d values for shape %v", p.Name, len(t.Data), t.Shape)
		}
	}

	for _, p := range params {
		t := saved[p.Name]
		copy(p.Param.Data, t.Data)
		p.Param.RequiresGrad = t.Trainable
	}
	return nil
}

// Bytes is the raw tensor payload size.
func (s *State) Bytes() int64 {
	var n int64
	for _, t := range s.Tensors {
		n += int64(len(t.Data)) * 4
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FormatFraction renders an outlier fraction the way checkpoint directory
// names carry it ("0.05", "0.0").
func FormatFraction(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// UnitDir derives {saveDir}/{granularity}/{model}_o{fraction}_{unit}.
// Slashes in the model id become underscores.
func UnitDir(saveDir, granularity, modelID string, fraction float64, unit string) string {
	id := strings.ReplaceAll(modelID, "/", "_")
	return filepath.Join(saveDir, granularity, fmt.Sprintf("%s_o%s_%s", id, FormatFraction(fraction), unit))
}
