// Package plan orders a model into the units that are substituted and
// retrained one after another.
package plan

import (
	"fmt"

	"github.com/23skdu/longbow-binarize/internal/errs"
	"github.com/23skdu/longbow-binarize/internal/nn"
)

type Granularity string

const (
	WholeModel Granularity = "whole_model"
	PerBlock   Granularity = "per_block"
	PerLinear  Granularity = "per_linear"
)

type Order string

const (
	Forward Order = "forward"
	Reverse Order = "reverse"
)

// DefaultBlockPaths are probed in order to find the decoder layer list
// (OPT, then LLaMA-style, then a bare layer list).
var DefaultBlockPaths = []string{"model.decoder.layers", "model.layers", "layers"}

// Unit is one step of the plan. Path is relative to the model root.
type Unit struct {
	Name   string
	Path   string
	Module nn.Module
}

type Options struct {
	Granularity Granularity
	Order       Order
	BlockPaths  []string
}

// ParseGranularity validates a granularity string.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case WholeModel, PerBlock, PerLinear:
		return g, nil
	}
	return "", &errs.ConfigurationError{Field: "granularity", Value: s, Reason: "not supported", Err: errs.ErrNotImplemented}
}

// ParseOrder validates an order string; empty means forward.
func ParseOrder(s string) (Order, error) {
	switch o := Order(s); o {
	case Forward, Reverse:
		return o, nil
	case "":
		return Forward, nil
	}
	return "", errs.Config("order", s, "must be forward or reverse")
}

// Build produces the ordered units for model. The order is fixed here; the
// returned slice is not reordered later.
func Build(model nn.Module, opts Options) ([]Unit, error) {
	if _, err := ParseGranularity(string(opts.Granularity)); err != nil {
		return nil, err
	}
	order, err := ParseOrder(string(opts.Order))
	if err != nil {
		return nil, err
	}

	switch opts.Granularity {
	case WholeModel:
		return []Unit{{Name: "whole_model", Path: "", Module: model}}, nil

	case PerBlock:
		paths := opts.BlockPaths
		if len(paths) == 0 {
			paths = DefaultBlockPaths
		}
		idx, err := nn.Index(model)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			list, ok := idx[p]
			if !ok {
				continue
			}
			var units []Unit
			for i, c := range list.Children() {
				units = append(units, Unit{Name: fmt.Sprintf("block%d", i), Path: nn.Join(p, c.Key), Module: c.Module})
			}
			if len(units) == 0 {
				return nil, errs.Config("granularity", opts.Granularity, fmt.Sprintf("block list %q is empty", p))
			}
			if order == Reverse {
				for i, j := 0, len(units)-1; i < j; i, j = i+1, j-1 {
					units[i], units[j] = units[j], units[i]
				}
			}
			return units, nil
		}
		return nil, errs.Config("granularity", opts.Granularity, fmt.Sprintf("no block list found at %v", paths))

	default: // PerLinear; order is not applied at this granularity
		linears, err := nn.DenseLinears(model)
		if err != nil {
			return nil, err
		}
		if len(linears) == 0 {
			return nil, errs.Config("granularity", opts.Granularity, "model has no dense linear layers")
		}
		units := make([]Unit, 0, len(linears))
		for _, l := range linears {
			units = append(units, Unit{Name: l.Name, Path: l.Name, Module: l.Module})
		}
		return units, nil
	}
}

// Names lists unit names in plan order.
func Names(units []Unit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Name
	}
	return out
}

// IndexOf returns the position of the named unit, or -1.
func IndexOf(units []Unit, name string) int {
	for i, u := range units {
		if u.Name == name {
			return i
		}
	}
	return -1
}

// Targets returns the dotted names of the dense linear layers each unit
// covers, keyed by unit name.
func Targets(units []Unit) (map[string][]string, error) {
	out := make(map[string][]string, len(units))
	for _, u := range units {
		if nn.IsDense(u.Module) {
			out[u.Name] = []string{u.Path}
			continue
		}
		linears, err := nn.DenseLinears(u.Module)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(linears))
		for i, l := range linears {
			names[i] = nn.Join(u.Path, l.Name)
		}
		out[u.Name] = names
	}
	return out, nil
}

// Verify checks that no dense layer is covered by two units and, for
// whole_model and per_linear, that every dense layer of model is covered.
// per_block leaves layers outside the block list (lm_head) dense. It must be
// called before any substitution.
func Verify(model nn.Module, g Granularity, units []Unit) error {
	targets, err := Targets(units)
	if err != nil {
		return err
	}
	owner := make(map[string]string)
	for _, u := range units {
		for _, name := range targets[u.Name] {
			if prev, ok := owner[name]; ok {
				return fmt.Errorf("layer %s covered by both %s and %s", name, prev, u.Name)
			}
			owner[name] = u.Name
		}
	}
	if g == PerBlock {
		return nil
	}
	linears, err := nn.DenseLinears(model)
	if err != nil {
		return err
	}
	for _, l := range linears {
		if _, ok := owner[l.Name]; !ok {
			return fmt.Errorf("layer %s not covered by any unit", l.Name)
		}
	}
	if len(owner) != len(linears) {
		return fmt.Errorf("plan covers %d layers, model has %d", len(owner), len(linears))
	}
	return nil
}
