package quant

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-binarize/internal/errs"
	"github.com/23skdu/longbow-binarize/internal/nn"
)

const DefaultLowBits = 4

// ActivationStats supplies per-input-column activation L1 norms collected on
// calibration data, keyed by the layer's full dotted name.
type ActivationStats interface {
	ColumnL1(layer string) ([]float32, bool)
}

// StaticStats is an in-memory ActivationStats.
type StaticStats map[string][]float32

func (s StaticStats) ColumnL1(layer string) ([]float32, bool) {
	v, ok := s[layer]
	return v, ok
}

// Options configures a Factory.
type Options struct {
	Method   Method
	Outlier  Outlier
	Fraction float64 // share of weights (or columns) kept in full precision
	Bits     int     // LowBit only; DefaultLowBits when zero
	Stats    ActivationStats
}

// Factory creates quantized replacements. The scheme is resolved once at
// construction and reused for every layer.
type Factory struct {
	opts   Options
	scheme Scheme
}

// NewFactory validates opts eagerly; nothing is allocated for an invalid
// configuration.
func NewFactory(opts Options) (*Factory, error) {
	if _, ok := methodNames[opts.Method]; !ok {
		return nil, &errs.UnsupportedMethodError{Method: fmt.Sprintf("method(%d)", int(opts.Method))}
	}
	if math.IsNaN(opts.Fraction) || opts.Fraction < 0 || opts.Fraction >= 1 {
		return nil, errs.Config("outlier_fraction", opts.Fraction, "must be in [0, 1)")
	}
	if opts.Outlier < OutlierNone || opts.Outlier > OutlierActColumn {
		return nil, errs.Config("outlier_policy", int(opts.Outlier), "unknown policy")
	}
	if opts.Method == MethodLowBit {
		if opts.Bits == 0 {
			opts.Bits = DefaultLowBits
		}
		if opts.Bits < 2 || opts.Bits > 8 {
			return nil, errs.Config("bits", opts.Bits, "must be between 2 and 8")
		}
	}
	if opts.Outlier == OutlierActColumn && opts.Stats == nil {
		return nil, errs.Config("outlier_policy", opts.Outlier, "activation statistics required")
	}
	return &Factory{opts: opts, scheme: newScheme(opts.Method, opts.Bits)}, nil
}

func (f *Factory) Options() Options { return f.opts }
func (f *Factory) Scheme() Scheme   { return f.scheme }

func (f *Factory) String() string {
	if f.opts.Outlier == OutlierNone {
		return f.opts.Method.String()
	}
	return fmt.Sprintf("%s_%s(%g)", f.opts.Method, f.opts.Outlier, f.opts.Fraction)
}

// Create builds the replacement for dense, reusing its weight and bias
// parameters. name is the layer's full dotted path. The result's trainable
// parameters have RequiresGrad set.
func (f *Factory) Create(name string, dense *nn.Linear) (nn.Layer, error) {
	if dense == nil || dense.Weight == nil {
		return nil, fmt.Errorf("%s: no dense weight to quantize", name)
	}
	core := newBinaryLinear(f.scheme, dense.Weight, dense.Bias)
	if f.opts.Outlier == OutlierNone {
		markTrainable(core.Params())
		return core, nil
	}

	rows, cols := dense.OutFeatures(), dense.InFeatures()
	mask, n, err := f.selectOutliers(name, dense.Weight.Data, rows, cols)
	if err != nil {
		return nil, err
	}
	core.Mask = nn.NewParameterFrom(mask, rows, cols)

	residual := nn.NewParameter(rows, cols)
	for i, m := range mask {
		if m != 0 {
			residual.Data[i] = dense.Weight.Data[i]
		}
	}

	o := &OutlierLinear{Core: core, Residual: residual, Policy: f.opts.Outlier, Fraction: f.opts.Fraction, Outliers: n}
	markTrainable(o.Params())
	core.Mask.RequiresGrad = false
	return o, nil
}

// selectOutliers returns a rows×cols 0/1 mask and the number of selected
// elements (Element) or columns (Column, ActColumn).
func (f *Factory) selectOutliers(name string, w []float32, rows, cols int) ([]float32, int, error) {
	mask := make([]float32, rows*cols)

	switch f.opts.Outlier {
	case OutlierElement:
		k := int(f.opts.Fraction * float64(len(w)))
		scores := make([]float64, len(w))
		for i, v := range w {
			scores[i] = math.Abs(float64(v))
		}
		for _, i := range topK(scores, k) {
			mask[i] = 1
		}
		return mask, k, nil

	case OutlierColumn, OutlierActColumn:
		scores := make([]float64, cols)
		if f.opts.Outlier == OutlierColumn {
			col := make([]float64, rows)
			for c := 0; c < cols; c++ {
				for r := 0; r < rows; r++ {
					col[r] = float64(w[r*cols+c])
				}
				scores[c] = floats.Norm(col, 2)
			}
		} else {
			l1, ok := f.opts.Stats.ColumnL1(name)
			if !ok {
				return nil, 0, errs.Config("activation_stats", name, "no statistics for layer")
			}
			if len(l1) != cols {
				return nil, 0, errs.Config("activation_stats", name, fmt.Sprintf("have %d columns, layer has %d", len(l1), cols))
			}
			for c, v := range l1 {
				scores[c] = float64(v)
			}
		}
		k := int(f.opts.Fraction * float64(cols))
		for _, c := range topK(scores, k) {
			for r := 0; r < rows; r++ {
				mask[r*cols+c] = 1
			}
		}
		return mask, k, nil
	}
	return mask, 0, nil
}

// topK returns the indices of the k largest scores.
func topK(scores []float64, k int) []int {
	if k <= 0 {
		return nil
	}
	s := make([]float64, len(scores))
	copy(s, scores)
	inds := make([]int, len(s))
	floats.Argsort(s, inds)
	return inds[len(inds)-k:]
}

func markTrainable(ps []nn.NamedParam) {
	for _, p := range ps {
		p.Param.RequiresGrad = true
	}
}
