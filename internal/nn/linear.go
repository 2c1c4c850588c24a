package nn

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync"
)

// Layer is the forward contract shared by dense and quantized projections:
// x is batch×in row-major, the result is batch×out.
type Layer interface {
	Module
	InFeatures() int
	OutFeatures() int
	Forward(x []float32, batch int) ([]float32, error)
}

// Linear is a dense full-precision projection y = x·Wᵀ + b with W stored
// out×in.
type Linear struct {
	Weight *Parameter
	Bias   *Parameter
}

// NewLinear wraps a weight (out×in) and an optional bias (out).
func NewLinear(weight, bias *Parameter) (*Linear, error) {
	if len(weight.Shape) != 2 {
		return nil, fmt.Errorf("linear weight must be 2-D, got shape %v", weight.Shape)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != weight.Shape[0]) {
		return nil, fmt.Errorf("bias shape %v does not match weight rows %d", bias.Shape, weight.Shape[0])
	}
	return &Linear{Weight: weight, Bias: bias}, nil
}

// RandomLinear builds a dense layer with N(0, 0.02) weights.
func RandomLinear(rng *rand.Rand, in, out int, bias bool) *Linear {
	w := NewParameter(out, in)
	for i := range w.Data {
		w.Data[i] = float32(rng.NormFloat64() * 0.02)
	}
	l := &Linear{Weight: w}
	if bias {
		l.Bias = NewParameter(out)
	}
	return l
}

func (l *Linear) Kind() string      { return KindLinear }
func (l *Linear) Children() []Child { return nil }
func (l *Linear) InFeatures() int   { return l.Weight.Shape[1] }
func (l *Linear) OutFeatures() int  { return l.Weight.Shape[0] }

func (l *Linear) Params() []NamedParam {
	ps := []NamedParam{{Name: "weight", Param: l.Weight}}
	if l.Bias != nil {
		ps = append(ps, NamedParam{Name: "bias", Param: l.Bias})
	}
	return ps
}

func (l *Linear) Forward(x []float32, batch int) ([]float32, error) {
	var b []float32
	if l.Bias != nil {
		b = l.Bias.Data
	}
	return LinearForward(x, l.Weight.Data, b, batch, l.InFeatures(), l.OutFeatures())
}

func (l *Linear) String() string {
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=%t)", l.InFeatures(), l.OutFeatures(), l.Bias != nil)
}

// LinearForward computes x·Wᵀ + b for W out×in, splitting batch rows across
// CPUs. bias may be nil.
func LinearForward(x, w, bias []float32, batch, in, out int) ([]float32, error) {
	if len(x) != batch*in {
		return nil, fmt.Errorf("input has %d values, want batch(%d) * in(%d)", len(x), batch, in)
	}
	if len(w) != out*in {
		return nil, fmt.Errorf("weight has %d values, want out(%d) * in(%d)", len(w), out, in)
	}
	y := make([]float32, batch*out)
	if batch == 0 {
		return y, nil
	}

	parallelism := runtime.NumCPU()
	chunkSize := (batch + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for i := 0; i < batch; i += chunkSize {
		end := i + chunkSize
		if end > batch {
			end = batch
		}
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			for row := rowStart; row < rowEnd; row++ {
				xr := x[row*in : (row+1)*in]
				for o := 0; o < out; o++ {
					wr := w[o*in : (o+1)*in]
					var sum float32
					for k, v := range xr {
						sum += v * wr[k]
					}
					if bias != nil {
						sum += bias[o]
					}
					y[row*out+o] = sum
				}
			}
		}(i, end)
	}
	wg.Wait()
	return y, nil
}
