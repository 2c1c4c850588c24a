package quant

import (
	"fmt"

	"github.com/23skdu/longbow-binarize/internal/nn"
)

// BinaryLinear keeps a latent full-precision weight and quantizes it on the
// fly. Scale is a trainable per-output-row multiplier initialised to 1.
// Mask, when present, marks weights excluded from the quantized core
// (1 = excluded); it is never trainable.
type BinaryLinear struct {
	scheme Scheme
	Weight *nn.Parameter
	Bias   *nn.Parameter
	Scale  *nn.Parameter
	Mask   *nn.Parameter
}

func newBinaryLinear(s Scheme, weight, bias *nn.Parameter) *BinaryLinear {
	scale := nn.NewParameter(weight.Shape[0])
	for i := range scale.Data {
		scale.Data[i] = 1
	}
	return &BinaryLinear{scheme: s, Weight: weight, Bias: bias, Scale: scale}
}

func (b *BinaryLinear) Kind() string         { return "qlinear_" + b.scheme.Method().String() }
func (b *BinaryLinear) Children() []nn.Child { return nil }
func (b *BinaryLinear) InFeatures() int      { return b.Weight.Shape[1] }
func (b *BinaryLinear) OutFeatures() int     { return b.Weight.Shape[0] }

// Scheme returns the quantization strategy.
func (b *BinaryLinear) Scheme() Scheme { return b.scheme }

func (b *BinaryLinear) Params() []nn.NamedParam {
	ps := []nn.NamedParam{{Name: "weight", Param: b.Weight}}
	if b.Bias != nil {
		ps = append(ps, nn.NamedParam{Name: "bias", Param: b.Bias})
	}
	ps = append(ps, nn.NamedParam{Name: "scale", Param: b.Scale})
	if b.Mask != nil {
		ps = append(ps, nn.NamedParam{Name: "outlier_mask", Param: b.Mask})
	}
	return ps
}

func (b *BinaryLinear) excluded() []bool {
	if b.Mask == nil {
		return nil
	}
	ex := make([]bool, len(b.Mask.Data))
	for i, v := range b.Mask.Data {
		ex[i] = v != 0
	}
	return ex
}

// Quantized returns sign/low-bit codes of the latent weight before row scaling.
func (b *BinaryLinear) Quantized() []float32 {
	rows, cols := b.OutFeatures(), b.InFeatures()
	q := make([]float32, rows*cols)
	b.scheme.Quantize(q, b.Weight.Data, b.excluded(), rows, cols)
	return q
}

// EffectiveWeight is the weight the forward pass multiplies by.
func (b *BinaryLinear) EffectiveWeight() []float32 {
	q := b.Quantized()
	cols := b.InFeatures()
	for r, s := range b.Scale.Data {
		row := q[r*cols : (r+1)*cols]
		for c := range row {
			row[c] *= s
		}
	}
	return q
}

func (b *BinaryLinear) Forward(x []float32, batch int) ([]float32, error) {
	return nn.LinearForward(x, b.EffectiveWeight(), biasData(b.Bias), batch, b.InFeatures(), b.OutFeatures())
}

func (b *BinaryLinear) String() string {
	return fmt.Sprintf("%s(in_features=%d, out_features=%d, bias=%t)", b.Kind(), b.InFeatures(), b.OutFeatures(), b.Bias != nil)
}

// OutlierLinear routes outlier weights through a dense full-precision
// residual and everything else through a quantized core.
type OutlierLinear struct {
	Core     *BinaryLinear
	Residual *nn.Parameter
	Policy   Outlier
	Fraction float64
	Outliers int
}

func (o *OutlierLinear) Kind() string         { return "outlier_" + o.Core.Kind() }
func (o *OutlierLinear) Children() []nn.Child { return nil }
func (o *OutlierLinear) InFeatures() int      { return o.Core.InFeatures() }
func (o *OutlierLinear) OutFeatures() int     { return o.Core.OutFeatures() }

func (o *OutlierLinear) Params() []nn.NamedParam {
	return append(o.Core.Params(), nn.NamedParam{Name: "outlier_weight", Param: o.Residual})
}

// EffectiveWeight adds the residual onto the quantized core.
func (o *OutlierLinear) EffectiveWeight() []float32 {
	w := o.Core.EffectiveWeight()
	for i, v := range o.Residual.Data {
		w[i] += v
	}
	return w
}

func (o *OutlierLinear) Forward(x []float32, batch int) ([]float32, error) {
	return nn.LinearForward(x, o.EffectiveWeight(), biasData(o.Core.Bias), batch, o.InFeatures(), o.OutFeatures())
}

func (o *OutlierLinear) String() string {
	return fmt.Sprintf("%s(in_features=%d, out_features=%d, policy=%s, fraction=%g, outliers=%d)",
		o.Kind(), o.InFeatures(), o.OutFeatures(), o.Policy, o.Fraction, o.Outliers)
}

// Latent returns the latent full-precision weight, the reference the
// quantized layer approximates.
func Latent(l nn.Layer) ([]float32, bool) {
	switch v := l.(type) {
	case *BinaryLinear:
		return v.Weight.Data, true
	case *OutlierLinear:
		return v.Core.Weight.Data, true
	}
	return nil, false
}

// IsQuantized reports whether m is one of this package's layers.
func IsQuantized(m nn.Module) bool {
	switch m.(type) {
	case *BinaryLinear, *OutlierLinear:
		return true
	}
	return false
}

func biasData(p *nn.Parameter) []float32 {
	if p == nil {
		return nil
	}
	return p.Data
}
