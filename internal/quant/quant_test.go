package quant

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-binarize/internal/errs"
	"github.com/23skdu/longbow-binarize/internal/nn"
)

func denseLayer(t *testing.T, rows, cols int, bias bool) *nn.Linear {
	t.Helper()
	return nn.RandomLinear(rand.New(rand.NewSource(42)), cols, rows, bias)
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		spec    string
		method  Method
		outlier Outlier
	}{
		{"ste", MethodSTE, OutlierNone},
		{"ir", MethodIR, OutlierNone},
		{"fda", MethodFDA, OutlierNone},
		{"xnor", MethodXNOR, OutlierNone},
		{"bireal", MethodBiReal, OutlierNone},
		{"lowbit", MethodLowBit, OutlierNone},
		{"lowbit_quant", MethodLowBit, OutlierNone},
		{"ste_outlier", MethodSTE, OutlierElement},
		{"xnor_outlier", MethodXNOR, OutlierElement},
		{"xnor_outlier_column", MethodXNOR, OutlierColumn},
		{"ir_outlier_column", MethodIR, OutlierColumn},
		{"xnor_act_outlier_column", MethodXNOR, OutlierActColumn},
		{"fda_act_outlier_column", MethodFDA, OutlierActColumn},
		{"bireal_act_outlier_column", MethodBiReal, OutlierActColumn},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			m, o, err := ParseSpec(tt.spec)
			if err != nil {
				t.Fatalf("ParseSpec(%q): %v", tt.spec, err)
			}
			if m != tt.method || o != tt.outlier {
				t.Errorf("ParseSpec(%q) = (%v, %v), want (%v, %v)", tt.spec, m, o, tt.method, tt.outlier)
			}
		})
	}
}

func TestParseSpecUnsupported(t *testing.T) {
	for _, spec := range []string{"", "ternary", "xnor_sideways", "xnorish"} {
		_, _, err := ParseSpec(spec)
		var ue *errs.UnsupportedMethodError
		if !errors.As(err, &ue) {
			t.Errorf("ParseSpec(%q): expected UnsupportedMethodError, got %v", spec, err)
		}
	}
}

func TestNewFactoryRejectsFraction(t *testing.T) {
	for _, f := range []float64{-0.1, 1, 1.2, math.NaN()} {
		_, err := NewFactory(Options{Method: MethodIR, Outlier: OutlierColumn, Fraction: f})
		if !errs.IsConfiguration(err) {
			t.Errorf("fraction %v: expected ConfigurationError, got %v", f, err)
		}
	}
}

func TestNewFactoryValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"bits too high", Options{Method: MethodLowBit, Bits: 9}},
		{"bits too low", Options{Method: MethodLowBit, Bits: 1}},
		{"act without stats", Options{Method: MethodXNOR, Outlier: OutlierActColumn, Fraction: 0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFactory(tt.opts); !errs.IsConfiguration(err) {
				t.Errorf("expected ConfigurationError, got %v", err)
			}
		})
	}
	if _, err := NewFactory(Options{Method: Method(99)}); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestCreatePreservesShapeContract(t *testing.T) {
	methods := []Method{MethodSTE, MethodIR, MethodFDA, MethodXNOR, MethodBiReal, MethodLowBit}
	policies := []Outlier{OutlierNone, OutlierElement, OutlierColumn}

	x := make([]float32, 3*12)
	for i := range x {
		x[i] = float32(i%5) - 2
	}
	for _, m := range methods {
		for _, p := range policies {
			t.Run(m.String()+"/"+p.String(), func(t *testing.T) {
				dense := denseLayer(t, 6, 12, true)
				f, err := NewFactory(Options{Method: m, Outlier: p, Fraction: 0.25})
				if err != nil {
					t.Fatal(err)
				}
				q, err := f.Create("layer", dense)
				if err != nil {
					t.Fatal(err)
				}
				if q.InFeatures() != 12 || q.OutFeatures() != 6 {
					t.Errorf("got %dx%d, want 12->6", q.InFeatures(), q.OutFeatures())
				}
				y, err := q.Forward(x, 3)
				if err != nil {
					t.Fatal(err)
				}
				if len(y) != 3*6 {
					t.Errorf("expected %d outputs, got %d", 18, len(y))
				}
				if q.(nn.Module).Params()[0].Param != dense.Weight {
					t.Error("expected the dense weight parameter to be reused")
				}
			})
		}
	}
}

func TestXNORScalesRows(t *testing.T) {
	w := nn.NewParameterFrom([]float32{1, -3, 2, -2}, 2, 2)
	dense, _ := nn.NewLinear(w, nil)
	f, _ := NewFactory(Options{Method: MethodXNOR})
	q, _ := f.Create("l", dense)
	got := q.(*BinaryLinear).EffectiveWeight()
	want := []float32{2, -2, 2, -2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("xnor weight mismatch (-want +got):\n%s", diff)
	}
}

func TestSTESign(t *testing.T) {
	w := nn.NewParameterFrom([]float32{0.3, 0, -0.1, 5}, 1, 4)
	dense, _ := nn.NewLinear(w, nil)
	f, _ := NewFactory(Options{Method: MethodSTE})
	q, _ := f.Create("l", dense)
	got := q.(*BinaryLinear).Quantized()
	if diff := cmp.Diff([]float32{1, 1, -1, 1}, got); diff != "" {
		t.Errorf("ste sign mismatch:\n%s", diff)
	}
}

func TestLowBitLevels(t *testing.T) {
	data := make([]float32, 64)
	for i := range data {
		data[i] = float32(i) / 63
	}
	dense, _ := nn.NewLinear(nn.NewParameterFrom(data, 1, 64), nil)
	f, _ := NewFactory(Options{Method: MethodLowBit, Bits: 2})
	q, _ := f.Create("l", dense)
	distinct := map[float32]bool{}
	for _, v := range q.(*BinaryLinear).Quantized() {
		distinct[v] = true
	}
	if len(distinct) > 4 {
		t.Errorf("2-bit quantization produced %d levels", len(distinct))
	}
}

func TestColumnOutliers(t *testing.T) {
	// column 2 has by far the largest norm
	w := nn.NewParameterFrom([]float32{
		0.1, -0.1, 9, 0.2,
		-0.2, 0.1, -8, 0.1,
	}, 2, 4)
	dense, _ := nn.NewLinear(w, nil)
	f, _ := NewFactory(Options{Method: MethodXNOR, Outlier: OutlierColumn, Fraction: 0.25})
	l, err := f.Create("l", dense)
	if err != nil {
		t.Fatal(err)
	}
	o := l.(*OutlierLinear)
	if o.Outliers != 1 {
		t.Fatalf("expected 1 outlier column, got %d", o.Outliers)
	}
	wantMask := []float32{0, 0, 1, 0, 0, 0, 1, 0}
	if diff := cmp.Diff(wantMask, o.Core.Mask.Data); diff != "" {
		t.Errorf("mask mismatch:\n%s", diff)
	}
	eff := o.EffectiveWeight()
	if eff[2] != 9 || eff[6] != -8 {
		t.Errorf("outlier column should stay full precision, got %v", eff)
	}
	if o.Core.Mask.RequiresGrad {
		t.Error("mask must not be trainable")
	}
	if !o.Residual.RequiresGrad {
		t.Error("residual should be trainable")
	}
}

func TestActColumnOutliers(t *testing.T) {
	dense := denseLayer(t, 3, 5, false)
	stats := StaticStats{"model.l": {0.1, 7, 0.3, 0.2, 6}}
	f, err := NewFactory(Options{Method: MethodIR, Outlier: OutlierActColumn, Fraction: 0.4, Stats: stats})
	if err != nil {
		t.Fatal(err)
	}
	l, err := f.Create("model.l", dense)
	if err != nil {
		t.Fatal(err)
	}
	mask := l.(*OutlierLinear).Core.Mask.Data
	for r := 0; r < 3; r++ {
		for c := 0; c < 5; c++ {
			want := float32(0)
			if c == 1 || c == 4 {
				want = 1
			}
			if mask[r*5+c] != want {
				t.Errorf("mask[%d,%d] = %v, want %v", r, c, mask[r*5+c], want)
			}
		}
	}

	if _, err := f.Create("model.other", dense); !errs.IsConfiguration(err) {
		t.Errorf("expected ConfigurationError for missing stats, got %v", err)
	}
}

func TestElementOutliersCount(t *testing.T) {
	dense := denseLayer(t, 4, 10, false)
	f, _ := NewFactory(Options{Method: MethodSTE, Outlier: OutlierElement, Fraction: 0.05})
	l, _ := f.Create("l", dense)
	o := l.(*OutlierLinear)
	if o.Outliers != 2 {
		t.Errorf("expected 2 element outliers, got %d", o.Outliers)
	}
	var n int
	for _, v := range o.Core.Mask.Data {
		if v != 0 {
			n++
		}
	}
	if n != 2 {
		t.Errorf("expected 2 masked entries, got %d", n)
	}
}

func TestCreateMarksTrainable(t *testing.T) {
	dense := denseLayer(t, 2, 2, true)
	f, _ := NewFactory(Options{Method: MethodBiReal})
	l, _ := f.Create("l", dense)
	for _, p := range l.Params() {
		if !p.Param.RequiresGrad {
			t.Errorf("%s should be trainable after substitution", p.Name)
		}
	}
}
