package quant

import (
	"math"
)

// Scheme turns a latent full-precision weight matrix into its quantized
// (dequantized) value. Entries with excluded[i] set are skipped in the row
// statistics and written as zero. excluded may be nil.
//
// The reference schemes here fix the forward value only; how gradients flow
// through the rounding is named by Estimator and left to the stepper.
type Scheme interface {
	Method() Method
	Quantize(dst, w []float32, excluded []bool, rows, cols int)
	Estimator() string
}

func newScheme(m Method, bits int) Scheme {
	switch m {
	case MethodSTE:
		return signScheme{method: m, estimator: "identity"}
	case MethodXNOR:
		return signScheme{method: m, scaled: true, estimator: "clipped_identity"}
	case MethodFDA:
		return signScheme{method: m, scaled: true, estimator: "fourier_series"}
	case MethodBiReal:
		return signScheme{method: m, scaled: true, estimator: "approx_sign"}
	case MethodIR:
		return irScheme{}
	case MethodLowBit:
		return lowBitScheme{bits: bits}
	}
	return nil
}

func sign(v float32) float32 {
	if v < 0 {
		return -1
	}
	return 1
}

func kept(excluded []bool, i int) bool {
	return excluded == nil || !excluded[i]
}

// signScheme is sign(w), optionally scaled per row by mean |w|.
type signScheme struct {
	method    Method
	scaled    bool
	estimator string
}

func (s signScheme) Method() Method    { return s.method }
func (s signScheme) Estimator() string { return s.estimator }

func (s signScheme) Quantize(dst, w []float32, excluded []bool, rows, cols int) {
	for r := 0; r < rows; r++ {
		off := r * cols
		alpha := float32(1)
		if s.scaled {
			var sum float64
			n := 0
			for c := 0; c < cols; c++ {
				if kept(excluded, off+c) {
					sum += math.Abs(float64(w[off+c]))
					n++
				}
			}
			if n > 0 {
				alpha = float32(sum / float64(n))
			}
		}
		for c := 0; c < cols; c++ {
			i := off + c
			if kept(excluded, i) {
				dst[i] = alpha * sign(w[i])
			} else {
				dst[i] = 0
			}
		}
	}
}

// irScheme balances each row to zero mean and unit variance before taking
// the sign, then applies a power-of-two scale. The row deviation is folded
// back so the result lives on the original weight scale.
type irScheme struct{}

func (irScheme) Method() Method    { return MethodIR }
func (irScheme) Estimator() string { return "error_decay" }

func (irScheme) Quantize(dst, w []float32, excluded []bool, rows, cols int) {
	for r := 0; r < rows; r++ {
		off := r * cols
		var sum, sq float64
		n := 0
		for c := 0; c < cols; c++ {
			if kept(excluded, off+c) {
				v := float64(w[off+c])
				sum += v
				sq += v * v
				n++
			}
		}
		if n == 0 {
			for c := 0; c < cols; c++ {
				dst[off+c] = 0
			}
			continue
		}
		mean := sum / float64(n)
		std := math.Sqrt(math.Max(sq/float64(n)-mean*mean, 0))
		if std == 0 {
			std = 1
		}
		var l1 float64
		for c := 0; c < cols; c++ {
			if kept(excluded, off+c) {
				l1 += math.Abs((float64(w[off+c]) - mean) / std)
			}
		}
		scale := 1.0
		if l1 > 0 {
			scale = math.Exp2(math.Round(math.Log2(l1 / float64(n))))
		}
		alpha := float32(scale * std)
		for c := 0; c < cols; c++ {
			i := off + c
			if kept(excluded, i) {
				dst[i] = alpha * sign(float32(float64(w[i])-mean))
			} else {
				dst[i] = 0
			}
		}
	}
}

// lowBitScheme is per-row asymmetric uniform quantization with 2^bits levels.
type lowBitScheme struct {
	bits int
}

func (lowBitScheme) Method() Method    { return MethodLowBit }
func (lowBitScheme) Estimator() string { return "straight_through" }

func (s lowBitScheme) Quantize(dst, w []float32, excluded []bool, rows, cols int) {
	levels := float32(int(1)<<s.bits - 1)
	for r := 0; r < rows; r++ {
		off := r * cols
		lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
		for c := 0; c < cols; c++ {
			if kept(excluded, off+c) {
				v := w[off+c]
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
		}
		scale := (hi - lo) / levels
		for c := 0; c < cols; c++ {
			i := off + c
			switch {
			case !kept(excluded, i):
				dst[i] = 0
			case scale <= 0:
				dst[i] = w[i]
			default:
				zp := float32(math.Round(float64(-lo / scale)))
				q := float32(math.Round(float64(w[i]/scale))) + zp
				if q < 0 {
					q = 0
				}
				if q > levels {
					q = levels
				}
				dst[i] = (q - zp) * scale
			}
		}
	}
}
