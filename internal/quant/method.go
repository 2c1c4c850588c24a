// Package quant builds binary and low-bit replacements for dense linear
// layers.
package quant

import (
	"strings"

	"github.com/23skdu/longbow-binarize/internal/errs"
)

// Method is a base quantization scheme.
type Method int

const (
	MethodSTE    Method = iota // sign with straight-through estimator
	MethodIR                   // information-retaining balanced sign
	MethodFDA                  // sign with Fourier-series gradient approximation
	MethodXNOR                 // per-row scaled sign
	MethodBiReal               // scaled sign with polynomial sign approximation
	MethodLowBit               // N-bit uniform quantization
)

var methodNames = map[Method]string{
	MethodSTE:    "ste",
	MethodIR:     "ir",
	MethodFDA:    "fda",
	MethodXNOR:   "xnor",
	MethodBiReal: "bireal",
	MethodLowBit: "lowbit",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseMethodID resolves a plain method identifier.
func ParseMethodID(id string) (Method, error) {
	for m, s := range methodNames {
		if s == id {
			return m, nil
		}
	}
	if id == "lowbit_quant" {
		return MethodLowBit, nil
	}
	return 0, &errs.UnsupportedMethodError{Method: id}
}

// Outlier selects which weights bypass quantization.
type Outlier int

const (
	OutlierNone      Outlier = iota
	OutlierElement           // largest-magnitude individual weights
	OutlierColumn            // input columns with the largest weight norm
	OutlierActColumn         // input columns with the largest activation L1 norm
)

func (o Outlier) String() string {
	switch o {
	case OutlierNone:
		return "none"
	case OutlierElement:
		return "outlier"
	case OutlierColumn:
		return "outlier_column"
	case OutlierActColumn:
		return "act_outlier_column"
	default:
		return "unknown"
	}
}

// ParseSpec splits a composite method string such as
// "xnor_act_outlier_column" into its base method and outlier policy.
// Any unrecognized base or suffix is an UnsupportedMethodError.
func ParseSpec(spec string) (Method, Outlier, error) {
	base, suffix := spec, ""
	if strings.HasPrefix(spec, "lowbit_quant") {
		base, suffix = "lowbit_quant", strings.TrimPrefix(spec, "lowbit_quant")
	} else if i := strings.IndexByte(spec, '_'); i >= 0 {
		base, suffix = spec[:i], spec[i:]
	}

	m, err := ParseMethodID(base)
	if err != nil {
		return 0, 0, &errs.UnsupportedMethodError{Method: spec}
	}

	var o Outlier
	switch suffix {
	case "":
		o = OutlierNone
	case "_outlier", "_except_outlier":
		o = OutlierElement
	case "_outlier_column", "_except_outlier_column":
		o = OutlierColumn
	case "_act_outlier_column":
		o = OutlierActColumn
	default:
		return 0, 0, &errs.UnsupportedMethodError{Method: spec}
	}
	return m, o, nil
}
