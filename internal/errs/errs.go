// Package errs holds the error taxonomy shared by the quantization pipeline.
package errs

import (
	"errors"
	"fmt"
)

// ErrNotImplemented marks a requested mode that exists in the vocabulary
// but has no implementation (e.g. an unknown granularity).
var ErrNotImplemented = errors.New("not implemented")

// ConfigurationError reports an invalid method/granularity/outlier setting.
// It is always raised before the model is mutated.
type ConfigurationError struct {
	Field  string
	Value  interface{}
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %v (%s)", e.Field, e.Value, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Config is a shorthand constructor for ConfigurationError.
func Config(field string, value interface{}, reason string) error {
	return &ConfigurationError{Field: field, Value: value, Reason: reason}
}

// UnsupportedMethodError is returned for an unrecognized binarization method.
type UnsupportedMethodError struct {
	Method string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("not supported binarization method %q", e.Method)
}

// CorruptCheckpointError reports a persisted checkpoint whose structure does
// not match the expected schema.
type CorruptCheckpointError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptCheckpointError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt checkpoint %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt checkpoint %s: %s", e.Path, e.Reason)
}

func (e *CorruptCheckpointError) Unwrap() error { return e.Err }

// Corrupt is a shorthand constructor for CorruptCheckpointError.
func Corrupt(path, format string, args ...interface{}) error {
	return &CorruptCheckpointError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// TrainingFailure wraps resource exhaustion or numerical divergence during
// a training stage. Step is the 1-based step that failed, 0 if unknown.
type TrainingFailure struct {
	Unit string
	Step int
	Err  error
}

func (e *TrainingFailure) Error() string {
	return fmt.Sprintf("training failed in unit %s at step %d: %v", e.Unit, e.Step, e.Err)
}

func (e *TrainingFailure) Unwrap() error { return e.Err }

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
