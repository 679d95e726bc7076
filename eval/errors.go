package eval

import (
	"errors"
	"fmt"

	"github.com/chazu/pare/classfile"
)

// ErrNonTermination reports that the fixpoint exceeded its visit budget.
var ErrNonTermination = errors.New("evaluation did not terminate")

// AnalysisError is a failure to evaluate a method. It wraps
// classfile.ErrMalformed or ErrNonTermination.
type AnalysisError struct {
	Method string // owner.name+descriptor
	Offset int    // -1 when the failure is not tied to an instruction
	Reason string
	Err    error
}

func (e *AnalysisError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("%s: %s: %v", e.Method, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s at %d: %s: %v", e.Method, e.Offset, e.Reason, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

func malformed(method string, offset int, format string, args ...any) *AnalysisError {
	return &AnalysisError{
		Method: method,
		Offset: offset,
		Reason: fmt.Sprintf(format, args...),
		Err:    classfile.ErrMalformed,
	}
}
