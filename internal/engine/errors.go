package engine

import "fmt"

// InvariantError marks a fatal defect in the trace or in the engine
// itself (spec.md §7): a corrupted score, sender insolvency, a recipient
// receiving more than was sent, or a value-bearing call frame missing its
// recipient. The caller must abort the in-flight block without
// committing — these are never recovered from.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("engine: invariant violated in %s: %v", e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

func invariantf(op, format string, args ...interface{}) error {
	return &InvariantError{Op: op, Err: fmt.Errorf(format, args...)}
}
