package persist

import (
	"context"
	"errors"
	"fmt"
)

// Status classifies the outcome of a best-effort persistence operation.
type Status int

const (
	// Succeeded means the write landed.
	Succeeded Status = iota
	// FailedContinue means the write failed but the batch keeps going.
	FailedContinue
	// FailedStop means the write failed and the batch must stop.
	FailedStop
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case FailedContinue:
		return "failed_continue"
	case FailedStop:
		return "failed_stop"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is returned by every memory and audit write.
type Result struct {
	Op     string
	Status Status
	Err    error
}

// OK reports a successful write.
func OK(op string) Result {
	return Result{Op: op, Status: Succeeded}
}

// FromError classifies err. Context cancellation stops the batch; anything
// else is logged by the caller and the batch continues.
func FromError(op string, err error) Result {
	if err == nil {
		return OK(op)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Result{Op: op, Status: FailedStop, Err: err}
	}
	return Result{Op: op, Status: FailedContinue, Err: err}
}

func (r Result) OK() bool   { return r.Status == Succeeded }
func (r Result) Stop() bool { return r.Status == FailedStop }

func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", r.Op, r.Err)
}
