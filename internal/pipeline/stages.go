package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stage names one step of per-item or group processing.
type Stage string

const (
	StageValidate Stage = "VALIDATE"
	StageAnalyze  Stage = "ANALYZE"
	StageEnrich   Stage = "ENRICH"
	StageContract Stage = "CONTRACT"
	StageFallback Stage = "FALLBACK"
	StageRender   Stage = "RENDER"
	StageMemory   Stage = "MEMORY"
	StageAudit    Stage = "AUDIT"
	StageGroup    Stage = "GROUP"
)

// StageError wraps a failure, including a recovered panic, with the stage
// it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// runStage runs fn and converts both returned errors and panics into a
// *StageError so one item can never take the batch down.
func runStage(stage Stage, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &StageError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if e := fn(); e != nil {
		return &StageError{Stage: stage, Err: e}
	}
	return nil
}

func contractViolation(errs []string) error {
	return fmt.Errorf("contract violation: %s", strings.Join(errs, "; "))
}

func marshalRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
