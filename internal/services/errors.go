package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingInput   = errors.New("missing input")
	ErrAmbiguousInput = errors.New("ambiguous input")
	ErrShapeOrValue   = errors.New("shape or value error")
	ErrExternalTool   = errors.New("external tool error")
	ErrConfiguration  = errors.New("configuration error")
)

// Outcome labels used in the run ledger and batch summaries.
const (
	OutcomeSucceeded      = "succeeded"
	OutcomeSkipped        = "skipped"
	OutcomeMissingInput   = "missing_input"
	OutcomeAmbiguousInput = "ambiguous_input"
	OutcomeShapeOrValue   = "shape_or_value"
	OutcomeExternalTool   = "external_tool"
	OutcomeConfiguration  = "configuration"
	OutcomeCanceled       = "canceled"
	OutcomeFailed         = "failed"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above; a nil marker leaves the error unclassified.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	switch {
	case marker == nil && err != nil:
		return fmt.Errorf("%s: %w", detail, err)
	case marker == nil:
		return errors.New(detail)
	case err != nil:
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	default:
		return fmt.Errorf("%w: %s", marker, detail)
	}
}

// Classify maps a unit error to the outcome label persisted for it.
func Classify(err error) string {
	switch {
	case err == nil:
		return OutcomeSucceeded
	case errors.Is(err, ErrMissingInput):
		return OutcomeMissingInput
	case errors.Is(err, ErrAmbiguousInput):
		return OutcomeAmbiguousInput
	case errors.Is(err, ErrShapeOrValue):
		return OutcomeShapeOrValue
	case errors.Is(err, ErrExternalTool):
		return OutcomeExternalTool
	case errors.Is(err, ErrConfiguration):
		return OutcomeConfiguration
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeFailed
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "unit failure"
	}
	return strings.Join(parts, ": ")
}
