package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"avqc/internal/store"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")

	// ErrSkip reports that the stage does not apply to this recording.
	// The run settles as skipped and satisfies downstream prerequisites.
	ErrSkip = errors.New("stage skipped")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later outcome classification. The marker
// should be one of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps a stage error to the outcome the store should record.
// A skip settles the run without consuming the retry budget; malformed
// input, misconfiguration, and missing files won't improve on retry;
// everything else gets the retry budget.
func Classify(err error) store.Outcome {
	switch {
	case err == nil:
		return store.OutcomeSuccess
	case errors.Is(err, ErrSkip):
		return store.OutcomeSkipped
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration), errors.Is(err, ErrNotFound):
		return store.OutcomePermanent
	case errors.Is(err, context.Canceled):
		return store.OutcomeTransient
	default:
		return store.OutcomeTransient
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
		return "stage failure"
	}
	return strings.Join(parts, ": ")
}
