package experiment

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the experiment service layer.
var (
	ErrNotFound        = errors.New("experiment not found")
	ErrVariantNotFound = errors.New("variant not found")
	ErrInvalidState    = errors.New("operation not allowed in current experiment state")
	ErrNotSignificant  = errors.New("results are not statistically significant")
	ErrAlreadyDecided  = errors.New("a winner has already been selected")
	ErrVariantLimit    = errors.New("experiment already has the maximum number of variants")
	ErrMinimumVariants = errors.New("experiment must keep at least two variants")
)

// ValidationError aggregates every rule violation found in a single check so
// callers see the full list at once instead of fixing one field per request.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return "validation failed: " + e.Violations[0]
	}
	return fmt.Sprintf("validation failed (%d violations): %s",
		len(e.Violations), strings.Join(e.Violations, "; "))
}

// newValidationError returns nil when there are no violations.
func newValidationError(violations []string) error {
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}
