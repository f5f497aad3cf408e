// Package apperr holds the error kinds shared by the quiz packages.
// Callers match kinds with errors.Is and details with errors.As.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConflict         = errors.New("conflict")
	ErrInsufficientData = errors.New("insufficient data")
)

var (
	ErrNoEligibleQuestions = fmt.Errorf("%w: no eligible questions", ErrInsufficientData)
	ErrSessionClosed       = fmt.Errorf("%w: session is not in progress", ErrConflict)
	ErrAlreadyCompleted    = fmt.Errorf("%w: session already completed", ErrConflict)
	ErrVersionMismatch     = fmt.Errorf("%w: session was modified elsewhere", ErrConflict)

	// ErrStaleSession means a session can no longer be rebuilt from the
	// database, e.g. its questions were deleted. The user should start over.
	ErrStaleSession = fmt.Errorf("%w: session can no longer be restored", ErrNotFound)
)

// Validation wraps a message as an ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w, %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Shortfall reports one subject that cannot supply the required count.
type Shortfall struct {
	SubjectID string `json:"subject_id"`
	Available int    `json:"available"`
	Required  int    `json:"required"`
}

// InsufficientQuestionsError lists every subject whose pool is too small.
type InsufficientQuestionsError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientQuestionsError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("subject %s: %d available, %d required", s.SubjectID, s.Available, s.Required))
	}
	return "insufficient questions: " + strings.Join(parts, "; ")
}

func (e *InsufficientQuestionsError) Unwrap() error { return ErrInsufficientData }
