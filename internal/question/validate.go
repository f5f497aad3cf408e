package question

import (
	"strings"

	"github.com/mind-engage/examprep/internal/apperr"
)

// Validate checks q before it is written. Exactly one option must be
// marked correct.
func Validate(q Question) error {
	if strings.TrimSpace(q.SubjectID) == "" {
		return apperr.Validation("subject_id is required")
	}
	if strings.TrimSpace(q.Text) == "" {
		return apperr.Validation("text is required")
	}
	switch q.Status {
	case StatusPending, StatusApproved, StatusRejected:
	default:
		return apperr.Validation("unknown status %q", q.Status)
	}
	if len(q.Options) < 2 {
		return apperr.Validation("question needs at least two options")
	}
	correct := 0
	seen := make(map[string]struct{}, len(q.Options))
	for i, o := range q.Options {
		if strings.TrimSpace(o.Label) == "" {
			return apperr.Validation("option %d has no label", i)
		}
		if o.ID != "" {
			if _, dup := seen[o.ID]; dup {
				return apperr.Validation("duplicate option id %q", o.ID)
			}
			seen[o.ID] = struct{}{}
		}
		if o.IsCorrect {
			correct++
		}
	}
	if correct != 1 {
		return apperr.Validation("exactly one correct option required, got %d", correct)
	}
	return nil
}
