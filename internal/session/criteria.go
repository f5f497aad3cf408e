package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/mind-engage/examprep/internal/apperr"
)

// MaxTimeLimitSec bounds the time limit of one session. The session cache
// TTL must exceed it.
const MaxTimeLimitSec = 3 * 60 * 60

// Criteria selects the questions of a session. Limit caps each subject's
// share and is satisfied best-effort. PerSubject is a hard requirement: a
// subject with fewer eligible questions fails the whole request.
type Criteria struct {
	SubjectIDs   []string `json:"subject_ids" validate:"required,min=1,dive,required"`
	TopicID      string   `json:"topic_id,omitempty"`
	ExamTypeID   string   `json:"exam_type_id,omitempty"`
	Year         int      `json:"year,omitempty" validate:"gte=0"`
	Limit        int      `json:"limit,omitempty" validate:"gte=0"`
	PerSubject   int      `json:"per_subject,omitempty" validate:"gte=0"`
	TimeLimitSec int      `json:"time_limit_sec,omitempty" validate:"gte=0"`
	Shuffle      bool     `json:"shuffle,omitempty"`
	MockOnly     bool     `json:"mock_only,omitempty"`
	MockGroupID  string   `json:"mock_group_id,omitempty"`
}

// Normalize trims ids and drops duplicate subjects, keeping first-seen order.
// A mock group always selects from the mock-only pool.
func (c Criteria) Normalize() Criteria {
	out := c
	out.SubjectIDs = make([]string, 0, len(c.SubjectIDs))
	seen := make(map[string]struct{}, len(c.SubjectIDs))
	for _, s := range c.SubjectIDs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out.SubjectIDs = append(out.SubjectIDs, s)
	}
	out.TopicID = strings.TrimSpace(c.TopicID)
	out.ExamTypeID = strings.TrimSpace(c.ExamTypeID)
	out.MockGroupID = strings.TrimSpace(c.MockGroupID)
	if out.MockGroupID != "" {
		out.MockOnly = true
	}
	return out
}

func (c Criteria) Validate() error {
	if len(c.SubjectIDs) == 0 {
		return apperr.Validation("at least one subject is required")
	}
	if c.Year < 0 || c.Limit < 0 || c.PerSubject < 0 || c.TimeLimitSec < 0 {
		return apperr.Validation("year, limit, per_subject and time_limit_sec must not be negative")
	}
	if c.TimeLimitSec > MaxTimeLimitSec {
		return apperr.Validation("time limit exceeds %d seconds", MaxTimeLimitSec)
	}
	if c.Limit > 0 && c.PerSubject > 0 && c.Limit < c.PerSubject {
		return apperr.Validation("limit %d is below per_subject %d", c.Limit, c.PerSubject)
	}
	return nil
}

// Key identifies the criteria for the one-active-session-per-user rule.
// Subject order does not matter.
func (c Criteria) Key() string {
	subjects := slices.Clone(c.SubjectIDs)
	slices.Sort(subjects)
	raw := fmt.Sprintf("s=%s|t=%s|e=%s|y=%d|l=%d|p=%d|tl=%d|sh=%t|m=%t|g=%s",
		strings.Join(subjects, ","), c.TopicID, c.ExamTypeID, c.Year, c.Limit,
		c.PerSubject, c.TimeLimitSec, c.Shuffle, c.MockOnly, c.MockGroupID)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}
