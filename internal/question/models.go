package question

import "context"

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

type Option struct {
	ID         string `json:"id"`
	QuestionID string `json:"question_id,omitempty"`
	Label      string `json:"label"`
	IsCorrect  bool   `json:"is_correct"`
	Position   int    `json:"position"`
}

type Question struct {
	ID          string   `json:"id"`
	SubjectID   string   `json:"subject_id"`
	TopicID     string   `json:"topic_id,omitempty"`
	ExamTypeID  string   `json:"exam_type_id,omitempty"`
	Year        int      `json:"year,omitempty"`
	Text        string   `json:"text"`
	ImageKey    string   `json:"image_key,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
	Difficulty  string   `json:"difficulty,omitempty"`
	Status      Status   `json:"status"`
	Active      bool     `json:"is_active"`
	MockOnly    bool     `json:"mock_only"`
	MockGroupID string   `json:"mock_group_id,omitempty"`
	Options     []Option `json:"options"`
	CreatedAt   int64    `json:"created_at,omitempty"`
}

// Eligible reports whether q may be selected into a session.
func (q Question) Eligible() bool {
	return q.Status == StatusApproved && q.Active
}

// CorrectOptionIDs returns the ids of options marked correct, in position order.
func (q Question) CorrectOptionIDs() []string {
	var out []string
	for _, o := range q.Options {
		if o.IsCorrect {
			out = append(out, o.ID)
		}
	}
	return out
}

// HasOption reports whether optionID belongs to q.
func (q Question) HasOption(optionID string) bool {
	for _, o := range q.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// Filter narrows FindEligible. Empty fields match everything; MockOnly nil
// matches both pools.
type Filter struct {
	SubjectID   string
	TopicID     string
	ExamTypeID  string
	Year        int
	MockOnly    *bool
	MockGroupID string
}

// MockGroup is a fixed-size batch of mock-only questions.
type MockGroup struct {
	ID          string   `json:"id"`
	SubjectID   string   `json:"subject_id"`
	ExamTypeID  string   `json:"exam_type_id"`
	Index       int      `json:"index"`
	Size        int      `json:"size"`
	QuestionIDs []string `json:"question_ids"`
}

type Repository interface {
	// FindEligible returns approved, active questions matching f in
	// repository default order, with options loaded.
	FindEligible(ctx context.Context, f Filter) ([]Question, error)
	// FindByIDs returns the questions found among ids, in ids order, with
	// options loaded. Missing ids are skipped.
	FindByIDs(ctx context.Context, ids []string) ([]Question, error)
	Put(ctx context.Context, q Question) (Question, error)
	SetImage(ctx context.Context, id, key string) error
	// Batch clears and rebuilds the mock groups of a subject and exam type.
	Batch(ctx context.Context, subjectID, examTypeID string, size int) ([]MockGroup, error)
}
