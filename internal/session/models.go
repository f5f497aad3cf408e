package session

import "github.com/mind-engage/examprep/internal/question"

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusTimedOut   Status = "timed_out"
)

// Finished reports whether s is a terminal status.
func (s Status) Finished() bool { return s == StatusCompleted || s == StatusTimedOut }

// SubjectRange is the contiguous run of slots that belongs to one subject.
type SubjectRange struct {
	SubjectID string `json:"subject_id"`
	Start     int    `json:"start"`
	Count     int    `json:"count"`
}

// Cursor addresses a slot as (subject index, index within that subject).
type Cursor struct {
	Subject int `json:"subject"`
	Index   int `json:"index"`
}

// Session is the durable record of one attempt.
type Session struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Criteria         Criteria       `json:"criteria"`
	CriteriaKey      string         `json:"-"`
	QuestionIDs      []string       `json:"question_ids"`
	Subjects         []SubjectRange `json:"subjects"`
	Draft            []*string      `json:"-"` // answers as of the last checkpoint
	Cursor           Cursor         `json:"cursor"`
	TotalQuestions   int            `json:"total_questions"`
	AnsweredCount    int            `json:"answered_count"`
	CorrectCount     int            `json:"correct_count"`
	ScorePercentage  float64        `json:"score_percentage"`
	Status           Status         `json:"status"`
	StartedAt        int64          `json:"started_at"`
	CompletedAt      *int64         `json:"completed_at,omitempty"`
	TimeLimitSec     int            `json:"time_limit_sec,omitempty"`
	TimeSpentSeconds int            `json:"time_spent_seconds"`
	Version          int64          `json:"version"`
}

// OptionView is an option as shown to the student. Correctness is never
// part of it.
type OptionView struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type QuestionView struct {
	ID        string       `json:"id"`
	SubjectID string       `json:"subject_id"`
	Text      string       `json:"text"`
	ImageKey  string       `json:"image_key,omitempty"`
	Options   []OptionView `json:"options"`
}

func (q QuestionView) hasOption(id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

func viewOf(q question.Question) QuestionView {
	v := QuestionView{ID: q.ID, SubjectID: q.SubjectID, Text: q.Text, ImageKey: q.ImageKey}
	v.Options = make([]OptionView, 0, len(q.Options))
	for _, o := range q.Options {
		v.Options = append(v.Options, OptionView{ID: o.ID, Label: o.Label})
	}
	return v
}

// State is the cached working copy of an in-progress session.
type State struct {
	SessionID string         `json:"session_id"`
	Questions []QuestionView `json:"questions"`
	Answers   []*string      `json:"answers"`
	Subjects  []SubjectRange `json:"subjects"`
	Cursor    Cursor         `json:"cursor"`
	Version   int64          `json:"version"`
	// Floor is the oldest version an If-Match may still name.
	Floor int64 `json:"floor"`
	// Ceiling is the first version that must be reserved durably before
	// it is handed out.
	Ceiling int64 `json:"ceiling"`
}

func (st State) answered() int {
	n := 0
	for _, a := range st.Answers {
		if a != nil {
			n++
		}
	}
	return n
}

// SlotAnswer pairs a slot with the question expected there and the chosen
// option. QuestionID may be empty; when set it must match the slot.
type SlotAnswer struct {
	Slot       int     `json:"slot" validate:"gte=0"`
	QuestionID string  `json:"question_id,omitempty"`
	OptionID   *string `json:"option_id"`
}

// AnswerRow is one durable answer, unique per session and question.
type AnswerRow struct {
	SessionID  string  `json:"session_id"`
	QuestionID string  `json:"question_id"`
	OptionID   *string `json:"option_id"`
	IsCorrect  bool    `json:"is_correct"`
	AnsweredAt int64   `json:"answered_at"`
}

// View is what every in-progress operation returns to the client.
type View struct {
	SessionID        string         `json:"session_id"`
	Status           Status         `json:"status"`
	Resumed          bool           `json:"resumed"`
	TotalQuestions   int            `json:"total_questions"`
	AnsweredCount    int            `json:"answered_count"`
	Cursor           Cursor         `json:"cursor"`
	Slot             int            `json:"slot"`
	Subjects         []SubjectRange `json:"subjects"`
	Questions        []QuestionView `json:"questions"`
	Answers          []*string      `json:"answers"`
	StartedAt        int64          `json:"started_at"`
	TimeLimitSec     int            `json:"time_limit_sec,omitempty"`
	RemainingSeconds *int           `json:"remaining_seconds,omitempty"`
	Version          int64          `json:"version"`
}

type ReviewItem struct {
	Slot            int     `json:"slot"`
	QuestionID      string  `json:"question_id"`
	Text            string  `json:"text,omitempty"`
	OptionID        *string `json:"option_id"`
	CorrectOptionID string  `json:"correct_option_id,omitempty"`
	IsCorrect       bool    `json:"is_correct"`
	Explanation     string  `json:"explanation,omitempty"`
}

// Result is a finalized session's score, optionally with per-question review.
type Result struct {
	SessionID        string       `json:"session_id"`
	Status           Status       `json:"status"`
	TotalQuestions   int          `json:"total_questions"`
	AnsweredCount    int          `json:"answered_count"`
	CorrectCount     int          `json:"correct_count"`
	ScorePercentage  float64      `json:"score_percentage"`
	TimeSpentSeconds int          `json:"time_spent_seconds"`
	StartedAt        int64        `json:"started_at"`
	CompletedAt      int64        `json:"completed_at"`
	Items            []ReviewItem `json:"items,omitempty"`
}
