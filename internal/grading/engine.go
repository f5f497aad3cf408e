package grading

import "fmt"

// Q is the view of a question needed for grading.
type Q struct {
	ID   string
	Type string // single_choice (default) or true_false
	// CorrectOptionIDs in option position order. Only the first is canonical.
	CorrectOptionIDs []string
}

// Result is the outcome of grading one slot.
type Result struct {
	QuestionID string  `json:"question_id"`
	OptionID   *string `json:"option_id"`
	Answered   bool    `json:"answered"`
	IsCorrect  bool    `json:"is_correct"`
}

// Summary aggregates a graded answer set.
type Summary struct {
	Total           int     `json:"total_questions"`
	Answered        int     `json:"answered_count"`
	Correct         int     `json:"correct_count"`
	ScorePercentage float64 `json:"score_percentage"`
}

// Strategy grades a single question.
type Strategy interface {
	Grade(q Q, chosen *string) Result
}

// Grader routes by question type to the correct Strategy.
type Grader interface {
	Grade(q Q, chosen *string) Result
}

type defaultGrader struct {
	strategies map[string]Strategy
}

func (g *defaultGrader) Grade(q Q, chosen *string) Result {
	t := q.Type
	if t == "" {
		t = "single_choice"
	}
	s, ok := g.strategies[t]
	if !ok {
		// unknown types never score
		return Result{QuestionID: q.ID, OptionID: chosen, Answered: answered(chosen)}
	}
	return s.Grade(q, chosen)
}

// NewDefaultGrader installs built-in strategies.
func NewDefaultGrader() Grader {
	return &defaultGrader{
		strategies: map[string]Strategy{
			"single_choice": singleChoiceStrategy{},
			"true_false":    singleChoiceStrategy{},
		},
	}
}

type singleChoiceStrategy struct{}

func (singleChoiceStrategy) Grade(q Q, chosen *string) Result {
	res := Result{QuestionID: q.ID, OptionID: chosen, Answered: answered(chosen)}
	if !res.Answered || len(q.CorrectOptionIDs) == 0 {
		return res
	}
	res.IsCorrect = *chosen == q.CorrectOptionIDs[0]
	return res
}

func answered(chosen *string) bool {
	return chosen != nil && *chosen != ""
}

// Score grades chosen[i] against qs[i] and aggregates the results.
func Score(g Grader, qs []Q, chosen []*string) ([]Result, Summary, error) {
	if len(qs) != len(chosen) {
		return nil, Summary{}, fmt.Errorf("grading: %d questions but %d answers", len(qs), len(chosen))
	}
	results := make([]Result, len(qs))
	sum := Summary{Total: len(qs)}
	for i, q := range qs {
		r := g.Grade(q, chosen[i])
		results[i] = r
		if r.Answered {
			sum.Answered++
		}
		if r.IsCorrect {
			sum.Correct++
		}
	}
	sum.ScorePercentage = Percentage(sum.Correct, sum.Total)
	return results, sum, nil
}

// Percentage returns correct/total*100, unrounded and clamped to [0,100],
// or 0 when total is 0. Rounding is left to whoever displays it.
func Percentage(correct, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(correct) / float64(total) * 100
	return min(max(p, 0), 100)
}
