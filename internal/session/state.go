package session

import (
	"context"
	"fmt"

	"github.com/mind-engage/examprep/internal/apperr"
	"github.com/mind-engage/examprep/internal/question"
)

// state returns the working copy of sess from the cache, rebuilding it from
// the store when the entry is missing, unreadable or does not fit sess.
func (e *Engine) state(ctx context.Context, sess Session) (State, error) {
	var st State
	ok, err := e.cache.Get(ctx, sess.ID, &st)
	if err != nil {
		e.log.Warn("session cache read failed, rebuilding", "session_id", sess.ID, "err", err)
	}
	if ok && err == nil && st.fits(sess) {
		return st, nil
	}

	st, err = e.rebuild(ctx, sess)
	if err != nil {
		return State{}, err
	}
	if err := e.cache.Put(ctx, sess.ID, st, e.ttl); err != nil {
		e.log.Warn("session cache write failed", "session_id", sess.ID, "err", err)
	}
	return st, nil
}

func (st State) fits(sess Session) bool {
	if st.SessionID != sess.ID || len(st.Questions) != len(sess.QuestionIDs) || len(st.Answers) != len(sess.QuestionIDs) {
		return false
	}
	for i, q := range st.Questions {
		if q.ID != sess.QuestionIDs[i] {
			return false
		}
	}
	return true
}

// rebuild reconstructs the working copy from the durable record: stored
// question ids, the last checkpoint's answers and cursor. The version jumps
// a stride past the durable one and any version issued since that write is
// accepted until the next change.
func (e *Engine) rebuild(ctx context.Context, sess Session) (State, error) {
	st, missing, err := e.restore(ctx, sess)
	if err != nil {
		return State{}, err
	}
	if missing > 0 {
		return State{}, fmt.Errorf("%w: %d of %d questions are gone", apperr.ErrStaleSession,
			missing, len(sess.QuestionIDs))
	}
	st.Floor = sess.Version
	st.Version = sess.Version + e.stride
	if err := e.store.ReserveVersion(ctx, sess.ID, st.Version); err != nil {
		return State{}, err
	}
	st.Ceiling = st.Version + e.stride
	e.log.Debug("session state rebuilt", "session_id", sess.ID, "answered", st.answered(), "version", st.Version)
	return st, nil
}

// restore builds the working copy from the store, slot for slot. Slots
// whose question is gone keep an empty view and no answer; missing counts
// them. The version is left at the durable one.
func (e *Engine) restore(ctx context.Context, sess Session) (State, int, error) {
	qs, err := e.questions.FindByIDs(ctx, sess.QuestionIDs)
	if err != nil {
		return State{}, 0, err
	}
	byID := make(map[string]question.Question, len(qs))
	for _, q := range qs {
		byID[q.ID] = q
	}
	st := State{
		SessionID: sess.ID,
		Questions: make([]QuestionView, len(sess.QuestionIDs)),
		Answers:   draftOf(sess.Draft, len(sess.QuestionIDs)),
		Subjects:  sess.Subjects,
		Cursor:    sess.Cursor,
		Version:   sess.Version,
	}
	missing := 0
	for i, id := range sess.QuestionIDs {
		q, ok := byID[id]
		if !ok {
			missing++
			st.Questions[i] = QuestionView{ID: id}
			continue
		}
		st.Questions[i] = viewOf(q)
	}
	for i, a := range st.Answers {
		if a != nil && !st.Questions[i].hasOption(*a) {
			st.Answers[i] = nil
		}
	}
	if _, err := slotOf(st.Subjects, st.Cursor); err != nil {
		st.Cursor = Cursor{}
	}
	return st, missing, nil
}

// putState bumps the version and writes st to the cache. Crossing the
// ceiling first moves the durable version forward. A failed cache write is
// logged; the next read rebuilds from the store.
func (e *Engine) putState(ctx context.Context, st *State) error {
	st.Version++
	st.Floor = st.Version
	if st.Version >= st.Ceiling {
		if err := e.store.ReserveVersion(ctx, st.SessionID, st.Version); err != nil {
			return err
		}
		st.Ceiling = st.Version + e.stride
	}
	if err := e.cache.Put(ctx, st.SessionID, st, e.ttl); err != nil {
		e.log.Warn("session cache write failed", "session_id", st.SessionID, "err", err)
	}
	return nil
}

func (e *Engine) dropState(ctx context.Context, id string) {
	if err := e.cache.Delete(ctx, id); err != nil {
		e.log.Warn("session cache delete failed", "session_id", id, "err", err)
	}
}

// applyAnswers validates every answer before changing st.
func applyAnswers(st *State, answers []SlotAnswer) error {
	for _, a := range answers {
		if a.Slot < 0 || a.Slot >= len(st.Questions) {
			return apperr.Validation("slot %d out of range [0,%d)", a.Slot, len(st.Questions))
		}
		q := st.Questions[a.Slot]
		if a.QuestionID != "" && a.QuestionID != q.ID {
			return apperr.Validation("slot %d holds question %s, not %s", a.Slot, q.ID, a.QuestionID)
		}
		if a.OptionID != nil && *a.OptionID != "" && !q.hasOption(*a.OptionID) {
			return apperr.Validation("option %s does not belong to question %s", *a.OptionID, q.ID)
		}
	}
	for _, a := range answers {
		var v *string
		if a.OptionID != nil && *a.OptionID != "" {
			id := *a.OptionID
			v = &id
		}
		st.Answers[a.Slot] = v
	}
	return nil
}

// selectQuestions picks questions per subject in the order the subjects
// were requested. Every subject short of PerSubject is reported.
func (e *Engine) selectQuestions(ctx context.Context, c Criteria) ([]question.Question, []SubjectRange, error) {
	mockOnly := c.MockOnly
	var (
		out        []question.Question
		counts     = make([]int, len(c.SubjectIDs))
		shortfalls []apperr.Shortfall
	)
	for i, subject := range c.SubjectIDs {
		pool, err := e.questions.FindEligible(ctx, question.Filter{
			SubjectID:   subject,
			TopicID:     c.TopicID,
			ExamTypeID:  c.ExamTypeID,
			Year:        c.Year,
			MockOnly:    &mockOnly,
			MockGroupID: c.MockGroupID,
		})
		if err != nil {
			return nil, nil, err
		}
		// the repository filters already; this guards against a lax implementation
		eligible := pool[:0]
		for _, q := range pool {
			if q.Eligible() {
				eligible = append(eligible, q)
			}
		}

		if c.PerSubject > 0 && len(eligible) < c.PerSubject {
			shortfalls = append(shortfalls, apperr.Shortfall{SubjectID: subject, Available: len(eligible), Required: c.PerSubject})
			continue
		}
		if c.Shuffle {
			e.shuffle(len(eligible), func(a, b int) { eligible[a], eligible[b] = eligible[b], eligible[a] })
		}
		n := len(eligible)
		if c.PerSubject > 0 {
			n = c.PerSubject
		}
		if c.Limit > 0 && n > c.Limit {
			n = c.Limit
		}
		counts[i] = n
		out = append(out, eligible[:n]...)
	}
	if len(shortfalls) > 0 {
		return nil, nil, &apperr.InsufficientQuestionsError{Shortfalls: shortfalls}
	}
	if len(out) == 0 {
		return nil, nil, apperr.ErrNoEligibleQuestions
	}
	return out, buildRanges(c.SubjectIDs, counts), nil
}
