package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/examprep/internal/apperr"
	"github.com/mind-engage/examprep/internal/cache"
	"github.com/mind-engage/examprep/internal/eventlog"
	"github.com/mind-engage/examprep/internal/grading"
	"github.com/mind-engage/examprep/internal/question"
)

const (
	// DefaultCacheTTL outlives the longest allowed session.
	DefaultCacheTTL = 3 * time.Hour

	// deadlineGrace absorbs client timer drift and request latency.
	deadlineGrace = 30 * time.Second

	// versionStride is how many versions the cache may issue before the
	// durable version is moved forward. A rebuild starts one stride past
	// the durable version, so versions are never reused.
	versionStride = 1 << 16
)

var errReviewInProgress = fmt.Errorf("%w: session is still in progress", apperr.ErrConflict)

// Engine runs quiz sessions. The store decides whether a session exists,
// who owns it and whether it is still open; the cache only holds the
// working copy of an open session.
type Engine struct {
	questions question.Repository
	store     Store
	cache     cache.Cache
	grader    grading.Grader
	log       *slog.Logger
	now       func() time.Time
	ttl       time.Duration
	shuffle   func(n int, swap func(i, j int))
	stride    int64
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithCacheTTL(ttl time.Duration) Option { return func(e *Engine) { e.ttl = ttl } }
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }
func WithGrader(g grading.Grader) Option { return func(e *Engine) { e.grader = g } }

// WithShuffler replaces the permutation used for shuffled criteria.
func WithShuffler(f func(n int, swap func(i, j int))) Option {
	return func(e *Engine) { e.shuffle = f }
}

func NewEngine(questions question.Repository, store Store, c cache.Cache, opts ...Option) *Engine {
	e := &Engine{
		questions: questions,
		store:     store,
		cache:     c,
		grader:    grading.NewDefaultGrader(),
		log:       slog.Default(),
		now:       time.Now,
		ttl:       DefaultCacheTTL,
		shuffle:   rand.Shuffle,
		stride:    versionStride,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// StartOrResume returns the caller's open session for c, or creates one.
func (e *Engine) StartOrResume(ctx context.Context, userID string, c Criteria) (View, error) {
	if userID == "" {
		return View{}, apperr.ErrUnauthorized
	}
	c = c.Normalize()
	if err := c.Validate(); err != nil {
		return View{}, err
	}
	key := c.Key()

	existing, ok, err := e.store.FindActive(ctx, userID, key)
	if err != nil {
		return View{}, err
	}
	if ok {
		st, err := e.state(ctx, existing)
		switch {
		case err == nil && !e.expired(existing):
			return e.view(existing, st, true), nil
		case err == nil:
			if _, err := e.finalize(ctx, existing, st, StatusTimedOut, 0); err != nil && !errors.Is(err, apperr.ErrAlreadyCompleted) {
				return View{}, err
			}
		case errors.Is(err, apperr.ErrStaleSession):
			e.log.Warn("dropping stale session", "session_id", existing.ID, "user_id", userID)
			if err := e.abandon(ctx, existing); err != nil && !errors.Is(err, apperr.ErrSessionClosed) {
				return View{}, err
			}
		default:
			return View{}, err
		}
	}

	qs, ranges, err := e.selectQuestions(ctx, c)
	if err != nil {
		return View{}, err
	}

	ids := make([]string, len(qs))
	views := make([]QuestionView, len(qs))
	for i, q := range qs {
		ids[i] = q.ID
		views[i] = viewOf(q)
	}
	sess := Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Criteria:       c,
		CriteriaKey:    key,
		QuestionIDs:    ids,
		Subjects:       ranges,
		Draft:          make([]*string, len(ids)),
		TotalQuestions: len(ids),
		Status:         StatusInProgress,
		StartedAt:      e.now().Unix(),
		TimeLimitSec:   c.TimeLimitSec,
	}
	if err := e.store.Create(ctx, sess); err != nil {
		return View{}, err
	}
	e.log.Info("session started", "session_id", sess.ID, "user_id", userID, "questions", len(ids), "subjects", len(ranges))

	st := State{SessionID: sess.ID, Questions: views, Answers: sess.Draft, Subjects: ranges}
	return e.view(sess, st, false), nil
}

// Resume returns the current view of an open session.
func (e *Engine) Resume(ctx context.Context, userID, sessionID string) (View, error) {
	sess, st, err := e.open(ctx, userID, sessionID)
	if err != nil {
		return View{}, err
	}
	return e.view(sess, st, true), nil
}

// RecordAnswer stores the choice for slot in the cache only. A nil or empty
// optionID clears the slot.
func (e *Engine) RecordAnswer(ctx context.Context, userID, sessionID string, slot int, optionID *string) (View, error) {
	sess, st, err := e.open(ctx, userID, sessionID)
	if err != nil {
		return View{}, err
	}
	if err := applyAnswers(&st, []SlotAnswer{{Slot: slot, OptionID: optionID}}); err != nil {
		return View{}, err
	}
	if err := e.putState(ctx, &st); err != nil {
		return View{}, err
	}
	return e.view(sess, st, true), nil
}

// Checkpoint merges answers into the cached state and durably records the
// cursor together with a snapshot of the answers.
func (e *Engine) Checkpoint(ctx context.Context, userID, sessionID string, answers []SlotAnswer) (View, error) {
	sess, st, err := e.open(ctx, userID, sessionID)
	if err != nil {
		return View{}, err
	}
	if err := applyAnswers(&st, answers); err != nil {
		return View{}, err
	}
	if err := e.putState(ctx, &st); err != nil {
		return View{}, err
	}
	if err := e.store.Checkpoint(ctx, sess.ID, st.Cursor, st.Answers, st.Version); err != nil {
		return View{}, err
	}
	sess.Version = st.Version
	return e.view(sess, st, true), nil
}

// ExitAndSave checkpoints before the student leaves the quiz.
func (e *Engine) ExitAndSave(ctx context.Context, userID, sessionID string, answers []SlotAnswer) (View, error) {
	v, err := e.Checkpoint(ctx, userID, sessionID, answers)
	if err != nil {
		return View{}, err
	}
	e.log.Info("session saved on exit", "session_id", sessionID, "answered", v.AnsweredCount, "total", v.TotalQuestions)
	return v, nil
}

// Advance moves the cursor delta slots, crossing subject boundaries.
func (e *Engine) Advance(ctx context.Context, userID, sessionID string, delta int) (View, error) {
	sess, st, err := e.open(ctx, userID, sessionID)
	if err != nil {
		return View{}, err
	}
	from, err := slotOf(st.Subjects, st.Cursor)
	if err != nil {
		return View{}, err
	}
	to, err := cursorAt(st.Subjects, from+delta)
	if err != nil {
		return View{}, err
	}
	return e.move(ctx, sess, st, to)
}

// JumpTo moves the cursor to c.
func (e *Engine) JumpTo(ctx context.Context, userID, sessionID string, c Cursor) (View, error) {
	sess, st, err := e.open(ctx, userID, sessionID)
	if err != nil {
		return View{}, err
	}
	if _, err := slotOf(st.Subjects, c); err != nil {
		return View{}, err
	}
	return e.move(ctx, sess, st, c)
}

// JumpToSlot moves the cursor to a flat slot index.
func (e *Engine) JumpToSlot(ctx context.Context, userID, sessionID string, slot int) (View, error) {
	sess, st, err := e.open(ctx, userID, sessionID)
	if err != nil {
		return View{}, err
	}
	c, err := cursorAt(st.Subjects, slot)
	if err != nil {
		return View{}, err
	}
	return e.move(ctx, sess, st, c)
}

func (e *Engine) move(ctx context.Context, sess Session, st State, c Cursor) (View, error) {
	st.Cursor = c
	if err := e.putState(ctx, &st); err != nil {
		return View{}, err
	}
	if err := e.store.SavePosition(ctx, sess.ID, c, st.Version); err != nil {
		return View{}, err
	}
	sess.Version = st.Version
	return e.view(sess, st, true), nil
}

// Submit scores the session and closes it as completed. A submit that
// arrives after the deadline closes it as timed out instead.
// clientElapsed is informational only.
func (e *Engine) Submit(ctx context.Context, userID, sessionID string, final []SlotAnswer, clientElapsed int) (Result, error) {
	return e.submit(ctx, userID, sessionID, final, StatusCompleted, clientElapsed)
}

// SubmitOnTimeout scores the session and closes it as timed out.
func (e *Engine) SubmitOnTimeout(ctx context.Context, userID, sessionID string, final []SlotAnswer) (Result, error) {
	return e.submit(ctx, userID, sessionID, final, StatusTimedOut, 0)
}

func (e *Engine) submit(ctx context.Context, userID, sessionID string, final []SlotAnswer, status Status, clientElapsed int) (Result, error) {
	sess, err := e.owned(ctx, userID, sessionID)
	if err != nil {
		return Result{}, err
	}
	if sess.Status != StatusInProgress {
		return Result{}, apperr.ErrAlreadyCompleted
	}
	st, err := e.state(ctx, sess)
	if errors.Is(err, apperr.ErrStaleSession) {
		// grade what is left; missing questions score as unanswered
		e.log.Warn("submitting stale session", "session_id", sess.ID, "err", err)
		st, _, err = e.restore(ctx, sess)
		if err == nil {
			st.Floor, st.Version = sess.Version, sess.Version+e.stride
		}
	}
	if err != nil {
		return Result{}, err
	}
	if err := checkVersion(ctx, st); err != nil {
		return Result{}, err
	}
	if err := applyAnswers(&st, final); err != nil {
		return Result{}, err
	}
	if e.expired(sess) {
		status = StatusTimedOut
	}
	return e.finalize(ctx, sess, st, status, clientElapsed)
}

func (e *Engine) finalize(ctx context.Context, sess Session, st State, status Status, clientElapsed int) (Result, error) {
	qs, err := e.questions.FindByIDs(ctx, sess.QuestionIDs)
	if err != nil {
		return Result{}, err
	}
	byID := make(map[string]question.Question, len(qs))
	for _, q := range qs {
		byID[q.ID] = q
	}

	gq := make([]grading.Q, len(sess.QuestionIDs))
	for i, id := range sess.QuestionIDs {
		q, ok := byID[id]
		if !ok {
			e.log.Warn("question missing at submit, scored as unanswered", "session_id", sess.ID, "question_id", id)
			gq[i] = grading.Q{ID: id}
			st.Answers[i] = nil
			continue
		}
		correct := q.CorrectOptionIDs()
		if len(correct) > 1 {
			e.log.Warn("question has several correct options, using the first", "question_id", id)
		}
		gq[i] = grading.Q{ID: id, CorrectOptionIDs: correct}
	}

	results, sum, err := grading.Score(e.grader, gq, st.Answers)
	if err != nil {
		return Result{}, err
	}

	now := e.now()
	spent := int(now.Unix() - sess.StartedAt)
	if spent < 0 {
		spent = 0
	}
	if sess.TimeLimitSec > 0 && spent > sess.TimeLimitSec {
		spent = sess.TimeLimitSec
	}
	if clientElapsed > 0 && abs(clientElapsed-spent) > 5 {
		e.log.Info("client elapsed time differs from server", "session_id", sess.ID, "client", clientElapsed, "server", spent)
	}

	completedAt := now.Unix()
	sess.Status = status
	sess.AnsweredCount = sum.Answered
	sess.CorrectCount = sum.Correct
	sess.ScorePercentage = sum.ScorePercentage
	sess.TimeSpentSeconds = spent
	sess.CompletedAt = &completedAt
	sess.Draft = st.Answers
	sess.Cursor = st.Cursor
	sess.Version = st.Version + 1

	rows := make([]AnswerRow, len(results))
	for i, r := range results {
		rows[i] = AnswerRow{SessionID: sess.ID, QuestionID: r.QuestionID, OptionID: r.OptionID, IsCorrect: r.IsCorrect, AnsweredAt: completedAt}
	}

	typ := eventlog.TypeSessionCompleted
	if status == StatusTimedOut {
		typ = eventlog.TypeSessionTimedOut
	}
	ev, err := eventlog.New(typ, sess.ID, map[string]any{
		"user_id": sess.UserID, "total": sum.Total, "answered": sum.Answered,
		"correct": sum.Correct, "score": sum.ScorePercentage, "time_spent": spent,
	})
	if err != nil {
		return Result{}, err
	}
	if err := e.store.Finalize(ctx, sess, rows, ev); err != nil {
		return Result{}, err
	}
	e.dropState(ctx, sess.ID)
	e.log.Info("session finalized", "session_id", sess.ID, "status", status, "correct", sum.Correct, "total", sum.Total, "score", sum.ScorePercentage)

	return resultOf(sess), nil
}

// Abandon deletes an open session.
func (e *Engine) Abandon(ctx context.Context, userID, sessionID string) error {
	sess, err := e.owned(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != StatusInProgress {
		return apperr.ErrSessionClosed
	}
	return e.abandon(ctx, sess)
}

func (e *Engine) abandon(ctx context.Context, sess Session) error {
	ev, err := eventlog.New(eventlog.TypeSessionAbandoned, sess.ID, map[string]any{"user_id": sess.UserID})
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, sess.ID, ev); err != nil {
		return err
	}
	e.dropState(ctx, sess.ID)
	e.log.Info("session abandoned", "session_id", sess.ID, "user_id", sess.UserID)
	return nil
}

// History lists the caller's sessions, newest first.
func (e *Engine) History(ctx context.Context, userID string, opts ListOpts) ([]Session, error) {
	if userID == "" {
		return nil, apperr.ErrUnauthorized
	}
	return e.store.ListByUser(ctx, userID, opts)
}

// Review returns the score and per-question breakdown of a closed session.
func (e *Engine) Review(ctx context.Context, userID, sessionID string) (Result, error) {
	sess, err := e.owned(ctx, userID, sessionID)
	if err != nil {
		return Result{}, err
	}
	if sess.Status == StatusInProgress {
		return Result{}, errReviewInProgress
	}
	answers, err := e.store.Answers(ctx, sess.ID)
	if err != nil {
		return Result{}, err
	}
	chosen := make(map[string]AnswerRow, len(answers))
	for _, a := range answers {
		chosen[a.QuestionID] = a
	}
	qs, err := e.questions.FindByIDs(ctx, sess.QuestionIDs)
	if err != nil {
		return Result{}, err
	}
	byID := make(map[string]question.Question, len(qs))
	for _, q := range qs {
		byID[q.ID] = q
	}

	res := resultOf(sess)
	res.Items = make([]ReviewItem, len(sess.QuestionIDs))
	for i, id := range sess.QuestionIDs {
		item := ReviewItem{Slot: i, QuestionID: id}
		if a, ok := chosen[id]; ok {
			item.OptionID = a.OptionID
			item.IsCorrect = a.IsCorrect
		}
		if q, ok := byID[id]; ok {
			item.Text = q.Text
			item.Explanation = q.Explanation
			if c := q.CorrectOptionIDs(); len(c) > 0 {
				item.CorrectOptionID = c[0]
			}
		}
		res.Items[i] = item
	}
	return res, nil
}

// owned loads a session and checks it belongs to userID.
func (e *Engine) owned(ctx context.Context, userID, sessionID string) (Session, error) {
	if userID == "" {
		return Session{}, apperr.ErrUnauthorized
	}
	if sessionID == "" {
		return Session{}, apperr.Validation("session id is required")
	}
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.UserID != userID {
		return Session{}, fmt.Errorf("%w: session %s belongs to another user", apperr.ErrUnauthorized, sessionID)
	}
	return sess, nil
}

// open loads an in-progress session with its working state. A session past
// its deadline is closed as timed out and reported as closed.
func (e *Engine) open(ctx context.Context, userID, sessionID string) (Session, State, error) {
	sess, err := e.owned(ctx, userID, sessionID)
	if err != nil {
		return Session{}, State{}, err
	}
	if sess.Status != StatusInProgress {
		return Session{}, State{}, apperr.ErrSessionClosed
	}
	st, err := e.state(ctx, sess)
	if err != nil {
		return Session{}, State{}, err
	}
	if e.expired(sess) {
		if _, err := e.finalize(ctx, sess, st, StatusTimedOut, 0); err != nil && !errors.Is(err, apperr.ErrAlreadyCompleted) {
			return Session{}, State{}, err
		}
		return Session{}, State{}, fmt.Errorf("%w: time limit reached", apperr.ErrSessionClosed)
	}
	if err := checkVersion(ctx, st); err != nil {
		return Session{}, State{}, err
	}
	return sess, st, nil
}

func (e *Engine) expired(sess Session) bool {
	if sess.TimeLimitSec <= 0 {
		return false
	}
	deadline := time.Unix(sess.StartedAt, 0).Add(time.Duration(sess.TimeLimitSec)*time.Second + deadlineGrace)
	return !e.now().Before(deadline)
}

// checkVersion accepts an If-Match version in [st.Floor, st.Version]. The
// range is wider than one version only right after a rebuild, when the
// versions issued since the last durable write are unknown.
func checkVersion(ctx context.Context, st State) error {
	want, ok := ifMatch(ctx)
	if !ok {
		return nil
	}
	floor := min(st.Floor, st.Version)
	if want < floor || want > st.Version {
		return apperr.ErrVersionMismatch
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func resultOf(sess Session) Result {
	res := Result{
		SessionID:        sess.ID,
		Status:           sess.Status,
		TotalQuestions:   sess.TotalQuestions,
		AnsweredCount:    sess.AnsweredCount,
		CorrectCount:     sess.CorrectCount,
		ScorePercentage:  sess.ScorePercentage,
		TimeSpentSeconds: sess.TimeSpentSeconds,
		StartedAt:        sess.StartedAt,
	}
	if sess.CompletedAt != nil {
		res.CompletedAt = *sess.CompletedAt
	}
	return res
}

func (e *Engine) view(sess Session, st State, resumed bool) View {
	slot, _ := slotOf(st.Subjects, st.Cursor)
	v := View{
		SessionID:      sess.ID,
		Status:         sess.Status,
		Resumed:        resumed,
		TotalQuestions: sess.TotalQuestions,
		AnsweredCount:  st.answered(),
		Cursor:         st.Cursor,
		Slot:           slot,
		Subjects:       st.Subjects,
		Questions:      st.Questions,
		Answers:        st.Answers,
		StartedAt:      sess.StartedAt,
		TimeLimitSec:   sess.TimeLimitSec,
		Version:        st.Version,
	}
	if sess.TimeLimitSec > 0 {
		left := int(sess.StartedAt + int64(sess.TimeLimitSec) - e.now().Unix())
		v.RemainingSeconds = &left
		if left < 0 {
			*v.RemainingSeconds = 0
		}
	}
	return v
}
