package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/examprep/internal/apperr"
	authmw "github.com/mind-engage/examprep/internal/auth/middleware"
	"github.com/mind-engage/examprep/internal/session"
)

// Sessions is the engine surface the handlers use.
type Sessions interface {
	StartOrResume(ctx context.Context, userID string, c session.Criteria) (session.View, error)
	Resume(ctx context.Context, userID, sessionID string) (session.View, error)
	RecordAnswer(ctx context.Context, userID, sessionID string, slot int, optionID *string) (session.View, error)
	Checkpoint(ctx context.Context, userID, sessionID string, answers []session.SlotAnswer) (session.View, error)
	ExitAndSave(ctx context.Context, userID, sessionID string, answers []session.SlotAnswer) (session.View, error)
	Advance(ctx context.Context, userID, sessionID string, delta int) (session.View, error)
	JumpTo(ctx context.Context, userID, sessionID string, c session.Cursor) (session.View, error)
	JumpToSlot(ctx context.Context, userID, sessionID string, slot int) (session.View, error)
	Submit(ctx context.Context, userID, sessionID string, final []session.SlotAnswer, clientElapsed int) (session.Result, error)
	SubmitOnTimeout(ctx context.Context, userID, sessionID string, final []session.SlotAnswer) (session.Result, error)
	Abandon(ctx context.Context, userID, sessionID string) error
	History(ctx context.Context, userID string, opts session.ListOpts) ([]session.Session, error)
	Review(ctx context.Context, userID, sessionID string) (session.Result, error)
}

const submitFailed = "submission failed, please retry"

// sessionCtx carries the caller identity and any If-Match version into the
// engine.
func sessionCtx(r *http.Request) (context.Context, string) {
	ctx := r.Context()
	if v, ok := parseETag(r.Header.Get("If-Match")); ok {
		ctx = session.WithIfMatch(ctx, v)
	}
	return ctx, authmw.SubjectFromContext(r.Context())
}

func writeView(w http.ResponseWriter, status int, v session.View) {
	w.Header().Set("ETag", etag(v.Version))
	respondJSON(w, status, v)
}

// POST /sessions  body: criteria
func (h *handlers) startSession(w http.ResponseWriter, r *http.Request) {
	var c session.Criteria
	if err := decodeJSON(r, &c, false); err != nil {
		writeError(w, r, h.log, err, "")
		return
	}
	ctx, user := sessionCtx(r)
	v, err := h.sessions.StartOrResume(ctx, user, c)
	if err != nil {
		writeError(w, r, h.log, err, "could not start session")
		return
	}
	status := http.StatusCreated
	if v.Resumed {
		status = http.StatusOK
	}
	writeView(w, status, v)
}

type sessionSummary struct {
	ID               string           `json:"id"`
	Status           session.Status   `json:"status"`
	Criteria         session.Criteria `json:"criteria"`
	TotalQuestions   int              `json:"total_questions"`
	AnsweredCount    int              `json:"answered_count"`
	CorrectCount     int              `json:"correct_count"`
	ScorePercentage  float64          `json:"score_percentage"`
	StartedAt        int64            `json:"started_at"`
	CompletedAt      *int64           `json:"completed_at,omitempty"`
	TimeSpentSeconds int              `json:"time_spent_seconds"`
}

// GET /sessions?status=&limit=&offset=
func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	ctx, user := sessionCtx(r)
	status := session.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "", session.StatusInProgress, session.StatusCompleted, session.StatusTimedOut:
	default:
		writeError(w, r, h.log, apperr.Validation("unknown status %q", status), "")
		return
	}
	list, err := h.sessions.History(ctx, user, session.ListOpts{
		Status: status,
		Limit:  parseIntDefault(r.URL.Query().Get("limit"), 50),
		Offset: parseIntDefault(r.URL.Query().Get("offset"), 0),
	})
	if err != nil {
		writeError(w, r, h.log, err, "could not list sessions")
		return
	}
	out := make([]sessionSummary, 0, len(list))
	for _, s := range list {
		out = append(out, sessionSummary{
			ID:               s.ID,
			Status:           s.Status,
			Criteria:         s.Criteria,
			TotalQuestions:   s.TotalQuestions,
			AnsweredCount:    s.AnsweredCount,
			CorrectCount:     s.CorrectCount,
			ScorePercentage:  s.ScorePercentage,
			StartedAt:        s.StartedAt,
			CompletedAt:      s.CompletedAt,
			TimeSpentSeconds: s.TimeSpentSeconds,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// GET /sessions/{sessionID}
func (h *handlers) resumeSession(w http.ResponseWriter, r *http.Request) {
	ctx, user := sessionCtx(r)
	v, err := h.sessions.Resume(ctx, user, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, h.log, err, "could not load session")
		return
	}
	writeView(w, http.StatusOK, v)
}

// GET /sessions/{sessionID}/result
func (h *handlers) sessionResult(w http.ResponseWriter, r *http.Request) {
	ctx, user := sessionCtx(r)
	res, err := h.sessions.Review(ctx, user, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, h.log, err, "could not load result")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type answerRequest struct {
	OptionID *string `json:"option_id"`
}

// PUT /sessions/{sessionID}/answers/{slot}  body: {"option_id": "..."|null}
func (h *handlers) recordAnswer(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		writeError(w, r, h.log, apperr.Validation("slot must be an integer"), "")
		return
	}
	var req answerRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, h.log, err, "")
		return
	}
	ctx, user := sessionCtx(r)
	v, err := h.sessions.RecordAnswer(ctx, user, chi.URLParam(r, "sessionID"), slot, req.OptionID)
	if err != nil {
		writeError(w, r, h.log, err, "could not record answer")
		return
	}
	writeView(w, http.StatusOK, v)
}

type answersRequest struct {
	Answers []session.SlotAnswer `json:"answers" validate:"dive"`
}

// POST /sessions/{sessionID}/checkpoint  body (optional): {"answers": [...]}
func (h *handlers) checkpoint(w http.ResponseWriter, r *http.Request) {
	h.saveProgress(w, r, h.sessions.Checkpoint)
}

// POST /sessions/{sessionID}/exit  body (optional): {"answers": [...]}
func (h *handlers) exitAndSave(w http.ResponseWriter, r *http.Request) {
	h.saveProgress(w, r, h.sessions.ExitAndSave)
}

type saveFunc func(ctx context.Context, userID, sessionID string, answers []session.SlotAnswer) (session.View, error)

func (h *handlers) saveProgress(w http.ResponseWriter, r *http.Request, save saveFunc) {
	var req answersRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, h.log, err, "")
		return
	}
	ctx, user := sessionCtx(r)
	v, err := save(ctx, user, chi.URLParam(r, "sessionID"), req.Answers)
	if err != nil {
		writeError(w, r, h.log, err, "could not save progress, please retry")
		return
	}
	writeView(w, http.StatusOK, v)
}

type advanceRequest struct {
	Delta int `json:"delta" validate:"ne=0"`
}

// POST /sessions/{sessionID}/advance  body: {"delta": 1}
func (h *handlers) advance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, h.log, err, "")
		return
	}
	ctx, user := sessionCtx(r)
	v, err := h.sessions.Advance(ctx, user, chi.URLParam(r, "sessionID"), req.Delta)
	if err != nil {
		writeError(w, r, h.log, err, "could not move")
		return
	}
	writeView(w, http.StatusOK, v)
}

type jumpRequest struct {
	Slot    *int `json:"slot,omitempty"`
	Subject *int `json:"subject,omitempty"`
	Index   *int `json:"index,omitempty"`
}

// POST /sessions/{sessionID}/jump  body: {"slot": 4} or {"subject": 1, "index": 0}
func (h *handlers) jump(w http.ResponseWriter, r *http.Request) {
	var req jumpRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, h.log, err, "")
		return
	}
	if req.Slot == nil && (req.Subject == nil || req.Index == nil) {
		writeError(w, r, h.log, apperr.Validation("either slot or subject and index are required"), "")
		return
	}
	ctx, user := sessionCtx(r)
	id := chi.URLParam(r, "sessionID")

	var (
		v   session.View
		err error
	)
	if req.Slot != nil {
		v, err = h.sessions.JumpToSlot(ctx, user, id, *req.Slot)
	} else {
		v, err = h.sessions.JumpTo(ctx, user, id, session.Cursor{Subject: *req.Subject, Index: *req.Index})
	}
	if err != nil {
		writeError(w, r, h.log, err, "could not move")
		return
	}
	writeView(w, http.StatusOK, v)
}

type submitRequest struct {
	Answers        []session.SlotAnswer `json:"answers" validate:"dive"`
	ElapsedSeconds int                  `json:"elapsed_seconds" validate:"gte=0"`
}

// POST /sessions/{sessionID}/submit  body (optional): {"answers": [...], "elapsed_seconds": 512}
func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, h.log, err, "")
		return
	}
	ctx, user := sessionCtx(r)
	res, err := h.sessions.Submit(ctx, user, chi.URLParam(r, "sessionID"), req.Answers, req.ElapsedSeconds)
	if err != nil {
		writeError(w, r, h.log, err, submitFailed)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// POST /sessions/{sessionID}/timeout  body (optional): {"answers": [...]}
func (h *handlers) submitOnTimeout(w http.ResponseWriter, r *http.Request) {
	var req answersRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, h.log, err, "")
		return
	}
	ctx, user := sessionCtx(r)
	res, err := h.sessions.SubmitOnTimeout(ctx, user, chi.URLParam(r, "sessionID"), req.Answers)
	if err != nil {
		writeError(w, r, h.log, err, submitFailed)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// DELETE /sessions/{sessionID}
func (h *handlers) abandon(w http.ResponseWriter, r *http.Request) {
	ctx, user := sessionCtx(r)
	if err := h.sessions.Abandon(ctx, user, chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, r, h.log, err, "could not delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
