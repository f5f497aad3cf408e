package http

import (
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mind-engage/examprep/internal/apperr"
	"github.com/mind-engage/examprep/internal/question"
)

const maxImageBytes = 5 << 20

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true}

type optionRequest struct {
	ID        string `json:"id,omitempty"`
	Label     string `json:"label" validate:"required"`
	IsCorrect bool   `json:"is_correct"`
}

type questionRequest struct {
	ID          string          `json:"id,omitempty"`
	SubjectID   string          `json:"subject_id" validate:"required"`
	TopicID     string          `json:"topic_id,omitempty"`
	ExamTypeID  string          `json:"exam_type_id,omitempty"`
	Year        int             `json:"year,omitempty" validate:"gte=0"`
	Text        string          `json:"text" validate:"required"`
	Explanation string          `json:"explanation,omitempty"`
	Difficulty  string          `json:"difficulty,omitempty" validate:"omitempty,oneof=easy medium hard"`
	Status      string          `json:"status,omitempty" validate:"omitempty,oneof=pending approved rejected"`
	Active      *bool           `json:"is_active,omitempty"`
	MockOnly    bool            `json:"mock_only,omitempty"`
	Options     []optionRequest `json:"options" validate:"min=2,dive"`
}

func (q questionRequest) model() question.Question {
	active := true
	if q.Active != nil {
		active = *q.Active
	}
	out := question.Question{
		ID:          strings.TrimSpace(q.ID),
		SubjectID:   strings.TrimSpace(q.SubjectID),
		TopicID:     strings.TrimSpace(q.TopicID),
		ExamTypeID:  strings.TrimSpace(q.ExamTypeID),
		Year:        q.Year,
		Text:        q.Text,
		Explanation: q.Explanation,
		Difficulty:  q.Difficulty,
		Status:      question.Status(q.Status),
		Active:      active,
		MockOnly:    q.MockOnly,
		Options:     make([]question.Option, len(q.Options)),
	}
	for i, o := range q.Options {
		out.Options[i] = question.Option{ID: strings.TrimSpace(o.ID), Label: o.Label, IsCorrect: o.IsCorrect}
	}
	return out
}

// POST /admin/questions
func (h *handlers) putQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, h.log, err, "")
		return
	}
	q, err := h.questions.Put(r.Context(), req.model())
	if err != nil {
		writeError(w, r, h.log, err, "could not save question")
		return
	}
	respondJSON(w, http.StatusOK, q)
}

// POST /admin/questions/{questionID}/image  multipart field "file"
func (h *handlers) putQuestionImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "questionID")
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, h.log, apperr.Validation("file required: %v", err), "")
		return
	}
	defer f.Close()

	ext := strings.ToLower(path.Ext(hdr.Filename))
	if !imageExts[ext] {
		writeError(w, r, h.log, apperr.Validation("unsupported image type %q", ext), "")
		return
	}
	key, err := h.blobs.Put(r.Context(), "questions/"+id+"/"+uuid.NewString()+ext, f)
	if err != nil {
		writeError(w, r, h.log, err, "could not store image")
		return
	}
	if err := h.questions.SetImage(r.Context(), id, key); err != nil {
		if derr := h.blobs.Delete(r.Context(), key); derr != nil {
			h.log.Warn("orphaned question image", "key", key, "err", derr)
		}
		writeError(w, r, h.log, err, "could not attach image")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"question_id": id, "image_key": key})
}

type batchRequest struct {
	SubjectID  string `json:"subject_id" validate:"required"`
	ExamTypeID string `json:"exam_type_id"`
	Size       int    `json:"size" validate:"gte=0"`
}

// POST /admin/mock-groups  body: {"subject_id": "...", "exam_type_id": "...", "size": 40}
func (h *handlers) rebuildMockGroups(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, h.log, err, "")
		return
	}
	size := req.Size
	if size == 0 {
		size = h.mockGroupSize
	}
	groups, err := h.questions.Batch(r.Context(), req.SubjectID, req.ExamTypeID, size)
	if err != nil {
		writeError(w, r, h.log, err, "could not rebuild mock groups")
		return
	}
	if groups == nil {
		groups = []question.MockGroup{}
	}
	respondJSON(w, http.StatusOK, groups)
}
