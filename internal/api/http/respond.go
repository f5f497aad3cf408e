package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mind-engage/examprep/internal/apperr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// setupPath is where a student restarts after a session can no longer be
// restored.
const setupPath = "/setup"

type errorBody struct {
	Error      string             `json:"error"`
	Fields     map[string]string  `json:"fields,omitempty"`
	Shortfalls []apperr.Shortfall `json:"shortfalls,omitempty"`
	Redirect   string             `json:"redirect,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decodeJSON reads the body into dst and validates its struct tags. An empty
// body leaves dst untouched when allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return validateStruct(dst)
		}
		return apperr.Validation("bad json: %v", err)
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			return fieldErrors(ve)
		}
		return apperr.Validation("%v", err)
	}
	return nil
}

type fieldError struct {
	fields map[string]string
}

func (e *fieldError) Error() string {
	parts := make([]string, 0, len(e.fields))
	for f, tag := range e.fields {
		parts = append(parts, f+" "+tag)
	}
	return "invalid fields: " + strings.Join(parts, ", ")
}

func (e *fieldError) Unwrap() error { return apperr.ErrValidation }

func fieldErrors(ve validator.ValidationErrors) error {
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		out[fe.Namespace()] = fe.Tag()
	}
	return &fieldError{fields: out}
}

// writeError maps error kinds to status codes. Unclassified errors are
// logged and replaced by fallback.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error, fallback string) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var fe *fieldError
	var ie *apperr.InsufficientQuestionsError
	switch {
	case errors.As(err, &fe):
		status = http.StatusBadRequest
		body.Fields = fe.fields
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrStaleSession):
		status = http.StatusGone
		body.Redirect = setupPath
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case errors.As(err, &ie):
		status = http.StatusUnprocessableEntity
		body.Shortfalls = ie.Shortfalls
	case errors.Is(err, apperr.ErrInsufficientData):
		status = http.StatusUnprocessableEntity
	default:
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		body.Error = fallback
	}
	respondJSON(w, status, body)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil && v >= 0 {
		return v
	}
	return def
}

// parseETag accepts `3`, `"3"` and `W/"3"`.
func parseETag(v string) (int64, bool) {
	v = strings.TrimSpace(v)
	if v == "" || v == "*" {
		return 0, false
	}
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func etag(version int64) string { return fmt.Sprintf(`"%d"`, version) }
