package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	authmw "github.com/mind-engage/examprep/internal/auth/middleware"
	"github.com/mind-engage/examprep/internal/cache"
	"github.com/mind-engage/examprep/internal/db/dbtest"
	"github.com/mind-engage/examprep/internal/question"
	"github.com/mind-engage/examprep/internal/session"
	"github.com/mind-engage/examprep/internal/storage"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	auth    *authmw.AuthService
	repo    *question.SQLRepository
	exec    func(ctx context.Context, q string, args ...any) error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	h := dbtest.Open(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := question.NewSQLRepository(h, log)
	eng := session.NewEngine(repo, session.NewSQLStore(h), cache.NewMemoryCache(), session.WithLogger(log))
	blobs, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	a := authmw.NewAuthService("test-secret")
	return &testServer{
		t:    t,
		auth: a,
		repo: repo,
		exec: func(ctx context.Context, q string, args ...any) error {
			_, err := h.ExecContext(ctx, q, args...)
			return err
		},
		handler: NewRouter(Deps{
			Sessions:      eng,
			Questions:     repo,
			Blobs:         blobs,
			Auth:          a,
			Credentials:   authmw.Credentials{AdminUser: "admin", AdminPassHash: string(hash)},
			CORSOrigins:   []string{"http://localhost:3000"},
			MockGroupSize: 2,
			Log:           log,
		}),
	}
}

func (s *testServer) seed(subject string, n int) []question.Question {
	s.t.Helper()
	out := make([]question.Question, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%02d", subject, i)
		q, err := s.repo.Put(context.Background(), question.Question{
			ID:        id,
			SubjectID: subject,
			Text:      "question " + id,
			Status:    question.StatusApproved,
			Active:    true,
			Options: []question.Option{
				{ID: id + "-a", Label: "A"},
				{ID: id + "-b", Label: "B", IsCorrect: true},
			},
		})
		require.NoError(s.t, err)
		out = append(out, q)
	}
	return out
}

func (s *testServer) token(sub, role string) string {
	s.t.Helper()
	tok, err := s.auth.IssueJWT(sub, role)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) do(method, path, tok string, body any, hdr ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.seed("Physics", 3)
	tok := s.token("student-1", authmw.RoleStudent)
	criteria := map[string]any{"subject_ids": []string{"Physics"}}

	rec := s.do(http.MethodPost, "/sessions", tok, criteria)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v := decode[session.View](t, rec)
	assert.Equal(t, 3, v.TotalQuestions)
	assert.Equal(t, etag(v.Version), rec.Header().Get("ETag"))

	rec = s.do(http.MethodPost, "/sessions", tok, criteria)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[session.View](t, rec)
	assert.True(t, again.Resumed)
	assert.Equal(t, v.SessionID, again.SessionID)

	base := "/sessions/" + v.SessionID
	rec = s.do(http.MethodPut, base+"/answers/0", tok, map[string]any{"option_id": v.Questions[0].ID + "-b"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[session.View](t, rec).AnsweredCount)

	rec = s.do(http.MethodPost, base+"/checkpoint", tok, map[string]any{
		"answers": []map[string]any{{"slot": 1, "question_id": v.Questions[1].ID, "option_id": v.Questions[1].ID + "-a"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, base+"/advance", tok, map[string]any{"delta": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[session.View](t, rec).Slot)

	rec = s.do(http.MethodPost, base+"/jump", tok, map[string]any{"slot": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[session.View](t, rec).Slot)

	rec = s.do(http.MethodGet, base, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[session.View](t, rec).AnsweredCount)

	rec = s.do(http.MethodPost, base+"/submit", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[session.Result](t, rec)
	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.CorrectCount)
	assert.Equal(t, 2, res.AnsweredCount)

	rec = s.do(http.MethodPost, base+"/submit", tok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, base+"/result", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[session.Result](t, rec).Items, 3)

	rec = s.do(http.MethodGet, "/sessions?status=completed", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]sessionSummary](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, v.SessionID, list[0].ID)
}

func TestSessionErrors(t *testing.T) {
	s := newTestServer(t)
	s.seed("Physics", 3)
	tok := s.token("student-1", authmw.RoleStudent)

	rec := s.do(http.MethodPost, "/sessions", tok, map[string]any{"subject_ids": []string{"Physics"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	v := decode[session.View](t, rec)
	base := "/sessions/" + v.SessionID

	t.Run("missing token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, base, "", nil).Code)
	})

	t.Run("another user", func(t *testing.T) {
		rec := s.do(http.MethodGet, base, s.token("student-2", authmw.RoleStudent), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/sessions/nope", tok, nil).Code)
	})

	t.Run("validation", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/sessions", tok, map[string]any{"subject_ids": []string{}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NotEmpty(t, decode[errorBody](t, rec).Fields)

		rec = s.do(http.MethodPost, "/sessions", tok, map[string]any{"subject_ids": []string{"Physics"}, "bogus": 1})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = s.do(http.MethodPut, base+"/answers/x", tok, map[string]any{"option_id": nil})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = s.do(http.MethodPut, base+"/answers/0", tok, map[string]any{"option_id": "not-an-option"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = s.do(http.MethodPost, base+"/advance", tok, map[string]any{"delta": 0})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = s.do(http.MethodPost, base+"/jump", tok, map[string]any{"subject": 0})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("shortfall", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/sessions", tok, map[string]any{
			"subject_ids": []string{"Physics", "Biology"}, "per_subject": 5,
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		body := decode[errorBody](t, rec)
		require.Len(t, body.Shortfalls, 2)
		assert.Equal(t, "Physics", body.Shortfalls[0].SubjectID)
		assert.Equal(t, 3, body.Shortfalls[0].Available)
	})

	t.Run("if-match", func(t *testing.T) {
		stale := etag(v.Version)
		rec := s.do(http.MethodPut, base+"/answers/0", tok, map[string]any{"option_id": nil}, "If-Match", stale)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		rec = s.do(http.MethodPut, base+"/answers/1", tok, map[string]any{"option_id": nil}, "If-Match", stale)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("stale session", func(t *testing.T) {
		qs := s.seed("Optics", 2)
		rec := s.do(http.MethodPost, "/sessions", tok, map[string]any{"subject_ids": []string{"Optics"}})
		require.Equal(t, http.StatusCreated, rec.Code)
		id := decode[session.View](t, rec).SessionID

		require.NoError(t, s.exec(context.Background(), `DELETE FROM questions WHERE id=$1`, qs[1].ID))
		rec = s.do(http.MethodGet, "/sessions/"+id, tok, nil)
		require.Equal(t, http.StatusGone, rec.Code)
		assert.Equal(t, setupPath, decode[errorBody](t, rec).Redirect)
	})

	t.Run("abandon", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, base, tok, nil).Code)
		assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, base, tok, nil).Code)
	})
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/auth/login", "", map[string]string{"username": "admin", "password": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, authmw.RoleAdmin, body["role"])
	assert.NotEmpty(t, body["access_token"])

	rec = s.do(http.MethodPost, "/auth/login", "", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = s.do(http.MethodPost, "/auth/login", "", map[string]string{"username": "someone"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminQuestions(t *testing.T) {
	s := newTestServer(t)
	admin := s.token("admin", authmw.RoleAdmin)
	student := s.token("student-1", authmw.RoleStudent)
	body := map[string]any{
		"subject_id": "Chemistry",
		"text":       "Which is a noble gas?",
		"status":     "approved",
		"options": []map[string]any{
			{"label": "Neon", "is_correct": true},
			{"label": "Sodium"},
		},
	}

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/admin/questions", student, body).Code)

	rec := s.do(http.MethodPost, "/admin/questions", admin, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	q := decode[question.Question](t, rec)
	assert.NotEmpty(t, q.ID)
	assert.True(t, q.Active)
	require.Len(t, q.Options, 2)

	bad := map[string]any{
		"subject_id": "Chemistry",
		"text":       "two answers",
		"options":    []map[string]any{{"label": "a", "is_correct": true}, {"label": "b", "is_correct": true}},
	}
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/admin/questions", admin, bad).Code)

	rec = s.do(http.MethodPost, "/admin/questions", admin, map[string]any{"subject_id": "Chemistry", "text": "x", "options": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Fields, "questionRequest.Options")

	// the new question is immediately selectable
	rec = s.do(http.MethodPost, "/sessions", student, map[string]any{"subject_ids": []string{"Chemistry"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, q.ID, decode[session.View](t, rec).Questions[0].ID)
}

func TestQuestionImageAndAssets(t *testing.T) {
	s := newTestServer(t)
	qs := s.seed("Biology", 1)
	admin := s.token("admin", authmw.RoleAdmin)
	student := s.token("student-1", authmw.RoleStudent)

	upload := func(id, name string, content []byte) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/admin/questions/"+id+"/image", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+admin)
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		return rec
	}

	png := []byte("\x89PNG\r\n\x1a\nfake")
	rec := upload(qs[0].ID, "cell.png", png)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	key := decode[map[string]string](t, rec)["image_key"]
	require.NotEmpty(t, key)

	assert.Equal(t, http.StatusBadRequest, upload(qs[0].ID, "cell.exe", png).Code)
	assert.Equal(t, http.StatusNotFound, upload("missing", "cell.png", png).Code)

	rec = s.do(http.MethodGet, "/assets/"+key, student, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, png, rec.Body.Bytes())

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/assets/questions/none.png", student, nil).Code)

	rec = s.do(http.MethodPost, "/sessions", student, map[string]any{"subject_ids": []string{"Biology"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, key, decode[session.View](t, rec).Questions[0].ImageKey)
}

func TestRebuildMockGroups(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 5; i++ {
		_, err := s.repo.Put(context.Background(), question.Question{
			SubjectID: "History",
			Text:      fmt.Sprintf("mock %d", i),
			Status:    question.StatusApproved,
			Active:    true,
			MockOnly:  true,
			Options:   []question.Option{{Label: "a", IsCorrect: true}, {Label: "b"}},
		})
		require.NoError(t, err)
	}
	admin := s.token("admin", authmw.RoleAdmin)

	rec := s.do(http.MethodPost, "/admin/mock-groups", admin, map[string]any{"subject_id": "History"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	groups := decode[[]question.MockGroup](t, rec)
	require.Len(t, groups, 3)
	assert.Equal(t, 1, groups[2].Size)

	rec = s.do(http.MethodPost, "/admin/mock-groups", admin, map[string]any{"subject_id": "Nothing"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/admin/mock-groups", admin, map[string]any{}).Code)
	student := s.token("student-1", authmw.RoleStudent)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/admin/mock-groups", student, map[string]any{"subject_id": "History"}).Code)

	rec = s.do(http.MethodPost, "/sessions", student, map[string]any{
		"subject_ids": []string{"History"}, "mock_group_id": groups[0].ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[session.View](t, rec).TotalQuestions)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/readyz", "", nil).Code)

	down := NewRouter(Deps{
		Auth:  authmw.NewAuthService("x"),
		Ready: func(context.Context) error { return fmt.Errorf("db down") },
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	rec := httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
