package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/examprep/internal/rbac"
)

func TestJWTMiddleware_SetsIdentity(t *testing.T) {
	a := NewAuthService("test-secret")
	tok, err := a.IssueJWT("student-1", RoleStudent)
	require.NoError(t, err)

	var sub, role string
	h := JWTMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub = SubjectFromContext(r.Context())
		role = rbac.RoleFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "student-1", sub)
	assert.Equal(t, RoleStudent, role)
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	a := NewAuthService("test-secret")
	other, err := NewAuthService("other-secret").IssueJWT("u", RoleAdmin)
	require.NoError(t, err)

	expired := NewAuthService("test-secret")
	expired.now = func() time.Time { return time.Now().Add(-9 * time.Hour) }
	old, err := expired.IssueJWT("u", RoleStudent)
	require.NoError(t, err)

	h := JWTMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	for _, header := range []string{"", "Basic abc", "Bearer garbage", "Bearer " + other, "Bearer " + old} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}

func TestLoginHandler(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	a := NewAuthService("test-secret")
	creds := Credentials{AdminUser: "admin", AdminPassHash: string(hash)}

	login := func(c Credentials, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		LoginHandler(a, c)(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body)))
		return rec
	}

	rec := login(creds, `{"username":"admin","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	claims, err := a.Parse(out["access_token"])
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)

	assert.Equal(t, http.StatusUnauthorized, login(creds, `{"username":"admin","password":"nope"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, login(creds, `{"username":"ada","password":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, login(creds, `{`).Code)

	dev := creds
	dev.DevStudents = true
	rec = login(dev, `{"username":"ada"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, RoleStudent, out["role"])
}
