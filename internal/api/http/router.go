package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	authmw "github.com/mind-engage/examprep/internal/auth/middleware"
	"github.com/mind-engage/examprep/internal/question"
	"github.com/mind-engage/examprep/internal/rbac"
	"github.com/mind-engage/examprep/internal/storage"
)

type Deps struct {
	Sessions      Sessions
	Questions     question.Repository
	Blobs         storage.BlobStore
	Auth          *authmw.AuthService
	Credentials   authmw.Credentials
	CORSOrigins   []string
	MockGroupSize int
	Log           *slog.Logger
	// Ready reports whether the database and cache are reachable.
	Ready func(ctx context.Context) error
}

type handlers struct {
	sessions      Sessions
	questions     question.Repository
	blobs         storage.BlobStore
	log           *slog.Logger
	mockGroupSize int
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	h := &handlers{
		sessions:      d.Sessions,
		questions:     d.Questions,
		blobs:         d.Blobs,
		log:           log,
		mockGroupSize: d.MockGroupSize,
	}
	if h.mockGroupSize <= 0 {
		h.mockGroupSize = 40
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "If-Match"},
		ExposedHeaders:   []string{"Content-Length", "ETag"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/auth/login", authmw.LoginHandler(d.Auth, d.Credentials))

	r.Group(func(pr chi.Router) {
		pr.Use(authmw.JWTMiddleware(d.Auth))

		pr.With(rbac.Require("asset:view")).Get("/assets/*", h.getAsset)

		pr.Route("/sessions", func(sr chi.Router) {
			sr.With(rbac.Require("session:start")).Post("/", h.startSession)
			sr.With(rbac.Require("session:view-own")).Get("/", h.listSessions)

			sr.Route("/{sessionID}", func(one chi.Router) {
				one.With(rbac.Require("session:view-own")).Get("/", h.resumeSession)
				one.With(rbac.Require("session:view-own")).Get("/result", h.sessionResult)
				one.With(rbac.Require("session:answer")).Put("/answers/{slot}", h.recordAnswer)
				one.With(rbac.Require("session:answer")).Post("/checkpoint", h.checkpoint)
				one.With(rbac.Require("session:answer")).Post("/exit", h.exitAndSave)
				one.With(rbac.Require("session:answer")).Post("/advance", h.advance)
				one.With(rbac.Require("session:answer")).Post("/jump", h.jump)
				one.With(rbac.Require("session:submit")).Post("/submit", h.submit)
				one.With(rbac.Require("session:submit")).Post("/timeout", h.submitOnTimeout)
				one.With(rbac.Require("session:abandon")).Delete("/", h.abandon)
			})
		})

		pr.Route("/admin", func(ar chi.Router) {
			ar.With(rbac.Require("question:create")).Post("/questions", h.putQuestion)
			ar.With(rbac.Require("question:create")).Post("/questions/{questionID}/image", h.putQuestionImage)
			ar.With(rbac.Require("mockgroup:rebuild")).Post("/mock-groups", h.rebuildMockGroups)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				log.Warn("not ready", "err", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	return r
}
