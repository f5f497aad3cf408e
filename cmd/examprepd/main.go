package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "github.com/mind-engage/examprep/internal/api/http"
	auth "github.com/mind-engage/examprep/internal/auth/middleware"
	"github.com/mind-engage/examprep/internal/cache"
	"github.com/mind-engage/examprep/internal/config"
	"github.com/mind-engage/examprep/internal/db"
	"github.com/mind-engage/examprep/internal/lib/slogcustom"
	"github.com/mind-engage/examprep/internal/question"
	"github.com/mind-engage/examprep/internal/session"
	"github.com/mind-engage/examprep/internal/storage"
)

func main() {
	config.LoadDotEnv()
	cfg := config.FromEnv()
	log := newLogger(cfg)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("examprepd stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	if cfg.Mode == config.ModeOnline {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}
	return slog.New(slogcustom.NewHandler(os.Stdout, cfg.LogLevel))
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	dbh, err := db.Open(openCtx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		return err
	}
	defer dbh.Close()

	var (
		sessionCache cache.Cache
		pingCache    = func(context.Context) error { return nil }
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		rc := cache.NewRedisCache(rdb, "examprep:session:")
		if err := rc.Ping(ctx); err != nil {
			// sessions still rebuild from the database while redis is away
			log.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "err", err)
		}
		sessionCache, pingCache = rc, rc.Ping
	} else {
		log.Info("using in-process session cache")
		sessionCache = cache.NewMemoryCache()
	}

	questions := question.NewSQLRepository(dbh, log)
	engine := session.NewEngine(questions, session.NewSQLStore(dbh), sessionCache,
		session.WithCacheTTL(cfg.SessionCacheTTL),
		session.WithLogger(log),
	)

	blobs, err := storage.NewFSStore(cfg.BlobBasePath)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Deps{
		Sessions:  engine,
		Questions: questions,
		Blobs:     blobs,
		Auth:      auth.NewAuthService(cfg.AuthHMACSecret),
		Credentials: auth.Credentials{
			AdminUser:     cfg.AdminUser,
			AdminPassHash: cfg.AdminPassHash,
			DevStudents:   cfg.Mode == config.ModeOffline,
		},
		CORSOrigins:   cfg.CORSOrigins,
		MockGroupSize: cfg.MockGroupSize,
		Log:           log,
		Ready: func(ctx context.Context) error {
			if err := dbh.PingContext(ctx); err != nil {
				return err
			}
			return pingCache(ctx)
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr, "mode", cfg.Mode, "db", cfg.DBDriver)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
