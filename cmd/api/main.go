package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/mail"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it
	// this is best-effort: if no .env exists, continue (use defaults or real env)
	_ = godotenv.Load()

	// init logger
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-auth-go")

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// init store
	var (
		store  auth.Store
		sqlxDB *sqlx.DB
	)
	switch os.Getenv("STORE") {
	case "memory":
		sugar.Warn("STORE=memory, accounts are lost on restart")
		store = repo.NewMemoryRepo()
	default:
		cfg := database.ConfigFromEnv()
		sqlxDB, err = database.Open(cfg)
		if err != nil {
			sugar.Fatalf("db connect: %v", err)
		}
		defer sqlxDB.Close()
		if cfg.AutoMigrate {
			if err := database.Migrate(ctx, sqlxDB.DB); err != nil {
				sugar.Fatalf("db migrate: %v", err)
			}
			sugar.Info("migrations applied")
		}
		store = repo.NewAccountRepo(sqlxDB)
	}

	// init rate limiter
	rlCfg := ratelimit.ConfigFromEnv()
	limiter, closeLimiter, err := ratelimit.New(rlCfg)
	if err != nil {
		sugar.Fatalf("rate limiter: %v", err)
	}
	defer closeLimiter()

	// init gateway
	authCfg := auth.ConfigFromEnv()
	gw, err := auth.NewGateway(authCfg, auth.Deps{
		Store:  store,
		Mailer: mail.New(mail.ConfigFromEnv(), sugar),
		Logger: sugar,
		IDs:    utilities.NewIDGenerator(utilities.NodeIDFromEnv()),
	})
	if err != nil {
		sugar.Fatalf("auth gateway: %v", err)
	}

	// mount http server
	handler := router.RegisterRoutes(sugar, router.Deps{
		Auth:       auth.NewHandler(gw, authCfg, sugar),
		Limiter:    limiter,
		TrustProxy: rlCfg.TrustProxy,
	})
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8431"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// run server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Infow("service is running; press Ctrl+C to stop", "addr", addr)

	<-ctx.Done()

	sugar.Info("shutting down")

	// give a short grace period for cleanup
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// shutdown http server
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	if sqlxDB != nil {
		// ping db once more
		if err := sqlxDB.PingContext(doneCtx); err != nil {
			sugar.Warnf("db ping on shutdown failed: %v", err)
		}
	}

	sugar.Info("goodbye")
}
