package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/questora/server/internal/auth"
	"github.com/questora/server/internal/config"
	"github.com/questora/server/internal/db"
	"github.com/questora/server/internal/fingerprint"
	httphandler "github.com/questora/server/internal/http"
	"github.com/questora/server/internal/http/handlers"
	"github.com/questora/server/internal/identity"
	"github.com/questora/server/internal/notify"
	"github.com/questora/server/internal/repo"
	"github.com/questora/server/internal/session"
)

func main() {
	// Env vars win over .env values.
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create context for startup operations
	ctx := context.Background()

	// Open database connection
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := runMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Redis backs the OTP throttle, the failed-login lockout and the
	// reset authorization window.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to reach redis at %s: %v", cfg.RedisAddr, err)
	}
	defer rdb.Close()

	// Initialize repositories
	accountRepo := repo.NewAccountRepo(database)
	draftRepo := repo.NewDraftRepo(database)
	codeRepo := repo.NewCodeRepo(database)
	deviceRepo := repo.NewDeviceRepo(database)
	activityRepo := repo.NewActivityRepo(database)

	// Notification channels: real SMTP when configured, log senders in dev
	var mailer notify.EmailSender
	if cfg.SMTPHost != "" {
		mailer = notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.FromName, cfg.FromAddr)
	} else {
		mailer = notify.LogEmailSender{}
	}
	sms := notify.LogSMSSender{}

	// Initialize auth services
	hasher := auth.NewArgon2Hasher()
	guard := auth.NewGuard(rdb, cfg.ResendWindow, cfg.LockoutTTL, cfg.ResetAuthTTL)
	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL)
	otpEngine := auth.NewOTPEngine(codeRepo, guard, mailer, sms, cfg.OTPTTL, cfg.DevMode)

	// Device-local session state
	stateStore, err := session.NewFileStore(cfg.StateDir)
	if err != nil {
		log.Fatalf("Failed to open session state dir: %v", err)
	}

	// Initialize domain services
	activityWriter := identity.NewActivityWriter(activityRepo)
	registrationService := identity.NewRegistrationService(
		accountRepo, draftRepo, otpEngine, hasher, mailer, activityWriter,
		cfg.LoginDomain, cfg.DraftTTL,
	)
	recoveryService := identity.NewRecoveryService(
		accountRepo, otpEngine, guard, hasher, mailer, activityWriter,
	)
	securityService := identity.NewSecurityService(
		accountRepo, hasher, mailer, activityWriter, cfg.FromName,
	)
	sessionManager := session.NewManager(
		accountRepo, deviceRepo, activityWriter, hasher, guard, jwtService, mailer, stateStore,
	)

	fp := fingerprint.New(fingerprint.NewIPAPIResolver())

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(registrationService, recoveryService, sessionManager, fp)
	accountHandler := handlers.NewAccountHandler(securityService, sessionManager, fp)
	securityHandler := handlers.NewSecurityHandler(securityService, fp)
	deviceHandler := handlers.NewDeviceHandler(deviceRepo, activityWriter, fp)
	activityHandler := handlers.NewActivityHandler(activityWriter)

	// Create router
	router := httphandler.NewRouter(
		database, authHandler, accountHandler, securityHandler,
		deviceHandler, activityHandler, jwtService, accountRepo,
	)

	// Background sweep of expired drafts and codes
	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	reaper := identity.NewReaper(draftRepo, codeRepo, cfg.ReapInterval)
	go reaper.Run(reapCtx)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stopReaper()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// Resolve migration dir so it works from the repo root or cmd/api
	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		migrationDir = "../../internal/db/migrations"
	}
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the repo root)")
	}

	absDir, _ := filepath.Abs(migrationDir)
	slog.Info("running migrations", slog.String("dir", absDir))

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
