package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string
	RedisAddr   string

	// LoginDomain is the fixed suffix appended to handles to form login
	// identifiers (handle + "@" + LoginDomain).
	LoginDomain string

	// StateDir holds per-device local session state files.
	StateDir string

	SMTPHost string
	SMTPPort string
	SMTPUser string
	SMTPPass string
	FromName string
	FromAddr string

	AccessTokenTTL time.Duration
	DraftTTL       time.Duration
	ResetAuthTTL   time.Duration
	OTPTTL         time.Duration
	ResendWindow   time.Duration
	LockoutTTL     time.Duration
	ReapInterval   time.Duration

	DevMode bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:           "8080",
		LoginDomain:    "questora.app",
		StateDir:       "state",
		FromName:       "Questora",
		AccessTokenTTL: 24 * time.Hour,
		DraftTTL:       24 * time.Hour,
		ResetAuthTTL:   15 * time.Minute,
		OTPTTL:         10 * time.Minute,
		ResendWindow:   60 * time.Second,
		LockoutTTL:     15 * time.Minute,
		ReapInterval:   time.Hour,
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	} else {
		cfg.RedisAddr = "localhost:6379"
	}
	if domain := os.Getenv("LOGIN_DOMAIN"); domain != "" {
		cfg.LoginDomain = domain
	}
	if dir := os.Getenv("STATE_DIR"); dir != "" {
		cfg.StateDir = dir
	}

	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPPort = os.Getenv("SMTP_PORT")
	cfg.SMTPUser = os.Getenv("SMTP_USER")
	cfg.SMTPPass = os.Getenv("SMTP_PASS")
	if name := os.Getenv("SMTP_FROM_NAME"); name != "" {
		cfg.FromName = name
	}
	cfg.FromAddr = os.Getenv("SMTP_FROM_ADDR")
	if cfg.FromAddr == "" {
		cfg.FromAddr = "no-reply@" + cfg.LoginDomain
	}

	if d, ok, err := durationEnv("ACCESS_TOKEN_TTL"); err != nil {
		return nil, err
	} else if ok {
		cfg.AccessTokenTTL = d
	}
	if d, ok, err := durationEnv("DRAFT_TTL"); err != nil {
		return nil, err
	} else if ok {
		cfg.DraftTTL = d
	}
	if d, ok, err := durationEnv("RESET_AUTH_TTL"); err != nil {
		return nil, err
	} else if ok {
		cfg.ResetAuthTTL = d
	}
	if d, ok, err := durationEnv("OTP_TTL"); err != nil {
		return nil, err
	} else if ok {
		cfg.OTPTTL = d
	}
	if d, ok, err := durationEnv("OTP_RESEND_WINDOW"); err != nil {
		return nil, err
	} else if ok {
		cfg.ResendWindow = d
	}
	if d, ok, err := durationEnv("LOCKOUT_TTL"); err != nil {
		return nil, err
	} else if ok {
		cfg.LockoutTTL = d
	}
	if d, ok, err := durationEnv("REAP_INTERVAL"); err != nil {
		return nil, err
	} else if ok {
		cfg.ReapInterval = d
	}

	if v := os.Getenv("DEV_MODE"); v != "" {
		devMode, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DEV_MODE value %q", v)
		}
		cfg.DevMode = devMode
	}

	return cfg, nil
}

// durationEnv parses an optional duration environment variable.
func durationEnv(name string) (time.Duration, bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s value %q: %w", name, v, err)
	}
	if d <= 0 {
		return 0, false, fmt.Errorf("%s must be positive, got %q", name, v)
	}
	return d, true, nil
}
