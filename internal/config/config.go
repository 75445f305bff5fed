package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	googleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

	minSessionSecretLen = 32
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	SQLiteDriver          string
	SQLiteDSN             string
	SQLitePath            string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration

	// MapsAPIKey is the browser key for the Google Maps JS API. Required.
	MapsAPIKey          string
	MapID               string
	MapCenterLat        float64
	MapCenterLng        float64
	MapZoom             int
	MapDisableDefaultUI bool
	MapStrokeColor      string

	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURL  string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthUserInfoURL  string
	OAuthScopes       []string

	// SessionSecret signs the session cookie. In dev a random key is generated
	// when unset, which signs everybody out on restart.
	SessionSecret []byte

	TelemetryBaseURL string
	TelemetryAccount string
	TelemetryAPIKey  string
	TelemetryTimeout time.Duration
	TelemetryLimit   int
	FetchConcurrency int

	// PollInterval re-fetches every live session on a timer. Zero disables polling.
	PollInterval time.Duration
	// SessionIdleTimeout evicts browser sessions, signed-in users included,
	// that saw no request or websocket ping for this long. Zero keeps them
	// until sign-out.
	SessionIdleTimeout time.Duration

	// MQTTBroker enables feed notifications when non-empty.
	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:   appEnv,
		LogLevel: level,
		HTTPAddr: envString("HTTP_ADDR", ":8080"),

		SQLiteDriver: envString("SQLITE_DRIVER", "sqlite3"),
		SQLiteDSN:    envString("SQLITE_DSN", ""),
		SQLitePath:   envString("SQLITE_PATH", "data/tracker.db"),

		MapsAPIKey:     envString("MAPS_API_KEY", ""),
		MapID:          envString("MAP_ID", "DEMO_MAP_ID"),
		MapStrokeColor: envString("MAP_STROKE_COLOR", "#ff0000"),

		OAuthClientID:     envString("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: envString("OAUTH_CLIENT_SECRET", ""),
		OAuthRedirectURL:  envString("OAUTH_REDIRECT_URL", "http://localhost:8080/auth/callback"),
		OAuthAuthURL:      envString("OAUTH_AUTH_URL", googleAuthURL),
		OAuthTokenURL:     envString("OAUTH_TOKEN_URL", googleTokenURL),
		OAuthUserInfoURL:  envString("OAUTH_USERINFO_URL", googleUserInfoURL),
		OAuthScopes:       splitList(envString("OAUTH_SCOPES", "openid,email,profile")),

		TelemetryBaseURL: strings.TrimRight(envString("TELEMETRY_BASE_URL", "https://io.adafruit.com"), "/"),
		TelemetryAccount: envString("TELEMETRY_ACCOUNT", ""),
		TelemetryAPIKey:  envString("TELEMETRY_API_KEY", ""),

		MQTTBroker:   envString("MQTT_BROKER", ""),
		MQTTClientID: envString("MQTT_CLIENT_ID", "devicetracker-server"),
	}

	switch cfg.SQLiteDriver {
	case "sqlite3", "sqlite3-log":
	default:
		return Config{}, fmt.Errorf("invalid SQLITE_DRIVER %q (allowed: sqlite3, sqlite3-log)", cfg.SQLiteDriver)
	}

	if cfg.SQLiteMaxOpenConns, err = envInt("SQLITE_MAX_OPEN_CONNS", 1); err != nil {
		return Config{}, err
	}
	if cfg.SQLiteMaxIdleConns, err = envInt("SQLITE_MAX_IDLE_CONNS", 1); err != nil {
		return Config{}, err
	}
	if cfg.SQLiteConnMaxLifetime, err = envDuration("SQLITE_CONN_MAX_LIFETIME", 0); err != nil {
		return Config{}, err
	}

	if cfg.MapsAPIKey == "" {
		return Config{}, errors.New("MAPS_API_KEY is required (Google Maps JS API browser key)")
	}
	if cfg.MapCenterLat, err = envFloat("MAP_CENTER_LAT", 22.5726); err != nil {
		return Config{}, err
	}
	if cfg.MapCenterLat < -90 || cfg.MapCenterLat > 90 {
		return Config{}, fmt.Errorf("MAP_CENTER_LAT must be within [-90, 90], got %v", cfg.MapCenterLat)
	}
	if cfg.MapCenterLng, err = envFloat("MAP_CENTER_LNG", 88.3639); err != nil {
		return Config{}, err
	}
	if cfg.MapCenterLng < -180 || cfg.MapCenterLng > 180 {
		return Config{}, fmt.Errorf("MAP_CENTER_LNG must be within [-180, 180], got %v", cfg.MapCenterLng)
	}
	if cfg.MapZoom, err = envInt("MAP_ZOOM", 10); err != nil {
		return Config{}, err
	}
	if cfg.MapZoom < 0 || cfg.MapZoom > 22 {
		return Config{}, fmt.Errorf("MAP_ZOOM must be within [0, 22], got %d", cfg.MapZoom)
	}
	if cfg.MapDisableDefaultUI, err = envBool("MAP_DISABLE_DEFAULT_UI", true); err != nil {
		return Config{}, err
	}

	if cfg.OAuthClientID == "" || cfg.OAuthClientSecret == "" {
		return Config{}, errors.New("OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET are required")
	}
	if len(cfg.OAuthScopes) == 0 {
		return Config{}, errors.New("OAUTH_SCOPES must name at least one scope")
	}

	secret := envString("SESSION_SECRET", "")
	switch {
	case secret != "":
		if len(secret) < minSessionSecretLen {
			return Config{}, fmt.Errorf("SESSION_SECRET must be at least %d bytes, got %d", minSessionSecretLen, len(secret))
		}
		cfg.SessionSecret = []byte(secret)
	case appEnv == "prod":
		return Config{}, errors.New("SESSION_SECRET is required when APP_ENV=prod")
	default:
		cfg.SessionSecret = make([]byte, minSessionSecretLen)
		if _, err := rand.Read(cfg.SessionSecret); err != nil {
			return Config{}, fmt.Errorf("generate session secret: %w", err)
		}
	}

	if cfg.TelemetryAccount == "" {
		return Config{}, errors.New("TELEMETRY_ACCOUNT is required")
	}
	if cfg.TelemetryTimeout, err = envDuration("TELEMETRY_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.TelemetryTimeout <= 0 {
		return Config{}, fmt.Errorf("TELEMETRY_TIMEOUT must be positive, got %v", cfg.TelemetryTimeout)
	}
	if cfg.TelemetryLimit, err = envInt("TELEMETRY_LIMIT", 0); err != nil {
		return Config{}, err
	}
	if cfg.TelemetryLimit < 0 {
		return Config{}, fmt.Errorf("TELEMETRY_LIMIT must be >= 0, got %d", cfg.TelemetryLimit)
	}
	if cfg.FetchConcurrency, err = envInt("FETCH_CONCURRENCY", 4); err != nil {
		return Config{}, err
	}
	if cfg.FetchConcurrency <= 0 {
		return Config{}, fmt.Errorf("FETCH_CONCURRENCY must be positive, got %d", cfg.FetchConcurrency)
	}

	if cfg.PollInterval, err = envDuration("POLL_INTERVAL", 0); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval < 0 {
		return Config{}, fmt.Errorf("POLL_INTERVAL must be >= 0, got %v", cfg.PollInterval)
	}

	if cfg.SessionIdleTimeout, err = envDuration("SESSION_IDLE_TIMEOUT", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout < 0 {
		return Config{}, fmt.Errorf("SESSION_IDLE_TIMEOUT must be >= 0, got %v", cfg.SessionIdleTimeout)
	}

	if cfg.MQTTPort, err = envInt("MQTT_PORT", 1883); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// MQTTEnabled reports whether feed notifications should be subscribed to.
func (c Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
