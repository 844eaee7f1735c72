// Package config loads the relay's runtime configuration from an optional
// YAML file, environment variables, and command-line flags, in increasing
// order of precedence.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envListenAddr      = "CONSULT_RELAY_LISTEN_ADDR"
	envAllowedOrigins  = "CONSULT_RELAY_ALLOWED_ORIGINS"
	envLogFormat       = "CONSULT_RELAY_LOG_FORMAT"
	envLogLevel        = "CONSULT_RELAY_LOG_LEVEL"
	envMode            = "CONSULT_RELAY_MODE"
	envShutdownTimeout = "CONSULT_RELAY_SHUTDOWN_TIMEOUT"

	// Identity resolution.
	envAuthMode   = "CONSULT_RELAY_AUTH_MODE"
	envJWTSecret  = "CONSULT_RELAY_JWT_SECRET"
	envUserHeader = "CONSULT_RELAY_USER_HEADER"

	// WebSocket hygiene.
	envWSIdleTimeout        = "CONSULT_RELAY_WS_IDLE_TIMEOUT"
	envWSPingInterval       = "CONSULT_RELAY_WS_PING_INTERVAL"
	envMaxMessageBytes      = "CONSULT_RELAY_MAX_MESSAGE_BYTES"
	envMaxMessagesPerSecond = "CONSULT_RELAY_MAX_MESSAGES_PER_SECOND"
	envSendQueueSize        = "CONSULT_RELAY_SEND_QUEUE_SIZE"

	// Consultation lifecycle service (Postgres). Empty disables the check.
	envDatabaseURL = "CONSULT_RELAY_DATABASE_URL"

	// coturn TURN REST (ephemeral) credentials.
	envTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultUserHeader      = "X-Consult-User"

	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 25 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024 // enough headroom for SDP payloads
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueSize        = 256

	DefaultTURNRESTTTLSeconds     = 600
	DefaultTURNRESTUsernamePrefix = "consult"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	// AuthModeHeader trusts a reverse-proxy supplied user header (and, in
	// dev mode, a `user` query parameter). The proxy terminates the actual
	// authentication.
	AuthModeHeader AuthMode = "header"

	// AuthModeJWT verifies an HS256 token and takes the principal from its
	// `sub` claim.
	AuthModeJWT AuthMode = "jwt"
)

// TurnRESTConfig mints coturn-compatible ephemeral TURN credentials for the
// /webrtc/ice endpoint. Disabled when SharedSecret is empty.
type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	Mode            Mode
	ShutdownTimeout time.Duration

	AuthMode   AuthMode
	JWTSecret  string
	UserHeader string

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueSize        int

	DatabaseURL string

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
}

// Load builds the configuration from args and the process environment.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	fs := flag.NewFlagSet("consult-relay", flag.ContinueOnError)

	configPath := fs.String("config", "", "Optional YAML config file (env vars still take precedence)")
	listenAddr := fs.String("listen-addr", "", "Listen address (host:port)")
	logLevelFlag := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormatFlag := fs.String("log-format", "", "Log format (text, json)")
	modeFlag := fs.String("mode", "", "Mode (dev, prod)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var file fileConfig
	if *configPath != "" {
		f, err := loadFile(*configPath)
		if err != nil {
			return Config{}, err
		}
		file = f
	}

	cfg := Config{
		ListenAddr:      pick(*listenAddr, env(lookup, envListenAddr), file.ListenAddr, DefaultListenAddr),
		Mode:            Mode(pick(*modeFlag, env(lookup, envMode), file.Mode, string(ModeDev))),
		ShutdownTimeout: DefaultShutdownTimeout,
		AuthMode:        AuthMode(pick(env(lookup, envAuthMode), file.AuthMode, string(AuthModeHeader))),
		JWTSecret:       pick(env(lookup, envJWTSecret), file.JWTSecret),
		UserHeader:      pick(env(lookup, envUserHeader), file.UserHeader, DefaultUserHeader),
		DatabaseURL:     pick(env(lookup, envDatabaseURL), file.DatabaseURL),

		WSIdleTimeout:        DefaultWSIdleTimeout,
		WSPingInterval:       DefaultWSPingInterval,
		MaxMessageBytes:      DefaultMaxMessageBytes,
		MaxMessagesPerSecond: DefaultMaxMessagesPerSecond,
		SendQueueSize:        DefaultSendQueueSize,

		TURNREST: TurnRESTConfig{
			SharedSecret:   pick(env(lookup, envTURNRESTSharedSecret), file.TURNREST.SharedSecret),
			TTLSeconds:     DefaultTURNRESTTTLSeconds,
			UsernamePrefix: pick(env(lookup, envTURNRESTUsernamePrefix), file.TURNREST.UsernamePrefix, DefaultTURNRESTUsernamePrefix),
		},
	}

	switch cfg.Mode {
	case ModeDev, ModeProd:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (expected dev or prod)", envMode, cfg.Mode)
	}

	logFormat := pick(*logFormatFlag, env(lookup, envLogFormat), file.LogFormat, defaultLogFormatForMode(cfg.Mode))
	switch LogFormat(logFormat) {
	case LogFormatText, LogFormatJSON:
		cfg.LogFormat = LogFormat(logFormat)
	default:
		return Config{}, fmt.Errorf("invalid %s %q (expected text or json)", envLogFormat, logFormat)
	}

	level, err := parseLogLevel(pick(*logLevelFlag, env(lookup, envLogLevel), file.LogLevel, defaultLogLevelForMode(cfg.Mode)))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if raw := pick(env(lookup, envAllowedOrigins), strings.Join(file.AllowedOrigins, ",")); raw != "" {
		cfg.AllowedOrigins = splitAndTrim(raw)
	}

	if raw := env(lookup, envShutdownTimeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envShutdownTimeout, raw)
		}
		cfg.ShutdownTimeout = d
	} else if file.ShutdownTimeout != "" {
		d, err := time.ParseDuration(file.ShutdownTimeout)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid shutdown_timeout %q in config file", file.ShutdownTimeout)
		}
		cfg.ShutdownTimeout = d
	}

	if err := loadDurationEnv(lookup, envWSIdleTimeout, &cfg.WSIdleTimeout); err != nil {
		return Config{}, err
	}
	if err := loadDurationEnv(lookup, envWSPingInterval, &cfg.WSPingInterval); err != nil {
		return Config{}, err
	}
	if cfg.WSPingInterval >= cfg.WSIdleTimeout {
		return Config{}, fmt.Errorf("%s (%s) must be shorter than %s (%s)",
			envWSPingInterval, cfg.WSPingInterval, envWSIdleTimeout, cfg.WSIdleTimeout)
	}

	if err := loadInt64Env(lookup, envMaxMessageBytes, &cfg.MaxMessageBytes); err != nil {
		return Config{}, err
	}
	if err := loadIntEnv(lookup, envMaxMessagesPerSecond, &cfg.MaxMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if err := loadIntEnv(lookup, envSendQueueSize, &cfg.SendQueueSize); err != nil {
		return Config{}, err
	}
	if err := loadInt64Env(lookup, envTURNRESTTTLSeconds, &cfg.TURNREST.TTLSeconds); err != nil {
		return Config{}, err
	}

	switch cfg.AuthMode {
	case AuthModeHeader:
	case AuthModeJWT:
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return Config{}, fmt.Errorf("%s=jwt requires %s", envAuthMode, envJWTSecret)
		}
	default:
		return Config{}, fmt.Errorf("invalid %s %q (expected header or jwt)", envAuthMode, cfg.AuthMode)
	}

	iceServers, err := parseICEServers(lookup, file)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	return cfg, nil
}

func env(lookup func(string) (string, bool), key string) string {
	v, _ := lookup(key)
	return strings.TrimSpace(v)
}

// pick returns the first non-empty value.
func pick(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadDurationEnv(lookup func(string) (string, bool), key string, dst *time.Duration) error {
	raw := env(lookup, key)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid %s %q", key, raw)
	}
	*dst = d
	return nil
}

func loadIntEnv(lookup func(string) (string, bool), key string, dst *int) error {
	raw := env(lookup, key)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid %s %q", key, raw)
	}
	*dst = n
	return nil
}

func loadInt64Env(lookup func(string) (string, bool), key string, dst *int64) error {
	raw := env(lookup, key)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid %s %q", key, raw)
	}
	*dst = n
	return nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// NewLogger builds the process logger from the loaded configuration.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.LogFormat == LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
