package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	WebRTC    WebRTCConfig
	Session   SessionConfig
	Signaling SignalingConfig
	AWS       AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/sessions?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string

	MaxConns        int32
	MaxConnIdleTime time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebRTCConfig holds ICE server settings handed to participants and call negotiation limits.
type WebRTCConfig struct {
	ICEUrls            []string // STUN urls, e.g. stun:stun.l.google.com:19302
	TURNUrls           []string // TURN urls; credentials are minted per session when TURNSecret is set
	TURNSecret         string
	TURNCredentialTTL  time.Duration
	NegotiationTimeout time.Duration
	MaxICERestarts     int
}

// SessionConfig holds video session lifecycle policy.
type SessionConfig struct {
	EarlyJoinWindow time.Duration // how long before the scheduled start a session may be opened
	LateJoinGrace   time.Duration // how long after the scheduled end a session may still be opened
	PendingTimeout  time.Duration // pending sessions with no connection are expired after this
	SweepInterval   time.Duration
}

// SignalingConfig selects the pub/sub transport behind the signaling relay.
type SignalingConfig struct {
	Transport  string // "redis" or "memory" (single instance only)
	RatePerSec float64
	RateBurst  int
}

// AWSConfig holds AWS credentials and the archive bucket. Archiving is enabled when Region is set.
type AWSConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	ArchiveBucket    string
	Endpoint         string // S3-compatible endpoint (MinIO); empty for AWS
	PresignExpire    time.Duration
	ArchiveInProcess bool // run the archive worker inside cmd/server
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "sessions"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),

			MaxConns:        int32(getEnvInt("DB_MAX_CONNS", 0)),
			MaxConnIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 0),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		WebRTC: WebRTCConfig{
			ICEUrls:            splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			TURNUrls:           splitTrim(getEnv("WEBRTC_TURN_URLS", ""), ","),
			TURNSecret:         getEnv("WEBRTC_TURN_SECRET", ""),
			TURNCredentialTTL:  getEnvDuration("WEBRTC_TURN_TTL", time.Hour),
			NegotiationTimeout: getEnvDuration("WEBRTC_NEGOTIATION_TIMEOUT", 30*time.Second),
			MaxICERestarts:     getEnvInt("WEBRTC_MAX_ICE_RESTARTS", 2),
		},
		Session: SessionConfig{
			EarlyJoinWindow: getEnvDuration("SESSION_EARLY_JOIN_WINDOW", 10*time.Minute),
			LateJoinGrace:   getEnvDuration("SESSION_LATE_JOIN_GRACE", 30*time.Minute),
			PendingTimeout:  getEnvDuration("SESSION_PENDING_TIMEOUT", 15*time.Minute),
			SweepInterval:   getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		},
		Signaling: SignalingConfig{
			Transport:  strings.ToLower(getEnv("SIGNALING_TRANSPORT", "redis")),
			RatePerSec: getEnvFloat("SIGNALING_RATE_PER_SEC", 50),
			RateBurst:  getEnvInt("SIGNALING_RATE_BURST", 100),
		},
		AWS: AWSConfig{
			Region:           getEnv("AWS_REGION", ""),
			AccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:    getEnv("AWS_S3_ARCHIVE_BUCKET", "session-archives"),
			Endpoint:         getEnv("AWS_S3_ENDPOINT", ""),
			PresignExpire:    getEnvDuration("AWS_S3_PRESIGN_EXPIRE", 15*time.Minute),
			ArchiveInProcess: getEnvBool("ARCHIVE_IN_PROCESS", true),
		},
	}
	if cfg.Signaling.Transport != "redis" && cfg.Signaling.Transport != "memory" {
		return nil, fmt.Errorf("invalid SIGNALING_TRANSPORT %q", cfg.Signaling.Transport)
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "15m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
