package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

type HTTPConfig struct {
	Addr string
}

// CommentsConfig holds the knobs of the threaded-comments engine.
type CommentsConfig struct {
	// MaxDepth is the number of nesting levels; depth starts at 0 for
	// roots, so MaxDepth=3 allows depths 0, 1 and 2.
	MaxDepth int
	// MaxContentLen bounds comment text, in runes.
	MaxContentLen int
	// WriteRetries bounds retries of structural writes that lose the
	// tree lock race.
	WriteRetries int
}

type AppConfig struct {
	ServiceName string
	LogLevel    string
	HTTP        HTTPConfig
	Comments    CommentsConfig
}

func Load() (AppConfig, error) {
	cfg := AppConfig{
		ServiceName: strings.TrimSpace(os.Getenv("SERVICE_NAME")),
		LogLevel:    strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		HTTP: HTTPConfig{
			Addr: strings.TrimSpace(os.Getenv("HTTP_ADDR")),
		},
		Comments: CommentsConfig{
			MaxDepth:      envInt("COMMENTS_MAX_DEPTH", 3),
			MaxContentLen: envInt("COMMENTS_MAX_LENGTH", 4000),
			WriteRetries:  envInt("COMMENTS_WRITE_RETRIES", 3),
		},
	}
	if cfg.ServiceName == "" {
		return AppConfig{}, errors.New("SERVICE_NAME is required")
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
