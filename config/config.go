// Package config defines the relay runtime settings: defaults, environment
// loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cyberinferno/go-relay/conn"
	"github.com/cyberinferno/go-relay/frame"
	"github.com/cyberinferno/go-relay/heartbeat"
)

// Config holds the relay settings.
type Config struct {
	Name              string
	Addr              string
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	SendQueueSize     int
	MaxPayloadSize    int64

	// AdminAddr enables the HTTP admin server when non-empty.
	AdminAddr string

	// RedisAddr enables the cross-node bridge when non-empty.
	RedisAddr    string
	RedisChannel string

	// AcceptLimit is the number of connections one host may open per
	// AcceptWindow; zero disables throttling.
	AcceptLimit  int
	AcceptWindow time.Duration

	LogLevel string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Name:              "relay",
		Addr:              ":8098",
		HeartbeatInterval: heartbeat.DefaultInterval,
		WriteTimeout:      conn.DefaultWriteTimeout,
		IdleTimeout:       0,
		SendQueueSize:     conn.DefaultSendQueueSize,
		MaxPayloadSize:    frame.DefaultMaxPayloadSize,
		RedisChannel:      "relay:broadcast",
		AcceptWindow:      time.Minute,
		LogLevel:          "info",
	}
}

// FromEnv returns Default overridden by RELAY_* environment variables.
// Values that do not parse, or are out of range, keep their default.
func FromEnv() Config {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) Config {
	cfg := Default()

	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("RELAY_NAME"); ok {
		cfg.Name = v
	}
	if v, ok := get("RELAY_ADDR"); ok {
		cfg.Addr = v
	}
	if v, ok := get("RELAY_HEARTBEAT_INTERVAL"); ok {
		cfg.HeartbeatInterval = parseDuration(v, cfg.HeartbeatInterval)
	}
	if v, ok := get("RELAY_WRITE_TIMEOUT"); ok {
		cfg.WriteTimeout = parseDuration(v, cfg.WriteTimeout)
	}
	if v, ok := get("RELAY_IDLE_TIMEOUT"); ok {
		cfg.IdleTimeout = parseDuration(v, cfg.IdleTimeout)
	}
	if v, ok := get("RELAY_SEND_QUEUE_SIZE"); ok {
		if n := parseInt(v, 0); n > 0 {
			cfg.SendQueueSize = n
		}
	}
	if v, ok := get("RELAY_MAX_PAYLOAD_SIZE"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxPayloadSize = n
		}
	}
	if v, ok := get("RELAY_ADMIN_ADDR"); ok {
		cfg.AdminAddr = v
	}
	if v, ok := get("RELAY_REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := get("RELAY_REDIS_CHANNEL"); ok {
		cfg.RedisChannel = v
	}
	if v, ok := get("RELAY_ACCEPT_LIMIT"); ok {
		cfg.AcceptLimit = parseInt(v, cfg.AcceptLimit)
	}
	if v, ok := get("RELAY_ACCEPT_WINDOW"); ok {
		cfg.AcceptWindow = parseDuration(v, cfg.AcceptWindow)
	}
	if v, ok := get("RELAY_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}

	return cfg
}

// Validate reports every setting that cannot be used.
func (c Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("write timeout must be positive, got %s", c.WriteTimeout))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle timeout must not be negative, got %s", c.IdleTimeout))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("send queue size must be positive, got %d", c.SendQueueSize))
	}
	if c.MaxPayloadSize <= 0 {
		errs = append(errs, fmt.Errorf("max payload size must be positive, got %d", c.MaxPayloadSize))
	}
	if c.RedisAddr != "" && c.RedisChannel == "" {
		errs = append(errs, errors.New("redis channel must be set when redis addr is"))
	}
	if c.AcceptLimit < 0 {
		errs = append(errs, fmt.Errorf("accept limit must not be negative, got %d", c.AcceptLimit))
	}
	if c.AcceptLimit > 0 && c.AcceptWindow <= 0 {
		errs = append(errs, fmt.Errorf("accept window must be positive, got %s", c.AcceptWindow))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	return nil
}

// parseDuration accepts Go durations ("5s", "250ms") and bare integers as
// seconds. Negative values are rejected.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseInt(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}
