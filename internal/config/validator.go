package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ValidationError is a single rejected setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every rejected setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate returns all invalid settings.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Server.Addr == "" {
		add("server.addr", c.Server.Addr, "must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout", c.Server.ShutdownTimeout, "must be positive")
	}
	if c.Server.StatusRetries < 1 {
		add("server.status_retries", c.Server.StatusRetries, "must be at least 1")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			add("database.url", c.Database.URL, "is required for the postgres driver")
		}
		if c.Database.MaxConns < 1 {
			add("database.max_conns", c.Database.MaxConns, "must be at least 1")
		}
	default:
		add("storage.driver", c.Storage.Driver, "must be postgres or memory")
	}

	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		add("redis.channel", c.Redis.Channel, "is required when redis.addr is set")
	}

	if c.Stream.HistorySize < 1 {
		add("stream.history_size", c.Stream.HistorySize, "must be at least 1")
	}
	if c.Stream.BufferSize < 1 {
		add("stream.buffer_size", c.Stream.BufferSize, "must be at least 1")
	}
	if c.Stream.KeepAlive <= 0 {
		add("stream.keepalive", c.Stream.KeepAlive, "must be positive")
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		add("log.level", c.Log.Level, "unknown level")
	}
	if !slices.Contains([]string{"text", "json"}, c.Log.Format) {
		add("log.format", c.Log.Format, "must be text or json")
	}

	if u, err := url.Parse(c.Client.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("client.base_url", c.Client.BaseURL, "must be an absolute URL")
	}
	if c.Client.Timeout < 0 {
		add("client.timeout", c.Client.Timeout, "must not be negative")
	}
	return errs
}
