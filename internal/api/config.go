// Package api provides the HTTP API server for the stock-etl service.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raulstechtips/stock-etl/internal/config"
)

const (
	// DefaultPort is the default HTTP server port.
	DefaultPort = 8080
	// MaxPort is the maximum valid port number.
	MaxPort = 65535
	// DefaultHost is the default server host.
	DefaultHost = "0.0.0.0"
	// DefaultTimeout is the default timeout for HTTP operations.
	DefaultTimeout = 30 * time.Second
	// DefaultCORSMaxAge is the default CORS max age (24 hours).
	DefaultCORSMaxAge = 86400
)

// Static validation errors.
var (
	ErrInvalidPort            = errors.New("invalid port")
	ErrEmptyHost              = errors.New("host cannot be empty")
	ErrInvalidReadTimeout     = errors.New("read timeout must be positive")
	ErrInvalidWriteTimeout    = errors.New("write timeout must be positive")
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port               int
	Host               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	LogLevel           slog.Level
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int
	FetchTopic         string
	BulkTopic          string
}

// LoadServerConfig loads server configuration from environment variables
// with sensible defaults.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("API_PORT", DefaultPort),
		Host:            config.GetEnvStr("API_HOST", DefaultHost),
		ReadTimeout:     config.GetEnvDuration("API_READ_TIMEOUT", DefaultTimeout),
		WriteTimeout:    config.GetEnvDuration("API_WRITE_TIMEOUT", DefaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("API_SHUTDOWN_TIMEOUT", DefaultTimeout),
		LogLevel:        config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		// Development default - should be restricted in production
		CORSAllowedOrigins: config.ParseCommaSeparatedList(config.GetEnvStr("API_CORS_ORIGINS", "*")),
		CORSAllowedMethods: []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Correlation-ID", "X-Api-Key"},
		CORSMaxAge:         config.GetEnvInt("API_CORS_MAX_AGE", DefaultCORSMaxAge),
		FetchTopic:         config.GetEnvStr("FETCH_TOPIC", config.DefaultFetchTopic),
		BulkTopic:          config.GetEnvStr("BULK_TOPIC", config.DefaultBulkTopic),
	}
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > MaxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return ErrInvalidReadTimeout
	}

	if c.WriteTimeout <= 0 {
		return ErrInvalidWriteTimeout
	}

	if c.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownTimeout
	}

	return nil
}

// Address returns the host:port the server binds to.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAllowedOrigins implements middleware.CORSConfig.
func (c *ServerConfig) GetAllowedOrigins() []string { return c.CORSAllowedOrigins }

// GetAllowedMethods implements middleware.CORSConfig.
func (c *ServerConfig) GetAllowedMethods() []string { return c.CORSAllowedMethods }

// GetAllowedHeaders implements middleware.CORSConfig.
func (c *ServerConfig) GetAllowedHeaders() []string { return c.CORSAllowedHeaders }

// GetMaxAge implements middleware.CORSConfig.
func (c *ServerConfig) GetMaxAge() int { return c.CORSMaxAge }
