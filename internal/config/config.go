// Package config defines the collabchat runtime configuration, its defaults,
// and the helpers that load and validate it through viper.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix is prepended to every environment override, e.g.
// COLLABCHAT_SERVER_LISTEN_PORT or COLLABCHAT_WEBSOCKET_ALLOWED_ORIGINS.
const envPrefix = "COLLABCHAT"

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire request in seconds
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out writes of the response in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the next request in seconds
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
	// ShutdownTimeout bounds the graceful shutdown of the server and its connections
	ShutdownTimeout int `mapstructure:"shutdown_timeout_sec" json:"shutdown_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// WebSocket Related Config

// WebSocketConfig defines the per-connection streaming parameters
type WebSocketConfig struct {
	// AllowedOrigins is the Origin allow-list checked on upgrade. "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins" validate:"required,min=1"`
	// MaxMessageSize is the largest inbound frame accepted, in bytes
	MaxMessageSize int64 `mapstructure:"max_message_size" json:"max_message_size" validate:"gt=0"`
	// SendBufferSize is the depth of each connection's outbound queue
	SendBufferSize int `mapstructure:"send_buffer_size" json:"send_buffer_size" validate:"gt=0"`
	// WriteTimeout is the per-frame write deadline in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PongTimeout is how long to wait for a pong before the peer is considered gone, in seconds
	PongTimeout int `mapstructure:"pong_timeout_sec" json:"pong_timeout_sec" validate:"gte=1"`
	// PingInterval is the keep-alive ping period in seconds; must be below PongTimeout
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1,ltfield=PongTimeout"`
	// DropUnauthenticated closes streams opened without an identity instead of
	// leaving them open and unregistered
	DropUnauthenticated bool `mapstructure:"drop_unauthenticated" json:"drop_unauthenticated"`
	// CloseReplaced closes the superseded connection when an identity registers twice
	CloseReplaced bool `mapstructure:"close_replaced" json:"close_replaced"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	// Burst is the number of inbound messages allowed per refill interval
	Burst int `mapstructure:"burst" json:"burst" validate:"gte=1"`
	// RefillInterval is the token bucket refill window in seconds
	RefillInterval int `mapstructure:"refill_interval_sec" json:"refill_interval_sec" validate:"gte=1"`
}

// IdentityConfig defines where the already-authenticated identity is read from
type IdentityConfig struct {
	// Header is the request header carrying the identity set by the auth proxy
	Header string `mapstructure:"header" json:"header" validate:"required"`
	// QueryParam is the fallback query parameter, for browser WebSocket clients
	QueryParam string `mapstructure:"query_param" json:"query_param"`
}

// EditorConfig defines the shared editing buffer parameters
type EditorConfig struct {
	// MaxBufferSize caps the shared buffer in bytes
	MaxBufferSize int `mapstructure:"max_buffer_size" json:"max_buffer_size" validate:"gt=0"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete collabchat config
type SystemConfig struct {
	Server    HTTPServerConfig `mapstructure:"server" json:"server"`
	WebSocket WebSocketConfig  `mapstructure:"websocket" json:"websocket"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit" json:"rate_limit"`
	Identity  IdentityConfig   `mapstructure:"identity" json:"identity"`
	Editor    EditorConfig     `mapstructure:"editor" json:"editor"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default HTTP server settings
	viper.SetDefault("server.listen_on", "0.0.0.0")
	viper.SetDefault("server.listen_port", 8080)
	viper.SetDefault("server.read_timeout_sec", 15)
	viper.SetDefault("server.write_timeout_sec", 15)
	viper.SetDefault("server.idle_timeout_sec", 60)
	viper.SetDefault("server.shutdown_timeout_sec", 10)

	// Default WebSocket settings
	viper.SetDefault("websocket.allowed_origins", []string{"http://localhost:8080"})
	viper.SetDefault("websocket.max_message_size", 512)
	viper.SetDefault("websocket.send_buffer_size", 256)
	viper.SetDefault("websocket.write_timeout_sec", 10)
	viper.SetDefault("websocket.pong_timeout_sec", 60)
	viper.SetDefault("websocket.ping_interval_sec", 54)
	viper.SetDefault("websocket.drop_unauthenticated", false)
	viper.SetDefault("websocket.close_replaced", false)

	// Default rate limit settings
	viper.SetDefault("rate_limit.burst", 5)
	viper.SetDefault("rate_limit.refill_interval_sec", 1)

	// Default identity settings
	viper.SetDefault("identity.header", "X-Authenticated-User")
	viper.SetDefault("identity.query_param", "")

	// Default editor settings
	viper.SetDefault("editor.max_buffer_size", 1<<20)
}

// BindEnvironment lets COLLABCHAT_* environment variables override file values
func BindEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load parse the active viper state into a SystemConfig and validate it
func Load() (SystemConfig, error) {
	var cfg SystemConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.WebSocket.AllowedOrigins = splitOrigins(cfg.WebSocket.AllowedOrigins)
	if err := validator.New().Struct(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// splitOrigins expands comma separated entries, which is how a list arrives
// through an environment variable.
func splitOrigins(origins []string) []string {
	result := make([]string, 0, len(origins))
	for _, entry := range origins {
		for _, part := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

// ===============================================================================
// Duration helpers

// ShutdownTimeoutDuration returns ShutdownTimeout as a time.Duration
func (c HTTPServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// WriteWait returns WriteTimeout as a time.Duration
func (c WebSocketConfig) WriteWait() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// PongWait returns PongTimeout as a time.Duration
func (c WebSocketConfig) PongWait() time.Duration {
	return time.Duration(c.PongTimeout) * time.Second
}

// PingPeriod returns PingInterval as a time.Duration
func (c WebSocketConfig) PingPeriod() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

// RefillWindow returns RefillInterval as a time.Duration
func (c RateLimitConfig) RefillWindow() time.Duration {
	return time.Duration(c.RefillInterval) * time.Second
}
