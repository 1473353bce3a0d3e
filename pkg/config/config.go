// Package config loads settings from defaults, an optional YAML file,
// ZENTALK_* environment variables and command line flags, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. ZENTALK_BACKEND_URL.
const EnvPrefix = "ZENTALK"

// Keys, shared by flags, the config file and the environment.
const (
	KeyBackendURL          = "backend-url"
	KeyAPIKey              = "api-key"
	KeyAccountID           = "account-id"
	KeyUserID              = "user-id"
	KeyKeystoreDir         = "keystore-dir"
	KeyKeepaliveInterval   = "keepalive-interval"
	KeyReconnectDelay      = "reconnect-delay"
	KeyConversationTTL     = "conversation-ttl"
	KeyMessageTTL          = "message-ttl"
	KeyMessagePageCapacity = "message-page-capacity"
	KeyTypingTimeout       = "typing-timeout"
	KeyTypingSweep         = "typing-sweep-interval"
	KeyReadDwell           = "read-dwell"
	KeyReadVisibility      = "read-visibility"
	KeyLogLevel            = "log-level"
	KeyLogFormat           = "log-format"

	KeyListenPort = "listen-port"
	KeyDatabase   = "database"
	KeyJWTSecret  = "jwt-secret"
	KeyTokenTTL   = "token-ttl"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the merged configuration.
type Config struct {
	BackendURL  string `mapstructure:"backend-url"`
	APIKey      string `mapstructure:"api-key"`
	AccountID   string `mapstructure:"account-id"`
	UserID      string `mapstructure:"user-id"`
	KeystoreDir string `mapstructure:"keystore-dir"`

	KeepaliveInterval time.Duration `mapstructure:"keepalive-interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect-delay"`

	ConversationTTL     time.Duration `mapstructure:"conversation-ttl"`
	MessageTTL          time.Duration `mapstructure:"message-ttl"`
	MessagePageCapacity int           `mapstructure:"message-page-capacity"`

	TypingTimeout       time.Duration `mapstructure:"typing-timeout"`
	TypingSweepInterval time.Duration `mapstructure:"typing-sweep-interval"`
	ReadDwell           time.Duration `mapstructure:"read-dwell"`
	ReadVisibility      float64       `mapstructure:"read-visibility"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`

	// Development server
	ListenPort int           `mapstructure:"listen-port"`
	Database   string        `mapstructure:"database"`
	JWTSecret  string        `mapstructure:"jwt-secret"`
	TokenTTL   time.Duration `mapstructure:"token-ttl"`
}

// SetDefaults installs every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyBackendURL, "")
	v.SetDefault(KeyAPIKey, "")
	v.SetDefault(KeyAccountID, "")
	v.SetDefault(KeyUserID, "")
	v.SetDefault(KeyKeystoreDir, "./keys")
	v.SetDefault(KeyKeepaliveInterval, 30*time.Second)
	v.SetDefault(KeyReconnectDelay, 3*time.Second)
	v.SetDefault(KeyConversationTTL, 5*time.Minute)
	v.SetDefault(KeyMessageTTL, 2*time.Minute)
	v.SetDefault(KeyMessagePageCapacity, 256)
	v.SetDefault(KeyTypingTimeout, 3*time.Second)
	v.SetDefault(KeyTypingSweep, time.Second)
	v.SetDefault(KeyReadDwell, 1500*time.Millisecond)
	v.SetDefault(KeyReadVisibility, 0.5)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")

	v.SetDefault(KeyListenPort, 8080)
	v.SetDefault(KeyDatabase, "./data/zentalk.db")
	v.SetDefault(KeyJWTSecret, "")
	v.SetDefault(KeyTokenTTL, time.Hour)
}

// Default returns the configuration with no file, environment or flags.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load merges defaults, the YAML file at path (if non-empty), the
// environment and flags. Only flags that were set override lower layers.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the client engine depends on.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, KeyBackendURL)
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s must be an http(s) url, got %q", ErrInvalid, KeyBackendURL, c.BackendURL)
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{KeyKeepaliveInterval, c.KeepaliveInterval},
		{KeyReconnectDelay, c.ReconnectDelay},
		{KeyConversationTTL, c.ConversationTTL},
		{KeyMessageTTL, c.MessageTTL},
		{KeyTypingTimeout, c.TypingTimeout},
		{KeyTypingSweep, c.TypingSweepInterval},
		{KeyReadDwell, c.ReadDwell},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, d.key, d.d)
		}
	}

	if c.MessagePageCapacity <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, KeyMessagePageCapacity)
	}
	if c.ReadVisibility <= 0 || c.ReadVisibility > 1 {
		return fmt.Errorf("%w: %s must be in (0, 1], got %v", ErrInvalid, KeyReadVisibility, c.ReadVisibility)
	}
	return c.validateLogging()
}

// ValidateServer checks the settings the development server depends on.
func (c *Config) ValidateServer() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: %s out of range: %d", ErrInvalid, KeyListenPort, c.ListenPort)
	}
	if c.Database == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, KeyDatabase)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, KeyTokenTTL)
	}
	return c.validateLogging()
}

func (c *Config) validateLogging() error {
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("%w: %s must be console or json, got %q", ErrInvalid, KeyLogFormat, c.LogFormat)
	}
	return nil
}
