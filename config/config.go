// Package config provides centralized configuration management using Viper.
// It supports loading configuration from files, environment variables, and
// command-line flags with a clear hierarchy: Flags > Env > Config File > Defaults.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Default client configuration values.
const (
	DefaultClientServerURL      = "ws://localhost:8080/ws/pow"
	DefaultClientThreads        = 2
	DefaultClientRetryInterval  = 5 * time.Second
	DefaultClientMaxRetryTime   = time.Duration(0)
	DefaultClientRequestTimeout = 30 * time.Second
	DefaultClientPingInterval   = 30 * time.Second
	DefaultClientStoragePath    = "faucet-session.db"
	DefaultLoggingLevel         = "info"
	DefaultLoggingFormat        = "color"
)

// Default dev server configuration values.
const (
	DefaultServerListenAddress  = ":8080"
	DefaultServerTitle          = "PoW Faucet"
	DefaultServerShareReward    = 5_000_000_000_000_000 // 0.005 ETH
	DefaultServerMinClaim       = 10_000_000_000_000_000
	DefaultServerMaxClaim       = 10_000_000_000_000_000_000
	DefaultServerSessionTimeout = 2 * time.Hour
	DefaultServerPoWAlgorithm   = "scrypt"
	DefaultServerPoWN           = 4096
	DefaultServerPoWR           = 8
	DefaultServerPoWP           = 1
	DefaultServerPoWKeyLen      = 16
	DefaultServerPoWDifficulty  = 9
	DefaultServerPoWNonceCount  = 2
)

// ClientConfig is the faucet client configuration.
type ClientConfig struct {
	Server  ServerConnection `mapstructure:"server"`
	Mining  MiningConfig     `mapstructure:"mining"`
	Network NetworkConfig    `mapstructure:"network"`
	Storage StorageConfig    `mapstructure:"storage"`
	Captcha CaptchaConfig    `mapstructure:"captcha"`
	Logging LoggingConfig    `mapstructure:"logging"`
}

// ServerConnection locates the faucet websocket endpoint.
type ServerConnection struct {
	URL    string `mapstructure:"url"`
	Origin string `mapstructure:"origin"`
}

// MiningConfig controls the local worker pool.
type MiningConfig struct {
	Threads       int    `mapstructure:"threads"`
	TargetAddress string `mapstructure:"target_address"`
}

// NetworkConfig defines network timing and retry behavior.
//
// A MaxRetryTime of zero retries forever.
type NetworkConfig struct {
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	MaxRetryTime   time.Duration `mapstructure:"max_retry_time"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
}

// StorageConfig points at the local session database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// CaptchaConfig holds a pre-solved verification token, used for unattended
// runs against servers that issue long-lived tokens.
type CaptchaConfig struct {
	Token string `mapstructure:"token"`
}

// LoggingConfig is shared by client and server.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`   // debug, info, warn, error
	Format  string `mapstructure:"format"`  // text, color, json
	Quiet   bool   `mapstructure:"quiet"`   // suppress all but errors
	Verbose bool   `mapstructure:"verbose"` // enable debug logs
}

// ServerConfig is the development faucet server configuration.
type ServerConfig struct {
	Network ServerNetwork `mapstructure:"network"`
	Faucet  FaucetConfig  `mapstructure:"faucet"`
	PoW     PoWConfig     `mapstructure:"pow"`
	Claims  ClaimsConfig  `mapstructure:"claims"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerNetwork defines the listening address.
type ServerNetwork struct {
	ListenAddress string `mapstructure:"listen_address"`
}

// FaucetConfig holds the values pushed to clients on connect.
type FaucetConfig struct {
	Title          string        `mapstructure:"title"`
	Image          string        `mapstructure:"image"`
	ShareReward    uint64        `mapstructure:"share_reward"`
	MinClaim       uint64        `mapstructure:"min_claim"`
	MaxClaim       uint64        `mapstructure:"max_claim"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	CaptchaSiteKey string        `mapstructure:"captcha_site_key"`
	CaptchaSession bool          `mapstructure:"captcha_session"`
	CaptchaShare   bool          `mapstructure:"captcha_share"`
	CaptchaTokens  []string      `mapstructure:"captcha_tokens"`
}

// PoWConfig holds the proof-of-work parameters handed to miners.
type PoWConfig struct {
	Algorithm  string `mapstructure:"algorithm"`
	N          int    `mapstructure:"n"`
	R          int    `mapstructure:"r"`
	P          int    `mapstructure:"p"`
	KeyLen     int    `mapstructure:"key_len"`
	Difficulty int    `mapstructure:"difficulty"`
	NonceCount int    `mapstructure:"nonce_count"`
}

// ClaimsConfig configures claim credential signing.
type ClaimsConfig struct {
	Secret string `mapstructure:"secret"`
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validFormats = map[string]bool{"text": true, "color": true, "json": true}
)

func (l LoggingConfig) validate() error {
	if l.Level != "" && !validLevels[l.Level] {
		return fmt.Errorf("invalid logging.level: %q (must be debug, info, warn, or error)", l.Level)
	}
	if l.Format != "" && !validFormats[l.Format] {
		return fmt.Errorf("invalid logging.format: %q (must be text, color, or json)", l.Format)
	}
	return nil
}

// Validate checks the client configuration for consistency.
func (c *ClientConfig) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server url cannot be empty")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server url must use ws:// or wss://, got %q", c.Server.URL)
	}

	if c.Mining.Threads < 1 {
		return fmt.Errorf("mining.threads must be positive, got %d", c.Mining.Threads)
	}

	if c.Network.RetryInterval < time.Second {
		return fmt.Errorf("retry_interval too short (minimum 1s), got %v", c.Network.RetryInterval)
	}
	if c.Network.MaxRetryTime != 0 && c.Network.MaxRetryTime < c.Network.RetryInterval {
		return fmt.Errorf("max_retry_time (%v) must be 0 or >= retry_interval (%v)", c.Network.MaxRetryTime, c.Network.RetryInterval)
	}
	if c.Network.RequestTimeout < time.Second {
		return fmt.Errorf("request_timeout too short (minimum 1s), got %v", c.Network.RequestTimeout)
	}
	if c.Network.PingInterval < time.Second {
		return fmt.Errorf("ping_interval too short (minimum 1s), got %v", c.Network.PingInterval)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}

	return c.Logging.validate()
}

// Validate checks the server configuration for consistency.
func (c *ServerConfig) Validate() error {
	if c.Network.ListenAddress == "" {
		return fmt.Errorf("network.listen_address cannot be empty")
	}
	if err := c.validateFaucet(); err != nil {
		return err
	}
	if err := c.validatePoW(); err != nil {
		return err
	}
	if c.Claims.Secret != "" && len(c.Claims.Secret) < 16 {
		return fmt.Errorf("claims.secret too short (minimum 16 characters)")
	}
	return c.Logging.validate()
}

func (c *ServerConfig) validateFaucet() error {
	if c.Faucet.ShareReward == 0 {
		return fmt.Errorf("faucet.share_reward must be positive")
	}
	if c.Faucet.MaxClaim != 0 && c.Faucet.MaxClaim < c.Faucet.MinClaim {
		return fmt.Errorf("faucet.max_claim (%d) must be >= min_claim (%d)", c.Faucet.MaxClaim, c.Faucet.MinClaim)
	}
	if c.Faucet.SessionTimeout < time.Minute {
		return fmt.Errorf("faucet.session_timeout too short (minimum 1m), got %v", c.Faucet.SessionTimeout)
	}
	if (c.Faucet.CaptchaSession || c.Faucet.CaptchaShare) && c.Faucet.CaptchaSiteKey == "" {
		return fmt.Errorf("faucet.captcha_site_key is required when captcha is enabled")
	}
	return nil
}

func (c *ServerConfig) validatePoW() error {
	switch c.PoW.Algorithm {
	case "scrypt":
		if c.PoW.N <= 1 || c.PoW.N&(c.PoW.N-1) != 0 {
			return fmt.Errorf("invalid pow.n: %d (must be a power of two > 1)", c.PoW.N)
		}
		if c.PoW.R <= 0 || c.PoW.P <= 0 || c.PoW.KeyLen < 4 {
			return fmt.Errorf("invalid scrypt parameters r=%d p=%d key_len=%d", c.PoW.R, c.PoW.P, c.PoW.KeyLen)
		}
	case "sha256":
	default:
		return fmt.Errorf("invalid pow.algorithm: %q (must be scrypt or sha256)", c.PoW.Algorithm)
	}
	if c.PoW.Difficulty < 1 || c.PoW.Difficulty > 64 {
		return fmt.Errorf("invalid pow.difficulty: %d (must be 1-64)", c.PoW.Difficulty)
	}
	if c.PoW.NonceCount < 1 {
		return fmt.Errorf("pow.nonce_count must be positive, got %d", c.PoW.NonceCount)
	}
	return nil
}

// LoadClientConfig loads client configuration from file, environment, and defaults.
//
// Configuration sources are applied in the following precedence order (highest to lowest):
//  1. Command-line flags (handled by caller, not by this function)
//  2. Environment variables (FAUCET_CLIENT_* prefix, e.g., FAUCET_CLIENT_SERVER_URL)
//  3. Configuration file (client-config.yaml or specified path)
//  4. Default values
//
// If configPath is empty the file is searched for in ., $HOME/.powfaucet and
// /etc/powfaucet; a missing file is not an error. An explicit configPath
// that cannot be read is.
func LoadClientConfig(configPath string) (*ClientConfig, error) {
	v := newViper(configPath, "client-config", "FAUCET_CLIENT")
	setClientDefaults(v)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	return decodeClient(v)
}

// LoadServerConfig loads the dev server configuration. Sources and search
// paths mirror LoadClientConfig with the FAUCET_SERVER_ prefix and the
// server-config file name.
func LoadServerConfig(configPath string) (*ServerConfig, error) {
	v := newViper(configPath, "server-config", "FAUCET_SERVER")
	setServerDefaults(v)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	return decodeServer(v)
}

// WatchClientConfig watches the client configuration file and calls callback
// with every valid reloaded configuration. Invalid reloads are logged and
// skipped. The watcher stops reporting once ctx is cancelled. If logger is
// nil, logging is disabled.
func WatchClientConfig(ctx context.Context, configPath string, callback func(*ClientConfig), logger *slog.Logger) error {
	v := newViper(configPath, "client-config", "FAUCET_CLIENT")
	setClientDefaults(v)
	return watch(ctx, v, decodeClient, callback, logger)
}

// WatchServerConfig is WatchClientConfig for the dev server configuration.
func WatchServerConfig(ctx context.Context, configPath string, callback func(*ServerConfig), logger *slog.Logger) error {
	v := newViper(configPath, "server-config", "FAUCET_SERVER")
	setServerDefaults(v)
	return watch(ctx, v, decodeServer, callback, logger)
}

func watch[T any](ctx context.Context, v *viper.Viper, decode func(*viper.Viper) (*T, error), callback func(*T), logger *slog.Logger) error {
	if err := readConfig(v); err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		if logger != nil {
			logger.Info("configuration file changed", "file", e.Name, "operation", e.Op.String())
		}

		cfg, err := decode(v)
		if err != nil {
			if logger != nil {
				logger.Error("invalid configuration after reload", "error", err, "file", e.Name)
			}
			return
		}

		if logger != nil {
			logger.Info("configuration reloaded successfully", "file", e.Name)
		}
		callback(cfg)
	})
	v.WatchConfig()

	go func() {
		<-ctx.Done()
		if logger != nil {
			logger.Debug("config watcher stopped", "reason", "context cancelled")
		}
	}()

	return nil
}

func newViper(configPath, name, envPrefix string) *viper.Viper {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.powfaucet")
		v.AddConfigPath("/etc/powfaucet")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func decodeClient(v *viper.Viper) (*ClientConfig, error) {
	var config ClientConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func decodeServer(v *viper.Viper) (*ServerConfig, error) {
	var config ServerConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("server.url", DefaultClientServerURL)
	v.SetDefault("server.origin", "")
	v.SetDefault("mining.threads", DefaultClientThreads)
	v.SetDefault("mining.target_address", "")
	v.SetDefault("network.retry_interval", DefaultClientRetryInterval)
	v.SetDefault("network.max_retry_time", DefaultClientMaxRetryTime)
	v.SetDefault("network.request_timeout", DefaultClientRequestTimeout)
	v.SetDefault("network.ping_interval", DefaultClientPingInterval)
	v.SetDefault("storage.path", DefaultClientStoragePath)
	v.SetDefault("captcha.token", "")
	v.SetDefault("logging.level", DefaultLoggingLevel)
	v.SetDefault("logging.format", DefaultLoggingFormat)
	v.SetDefault("logging.quiet", false)
	v.SetDefault("logging.verbose", false)
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("network.listen_address", DefaultServerListenAddress)
	v.SetDefault("faucet.title", DefaultServerTitle)
	v.SetDefault("faucet.image", "/images/fauceth_420.jpg")
	v.SetDefault("faucet.share_reward", uint64(DefaultServerShareReward))
	v.SetDefault("faucet.min_claim", uint64(DefaultServerMinClaim))
	v.SetDefault("faucet.max_claim", uint64(DefaultServerMaxClaim))
	v.SetDefault("faucet.session_timeout", DefaultServerSessionTimeout)
	v.SetDefault("faucet.captcha_site_key", "")
	v.SetDefault("faucet.captcha_session", false)
	v.SetDefault("faucet.captcha_share", false)
	v.SetDefault("faucet.captcha_tokens", []string{})
	v.SetDefault("pow.algorithm", DefaultServerPoWAlgorithm)
	v.SetDefault("pow.n", DefaultServerPoWN)
	v.SetDefault("pow.r", DefaultServerPoWR)
	v.SetDefault("pow.p", DefaultServerPoWP)
	v.SetDefault("pow.key_len", DefaultServerPoWKeyLen)
	v.SetDefault("pow.difficulty", DefaultServerPoWDifficulty)
	v.SetDefault("pow.nonce_count", DefaultServerPoWNonceCount)
	v.SetDefault("claims.secret", "")
	v.SetDefault("logging.level", DefaultLoggingLevel)
	v.SetDefault("logging.format", DefaultLoggingFormat)
	v.SetDefault("logging.quiet", false)
	v.SetDefault("logging.verbose", false)
}
