package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClientConfigDefaults(t *testing.T) {
	cfg, err := LoadClientConfig("")
	if err != nil {
		t.Fatalf("LoadClientConfig failed: %v", err)
	}

	if cfg.Server.URL != DefaultClientServerURL {
		t.Errorf("Expected server url %q, got %q", DefaultClientServerURL, cfg.Server.URL)
	}
	if cfg.Mining.Threads != 2 {
		t.Errorf("Expected 2 threads, got %d", cfg.Mining.Threads)
	}
	if cfg.Network.RetryInterval != 5*time.Second {
		t.Errorf("Expected retry interval 5s, got %v", cfg.Network.RetryInterval)
	}
	if cfg.Network.MaxRetryTime != 0 {
		t.Errorf("Expected unlimited retry time, got %v", cfg.Network.MaxRetryTime)
	}
	if cfg.Network.RequestTimeout != 30*time.Second {
		t.Errorf("Expected request timeout 30s, got %v", cfg.Network.RequestTimeout)
	}
	if cfg.Storage.Path != "faucet-session.db" {
		t.Errorf("Expected storage path 'faucet-session.db', got %q", cfg.Storage.Path)
	}
	if cfg.Logging.Format != "color" {
		t.Errorf("Expected color logging by default, got %q", cfg.Logging.Format)
	}
}

func TestServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("LoadServerConfig failed: %v", err)
	}

	if cfg.Network.ListenAddress != ":8080" {
		t.Errorf("Expected listen address ':8080', got %q", cfg.Network.ListenAddress)
	}
	if cfg.Faucet.MinClaim != DefaultServerMinClaim {
		t.Errorf("Expected min claim %d, got %d", uint64(DefaultServerMinClaim), cfg.Faucet.MinClaim)
	}
	if cfg.Faucet.SessionTimeout != 2*time.Hour {
		t.Errorf("Expected session timeout 2h, got %v", cfg.Faucet.SessionTimeout)
	}
	if cfg.PoW.Algorithm != "scrypt" || cfg.PoW.N != 4096 || cfg.PoW.Difficulty != 9 {
		t.Errorf("Unexpected pow defaults: %+v", cfg.PoW)
	}
	if cfg.PoW.NonceCount != 2 {
		t.Errorf("Expected nonce count 2, got %d", cfg.PoW.NonceCount)
	}
}

func TestClientConfigFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "client.yaml")

	content := `
server:
  url: "wss://faucet.example.com/ws/pow"
mining:
  threads: 8
  target_address: "0x1111111111111111111111111111111111111111"
network:
  retry_interval: "10s"
  max_retry_time: "5m"
storage:
  path: "/tmp/session.db"
captcha:
  token: "pre-solved"
logging:
  level: "debug"
  format: "json"
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadClientConfig(configFile)
	if err != nil {
		t.Fatalf("LoadClientConfig failed: %v", err)
	}

	if cfg.Server.URL != "wss://faucet.example.com/ws/pow" {
		t.Errorf("Unexpected url %q", cfg.Server.URL)
	}
	if cfg.Mining.Threads != 8 {
		t.Errorf("Expected 8 threads, got %d", cfg.Mining.Threads)
	}
	if cfg.Mining.TargetAddress != "0x1111111111111111111111111111111111111111" {
		t.Errorf("Unexpected target address %q", cfg.Mining.TargetAddress)
	}
	if cfg.Network.MaxRetryTime != 5*time.Minute {
		t.Errorf("Expected max retry 5m, got %v", cfg.Network.MaxRetryTime)
	}
	if cfg.Captcha.Token != "pre-solved" {
		t.Errorf("Expected captcha token from file, got %q", cfg.Captcha.Token)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Unexpected logging config %+v", cfg.Logging)
	}
	// Unspecified values keep their defaults
	if cfg.Network.PingInterval != DefaultClientPingInterval {
		t.Errorf("Expected default ping interval, got %v", cfg.Network.PingInterval)
	}
}

func TestServerConfigFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "server.yaml")

	content := `
network:
  listen_address: "127.0.0.1:9090"
faucet:
  title: "Test Faucet"
  min_claim: 100
  share_reward: 50
  captcha_site_key: "site"
  captcha_session: true
  captcha_tokens: ["a", "b"]
pow:
  algorithm: "sha256"
  difficulty: 4
  nonce_count: 1
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadServerConfig(configFile)
	if err != nil {
		t.Fatalf("LoadServerConfig failed: %v", err)
	}

	if cfg.Faucet.Title != "Test Faucet" || cfg.Faucet.MinClaim != 100 || cfg.Faucet.ShareReward != 50 {
		t.Errorf("Unexpected faucet config %+v", cfg.Faucet)
	}
	if !cfg.Faucet.CaptchaSession || len(cfg.Faucet.CaptchaTokens) != 2 {
		t.Errorf("Unexpected captcha config %+v", cfg.Faucet)
	}
	if cfg.PoW.Algorithm != "sha256" || cfg.PoW.Difficulty != 4 {
		t.Errorf("Unexpected pow config %+v", cfg.PoW)
	}
}

func TestClientConfigEnvironmentOverride(t *testing.T) {
	t.Setenv("FAUCET_CLIENT_SERVER_URL", "ws://env.example.com/ws")
	t.Setenv("FAUCET_CLIENT_MINING_THREADS", "6")

	cfg, err := LoadClientConfig("")
	if err != nil {
		t.Fatalf("LoadClientConfig failed: %v", err)
	}

	if cfg.Server.URL != "ws://env.example.com/ws" {
		t.Errorf("Expected url from env, got %q", cfg.Server.URL)
	}
	if cfg.Mining.Threads != 6 {
		t.Errorf("Expected 6 threads from env, got %d", cfg.Mining.Threads)
	}
}

func TestClientConfigValidation(t *testing.T) {
	valid := func() ClientConfig {
		return ClientConfig{
			Server:  ServerConnection{URL: "ws://localhost:8080/ws/pow"},
			Mining:  MiningConfig{Threads: 1},
			Network: NetworkConfig{RetryInterval: time.Second, RequestTimeout: time.Second, PingInterval: time.Second},
			Storage: StorageConfig{Path: "x.db"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*ClientConfig)
		wantErr bool
	}{
		{"valid", func(*ClientConfig) {}, false},
		{"empty url", func(c *ClientConfig) { c.Server.URL = "" }, true},
		{"http url", func(c *ClientConfig) { c.Server.URL = "http://localhost" }, true},
		{"zero threads", func(c *ClientConfig) { c.Mining.Threads = 0 }, true},
		{"short retry", func(c *ClientConfig) { c.Network.RetryInterval = time.Millisecond }, true},
		{"max retry below interval", func(c *ClientConfig) { c.Network.MaxRetryTime = 500 * time.Millisecond }, true},
		{"unlimited retry", func(c *ClientConfig) { c.Network.MaxRetryTime = 0 }, false},
		{"empty storage", func(c *ClientConfig) { c.Storage.Path = "" }, true},
		{"bad log level", func(c *ClientConfig) { c.Logging.Level = "loud" }, true},
		{"bad log format", func(c *ClientConfig) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfigValidation(t *testing.T) {
	valid := func() ServerConfig {
		return ServerConfig{
			Network: ServerNetwork{ListenAddress: ":8080"},
			Faucet:  FaucetConfig{ShareReward: 1, MinClaim: 10, MaxClaim: 100, SessionTimeout: time.Hour},
			PoW:     PoWConfig{Algorithm: "scrypt", N: 1024, R: 8, P: 1, KeyLen: 16, Difficulty: 8, NonceCount: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr bool
	}{
		{"valid", func(*ServerConfig) {}, false},
		{"no listen address", func(c *ServerConfig) { c.Network.ListenAddress = "" }, true},
		{"zero reward", func(c *ServerConfig) { c.Faucet.ShareReward = 0 }, true},
		{"max below min", func(c *ServerConfig) { c.Faucet.MaxClaim = 5 }, true},
		{"short timeout", func(c *ServerConfig) { c.Faucet.SessionTimeout = time.Second }, true},
		{"captcha without key", func(c *ServerConfig) { c.Faucet.CaptchaSession = true }, true},
		{"bad n", func(c *ServerConfig) { c.PoW.N = 1000 }, true},
		{"bad algorithm", func(c *ServerConfig) { c.PoW.Algorithm = "md5" }, true},
		{"sha256 ignores scrypt params", func(c *ServerConfig) { c.PoW = PoWConfig{Algorithm: "sha256", Difficulty: 4, NonceCount: 1} }, false},
		{"difficulty too high", func(c *ServerConfig) { c.PoW.Difficulty = 65 }, true},
		{"zero nonce count", func(c *ServerConfig) { c.PoW.NonceCount = 0 }, true},
		{"short secret", func(c *ServerConfig) { c.Claims.Secret = "short" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(configFile, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := LoadClientConfig(configFile); err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestNonExistentConfigFile(t *testing.T) {
	if _, err := LoadClientConfig("/nonexistent/client.yaml"); err == nil {
		t.Error("Expected error for explicit missing config file")
	}
}

func TestInvalidConfigValues(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "invalid.yaml")
	if err := os.WriteFile(configFile, []byte("mining:\n  threads: 0\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := LoadClientConfig(configFile); err == nil {
		t.Error("Expected validation error for zero threads")
	}
}

func TestWatchClientConfigHotReload(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "watch.yaml")

	if err := os.WriteFile(configFile, []byte("mining:\n  threads: 2\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	reloaded := make(chan *ClientConfig, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := WatchClientConfig(ctx, configFile, func(cfg *ClientConfig) {
		select {
		case reloaded <- cfg:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("WatchClientConfig failed: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	if err := os.WriteFile(configFile, []byte("mining:\n  threads: 4\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config file: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Mining.Threads != 4 {
			t.Errorf("Expected reloaded threads 4, got %d", cfg.Mining.Threads)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for config reload")
	}
}

func TestWatchClientConfigSkipsInvalidChange(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "watch.yaml")

	if err := os.WriteFile(configFile, []byte("mining:\n  threads: 2\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	reloaded := make(chan *ClientConfig, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := WatchClientConfig(ctx, configFile, func(cfg *ClientConfig) { reloaded <- cfg }, nil); err != nil {
		t.Fatalf("WatchClientConfig failed: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	if err := os.WriteFile(configFile, []byte("mining:\n  threads: -1\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config file: %v", err)
	}

	select {
	case cfg := <-reloaded:
		t.Errorf("Invalid config should not be delivered, got %+v", cfg.Mining)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestWatchServerConfigHotReload(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "server.yaml")

	if err := os.WriteFile(configFile, []byte("faucet:\n  title: Before\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	reloaded := make(chan *ServerConfig, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := WatchServerConfig(ctx, configFile, func(cfg *ServerConfig) {
		select {
		case reloaded <- cfg:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("WatchServerConfig failed: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	if err := os.WriteFile(configFile, []byte("faucet:\n  title: After\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config file: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Faucet.Title != "After" {
			t.Errorf("Expected reloaded title 'After', got %q", cfg.Faucet.Title)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for config reload")
	}
}
