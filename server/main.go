// Package main implements a development PoW faucet server.
//
// The server speaks the faucet websocket protocol: it hands out mining
// sessions, verifies submitted shares, credits balances, and issues
// single-use claim credentials that pay out to a fake transaction hash.
// It exists for local end-to-end runs of the client and for tests; it does
// not hold funds.
//
// Configuration comes from flags, FAUCET_SERVER_* environment variables
// (optionally loaded from a .env file) and server-config.yaml. Changes to
// the config file are pushed to connected clients.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"powfaucet/config"
	"powfaucet/logger"
)

const (
	sweepInterval = time.Minute
	maxEvents     = 1000
)

var (
	configPath      string
	listenAddr      string
	journalPath     string
	journalInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "faucet-server",
	Short:         "Development PoW faucet server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default: server-config.yaml in ., ~/.powfaucet, /etc/powfaucet)")
	flags.StringVarP(&listenAddr, "listen", "l", "", "listen address (overrides network.listen_address)")
	flags.StringVar(&journalPath, "journal", "", "write a JSON state journal to this file")
	flags.DurationVar(&journalInterval, "journal-interval", 30*time.Second, "journal write interval")
}

// getAdminToken returns FAUCET_SERVER_ADMIN_TOKEN or a random token.
func getAdminToken() string {
	if token := os.Getenv("FAUCET_SERVER_ADMIN_TOKEN"); token != "" {
		return token
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to generate admin token: %v", err))
	}
	return hex.EncodeToString(buf)
}

// getNetworkIPs returns the non-loopback IPv4 addresses of active
// interfaces.
func getNetworkIPs() []string {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return ips
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				ips = append(ips, ip4.String())
			}
		}
	}
	return ips
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if listenAddr != "" {
		cfg.Network.ListenAddress = listenAddr
	}

	log := logger.NewFromServerConfig(cfg)
	logger.Set(log)

	claims, err := NewClaimIssuer(cfg.Claims.Secret)
	if err != nil {
		return err
	}
	if cfg.Claims.Secret == "" {
		logger.Warn("no claims.secret configured, claim tokens will not survive a restart")
	}

	events := NewEventLog(maxEvents)
	f := NewFaucet(cfg, claims, events, log.With("component", "faucet"))
	hub := NewHub(f, log)
	adminToken := getAdminToken()
	api := NewAPIServer(f, hub, events, adminToken, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweepSessions(ctx, f, log)
	if journalPath != "" {
		go RunJournal(ctx, journalPath, journalInterval, func() Snapshot { return api.snapshot(maxEvents) }, log)
	}

	if configPath != "" {
		err := config.WatchServerConfig(ctx, configPath, func(c *config.ServerConfig) {
			logger.ApplyLevel(c.Logging)
			f.SetConfig(c)
			hub.BroadcastConfig(f.Config())
		}, log)
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
	}

	printBanner(cfg, adminToken)

	errCh := make(chan error, 1)
	go func() { errCh <- api.Start(cfg.Network.ListenAddress) }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return api.Shutdown(shutdownCtx)
}

func sweepSessions(ctx context.Context, f *Faucet, log *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := f.Sweep(); n > 0 {
				log.Info("expired sessions", "count", n)
			}
		}
	}
}

func printBanner(cfg *config.ServerConfig, adminToken string) {
	_, port, err := net.SplitHostPort(cfg.Network.ListenAddress)
	if err != nil {
		port = "8080"
	}

	fmt.Printf("=== %s (dev faucet server) ===\n", cfg.Faucet.Title)
	fmt.Printf("PoW: %s difficulty %d, %d nonces per share\n", cfg.PoW.Algorithm, cfg.PoW.Difficulty, cfg.PoW.NonceCount)
	fmt.Printf("Websocket: ws://localhost:%s/ws/pow\n", port)
	for _, ip := range getNetworkIPs() {
		fmt.Printf("           ws://%s:%s/ws/pow\n", ip, port)
	}
	fmt.Printf("Status:    http://localhost:%s/api/status\n", port)
	fmt.Printf("Events:    http://localhost:%s/api/events (Authorization: Bearer %s)\n", port, adminToken)
	fmt.Println()
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
