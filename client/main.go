// Package main implements the PoW faucet command line client.
//
// The client connects to a faucet server over a websocket, starts a mining
// session for a reward address, runs the proof-of-work search on local
// worker goroutines and claims the accrued balance when mining stops.
//
// The client supports:
//   - Restoring an unfinished session after a restart
//   - Manually supplied verification tokens for protected faucets
//   - Automatic reconnection with a fixed retry interval
//   - Live thread-count changes through the watched config file
//
// Configuration comes from flags, FAUCET_CLIENT_* environment variables
// (optionally loaded from a .env file) and client-config.yaml.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"powfaucet/config"
	"powfaucet/controller"
	"powfaucet/logger"
)

const version = "0.3.0"

var (
	configPath string
	flagServer string
	flagAddr   string
	flagThread int
	flagLevel  string
	flagFormat string
	flagStart  bool
)

var rootCmd = &cobra.Command{
	Use:           "faucet-client",
	Short:         "Mine a PoW faucet from the terminal",
	Long:          "faucet-client connects to a PoW faucet, mines shares for a reward address and claims the reward.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMine,
}

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Connect to the faucet and mine (default)",
	RunE:  runMine,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate-config [file]",
	Short: "Validate a client configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		cfg, err := config.LoadClientConfig(path)
		if err != nil {
			return err
		}
		fmt.Printf("✓ configuration valid (server %s, %d threads)\n", cfg.Server.URL, cfg.Mining.Threads)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default: client-config.yaml in ., ~/.powfaucet, /etc/powfaucet)")
	flags.StringVarP(&flagServer, "server", "s", "", "faucet websocket url")
	flags.StringVarP(&flagAddr, "address", "a", "", "reward target address")
	flags.IntVarP(&flagThread, "threads", "t", 0, "number of mining threads")
	flags.StringVar(&flagLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&flagFormat, "log-format", "", "log format (text, color, json)")
	flags.BoolVar(&flagStart, "start", false, "start mining as soon as the faucet is ready")

	rootCmd.AddCommand(mineCmd, versionCmd, validateCmd)
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server.URL = flagServer
	}
	if flags.Changed("address") {
		cfg.Mining.TargetAddress = flagAddr
	}
	if flags.Changed("threads") {
		cfg.Mining.Threads = flagThread
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = flagLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = flagFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runMine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.NewFromClientConfig(cfg)
	logger.Set(log)
	logger.Debug("configuration loaded", "server", cfg.Server.URL, "threads", cfg.Mining.Threads)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	render := NewRenderer(os.Stdout)
	app.ctrl.OnChange(render.Render)
	if flagStart {
		autoStart(ctx, app)
	}

	if configPath != "" {
		err := config.WatchClientConfig(ctx, configPath, func(c *config.ClientConfig) {
			level := logger.ApplyLevel(c.Logging)
			app.SetThreads(c.Mining.Threads)
			logger.Info("client config applied", "threads", c.Mining.Threads, "log_level", level.String())
		}, log)
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
	}

	fmt.Println("Type 'help' for commands. Press Ctrl+C to stop.")

	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(ctx) }()

	cmds := &commands{ctrl: app.ctrl, tokens: app.widget, render: render, out: os.Stdout}
	loopErr := make(chan error, 1)
	go func() { loopErr <- cmds.loop(ctx, os.Stdin) }()

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case err = <-runErr:
			done = true
		case lerr := <-loopErr:
			// without stdin keep mining until interrupted
			done = errors.Is(lerr, errQuit)
		}
	}

	fmt.Println("\nStopping client...")
	app.Shutdown(context.Background())
	fmt.Println("Client terminated.")
	return err
}

// autoStart starts mining the first time the controller is idle with a
// config and nothing pending.
func autoStart(ctx context.Context, app *App) {
	var once sync.Once
	app.ctrl.OnChange(func(v controller.View) {
		if v.Config == nil || v.Status != controller.StatusIdle || v.RestoreOffer != nil || v.Restoring || v.TargetAddress == "" {
			return
		}
		if v.Config.RequiresSessionVerification() && !v.HasToken {
			return
		}
		once.Do(func() {
			go func() {
				if err := app.ctrl.Start(ctx, ""); err != nil {
					app.log.Warn("auto start failed", "error", err)
				}
			}()
		})
	})
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
