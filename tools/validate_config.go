//go:build tools

// Package main validates faucet client and server configuration files.
//
//	go run -tags tools ./tools -client client-config.yaml -server server-config.yaml
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"

	"powfaucet/config"
	"powfaucet/faucet"
)

var (
	valid   = color.New(color.FgGreen, color.Bold).SprintFunc()
	invalid = color.New(color.FgRed, color.Bold).SprintFunc()
	warn    = color.New(color.FgYellow).SprintFunc()
)

func main() {
	clientConfig := flag.String("client", "", "path to client config file (default: search paths)")
	serverConfig := flag.String("server", "", "path to server config file (default: search paths)")
	flag.Parse()

	ok := true
	both := *clientConfig == "" && *serverConfig == ""

	if both || *clientConfig != "" {
		ok = validateClientConfig(*clientConfig) && ok
		fmt.Println()
	}
	if both || *serverConfig != "" {
		ok = validateServerConfig(*serverConfig) && ok
	}

	if !ok {
		os.Exit(1)
	}
}

// resolve returns path, or the first existing search path for filename.
// An empty result means defaults apply.
func resolve(path, filename string) string {
	if path != "" {
		return path
	}
	if path = findConfigFile(filename); path == "" {
		fmt.Printf("Status: %s no %s found, defaults apply\n", warn("!"), filename)
	}
	return path
}

func validateClientConfig(path string) bool {
	fmt.Println("Client Configuration")
	fmt.Println("--------------------")

	path = resolve(path, "client-config.yaml")
	if path != "" {
		fmt.Printf("File: %s\n", path)
	}

	cfg, err := config.LoadClientConfig(path)
	if err != nil {
		fmt.Printf("Status: %s\nError: %v\n", invalid("INVALID"), err)
		return false
	}

	fmt.Printf("Status: %s\n\n", valid("VALID"))
	fmt.Printf("  Server URL:        %s\n", cfg.Server.URL)
	fmt.Printf("  Target Address:    %s\n", cfg.Mining.TargetAddress)
	fmt.Printf("  Threads:           %d\n", cfg.Mining.Threads)
	fmt.Printf("  Retry Interval:    %v\n", cfg.Network.RetryInterval)
	fmt.Printf("  Max Retry Time:    %v\n", cfg.Network.MaxRetryTime)
	fmt.Printf("  Request Timeout:   %v\n", cfg.Network.RequestTimeout)
	fmt.Printf("  Session Store:     %s\n", cfg.Storage.Path)
	fmt.Printf("  Captcha Token:     %t\n", cfg.Captcha.Token != "")
	return true
}

func validateServerConfig(path string) bool {
	fmt.Println("Server Configuration")
	fmt.Println("--------------------")

	path = resolve(path, "server-config.yaml")
	if path != "" {
		fmt.Printf("File: %s\n", path)
	}

	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		fmt.Printf("Status: %s\nError: %v\n", invalid("INVALID"), err)
		return false
	}

	fmt.Printf("Status: %s\n\n", valid("VALID"))
	fmt.Printf("  Listen Address:    %s\n", cfg.Network.ListenAddress)
	fmt.Printf("  Title:             %s\n", cfg.Faucet.Title)
	fmt.Printf("  Share Reward:      %s\n", faucet.FormatAmount(cfg.Faucet.ShareReward))
	fmt.Printf("  Claim Range:       %s - %s\n", faucet.FormatAmount(cfg.Faucet.MinClaim), faucet.FormatAmount(cfg.Faucet.MaxClaim))
	fmt.Printf("  Session Timeout:   %v\n", cfg.Faucet.SessionTimeout)
	fmt.Printf("  PoW:               %s difficulty %d, %d nonces per share\n", cfg.PoW.Algorithm, cfg.PoW.Difficulty, cfg.PoW.NonceCount)
	fmt.Printf("  Captcha:           session=%t share=%t\n", cfg.Faucet.CaptchaSession, cfg.Faucet.CaptchaShare)
	if cfg.Claims.Secret == "" {
		fmt.Printf("  Claims Secret:     %s\n", warn("random per start"))
	}
	return true
}

func findConfigFile(filename string) string {
	searchPaths := []string{
		filepath.Join(".", filename),
		filepath.Join(os.Getenv("HOME"), ".powfaucet", filename),
		filepath.Join("/etc/powfaucet", filename),
	}
	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
