// ABOUTME: Entry point for the emailpilot campaign calendar service
// ABOUTME: Dispatches serve, setup and maintenance subcommands

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/winatecommerce96/emailpilot/internal/config"
	"github.com/winatecommerce96/emailpilot/internal/server"
	"github.com/winatecommerce96/emailpilot/internal/tracing"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                      _ _       _ _       _
  ___ _ __ ___   __ _(_) |_ __ (_) | ___ | |_
 / _ \ '_ ' _ \ / _' | | | '_ \| | |/ _ \| __|
|  __/ | | | | | (_| | | | |_) | | | (_) | |_
 \___|_| |_| |_|\__,_|_|_| .__/|_|_|\___/ \__|
                         |_|
`

// getConfigPath returns the path to the config file.
// Priority: EMAILPILOT_CONFIG env var > XDG_CONFIG_HOME/emailpilot/config.yaml > ~/.config/emailpilot/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("EMAILPILOT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "emailpilot", "config.yaml")
}

// getDataPath returns the path to the emailpilot data directory.
// Priority: XDG_DATA_HOME/emailpilot > ~/.local/share/emailpilot
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "emailpilot")
}

func printUsage() {
	fmt.Println("Usage: emailpilot <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                   Start the API server")
	fmt.Println("  init [--force]                          Write a starter config file")
	fmt.Println("  migrate                                 Create or upgrade the database schema")
	fmt.Println("  user-add --email EMAIL [--role ROLE]    Create a user (password read from stdin)")
	fmt.Println("  token --email EMAIL [--ttl DURATION]    Issue an API token for a user")
	fmt.Println("  validate [--rules FILE] CALENDAR.yaml   Check a calendar file against the rules")
	fmt.Println("  prune-runs --older-than DURATION        Delete stale planning runs and checkpoints")
	fmt.Println("  health                                  Check server health")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(args)
	case "migrate":
		err = runMigrate()
	case "user-add":
		err = runUserAdd(ctx, args, os.Stdin)
	case "token":
		err = runToken(ctx, args)
	case "validate":
		err = runValidate(args, os.Stdout)
	case "prune-runs":
		err = runPruneRuns(ctx, args)
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Generator: %s\n", cfg.Planning.Generator)
	green.Print("    ▶ ")
	fmt.Printf("Klaviyo:   ")
	if cfg.Klaviyo.Enabled() {
		cyan.Println("enabled")
	} else {
		yellow.Println("disabled")
	}
	green.Print("    ▶ ")
	fmt.Printf("Asana:     ")
	if cfg.Asana.Enabled() {
		cyan.Println("enabled")
	} else {
		yellow.Println("disabled")
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth.jwt_secret is empty, the API is open to everyone")
	}
	fmt.Println()

	shutdownTracing, err := tracing.Setup(cfg.Tracing.Enabled, cfg.Tracing.Output, version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()

	logger.Info("starting emailpilot",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error("closing server", "error", err)
		}
	}()

	return srv.Run(ctx)
}
