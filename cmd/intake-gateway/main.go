// ABOUTME: Entry point for intake-gateway, the onboarding interview host
// ABOUTME: Dispatches the serve, init, health, snapshot and simulate commands

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/intake-gateway/internal/config"
	"github.com/2389/intake-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _       _        _
(_)_ __ | |_ __ _| | _____
| | '_ \| __/ _' | |/ / _ \
| | | | | || (_| |   <  __/
|_|_| |_|\__\__,_|_|\_\___|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: intake-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve               Start the gateway server")
		fmt.Println("  init                Create a new config file interactively")
		fmt.Println("  health              Probe the gRPC health service")
		fmt.Println("  snapshot            Print the latest stored snapshot")
		fmt.Println("  simulate <script>   Run a scripted interview on stdout")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "snapshot":
		err = runSnapshot(ctx)
	case "simulate":
		err = runSimulate(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when none
// exists yet.
func loadConfig() (*config.Config, string, error) {
	path := config.Path()
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), path + " (not found, using defaults)", nil
	}
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
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

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Session:   %s (%s)\n", cfg.Session.ID, cfg.Session.Model)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	if cfg.Database.Path == "" {
		fmt.Print("Store:     ")
		yellow.Println("memory (nothing survives a restart)")
	} else {
		fmt.Printf("Store:     %s\n", cfg.Database.Path)
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   http://%s%s\n", cfg.Server.HTTPAddr, cfg.Metrics.Path)
	}
	if cfg.Policy.RegoPath != "" {
		green.Print("    ▶ ")
		fmt.Printf("Policy:    %s", cfg.Policy.RegoPath)
		if cfg.Policy.Watch {
			gray.Print(" (watching)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting intake-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}
