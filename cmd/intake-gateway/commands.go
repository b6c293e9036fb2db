// ABOUTME: The init, health and snapshot commands
// ABOUTME: init writes a validated YAML config; health probes gRPC; snapshot prints the newest checkpoint

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"

	"github.com/2389/intake-gateway/internal/checkpoint"
	"github.com/2389/intake-gateway/internal/config"
	"github.com/2389/intake-gateway/internal/gateway"
	"github.com/2389/intake-gateway/internal/store"
)

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("intake-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.Path())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var cfg config.Config

	fmt.Println("\n--- Server Configuration ---")
	cfg.Server.GRPCAddr = prompt(reader, "gRPC address", "127.0.0.1:8421")
	cfg.Server.HTTPAddr = prompt(reader, "HTTP address", "127.0.0.1:8420")

	fmt.Println("\n--- Database Configuration ---")
	cfg.Database.Path = prompt(reader, "SQLite database path (empty keeps state in memory)",
		filepath.Join(config.DataPath(), "intake.db"))

	fmt.Println("\n--- Session Configuration ---")
	cfg.Session.ID = prompt(reader, "Session id", "default")
	cfg.Session.Model = prompt(reader, "Model", "gpt-5")
	cfg.Session.Script = prompt(reader, "Scripted transport file (optional)", "")

	fmt.Println("\n--- Observability ---")
	cfg.Metrics.Enabled = yes(prompt(reader, "Expose Prometheus metrics?", "yes"))
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", "info")
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", "text")

	out, err := renderConfig(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("\n✓ ")
	fmt.Printf("Config written to %s\n", outputFile)
	fmt.Println("\nStart the gateway with: intake-gateway serve")
	return nil
}

// renderConfig encodes cfg and checks that it loads back.
func renderConfig(cfg *config.Config) ([]byte, error) {
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	out := append([]byte("# intake-gateway configuration\n# Generated by intake-gateway init\n\n"), body...)
	if _, err := config.Parse(out); err != nil {
		return nil, fmt.Errorf("generated config is invalid: %w", err)
	}
	return out, nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	status, err := probeHealth(ctx, cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: %s", status)
	}
	fmt.Println("healthy")
	return nil
}

// probeHealth asks the gateway's gRPC health service about the session.
func probeHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: gateway.HealthService})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}

func runSnapshot(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is not set; nothing is persisted")
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer s.Close()
	return printLatestSnapshot(ctx, os.Stdout, s, cfg.Session.ID)
}

func printLatestSnapshot(ctx context.Context, w io.Writer, s store.SnapshotStore, sessionID string) error {
	rec, err := s.LatestSnapshot(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("latest snapshot of %s: %w", sessionID, err)
	}
	snap, err := checkpoint.Decode(rec.Data)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", rec.ID, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Checksum string `json:"checksum"`
		*checkpoint.Snapshot
	}{snap.Checksum, snap})
}
