// SPDX-License-Identifier: MIT

// Command vela-cli is a thin operator tool for vela-daemon: it validates a
// configuration file offline and queries a running daemon's health
// endpoint. It does not start, stop, or otherwise manage the daemon
// process — that is systemd's job.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/vela-project/vela-daemon/internal/config"
	"github.com/vela-project/vela-daemon/internal/health"
)

// Version is set by ldflags at build time.
var Version = "dev"

const defaultConfigPath = config.ConfigFilePath

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "vela-cli: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "help", "-h", "--help":
		printUsage()
		return nil
	case "version", "-v", "--version":
		fmt.Printf("vela-cli %s\n", Version)
		return nil
	case "validate":
		return runValidate(args[1:])
	case "status":
		return runStatus(args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage() {
	fmt.Println(`vela-cli - operator tool for vela-daemon

Usage:
  vela-cli <command> [options]

Commands:
  validate    Load and validate a configuration file
  status      Query a running daemon's health endpoint
  version     Print the CLI version
  help        Show this help message

Options:
  validate --config PATH   Configuration file (default /etc/vela/config.yaml)
  status   --addr=URL      Daemon address (default http://127.0.0.1:9090)
  status   --json, -j      Print the raw JSON response`)
}

// runValidate loads the configuration at --config (default
// /etc/vela/config.yaml) and reports whether it is well-formed.
func runValidate(args []string) error {
	configPath := defaultConfigPath
	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "--config="):
			configPath = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		}
	}

	fmt.Printf("Validating configuration: %s\n\n", configPath)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("✓ Configuration is valid")
	fmt.Printf("✓ Loaded %d level(s)\n", len(cfg.Levels))
	fmt.Printf("✓ Loaded %d input adapter(s)\n", len(cfg.Inputs))

	fmt.Println("\nConfigured levels:")
	for _, n := range cfg.SortedLevelNumbers() {
		key := fmt.Sprintf("%d", n)
		lvl := cfg.Levels[key]
		fmt.Printf("  %d: %s (fadein=%s fadeout=%s)\n", n, lvl.Folder, lvl.FadeIn, lvl.FadeOut)
	}

	if len(cfg.Inputs) > 0 {
		fmt.Println("\nConfigured inputs:")
		for _, in := range cfg.Inputs {
			label := in.Name
			if label == "" {
				label = in.Type
			}
			fmt.Printf("  - %s (%s)\n", label, in.Type)
		}
	}

	return nil
}

// runStatus fetches /healthz from a running daemon and prints a summary.
func runStatus(args []string) error {
	addr := "http://127.0.0.1:9090"
	jsonOutput := false
	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "--addr="):
			addr = strings.TrimPrefix(args[i], "--addr=")
		case args[i] == "--json" || args[i] == "-j":
			jsonOutput = true
		}
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/healthz")
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var status health.Response
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding daemon response: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Printf("Status: %s\n", status.Status)
	fmt.Printf("Checked at: %s\n\n", status.Timestamp.Format(time.RFC3339))

	if len(status.Services) == 0 {
		fmt.Println("No services reported.")
	}
	for _, svc := range status.Services {
		healthy := "unhealthy"
		if svc.Healthy {
			healthy = "healthy"
		}
		fmt.Printf("  %-20s %-10s state=%-8s restarts=%-3d failures=%-3d uptime=%s\n",
			svc.Name, healthy, svc.State, svc.Restarts, svc.Failures, svc.Uptime.Round(time.Second))
		if svc.Error != "" {
			fmt.Printf("    error: %s\n", svc.Error)
		}
	}

	if status.System != nil {
		fmt.Printf("\nDisk free: %d / %d bytes\n", status.System.DiskFreeBytes, status.System.DiskTotalBytes)
		fmt.Printf("NTP synced: %v\n", status.System.NTPSynced)
	}

	if status.Status != "healthy" {
		os.Exit(1)
	}
	return nil
}
