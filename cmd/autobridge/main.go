package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/elliottw/autobridge/internal/api"
	"github.com/elliottw/autobridge/internal/bridge"
	"github.com/elliottw/autobridge/internal/cache"
	"github.com/elliottw/autobridge/internal/config"
	"github.com/elliottw/autobridge/internal/dispatch"
	"github.com/elliottw/autobridge/internal/events"
	"github.com/elliottw/autobridge/internal/lock"
	"github.com/elliottw/autobridge/internal/log"
	"github.com/elliottw/autobridge/internal/registry"
	"github.com/elliottw/autobridge/internal/resolver"
	"github.com/elliottw/autobridge/internal/storage"
	"github.com/elliottw/autobridge/internal/tcpserver"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
)

const defaultSettingsPath = "autobridge.yaml"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)

	// Root aliases.
	case "start":
		return runStart(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemHelp()
		return 1
	}
	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "status":
		return runStatus(args[1:])
	case "help", "--help", "-h":
		printSystemHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n\n", args[0])
		printSystemHelp()
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigHelp()
		return 1
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "migrate":
		return runConfigMigrate(args[1:])
	case "help", "--help", "-h":
		printConfigHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n\n", args[0])
		printConfigHelp()
		return 1
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	settingsPath := fs.String("config", defaultSettingsPath, "Path to settings file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load settings: %v\n", err)
		return 1
	}

	log.Setup(settings.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("autobridge starting", "version", version, "settings", *settingsPath)

	lockPath := filepath.Join(filepath.Dir(settings.Data.DBPath), "autobridge.lock")
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(ctx, settings.Data.DBPath)
	if err != nil {
		logger.Error("failed to open database", "path", settings.Data.DBPath, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", settings.Data.DBPath)

	store := config.NewStore(settings.Data.ConfigPath, log.WithComponent("config"))
	doc, err := store.Load()
	if err != nil {
		// Load falls back to a default document on parse failure.
		logger.Warn("configuration loaded with problems", "path", settings.Data.ConfigPath, "error", err)
	}

	reg := registry.New(doc, store.Save)
	hub := events.NewHub(256)
	client := dispatch.New(settings.Dispatch.Timeout)

	cacheStore := cache.New(client, storage.NewCacheStore(db))
	if err := cacheStore.Load(ctx); err != nil {
		logger.Warn("failed to restore cached item snapshots", "error", err)
	}

	dlog := storage.NewDispatchLog(db)
	engine := bridge.New(reg, resolver.New(reg, cacheStore), client, cacheStore, dlog, hub, settings.Dispatch.MaxInflight)
	manager := tcpserver.NewManager(ctx, engine, hub)

	if err := manager.Apply(reg.Listeners()); err != nil {
		// A port in use should not take the daemon down; the admin
		// surface can fix the listener set live.
		logger.Warn("some listeners failed to start", "error", err)
	}
	logger.Info("tcp listeners active", "ports", manager.Active())

	go engine.RefreshAll(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	if settings.Admin.Enabled {
		apiServer := api.New(api.Config{
			Listen: settings.Admin.Listen,
			APIKey: settings.Admin.APIKey,
		}, reg, engine, manager, dlog, cacheStore, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("admin interface enabled", "listen", settings.Admin.Listen)
	}

	logger.Info("autobridge running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}

	cancel()
	manager.Close()
	engine.Wait()
	logger.Info("autobridge stopped")
	return exitCode
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	settingsPath := fs.String("config", defaultSettingsPath, "Path to settings file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load settings: %v\n", err)
		return 1
	}

	httpClient := &http.Client{Timeout: 3 * time.Second}
	resp, err := httpClient.Get("http://" + settings.Admin.Listen + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Daemon not reachable at %s: %v\n", settings.Admin.Listen, err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read response: %v\n", err)
		return 1
	}
	fmt.Println(strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	settingsPath := fs.String("config", defaultSettingsPath, "Path to settings file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Settings invalid: %v\n", err)
		return 1
	}
	fmt.Printf("Settings OK (%s)\n", *settingsPath)

	raw, err := os.ReadFile(settings.Data.ConfigPath)
	if os.IsNotExist(err) {
		fmt.Printf("Document not found at %s (a default will be created on start)\n", settings.Data.ConfigPath)
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read document: %v\n", err)
		return 1
	}

	var doc config.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		fmt.Fprintf(os.Stderr, "Document invalid JSON: %v\n", err)
		return 1
	}

	if err := config.VerifyChecksum(settings.Data.ConfigPath, raw); err != nil {
		fmt.Fprintf(os.Stderr, "Checksum mismatch: %v\n", err)
		return 1
	}

	if config.NeedsMigration(&doc) {
		fmt.Printf("Document at version %s needs migration to %s (run: autobridge config migrate)\n",
			doc.ConfigVersion, config.CurrentVersion)
		return 0
	}

	fmt.Printf("Document OK (version %s, %d automators, %d commands, %d mappings)\n",
		doc.ConfigVersion, len(doc.Automators), len(doc.TCPCommands), len(doc.Mappings))
	return 0
}

func runConfigMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	settingsPath := fs.String("config", defaultSettingsPath, "Path to settings file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	settings, err := config.LoadSettings(*settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load settings: %v\n", err)
		return 1
	}

	log.Setup(settings.Service.LogLevel)
	store := config.NewStore(settings.Data.ConfigPath, log.WithComponent("config"))
	doc, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load document: %v\n", err)
		return 1
	}

	fmt.Printf("Document at version %s (%d automators, %d mappings)\n",
		doc.ConfigVersion, len(doc.Automators), len(doc.Mappings))
	return 0
}

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := versionInfo{Version: strings.TrimSpace(version), Commit: resolveCommit()}
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("autobridge %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	return 0
}

func resolveCommit() string {
	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					commit = setting.Value
					break
				}
			}
		}
	}
	if commit == "" {
		return "unknown"
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return commit
}

func printUsage() {
	fmt.Print(`autobridge - TCP command to HTTP automation bridge

Usage:
  autobridge <noun> <action> [flags]

System Commands:
  system start      Run the bridge daemon in foreground
  system status     Query a running daemon's health endpoint

Config Commands:
  config check      Validate settings, document and checksum
  config migrate    Load the document, migrating old formats in place

Other Commands:
  version           Show version information
  help              Show this help

Common Flags:
  --config <path>   Settings file (default autobridge.yaml)
`)
}

func printSystemHelp() {
	fmt.Print(`Usage: autobridge system <action> [flags]

Actions:
  start     Run the bridge daemon in foreground
  status    Query a running daemon's health endpoint
`)
}

func printConfigHelp() {
	fmt.Print(`Usage: autobridge config <action> [flags]

Actions:
  check     Validate settings, document and checksum
  migrate   Load the document, migrating old formats in place
`)
}
