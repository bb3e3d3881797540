package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/IronMaple/battery-agent/internal/api"
	"github.com/IronMaple/battery-agent/internal/audit"
	"github.com/IronMaple/battery-agent/internal/config"
	"github.com/IronMaple/battery-agent/internal/core"
	"github.com/IronMaple/battery-agent/internal/logging"
	"github.com/IronMaple/battery-agent/internal/tag"
	"github.com/IronMaple/battery-agent/internal/tray"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Battery Agent - battery NFC tag reader/writer\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  battery-agent [flags] [command]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve            Run the local API (default)\n")
	fmt.Fprintf(os.Stderr, "  read             Print the battery document on the tag\n")
	fmt.Fprintf(os.Stderr, "  robot            Log a robot session\n")
	fmt.Fprintf(os.Stderr, "  charge           Log a charge and count a cycle\n")
	fmt.Fprintf(os.Stderr, "  status <0-3>     Set the note (0 normal, 1 practice, 2 scrap, 3 other)\n")
	fmt.Fprintf(os.Stderr, "  init <serial>    Initialize a new tag\n")
	fmt.Fprintf(os.Stderr, "  export <file>    Save the tag document as JSON\n")
	fmt.Fprintf(os.Stderr, "  import <file>    Write a JSON document to the tag\n")
	fmt.Fprintf(os.Stderr, "  uid [-copy]      Print the tag UID\n")
	fmt.Fprintf(os.Stderr, "  version          Print version information\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
	fmt.Fprintf(os.Stderr, "  %-26s TOML config file\n", config.EnvConfig)
	fmt.Fprintf(os.Stderr, "  %-26s Port to listen on (default: %d)\n", config.EnvPort, config.DefaultPort)
	fmt.Fprintf(os.Stderr, "  %-26s Host to bind to (default: %s)\n", config.EnvHost, config.DefaultHost)
	fmt.Fprintf(os.Stderr, "  %-26s Audit log path, \"-\" disables\n", config.EnvAuditLog)
}

func main() {
	configFlag := flag.String("config", "", "Path to a TOML config file")
	readerFlag := flag.String("reader", "", "Reader name substring")
	modeFlag := flag.String("mode", "", "Record mode for writes: text or mime")
	timeoutFlag := flag.Duration("timeout", 0, "How long to wait for a tag")
	noTrayFlag := flag.Bool("no-tray", false, "Run without system tray (headless mode)")
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	debugFlag := flag.Bool("debug", false, "Log debug output")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if *versionFlag || (len(args) > 0 && args[0] == "version") {
		printVersion()
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *readerFlag != "" {
		cfg.Reader = *readerFlag
	}
	if *modeFlag != "" {
		cfg.Mode = strings.ToLower(*modeFlag)
	}
	if *timeoutFlag > 0 {
		cfg.ConnectTimeout = *timeoutFlag
	}
	if *debugFlag {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	if err := logging.Init(logging.Options{
		File:    cfg.LogFile,
		Debug:   cfg.Debug,
		Console: command == "serve" || cfg.Debug,
	}); err != nil {
		log.Printf("Failed to open log file: %v", err)
	}
	logging.InitSentry(logging.SentryOptions{
		Enabled: cfg.CrashReporting,
		DSN:     cfg.SentryDSN,
		Version: api.Version,
	})
	defer logging.FlushSentry(2 * time.Second)
	defer logging.RecoverAndLog("main", true)

	agent, err := newAgent(cfg)
	if err != nil {
		log.Fatalf("Failed to set up agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if command == "serve" {
		serve(ctx, cfg, agent, *noTrayFlag)
		return
	}

	if err := newCLI(agent, os.Stdout).run(ctx, command, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("battery-agent %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

func newAgent(cfg *config.Config) (*tag.Agent, error) {
	mode, err := tag.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	transport := core.NewTransport()
	transport.PollInterval = cfg.PollInterval
	transport.MaxAttempts = cfg.MaxAttempts

	var auditLog *audit.Log
	if cfg.AuditLog != "" {
		if dir := filepath.Dir(cfg.AuditLog); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create audit log directory: %w", err)
			}
		}
		auditLog = audit.NewOS(cfg.AuditLog)
	}

	opener := tag.TransportOpener{
		Transport: transport,
		Reader:    cfg.Reader,
		Keys:      cfg.Keys,
	}
	return tag.NewAgent(opener, tag.Options{
		Mode:           mode,
		ConnectTimeout: cfg.ConnectTimeout,
		Audit:          auditLog,
	}), nil
}

func serve(ctx context.Context, cfg *config.Config, agent *tag.Agent, headless bool) {
	logging.Info(logging.CatSystem, "Battery Agent starting", map[string]any{
		"version": api.Version,
		"mode":    cfg.Mode,
		"audit":   cfg.AuditLog,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := api.NewServer(agent, nil)
	server.SetShutdownHandler(cancel)
	addr := cfg.Address()

	errc := make(chan error, 1)
	startServer := func() {
		defer logging.RecoverAndLog("API server", true)
		log.Printf("battery-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		errc <- server.Serve(ctx, addr)
		cancel()
	}

	if !headless && tray.IsSupported() {
		log.Println("Starting with system tray...")
		app := tray.New(addr, agent, nil, cancel)
		// blocks on the main thread until quit (required on macOS)
		app.RunWithServer(ctx, startServer)
	} else {
		if headless {
			log.Println("Running in headless mode (no system tray)")
		} else {
			log.Println("System tray not supported on this platform, running headless")
		}
		go startServer()
		<-ctx.Done()
	}

	log.Println("Shutting down...")
	select {
	case err := <-errc:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	case <-time.After(2 * time.Second):
	}
}
