package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/orbitchat/orbit/internal/config"
	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("orbitd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch sub := os.Args[1]; sub {
	case "node":
		runNode(os.Args[2:])
	case "version":
		fmt.Printf("orbitd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", sub)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: orbitd <command> [options]

Commands:
  node        Start a presence and fan-out node
  version     Print version information

Run 'orbitd <command> --help' for more information on a command.`)
}

// defaultNodeName is the hostname, or a random name when it is unavailable.
func defaultNodeName() string {
	if hn, err := os.Hostname(); err == nil && hn != "" {
		return hn
	}
	return "orbit-" + uuid.NewString()[:8]
}

func runNode(args []string) {
	fs := flag.NewFlagSet("node", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override listen address (e.g., :5000)")
	healthAddr := fs.String("health-addr", "", "Override health endpoint address (e.g., :9090)")
	name := fs.String("name", "", "Override node name (default: hostname)")

	fs.Usage = func() {
		fmt.Println(`Usage: orbitd node [options]

Start an Orbit node. The node sweeps presence entries left by a previous run
under the same name, registers itself and then accepts hub connections.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *listenAddr != "" {
		cfg.Node.ListenAddr = *listenAddr
	}
	if *healthAddr != "" {
		cfg.Observability.HealthAddr = *healthAddr
	}
	if *name != "" {
		cfg.Node.Name = *name
	}
	if cfg.Node.Name == "" {
		cfg.Node.Name = defaultNodeName()
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat, cfg.Node.Name)

	node, err := NewNode(NodeOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	})
	if err != nil {
		logger.Errorf("failed to create node", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- node.Start(ctx)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			logger.Errorf("node error", map[string]any{"error": err.Error()})
			exitCode = 1
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := node.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		exitCode = 1
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
