// chatrelay - a self-hosted chat relay for the Anthropic Messages API.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/server"
	"github.com/jeranaias/chatrelay/internal/store"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "chatrelay.toml", "path to the TOML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chatrelay %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath); err != nil {
		log.Printf("[main] fatal: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	relayHandler := relay.New(relay.Config{
		UpstreamURL:     cfg.Upstream.URL,
		DefaultAPIKey:   cfg.Upstream.APIKey,
		MaxBodyBytes:    cfg.MaxBodyBytes(),
		WatchdogTimeout: cfg.WatchdogTimeout(),
	})

	srv := server.New(server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		StaticDir:      cfg.Server.StaticDir,
		MaxFileBytes:   cfg.MaxFileBytes(),
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Store:          st,
		Relay:          relayHandler,
	})

	// Upstream settings apply live; listener and limit changes need a
	// restart.
	stopWatch, err := config.Watch(configPath, func(next *config.Config) {
		relayHandler.UpdateUpstream(next.Upstream.URL, next.Upstream.APIKey)
		log.Printf("[main] applied upstream settings; restart to apply server and limit changes")
	})
	if err != nil {
		log.Printf("[main] config watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("[main] received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore opens the SQLite store, retrying on failure so the server
// survives a slow volume mount at boot.
func openStore(cfg *config.Config) (*store.Store, error) {
	attempts := cfg.Database.ConnectAttempts
	delay := time.Duration(cfg.Database.ConnectDelaySec) * time.Second

	var lastErr error
	for i := 1; i <= attempts; i++ {
		st, err := store.Open(cfg.Database.Path)
		if err == nil {
			log.Printf("[main] database ready at %s", cfg.Database.Path)
			return st, nil
		}
		lastErr = err
		log.Printf("[main] database connect attempt %d/%d failed: %v", i, attempts, err)
		if i < attempts {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("database unavailable after %d attempts: %w", attempts, lastErr)
}
