package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/basket/histsync/internal/audit"
	"github.com/basket/histsync/internal/config"
	otelPkg "github.com/basket/histsync/internal/otel"
	"github.com/basket/histsync/internal/remote"
	"github.com/basket/histsync/internal/telemetry"
)

func runServeRemoteCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve-remote", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen address (default server.bind_addr)")
	dbPath := fs.String("db", "", "remote database path (default server.db_path)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return reportStartup(stderr, failStartup("E_CONFIG_LOAD", err))
	}
	if *addr != "" {
		cfg.Server.BindAddr = *addr
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}
	if cfg.Server.Credential == "" {
		fmt.Fprintln(stderr, "serve-remote: server.credential (or HISTSYNC_SERVER_CREDENTIAL) is required")
		return 2
	}
	if err := serveRemote(ctx, cfg, nil); err != nil {
		fmt.Fprintf(stderr, "serve-remote: %v\n", err)
		return 1
	}
	return 0
}

// serveRemote runs the reference remote store until ctx ends. When ready is
// non-nil it receives the bound address.
func serveRemote(ctx context.Context, cfg config.Config, ready chan<- string) error {
	if err := audit.Init(cfg.HomeDir); err != nil {
		return err
	}
	defer audit.Close()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger = logger.With("role", "remote")

	provider, err := otelPkg.Init(ctx, cfg.Telemetry, otelPkg.AttrRole.String("remote"))
	if err != nil {
		return err
	}
	defer provider.Shutdown(context.Background())

	store, err := remote.OpenServerStore(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := remote.NewServer(remote.ServerConfig{
		Store:      store,
		Credential: cfg.Server.Credential,
		Logger:     logger,
		Tracer:     provider.Tracer,
		RateLimit: remote.RateLimit{
			RequestsPerMinute: cfg.Server.RateLimitRPM,
			Burst:             cfg.Server.RateLimitBurst,
		},
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.BindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.BindAddr, err)
	}
	server := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("remote store listening", "addr", ln.Addr().String(), "db", cfg.Server.DBPath)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-serverErr
	logger.Info("shutdown complete")
	return nil
}
