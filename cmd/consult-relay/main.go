package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/digitalclinic/consult-relay/internal/config"
	"github.com/digitalclinic/consult-relay/internal/consult"
	"github.com/digitalclinic/consult-relay/internal/httpserver"
	"github.com/digitalclinic/consult-relay/internal/hub"
	"github.com/digitalclinic/consult-relay/internal/identity"
	"github.com/digitalclinic/consult-relay/internal/lifecycle"
	"github.com/digitalclinic/consult-relay/internal/metrics"
	"github.com/digitalclinic/consult-relay/internal/registry"
	"github.com/digitalclinic/consult-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting consult-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"ws_ping_interval", cfg.WSPingInterval,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"lifecycle_db_set", cfg.DatabaseURL != "",
	)

	resolver, err := identity.New(cfg)
	if err != nil {
		logger.Error("failed to configure identity resolution", "err", err)
		os.Exit(2)
	}

	met := metrics.New()
	reg := registry.New()

	var authorizer consult.Authorizer = consult.AllowAllAuthorizer{}
	if cfg.DatabaseURL != "" {
		store, err := lifecycle.Open(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("failed to connect to consultation db", "err", err)
			os.Exit(2)
		}
		defer store.Close()
		authorizer = store
	} else if cfg.Mode == config.ModeProd {
		logger.Warn("no consultation db configured, every join is admitted")
	}

	wsHub := hub.New(cfg, resolver, logger, met)
	router := consult.NewRouter(consult.Config{
		Registry:   reg,
		Transport:  wsHub,
		Authorizer: authorizer,
		Logger:     logger,
		Metrics:    met,
	})
	wsHub.Bind(router)

	var minter *turnrest.Minter
	if cfg.TURNREST.Enabled() {
		minter, err = turnrest.NewMinter(cfg.TURNREST)
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			os.Exit(2)
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		WS:       wsHub,
		Metrics:  met,
		Rooms:    reg.Rooms,
		Minter:   minter,
		Resolver: resolver,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return commit, built
}
