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
	"syscall"
	"time"

	"offgate/internal/offgate"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("OFFGATE_CONFIG", "/offgate.yaml"), "path to offgate.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := offgate.LoadConfig(configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	gw, err := offgate.NewGateway(cfg, logger)
	if err != nil {
		logger.Error("init gateway", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Serve before registration completes: pre-activation requests get 503,
	// and the control endpoint stays reachable so SKIP_WAITING can release
	// a held activation.
	go func() {
		logger.Info("offgate listening",
			"addr", addr,
			"origin", cfg.Server.Origin,
			"staticTier", cfg.StaticTierName(),
			"dataTier", cfg.DataTierName(),
		)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	// A failed install is fatal to this version; exiting non-zero lets the
	// supervisor retry the deployment.
	if err := gw.Register(ctx); err != nil {
		logger.Error("register", "error", err, "state", gw.State().String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
		os.Exit(1)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
