package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsbots/machinist/internal/authgate"
	"github.com/opsbots/machinist/internal/config"
	"github.com/opsbots/machinist/internal/dispatcher"
	"github.com/opsbots/machinist/internal/executor"
	"github.com/opsbots/machinist/internal/statestore"
	"github.com/opsbots/machinist/internal/streamer"
	"github.com/opsbots/machinist/internal/tunnel"
)

const shutdownTimeout = 30 * time.Second

func runDaemon(flags *daemonFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	if flags.bindAddr != "" {
		cfg.BindAddr = flags.bindAddr
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := slog.LevelInfo
	if flags.debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	store, err := statestore.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	exec := executor.New(store, logger, cfg.ScriptsDir, cfg.GracePeriod())

	disp, err := dispatcher.New(store, exec, logger, dispatcher.Options{
		Workers:   cfg.Workers,
		Retention: cfg.Retention(),
	})
	if err != nil {
		return err
	}

	capture := &streamer.CommandCapturer{Command: cfg.Stream.CaptureCommand}
	stream := streamer.New(store, logger, capture, cfg.StreamStopTimeout())

	tun := tunnel.New(store, logger, cfg.Tunnel.Command)

	gate := authgate.New(
		authgate.NewStaticTokens(cfg.APITokens),
		authgate.NewHMACSessions([]byte(cfg.SessionSecret)),
		cfg.LoginURL,
		logger,
	)

	srv := newServer(disp, stream, tun, gate, cfg, logger)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	if err := disp.Run(ctx); err != nil {
		return err
	}

	if cfg.Tunnel.AutoStart {
		if err := tun.Start(ctx, tunnel.Config{
			Hostname:      cfg.Tunnel.Hostname,
			Port:          cfg.Tunnel.Port,
			CredentialRef: cfg.Tunnel.CredentialRef,
		}); err != nil {
			logger.Error("auto-start tunnel", "err", err)
		}
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.routes(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("agent listening", "addr", cfg.BindAddr, "version", version)

		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		if err := stream.Watch(gctx); !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shut down http server", "err", err)
		}

		if err := stream.Stop(shutdownCtx); err != nil {
			logger.Warn("stop stream", "err", err)
		}

		if err := tun.Stop(); err != nil {
			logger.Warn("stop tunnel", "err", err)
		}

		disp.Shutdown(shutdownCtx)

		return nil
	})

	return g.Wait()
}
