package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/termlinkky/server/api/handlers"
	"github.com/termlinkky/server/internal/config"
	"github.com/termlinkky/server/internal/db"
	"github.com/termlinkky/server/internal/logging"
	"github.com/termlinkky/server/internal/pty"
	"github.com/termlinkky/server/internal/recorder"
	"github.com/termlinkky/server/internal/repository"
	"github.com/termlinkky/server/internal/session"
	"github.com/termlinkky/server/internal/tmux"
	"github.com/termlinkky/server/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "termlinkky:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "termlinkky",
		Short:         "Serve a shared terminal session over WebSocket",
		Long:          "Runs one long-lived terminal session that every connected client sees and types into.\nClients connect to /terminal; /terminal/private gives a connection its own shell.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
				return fmt.Errorf("invalid flags: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	geo := pty.Geometry{Cols: cfg.Cols, Rows: cfg.Rows}
	broadcast := session.BroadcasterConfig{
		PollTimeout:   cfg.PollTimeout,
		SendTimeout:   cfg.SendTimeout,
		LivenessEvery: cfg.LivenessEvery,
	}

	deps := session.Deps{Logger: logger}
	captureLines := cfg.CaptureLines

	if cfg.UseTmux {
		if _, err := exec.LookPath("tmux"); err != nil {
			logger.Warn("tmux not found, running the shell directly without fallback input", zap.Error(err))
			cfg.UseTmux = false
		}
	}
	if cfg.UseTmux {
		client := tmux.NewClient(cfg.TmuxSocket, logger)
		client.SetTimeout(cfg.TmuxTimeout)
		deps.Spawner = bridgeSpawner(pty.NewTmuxSpawner(client, cfg.SessionName, geo, logger))
		deps.Injector = client
		deps.Capturer = client
	} else {
		deps.Spawner = bridgeSpawner(pty.NewShellSpawner(cfg.Shell, geo, logger))
		captureLines = 0
	}

	var repo *repository.SessionRepository
	if cfg.DBPath != "" {
		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()
		repo = repository.NewSessionRepository(database)
		deps.Store = repo
	}

	if cfg.RecordDir != "" {
		rec, err := recorder.New(cfg.RecordDir, cfg.Cols, cfg.Rows, map[string]string{
			"TERM":  "xterm-256color",
			"SHELL": cfg.Shell,
		})
		if err != nil {
			return err
		}
		deps.Recordings = rec
	}

	hub, err := session.NewHub(session.Config{
		Name:           cfg.SessionName,
		HistoryBytes:   cfg.HistoryBytes,
		CaptureLines:   captureLines,
		Broadcast:      broadcast,
		RestartBackoff: cfg.RestartBackoff,
	}, deps)
	if err != nil {
		return err
	}
	defer hub.Close()

	wsOpts := ws.Options{
		Hub: hub,
		Client: ws.ClientOptions{
			InputRate:  rate.Limit(cfg.InputRate),
			InputBurst: cfg.InputBurst,
		},
		Logger: logger,
	}
	if cfg.Private {
		wsOpts.Private = session.Config{
			Name:         cfg.SessionName + "-private",
			HistoryBytes: cfg.HistoryBytes,
			Broadcast:    broadcast,
		}
		wsOpts.PrivateDeps = session.Deps{
			Spawner: bridgeSpawner(pty.NewShellSpawner(cfg.Shell, geo, logger)),
			Logger:  logger,
		}
	}

	var store handlers.EventStore
	if repo != nil {
		store = repo
	}

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(logger,
		handlers.NewSessionHandler(hub, store),
		handlers.NewTerminalHandler(ws.NewHandler(wsOpts), cfg.Private),
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", cfg.ListenAddr),
			zap.Bool("tls", cfg.TLS()),
			zap.Bool("tmux", cfg.UseTmux),
			zap.String("session", cfg.SessionName))
		if cfg.TLS() {
			errCh <- srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	// Closing the hub disconnects the WebSocket clients, which the HTTP
	// server no longer tracks once upgraded.
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// bridgeStarter is implemented by the pty spawners.
type bridgeStarter interface {
	Start(ctx context.Context) (*pty.Bridge, error)
}

// bridgeSpawner adapts a pty spawner to session.Spawner without letting a
// nil *pty.Bridge become a non-nil interface.
func bridgeSpawner(s bridgeStarter) session.Spawner {
	return session.SpawnerFunc(func(ctx context.Context) (session.Bridge, error) {
		b, err := s.Start(ctx)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}
