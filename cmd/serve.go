package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"meetnotes/config"
	"meetnotes/config/database"
	"meetnotes/internal/notes/autosave"
	"meetnotes/internal/notes/editor"
	"meetnotes/internal/notes/realtime"
	"meetnotes/internal/notes/repository"
	"meetnotes/internal/notes/service"
	"meetnotes/pkg/compress"
	"meetnotes/pkg/logger"
	"meetnotes/router"
	"meetnotes/socket"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var addr string
	command := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if addr != "" {
				cfg.Addr = addr
			}
			logger.Init(cfg.LogLevel)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	command.Flags().StringVar(&addr, "addr", "", "listen address, overrides APP_ADDR")
	return command
}

func serve(ctx context.Context, cfg config.Config) error {
	db, err := database.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := repository.Migrate(ctx, db, cfg.DBDriver); err != nil {
		return err
	}

	codec, err := compress.ByName(cfg.Compression)
	if err != nil {
		return err
	}

	transport, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer transport.Close()

	repo := repository.NewNotesRepository(db, cfg.DBDriver, codec)
	docs := service.NewDocumentService(repo, service.NewVersionService(repo))

	hub := socket.NewHub(editor.Deps{Documents: docs, Transport: transport}, socket.Options{
		EchoGuard: cfg.EchoGuard,
		Autosave: autosave.Options{
			Debounce:   cfg.AutosaveDebounce,
			SavedReset: cfg.AutosaveSavedReset,
			Retries:    cfg.AutosaveRetries,
			Backoff:    cfg.AutosaveBackoff,
		},
		Location: cfg.Location(),
	})
	go hub.Run()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router.Setup(cfg, db, docs, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Sugar.Infof("Go Backend listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Sugar.Info("Shutting down, flushing open sessions")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Warnf("Hub shutdown: %v", err)
	}
	return srv.Shutdown(shutdownCtx)
}

func openTransport(ctx context.Context, cfg config.Config) (realtime.Transport, error) {
	if cfg.RedisURL == "" {
		logger.Sugar.Info("REDIS_URL not set, broadcasting within this process only")
		return realtime.NewMemoryBus(), nil
	}
	return realtime.DialRedis(ctx, cfg.RedisURL, realtime.RedisOptions{
		Heartbeat:  cfg.PresenceHeartbeat,
		StaleAfter: cfg.PresenceStaleAfter,
	})
}
