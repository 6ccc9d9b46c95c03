package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"streamgate/internal/config"
	"streamgate/internal/proxy"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the object streaming proxy.",
	Long:  `Run the object streaming proxy. Objects are served from the configured store with Range and conditional request support.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	cache, err := a.newCache(ctx)
	if err != nil {
		return err
	}

	opts := []proxy.ConfigOption{
		proxy.WithBackend(a.backend),
		proxy.WithCache(cache),
		proxy.WithMetrics(a.metrics),
		proxy.WithBlockSize(cfg.Server.BlockSize),
		proxy.WithSignedURLTTL(cfg.SignedURLTTL()),
		proxy.WithUploadPrefix(cfg.Upload.Prefix),
	}
	if a.signer != nil {
		engine, err := a.newEngine(0, nil)
		if err != nil {
			return err
		}
		opts = append(opts, proxy.WithSigner(a.signer), proxy.WithEngine(engine))
	}
	if a.downloads != nil {
		opts = append(opts, proxy.WithDownloadSigner(a.downloads))
	}

	server, err := proxy.NewServer(proxy.NewConfig(opts...))
	if err != nil {
		return fmt.Errorf("failed to create proxy server: %w", err)
	}

	// Streams and proxied uploads can run for a long time, so only the
	// header read is bounded.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		ticker := time.NewTicker(cache.TTL())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := cache.Purge(); n > 0 {
					slog.Debug("Purged expired metadata", "entries", n)
				}
			}
		}
	})

	eg.Go(func() error {
		slog.Info("Starting Streamgate HTTP server", "addr", cfg.ListenAddr())
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Streamgate Started")
	return eg.Wait()
}
