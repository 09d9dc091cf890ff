// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scriptmonkey/internal/config"
	"github.com/xkilldash9x/scriptmonkey/internal/observability"
	"github.com/xkilldash9x/scriptmonkey/internal/service"
	"github.com/xkilldash9x/scriptmonkey/internal/target"
	"github.com/xkilldash9x/scriptmonkey/internal/target/cdp"
)

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [urls...]",
		Short: "Open pages in Chrome and inject the matching userscripts until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			err = runBrowser(cmd.Context(), cfg, normalizeURLs(args), observability.GetLogger())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	runCmd.Flags().Bool("headless", true, "run Chrome without a window")
	runCmd.Flags().String("remote-url", "", "attach to a running browser's DevTools endpoint instead of launching one")
	runCmd.Flags().Bool("watch", true, "reload userscripts when files in the scripts dir change")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	runCmd.Flags().Duration("strategy-timeout", 0, "bound each injection attempt (0 disables)")
	return runCmd
}

// normalizeURLs adds https:// to bare hosts.
func normalizeURLs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if !strings.Contains(a, "://") && !strings.HasPrefix(a, "about:") && !strings.HasPrefix(a, "data:") {
			a = "https://" + a
		}
		out[i] = a
	}
	return out
}

func runBrowser(ctx context.Context, cfg *config.Config, urls []string, logger *zap.Logger) error {
	components, err := service.New(ctx, cfg, logger, service.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	if err := components.LoadScripts(); err != nil {
		return err
	}

	browser, err := cdp.Launch(ctx, cfg.Browser, logger, cdp.WithAuxiliaryTimeout(cfg.Injection.AuxiliaryLoadTimeout))
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := browser.Close(shutdownCtx); err != nil {
			logger.Warn("Error during browser shutdown.", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	targets := make(chan target.Target, 16)

	g.Go(func() error { return components.Engine.Run(gctx, targets) })
	if cfg.Scripts.Watch {
		g.Go(func() error { return components.Scripts.Watch(gctx, nil) })
	}
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, components.Gatherer, logger) })
	}

	onDocument := func(t target.Target) {
		select {
		case targets <- t:
		case <-gctx.Done():
		}
	}
	opened := 0
	for _, u := range urls {
		if _, err := browser.Open(gctx, u, onDocument); err != nil {
			logger.Error("Failed to open page", zap.String("url", u), zap.Error(err))
			continue
		}
		opened++
	}
	if opened == 0 {
		return errors.New("no page could be opened")
	}
	logger.Info("Pages open; injecting userscripts until interrupted",
		zap.Int("pages", opened),
		zap.Int("scripts", components.Registry.Len()))

	return g.Wait()
}

// serveMetrics exposes gatherer on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("Serving metrics", zap.String("addr", addr))

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}
