// File: cmd/offline.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/config"
	"github.com/xkilldash9x/scriptmonkey/internal/observability"
	"github.com/xkilldash9x/scriptmonkey/internal/service"
	"github.com/xkilldash9x/scriptmonkey/internal/target/gojadom"
)

type offlineOptions struct {
	url         string
	pageScripts bool
	hostBridge  bool
	timeout     time.Duration
	menus       bool
}

func newOfflineCmd() *cobra.Command {
	var opts offlineOptions
	offlineCmd := &cobra.Command{
		Use:   "offline <url|file>",
		Short: "Run userscripts against a page in the built-in JavaScript document and print the resulting HTML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			return runOffline(cmd, cfg, args[0], opts, observability.GetLogger())
		},
	}
	offlineCmd.Flags().StringVar(&opts.url, "url", "", "document URL used for matching when reading a local file")
	offlineCmd.Flags().BoolVar(&opts.pageScripts, "page-scripts", false, "run the page's own inline scripts")
	offlineCmd.Flags().BoolVar(&opts.hostBridge, "host-bridge", false, "also expose the host bridge evaluation channel")
	offlineCmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up waiting for the idle phase after this long")
	offlineCmd.Flags().BoolVar(&opts.menus, "menus", false, "list registered menu commands on stderr")
	return offlineCmd
}

func runOffline(cmd *cobra.Command, cfg *config.Config, source string, opts offlineOptions, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	html, docURL, err := readPage(ctx, cfg.Resources, source)
	if err != nil {
		return err
	}
	if opts.url != "" {
		docURL = opts.url
	}

	components, err := service.New(ctx, cfg, logger, service.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()
	if err := components.LoadScripts(); err != nil {
		return err
	}

	doc, err := gojadom.New(gojadom.Options{
		URL:            docURL,
		HTML:           html,
		HostBridge:     opts.hostBridge,
		RunPageScripts: opts.pageScripts,
		AuxTimeout:     cfg.Injection.AuxiliaryLoadTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build document: %w", err)
	}
	defer doc.Close()

	s := components.Engine.Observe(ctx, doc)
	if err := doc.Load(ctx); err != nil {
		logger.Warn("Page load reported an error", zap.Error(err))
	}

	select {
	case <-s.Settled():
	case <-ctx.Done():
		return fmt.Errorf("waiting for userscripts: %w", ctx.Err())
	}

	if opts.menus {
		for _, m := range s.Menus() {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s\t%d\t%s\n", m.Script, m.ID, m.Caption)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), doc.HTML())
	return nil
}

// readPage loads HTML from an http(s) URL or a local file and returns it with the
// URL the document should report.
func readPage(ctx context.Context, cfg config.ResourcesConfig, source string) (string, string, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		client := resty.New().SetTimeout(cfg.FetchTimeout)
		if cfg.UserAgent != "" {
			client.SetHeader("User-Agent", cfg.UserAgent)
		}
		resp, err := client.R().SetContext(ctx).Get(source)
		if err != nil {
			return "", "", fmt.Errorf("fetch %s: %w", source, err)
		}
		if resp.IsError() {
			return "", "", fmt.Errorf("fetch %s: %s", source, resp.Status())
		}
		final := source
		if resp.RawResponse != nil && resp.RawResponse.Request != nil {
			final = resp.RawResponse.Request.URL.String()
		}
		return resp.String(), final, nil
	}

	raw, err := os.ReadFile(source)
	if err != nil {
		return "", "", err
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		return "", "", err
	}
	return string(raw), "file://" + filepath.ToSlash(abs), nil
}
