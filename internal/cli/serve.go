package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"docrag/internal/adapter/extractor"
	"docrag/internal/adapter/watcher"
	"docrag/internal/api"
	"docrag/internal/logger"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API. When watch.dir is configured, PDF files dropped into
that directory are uploaded automatically and removed afterwards.

Examples:
  ragd serve
  ragd serve --addr 127.0.0.1:9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	if err := a.extractor.CheckAvailable(); err != nil {
		// uploads fail until it is installed; searches still work
		logger.Warn("%v\n%s", err, extractor.InstallInstructions())
	}

	router := api.SetupRouter(cfg.Server, a.svc, cfg.MaxUploadBytes())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(gctx, cfg.Server, router)
	})
	if cfg.Watch.Dir != "" {
		inbox := watcher.NewInbox(cfg.Watch.Dir, cfg.Watch.Debounce, a.docs.Accepts, a.svc)
		g.Go(func() error {
			return inbox.Run(gctx)
		})
	}
	return g.Wait()
}
