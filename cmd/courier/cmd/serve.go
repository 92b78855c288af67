package cmd

import (
	"github.com/opd-ai/courier/api"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the courier with its local HTTP API",
	Long: `Run a long-lived courier. The outbox left by a previous run is restored
and resubmitted, the push channel is consumed and, when [api] is enabled, the
HTTP sidecar exposes message operations and prometheus metrics.

Use Ctrl+C to stop. Messages still queued are written to the outbox.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "API listen address (overrides api.addr and enables the API)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.courier.Start(ctx); err != nil {
		_ = a.courier.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled || serveAddr != "" {
		addr := cfg.API.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		srv := api.NewServer(a.courier, api.Options{Addr: addr, Gatherer: a.registry})
		g.Go(func() error { return srv.Serve(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logrus.WithFields(logrus.Fields{
		"function": "runServe",
		"backend":  cfg.Storage.Backend,
		"push":     cfg.Push.Kind,
	}).Info("Courier serving")

	serveErr := g.Wait()
	if err := a.courier.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "runServe",
			"error":    err.Error(),
		}).Error("Shutdown incomplete")
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}
