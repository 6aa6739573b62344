package cmd

import (
	"context"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/liuxd6825/devtools/cmd/state"
	"github.com/liuxd6825/devtools/devtools/script"
	"github.com/liuxd6825/devtools/devtools/server"
	"github.com/liuxd6825/devtools/errext"
	"github.com/liuxd6825/devtools/errext/exitcodes"
)

type cmdServe struct {
	gs *state.GlobalState
}

func (c *cmdServe) run(cmd *cobra.Command, _ []string) error {
	conf, err := getConsolidatedConfig(c.gs, getConfig(cmd.Flags()))
	if err != nil {
		return err
	}
	printBanner(c.gs)

	logger := c.gs.Logger
	var pages []script.Page
	var simulated []*script.SimulatedPage
	if conf.Simulate.Bool {
		page := script.NewSimulatedPage(1, "Simulated page", "about:simulated",
			conf.SimulatedMarkerInterval.TimeDuration(), logger)
		pages = append(pages, page)
		simulated = append(simulated, page)
	}

	ctx, cancel := context.WithCancel(c.gs.Ctx)
	defer cancel()
	stopSignals := c.handleSignals(cancel)
	defer stopSignals()

	srv := server.New(conf.ServerConfig(), pages, logger)
	g, gctx := errgroup.WithContext(ctx)
	for _, page := range simulated {
		page := page
		g.Go(func() error { return page.Run(gctx) })
	}
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.CannotStartServer)
	}
	logger.Debug("Server stopped")
	return nil
}

// handleSignals stops the server on the first interrupt and exits right
// away on the second one.
func (c *cmdServe) handleSignals(stop func()) func() {
	sigC := make(chan os.Signal, 2)
	done := make(chan struct{})
	c.gs.SignalNotify(sigC, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigC:
			c.gs.Logger.WithField("sig", sig).Info("Stopping the server, closing every connection...")
			stop()
		case <-done:
			return
		}
		select {
		case sig := <-sigC:
			c.gs.Logger.WithField("sig", sig).Error("Aborting the graceful shutdown")
			c.gs.OSExit(int(exitcodes.ExternalAbort))
		case <-done:
		}
	}()

	return func() {
		close(done)
		c.gs.SignalStop(sigC)
	}
}

func getCmdServe(gs *state.GlobalState) *cobra.Command {
	c := &cmdServe{gs: gs}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a remote debugging server",
		Long: `Start a remote debugging server.

Debuggers connect to it and drive performance recordings of the served
pages. Timeline markers and frame ticks are streamed to every connection
with an active recording.`,
		Example: `
  # Accept length-prefixed connections on the default address
  devtools serve

  # Also accept websocket connections and expose Prometheus metrics
  devtools serve --ws-address localhost:6081 --metrics-address localhost:9090`[1:],
		Args: cobra.NoArgs,
		RunE: c.run,
	}
	serveCmd.Flags().SortFlags = false
	serveCmd.Flags().AddFlagSet(configFlagSet())
	return serveCmd
}
