package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/otto-bgp/otto-bgp/pkg/metrics"
	"github.com/otto-bgp/otto-bgp/pkg/pipeline"
	"github.com/otto-bgp/otto-bgp/pkg/server"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the read-only status HTTP server",
	Long: `Serve health probes, Prometheus metrics, and a JSON view over rollout
runs, RPKI overrides, and discovered routers. The server never mutates
anything; all writes stay in the CLI.

Endpoints: /healthz /readyz /metrics /api/v1/runs /api/v1/runs/{id}
/api/v1/runs/{id}/events /api/v1/overrides /api/v1/routers

Examples:
  otto-bgp serve
  otto-bgp serve --listen :9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		metrics.Register()

		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			scfg := p.Config().Server
			if serveListen != "" {
				scfg.Listen = serveListen
			}

			pool, err := p.DB(ctx)
			if err != nil {
				return err
			}

			srv := server.New(scfg, pool)
			if err := srv.Start(); err != nil {
				return err
			}

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default: server.listen from configuration)")
}
