package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/edgelesssys/go-sgx-qvl/internal/server"
	"github.com/edgelesssys/go-sgx-qvl/verification"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the verification API",
		Long: `Serve the verification API.

POST a quote to /v1/verify, either raw as application/octet-stream or base64 encoded as text/plain.
Metrics are served at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := prometheus.NewRegistry()
			if err := verification.RegisterMetrics(reg); err != nil {
				return err
			}
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			client, err := c.pcsClient()
			if err != nil {
				return err
			}
			verifier := verification.New(client,
				verification.WithTrustRoot(c.trustRoot),
				verification.WithClock(c.clock),
				verification.WithLogger(c.log.With("component", "verifier")),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(verifier, reg, c.cfg.Server.ReadTimeout, c.log.With("component", "server"))
			return srv.ListenAndServe(ctx, c.cfg.Server.Address)
		},
	}
}
