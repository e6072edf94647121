package main

import (
	"fmt"
	"net/http"

	"github.com/cuemby/pgstore/pkg/conglomerate"
	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/log"
	"github.com/cuemby/pgstore/pkg/metrics"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve <data-dir>",
	Short: "Open a conglomerate and serve its Prometheus metrics until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		readOnly, _ := cmd.Flags().GetBool("read-only")

		opts := engine.DefaultOptions(args[0])
		opts.ReadOnly = readOnly

		c, err := conglomerate.Open(opts)
		if err != nil {
			return fmt.Errorf("open conglomerate: %w", err)
		}
		defer c.Close()

		metrics.CurrentCommitID.Set(float64(c.CommitID()))

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())

		log.Info(fmt.Sprintf("serving metrics on %s", metricsAddr))
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
		return http.ListenAndServe(metricsAddr, mux)
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address to serve /metrics on")
	serveCmd.Flags().Bool("read-only", true, "open without acquiring the process-exclusive write lock")
}
