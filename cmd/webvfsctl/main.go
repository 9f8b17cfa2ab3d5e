// Command webvfsctl is an operator CLI over the Block Store and Snapshot
// Engine: the core library never ships one itself, since the embedding
// application is expected to provide its own tooling, but an operator tool
// exercising the public surface is useful ambient tooling to ship
// alongside the core regardless.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/npiesco/absurder-sql/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "webvfsctl",
	Short: "Inspect and manage absurder-sql databases outside the browser",
	Long: `webvfsctl operates directly on a database's bbolt-backed block
store: inspecting metadata, exporting a byte-identical snapshot, or
importing one, without going through a browser tab or SQL engine.`,
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "./absurder-sql-data", "Directory holding the database's bbolt file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(serveMetricsCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve the Prometheus metrics endpoint for local inspection",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		http.Handle("/metrics", promhttp.Handler())
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", addr)
		return http.ListenAndServe(addr, nil)
	},
}

func init() {
	serveMetricsCmd.Flags().String("addr", "127.0.0.1:9090", "Address to serve /metrics on")
}
