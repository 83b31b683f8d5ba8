// Package main provides the nornicqe CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nornicqe",
		Short: "nornicqe - Graph query execution engine with Bolt support",
		Long: `nornicqe runs Cypher queries against a Badger-backed graph store
and serves them to Neo4j drivers over the Bolt protocol.

Features:
  • Neo4j Bolt protocol (4.0 - 4.4) with explicit and implicit transactions
  • Snapshot, read committed and read uncommitted isolation
  • Multiple databases with replicated CREATE/DROP DATABASE
  • SHOW / TERMINATE TRANSACTIONS
  • BEFORE/AFTER COMMIT triggers and unique constraints
  • Per-query memory limits`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nornicqe v%s (%s)\n", version, commit)
		},
	})

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Bolt server",
		Long:  "Start the Bolt server and the HTTP API (transactions, /metrics and the replica endpoint)",
		RunE:  runServe,
	}
	serveCmd.Flags().Int("bolt-port", 0, "Bolt protocol port (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().Bool("in-memory", false, "Keep all data in memory")
	serveCmd.Flags().Bool("no-auth", false, "Disable authentication")
	rootCmd.AddCommand(serveCmd)

	// Shell command (interactive Cypher REPL)
	shellCmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive Cypher shell on an embedded engine",
		Long: `Interactive Cypher shell that drives a session directly, without a server.

Statements end with a newline. BEGIN, COMMIT and ROLLBACK control explicit
transactions. Shell commands:
  :pull N    fetch N rows per batch (0 fetches everything)
  :next      fetch the next batch of the last statement
  :use DB    switch database
  :exit      quit`,
		RunE: runShell,
	}
	shellCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	shellCmd.Flags().Bool("in-memory", false, "Keep all data in memory")
	rootCmd.AddCommand(shellCmd)

	return rootCmd
}
