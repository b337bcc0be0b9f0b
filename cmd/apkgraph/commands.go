// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// Global flags
var (
	configPath      string
	logLevel        string
	logDir          string
	jsonOutput      bool
	metricsTextfile string
)

var (
	rootCmd = &cobra.Command{
		Use:   "apkgraph",
		Short: "Extract Android app features and build a feature knowledge graph",
		Long: `apkgraph runs a static-analysis container over a directory of Android
application packages, collects one JSON analysis record per app, and merges
the records into a global feature graph with per-app subgraphs and
vocabularies.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setupApp,
	}

	extractCmd = &cobra.Command{
		Use:   "extract [input_dir]",
		Short: "Analyse every artifact in a directory with the analysis image",
		Long: `Runs the analysis image once per artifact in an isolated workspace and
moves the resulting analysis records into the output directory. The input
directory defaults to extraction.input_dir from the config file.`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: runExtract,
	}

	graphCmd = &cobra.Command{
		Use:   "graph [record_dir...]",
		Short: "Build the feature graph and vocabularies from analysis records",
		Long: `Loads every analysis record from the given directories, writes one
subgraph and vocabulary per record, and writes the merged edge list and
vocabulary. Without arguments graph.record_dirs is used, then the
extraction output directory.`,
		RunE: runGraph,
	}

	runCmd = &cobra.Command{
		Use:   "run [input_dir]",
		Short: "Extract records and build the feature graph in one pass",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE:  runAll,
	}

	ledgerCmd = &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the extraction ledger",
	}
	ledgerListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recorded extraction outcomes",
		Args:  usageArgs(cobra.NoArgs),
		RunE:  runLedgerList,
	}
	ledgerRunID string

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the apkgraph configuration file",
		// The config file may not exist yet.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE:  runConfigInit,
	}
	forceInit bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./apkgraph.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Also write JSON logs to a daily file in this directory")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Machine-readable output and JSON logs")
	rootCmd.PersistentFlags().StringVar(&metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file on exit")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerListCmd.Flags().StringVar(&ledgerRunID, "run", "", "Only list entries of this run id")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing file")
}
