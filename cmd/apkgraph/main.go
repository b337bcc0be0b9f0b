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
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/apkgraph/cmd/apkgraph/config"
	"github.com/AleutianAI/apkgraph/pkg/ux"
)

// current is the environment set up by the root pre-run hook.
var current *app

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the command line and returns the process exit code.
func execute(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)

	if current != nil {
		current.Close(context.WithoutCancel(ctx))
		current = nil
	}
	if err != nil {
		ux.NewPrinter(os.Stdout, os.Stderr, ux.DetectMode(os.Stderr, jsonOutput)).Error(err.Error())
	}
	return exitCode(err)
}

func setupApp(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), globalOptions{
		ConfigPath:      configPath,
		LogLevel:        logLevel,
		LogDir:          logDir,
		JSON:            jsonOutput,
		MetricsTextfile: metricsTextfile,
	}, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	current = a
	return nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	report, _, err := current.extract(cmd.Context(), firstArg(args))
	if err != nil {
		return err
	}
	return extractOutcome(report)
}

func runGraph(cmd *cobra.Command, args []string) error {
	report, err := current.graph(cmd.Context(), args)
	if err != nil {
		return err
	}
	return graphOutcome(report)
}

func runAll(cmd *cobra.Command, args []string) error {
	return current.run(cmd.Context(), firstArg(args))
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	return current.listLedger(cmd.Context(), ledgerRunID)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := firstArg(args)
	if path == "" {
		path = config.DefaultFileName
	}
	if err := config.WriteDefault(path, forceInit); err != nil {
		return err
	}
	ux.NewPrinter(os.Stdout, os.Stderr, ux.DetectMode(os.Stdout, jsonOutput)).Success("Wrote " + path)
	return nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
