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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/apkgraph/cmd/apkgraph/config"
	"github.com/AleutianAI/apkgraph/pkg/logging"
	"github.com/AleutianAI/apkgraph/pkg/telemetry"
	"github.com/AleutianAI/apkgraph/pkg/ux"
	"github.com/AleutianAI/apkgraph/services/extractor"
	"github.com/AleutianAI/apkgraph/services/featuregraph"
)

// globalOptions are the persistent flag values. Non-empty values override
// the config file.
type globalOptions struct {
	ConfigPath      string
	LogLevel        string
	LogDir          string
	JSON            bool
	MetricsTextfile string
}

// app is the per-invocation environment shared by the commands.
type app struct {
	cfg      config.Config
	logger   *logging.Logger
	printer  *ux.Printer
	runtime  extractor.RuntimeClient
	shutdown func(context.Context) error
}

// newApp loads the configuration and sets up logging, telemetry and the
// container runtime client.
//
// # Outputs
//
//   - *app: Ready to run stages. Close must be called.
//   - error: A usage error for a bad config file or log level, or a
//     telemetry setup failure.
func newApp(ctx context.Context, opts globalOptions, stdout, stderr *os.File) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, usageError(err)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogDir != "" {
		cfg.Logging.Dir = opts.LogDir
	}
	if opts.JSON {
		cfg.Logging.JSON = true
	}
	if opts.MetricsTextfile != "" {
		cfg.MetricsTextfile = opts.MetricsTextfile
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, usageError(err)
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "apkgraph",
		JSON:    cfg.Logging.JSON,
		Output:  stderr,
	})
	slog.SetDefault(logger.Slog())
	logger.Debug("Configuration loaded",
		"path", opts.ConfigPath,
		"runtime", cfg.Extraction.Runtime,
		"image", cfg.Extraction.Image,
		"workers", cfg.Extraction.Workers,
	)

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		printer:  ux.NewPrinter(stdout, stderr, ux.DetectMode(stdout, opts.JSON)),
		runtime:  extractor.NewCLIRuntime(cfg.Extraction.Runtime, logger.Slog()),
		shutdown: shutdown,
	}, nil
}

// Close writes the metrics textfile, flushes telemetry and closes the
// logger. Failures are logged only.
func (a *app) Close(ctx context.Context) {
	if path := a.cfg.MetricsTextfile; path != "" {
		if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
			a.logger.Error("Failed to write metrics textfile", "path", path, "error", err)
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			a.logger.Error("Failed to shut down telemetry", "error", err)
		}
	}
	_ = a.logger.Close()
}

// =============================================================================
// Stages
// =============================================================================

// extract runs the extraction stage over inputDir, or the configured input
// directory when empty, and prints its summary.
//
// # Outputs
//
//   - *extractor.ExtractionReport: Nil when a stage-level check failed.
//   - string: The directory the records were written to.
//   - error: Stage-level failure or cancellation. Item failures are only
//     reported; see extractOutcome.
func (a *app) extract(ctx context.Context, inputDir string) (*extractor.ExtractionReport, string, error) {
	ecfg := a.cfg.ExtractorConfig(inputDir)
	if ecfg.InputDir == "" {
		return nil, "", usageError(errors.New("no input directory: pass one or set extraction.input_dir"))
	}

	logger := a.logger.With("stage", "extract")
	opts := []extractor.Option{extractor.WithLogger(logger.Slog())}
	if a.cfg.Ledger.Enabled {
		ledger, err := a.openLedger()
		if err != nil {
			return nil, "", err
		}
		defer ledger.Close()
		opts = append(opts, extractor.WithLedger(ledger))
	}

	orch, err := extractor.NewOrchestrator(ecfg, a.runtime, opts...)
	if err != nil {
		return nil, "", usageError(err)
	}
	outputDir := orch.Config().OutputDir

	a.printer.Title("Extracting " + ecfg.InputDir)
	report, err := orch.Extract(ctx)
	if report != nil {
		if report.Total == 0 {
			a.printer.Warning("No artifacts found in " + ecfg.InputDir)
		}
		a.printer.Summary(extractSummary(report, outputDir))
	}
	return report, outputDir, err
}

// graph builds the feature graph from dirs. Without dirs it falls back to
// graph.record_dirs, then to the extraction output directory.
func (a *app) graph(ctx context.Context, dirs []string) (*featuregraph.BuildReport, error) {
	if len(dirs) == 0 {
		dirs = a.cfg.Graph.RecordDirs
	}
	if len(dirs) == 0 {
		dir := a.defaultRecordDir()
		if dir == "" {
			return nil, usageError(errors.New("no record directory: pass one or set graph.record_dirs"))
		}
		dirs = []string{dir}
	}

	pcfg := a.cfg.PipelineConfig()
	logger := a.logger.With("stage", "graph")
	logger.Debug("Resolved record directories", "dirs", dirs)
	pipeline, err := featuregraph.NewPipeline(pcfg, logger.Slog())
	if err != nil {
		return nil, usageError(err)
	}

	a.printer.Title("Building feature graph")
	report, err := pipeline.Run(ctx, dirs...)
	if err != nil {
		return nil, err
	}
	if report.Records == 0 {
		a.printer.Warning("No records found in " + strings.Join(dirs, ", "))
	}
	a.printer.Summary(graphSummary(report, pcfg))
	return report, nil
}

// run extracts inputDir and builds the graph from what was harvested. Item
// failures in either stage do not stop the other.
func (a *app) run(ctx context.Context, inputDir string) error {
	extracted, outputDir, err := a.extract(ctx, inputDir)
	if err != nil {
		return err
	}
	built, err := a.graph(ctx, []string{outputDir})
	if err != nil {
		return err
	}
	return errors.Join(extractOutcome(extracted), graphOutcome(built))
}

// listLedger prints the ledger entries of runID, or of every run.
func (a *app) listLedger(ctx context.Context, runID string) error {
	ledger, err := a.openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	entries, err := ledger.List(ctx, runID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		a.printer.Info("No ledger entries")
		return nil
	}
	for _, e := range entries {
		a.printer.Info(formatLedgerEntry(e, a.printer.Mode()))
	}
	return nil
}

func (a *app) openLedger() (*extractor.BadgerLedger, error) {
	cfg := extractor.LedgerConfig{Path: a.cfg.Ledger.Dir}
	if a.cfg.Logging.Level == "debug" {
		cfg.Logger = a.logger.Slog().With("component", "ledger")
	}
	ledger, err := extractor.OpenLedger(cfg)
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

func (a *app) defaultRecordDir() string {
	if a.cfg.Extraction.OutputDir != "" {
		return a.cfg.Extraction.OutputDir
	}
	if a.cfg.Extraction.InputDir != "" {
		out, _ := extractor.DefaultLayout(a.cfg.Extraction.InputDir)
		return out
	}
	return ""
}

// =============================================================================
// Outcomes
// =============================================================================

func extractOutcome(r *extractor.ExtractionReport) error {
	if r == nil || r.Failed == 0 {
		return nil
	}
	return partialError(fmt.Errorf("%d of %d artifacts failed extraction", r.Failed, r.Total))
}

func graphOutcome(r *featuregraph.BuildReport) error {
	if r == nil || r.Failed == 0 {
		return nil
	}
	return partialError(fmt.Errorf("%d of %d records were skipped", r.Failed, r.Records))
}

func formatLedgerEntry(e extractor.LedgerEntry, mode ux.Mode) string {
	if mode == ux.ModeMachine {
		return fmt.Sprintf("ENTRY: run_id=%s index=%d status=%s reason=%s exit_code=%d artifact=%s",
			e.RunID, e.Index, e.Status, e.Reason, e.ExitCode, e.Artifact)
	}
	reason := e.Reason
	if reason == "" {
		reason = "-"
	}
	return fmt.Sprintf("%s  %4d  %-9s  %-18s  %s", e.RunID, e.Index, e.Status, reason, e.Artifact)
}
