// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/apkgraph/pkg/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Defaults for the AndroPyTool analysis image.
const (
	DefaultImage        = "alexmyg/andropytool"
	DefaultMountPath    = "/apks/"
	DefaultResultSubdir = "Features_files"
	DefaultResultMarker = "analysis.json"
	DefaultWorkers      = 4
)

// DefaultCommand is the analysis command template.
var DefaultCommand = []string{"-s", MountPlaceholder, "-f"}

// =============================================================================
// Configuration
// =============================================================================

// Config configures one extraction run.
type Config struct {
	// InputDir holds the artifacts. Required.
	InputDir string

	// OutputDir receives harvested records. Defaults to "features" next to
	// InputDir.
	OutputDir string

	// ScratchDir holds the per-item workspaces and is removed after the run.
	// Defaults to "tmp" next to InputDir.
	ScratchDir string

	// Workers bounds the number of concurrent containers. Must be >= 1.
	Workers int

	Image        string
	Command      []string
	MountPath    string
	ResultSubdir string
	ResultMarker string

	// LaunchRate limits container starts per second. Zero means unlimited.
	LaunchRate float64

	// RunTimeout bounds one container run. Zero means no timeout.
	RunTimeout time.Duration
}

// DefaultConfig returns a Config for inputDir with AndroPyTool defaults.
func DefaultConfig(inputDir string) Config {
	out, scratch := DefaultLayout(inputDir)
	return Config{
		InputDir:     inputDir,
		OutputDir:    out,
		ScratchDir:   scratch,
		Workers:      DefaultWorkers,
		Image:        DefaultImage,
		Command:      append([]string(nil), DefaultCommand...),
		MountPath:    DefaultMountPath,
		ResultSubdir: DefaultResultSubdir,
		ResultMarker: DefaultResultMarker,
	}
}

// normalize fills unset fields and validates the rest.
func (c Config) normalize() (Config, error) {
	if c.Workers < 1 {
		return c, fmt.Errorf("%w: got %d", ErrInvalidWorkerCount, c.Workers)
	}
	if c.InputDir == "" {
		return c, fmt.Errorf("%w: no input directory configured", ErrInputDirMissing)
	}
	if c.LaunchRate < 0 {
		return c, fmt.Errorf("launch rate must not be negative: %v", c.LaunchRate)
	}
	out, scratch := DefaultLayout(c.InputDir)
	if c.OutputDir == "" {
		c.OutputDir = out
	}
	if c.ScratchDir == "" {
		c.ScratchDir = scratch
	}
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if len(c.Command) == 0 {
		c.Command = append([]string(nil), DefaultCommand...)
	}
	if c.MountPath == "" {
		c.MountPath = DefaultMountPath
	}
	if c.ResultSubdir == "" {
		c.ResultSubdir = DefaultResultSubdir
	}
	if c.ResultMarker == "" {
		c.ResultMarker = DefaultResultMarker
	}
	return c, nil
}

// =============================================================================
// Orchestrator
// =============================================================================

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLedger journals every run's item outcomes to l.
func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) {
		o.ledger = l
	}
}

// Orchestrator runs the analysis image over every artifact of a directory.
//
// # Thread Safety
//
// Extract may be called concurrently only with distinct scratch and output
// directories.
type Orchestrator struct {
	cfg     Config
	runtime RuntimeClient
	ledger  Ledger
	logger  *slog.Logger
	now     func() time.Time
}

// NewOrchestrator validates cfg and returns an Orchestrator.
//
// # Outputs
//
//   - *Orchestrator: Ready to Extract.
//   - error: ErrInvalidWorkerCount, ErrInputDirMissing or an invalid launch
//     rate.
func NewOrchestrator(cfg Config, runtime RuntimeClient, opts ...Option) (*Orchestrator, error) {
	if runtime == nil {
		return nil, errors.New("runtime client is required")
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:     cfg,
		runtime: runtime,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the normalized configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Extract analyses every artifact in the input directory.
//
// # Description
//
// The runtime and image are checked before anything is written, so a
// stage-level failure leaves the filesystem untouched. Artifacts are then
// enumerated in name order and the i-th one is analysed in workspace
// "<scratch>/tmp<i>". Up to Workers items run at once. Item failures are
// collected in the report and never cancel siblings. The scratch root is
// removed once every item has finished.
//
// # Inputs
//
//   - ctx: Cancelling it fails the items that have not finished.
//
// # Outputs
//
//   - *ExtractionReport: Per-item outcomes in artifact order. Non-nil
//     whenever the stage checks passed.
//   - error: ErrInputDirMissing, ErrRuntimeUnavailable, ErrImagePullFailure,
//     a filesystem error creating the output directories, or ctx.Err() when
//     the run was cancelled.
//
// # Examples
//
//	orch, _ := extractor.NewOrchestrator(extractor.DefaultConfig("/data/apks"),
//	    extractor.NewCLIRuntime("docker", logger))
//	report, err := orch.Extract(ctx)
func (o *Orchestrator) Extract(ctx context.Context) (*ExtractionReport, error) {
	start := o.now()
	runID := newRunID()

	ctx, span := tracer.Start(ctx, "Orchestrator.Extract",
		trace.WithAttributes(
			attribute.String("extract.run_id", runID),
			attribute.Int("extract.workers", o.cfg.Workers),
			attribute.String("extract.image", o.cfg.Image),
		),
	)
	defer span.End()

	logger := o.logger.With("run_id", runID)

	info, err := os.Stat(o.cfg.InputDir)
	if err != nil || !info.IsDir() {
		err = fmt.Errorf("%w: %s", ErrInputDirMissing, o.cfg.InputDir)
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := o.runtime.EnsureAvailable(ctx); err != nil {
		if !errors.Is(err, ErrRuntimeUnavailable) {
			err = fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		}
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := o.runtime.EnsureImage(ctx, o.cfg.Image); err != nil {
		if !errors.Is(err, ErrImagePullFailure) {
			err = fmt.Errorf("%w: %v", ErrImagePullFailure, err)
		}
		telemetry.RecordError(span, err)
		return nil, err
	}

	artifacts, err := listArtifacts(o.cfg.InputDir)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := os.MkdirAll(o.cfg.OutputDir, 0755); err != nil {
		err = fmt.Errorf("create output directory: %w", err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := os.MkdirAll(o.cfg.ScratchDir, 0755); err != nil {
		err = fmt.Errorf("create scratch directory: %w", err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(o.cfg.ScratchDir); err != nil {
			logger.Warn("Failed to remove scratch directory", "path", o.cfg.ScratchDir, "error", err)
		}
	}()

	items := planWorkItems(artifacts, o.cfg.ScratchDir)
	logger.Info("Starting extraction",
		"artifacts", len(items),
		"workers", o.cfg.Workers,
		"image", o.cfg.Image,
	)

	var limiter *rate.Limiter
	if o.cfg.LaunchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.cfg.LaunchRate), 1)
	}

	results := make([]ItemResult, len(items))
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, item := range items {
		g.Go(func() error {
			results[i] = o.processItem(ctx, logger, limiter, runID, item)
			return nil
		})
	}
	_ = g.Wait()

	report := &ExtractionReport{
		RunID: runID,
		Total: len(items),
		Items: results,
	}
	for _, r := range results {
		if r.Succeeded() {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	report.Duration = o.now().Sub(start)

	runDuration.Observe(report.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("extract.total", report.Total),
		attribute.Int("extract.succeeded", report.Succeeded),
		attribute.Int("extract.failed", report.Failed),
	)

	if o.ledger != nil {
		entries := make([]LedgerEntry, 0, len(results))
		finished := o.now()
		for _, r := range results {
			entries = append(entries, newLedgerEntry(runID, r, finished))
		}
		if err := o.ledger.Record(context.WithoutCancel(ctx), entries); err != nil {
			logger.Warn("Failed to record extraction ledger", "error", err)
		}
	}

	logger.Info("Extraction finished",
		"total", report.Total,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	for reason, n := range report.FailuresByReason() {
		logger.Warn("Extraction failures", "reason", reason, "count", n)
	}

	if err := ctx.Err(); err != nil {
		telemetry.RecordError(span, err)
		return report, err
	}
	return report, nil
}

// processItem runs one work item end to end. The workspace is removed on
// every path.
func (o *Orchestrator) processItem(ctx context.Context, logger *slog.Logger, limiter *rate.Limiter, runID string, item WorkItem) (res ItemResult) {
	start := o.now()
	res = ItemResult{WorkItem: item}

	workersBusy.Inc()
	defer func() {
		workersBusy.Dec()
		if err := os.RemoveAll(item.Workspace); err != nil {
			logger.Warn("Failed to remove workspace", "workspace", item.Workspace, "error", err)
		}
		res.Duration = o.now().Sub(start)
		itemDuration.Observe(res.Duration.Seconds())
		if res.Err != nil {
			res.Reason = classifyFailure(res.Err)
			itemsTotal.WithLabelValues("failed", res.Reason).Inc()
			logger.Warn("Extraction item failed",
				"artifact", item.Artifact,
				"reason", res.Reason,
				"error", res.Err,
			)
		} else {
			itemsTotal.WithLabelValues("succeeded", "").Inc()
			logger.Debug("Extraction item succeeded",
				"artifact", item.Artifact,
				"records", len(res.Records),
				"duration", res.Duration,
			)
		}
	}()

	fail := func(err error) ItemResult {
		res.Err = &ItemError{Artifact: item.Artifact, Err: err}
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := stageArtifact(item); err != nil {
		return fail(err)
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fail(err)
		}
	}

	runCtx := ctx
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	result, err := o.runtime.Run(runCtx, RunSpec{
		Image:     o.cfg.Image,
		Command:   o.cfg.Command,
		Workspace: item.Workspace,
		MountPath: o.cfg.MountPath,
		Name:      containerName(runID, item.Index),
	})
	if err != nil {
		if !errors.Is(err, ErrRuntimeInvocation) {
			err = fmt.Errorf("%w: %w", ErrRuntimeInvocation, err)
		}
		return fail(err)
	}
	if result != nil {
		res.ExitCode = result.ExitCode
	}
	if res.ExitCode != 0 {
		containerExits.WithLabelValues(strconv.Itoa(res.ExitCode)).Inc()
		logger.Warn("Analysis exited non-zero",
			"artifact", item.Artifact,
			"exit_code", res.ExitCode,
		)
	}

	records, err := harvestRecords(item.Workspace, o.cfg.ResultSubdir, o.cfg.ResultMarker, o.cfg.OutputDir)
	res.Records = records
	if err != nil {
		return fail(err)
	}
	return res
}

// containerName is unique per run and item, so an interrupted container can
// be removed by name.
func containerName(runID string, index int) string {
	return fmt.Sprintf("apkgraph-%s-%d", runID, index)
}

// newRunID returns a time-ordered run id, falling back to a random one.
func newRunID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
