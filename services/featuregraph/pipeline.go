// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package featuregraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/apkgraph/pkg/telemetry"
)

// ErrNoOutputPath is returned by NewPipeline when an aggregate output path
// is missing.
var ErrNoOutputPath = errors.New("edge list and vocabulary paths are required")

// =============================================================================
// Configuration
// =============================================================================

// PipelineConfig configures one full directory pass.
type PipelineConfig struct {
	// EdgeListPath receives the aggregate edge list.
	EdgeListPath string

	// VocabularyPath receives the aggregate vocabulary CSV.
	VocabularyPath string

	// SubgraphDir receives one edge list per record, named by root id.
	// Empty disables per-record subgraph output.
	SubgraphDir string

	// SubvocabularyDir receives one "<root id>.csv" per record. Empty
	// disables per-record vocabulary output.
	SubvocabularyDir string

	// Delimiter separates the two tokens of an edge list line.
	Delimiter string

	// Options are passed to BuildContribution.
	Options Options
}

// BuildReport summarises a pipeline pass.
type BuildReport struct {
	// Records is the number of record files found.
	Records int

	// Built is the number of records merged into the global graph.
	Built int

	// Failed is the number of records skipped.
	Failed int

	// Failures holds one entry per skipped record, in load order.
	Failures []*RecordError

	// Nodes, Edges and Tokens describe the aggregate outputs. Tokens counts
	// unique vocabulary entries.
	Nodes  int
	Edges  int
	Tokens int

	Duration time.Duration
}

// FailuresByReason counts failures by their sentinel cause. Failures that do
// not match a known sentinel are counted under "io".
func (r *BuildReport) FailuresByReason() map[string]int {
	out := make(map[string]int)
	for _, f := range r.Failures {
		out[failureReason(f.Err)]++
	}
	return out
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSchemaViolation):
		return "schema_violation"
	case errors.Is(err, ErrMalformedRecord):
		return "malformed_record"
	case errors.Is(err, ErrDelimiterCollision):
		return "delimiter_collision"
	case errors.Is(err, ErrUnsafeRootID):
		return "unsafe_root_id"
	default:
		return "io"
	}
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline turns directories of analysis records into the aggregate and
// per-record graph and vocabulary files.
type Pipeline struct {
	cfg    PipelineConfig
	logger *slog.Logger
}

// NewPipeline validates cfg and returns a Pipeline.
//
// # Outputs
//
//   - *Pipeline: Ready to Run.
//   - error: ErrEmptyDelimiter or ErrNoOutputPath.
func NewPipeline(cfg PipelineConfig, logger *slog.Logger) (*Pipeline, error) {
	if cfg.Delimiter == "" {
		return nil, ErrEmptyDelimiter
	}
	if strings.ContainsAny(cfg.Delimiter, "\r\n") {
		return nil, fmt.Errorf("%w: delimiter %q", ErrDelimiterCollision, cfg.Delimiter)
	}
	if cfg.EdgeListPath == "" || cfg.VocabularyPath == "" {
		return nil, ErrNoOutputPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, logger: logger}, nil
}

// Run performs one full pass over the record files in dirs.
//
// # Description
//
// Record files are collected from every directory and processed in sorted
// path order. Per-record output directories are emptied first. A record that
// cannot be loaded, lacks its sha256, holds a token that collides with the
// delimiter, or whose root id is not a safe file name is reported in
// BuildReport.Failures and contributes nothing. The aggregate files are
// written after every record has been processed, even when all of them
// failed.
//
// # Inputs
//
//   - ctx: Cancellation aborts the pass before the aggregate files are
//     written.
//   - dirs: One or more record directories.
//
// # Outputs
//
//   - *BuildReport: Per-pass counts and failures.
//   - error: Stage-level failures only (missing directory, output I/O,
//     cancellation).
func (p *Pipeline) Run(ctx context.Context, dirs ...string) (*BuildReport, error) {
	ctx, span := startBuildSpan(ctx, len(dirs))
	defer span.End()

	report, err := p.run(ctx, dirs)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	setBuildSpanResult(span, report)
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, dirs []string) (*BuildReport, error) {
	start := time.Now()

	paths, err := collectRecordFiles(dirs)
	if err != nil {
		return nil, err
	}

	if err := p.resetOutputDirs(); err != nil {
		return nil, err
	}

	report := &BuildReport{Records: len(paths)}
	builder := NewBuilder(p.cfg.Options)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.processRecord(builder, path); err != nil {
			rerr := &RecordError{Path: path, Err: err}
			report.Failures = append(report.Failures, rerr)
			report.Failed++
			p.logger.Warn("Skipping record", "path", path, "error", err)
			recordRecordFailure(ctx, failureReason(err))
			continue
		}
		report.Built++
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := WriteEdgeList(builder.Graph(), p.cfg.EdgeListPath, p.cfg.Delimiter); err != nil {
		return nil, fmt.Errorf("write edge list: %w", err)
	}
	if err := WriteVocabulary(builder.Vocabulary(), p.cfg.VocabularyPath); err != nil {
		return nil, fmt.Errorf("write vocabulary: %w", err)
	}

	report.Nodes = builder.Graph().NodeCount()
	report.Edges = builder.Graph().EdgeCount()
	report.Tokens = len(builder.Vocabulary().Unique())
	report.Duration = time.Since(start)

	recordBuildMetrics(ctx, report)

	p.logger.Info("Feature graph built",
		"records", report.Records,
		"built", report.Built,
		"failed", report.Failed,
		"nodes", report.Nodes,
		"edges", report.Edges,
		"tokens", report.Tokens,
		"duration", report.Duration,
	)
	return report, nil
}

// processRecord loads one record, writes its per-record outputs and merges
// it. Nothing is merged unless every check and write succeeds.
func (p *Pipeline) processRecord(builder *Builder, path string) error {
	rec, err := LoadRecord(path)
	if err != nil {
		return err
	}
	c, err := BuildContribution(rec, builder.Options())
	if err != nil {
		return err
	}
	if err := ValidateDelimiter(c.Subgraph, p.cfg.Delimiter); err != nil {
		return err
	}
	if !safeFileName(c.RootID) {
		return fmt.Errorf("%w: %q", ErrUnsafeRootID, c.RootID)
	}

	if p.cfg.SubgraphDir != "" {
		out := filepath.Join(p.cfg.SubgraphDir, c.RootID)
		if err := WriteEdgeList(c.Subgraph, out, p.cfg.Delimiter); err != nil {
			return fmt.Errorf("write subgraph: %w", err)
		}
	}
	if p.cfg.SubvocabularyDir != "" {
		out := filepath.Join(p.cfg.SubvocabularyDir, c.RootID+".csv")
		if err := WriteVocabulary(c.Vocabulary, out); err != nil {
			return fmt.Errorf("write subvocabulary: %w", err)
		}
	}

	builder.Merge(c)
	return nil
}

// resetOutputDirs empties and recreates the per-record output directories.
func (p *Pipeline) resetOutputDirs() error {
	for _, dir := range []string{p.cfg.SubgraphDir, p.cfg.SubvocabularyDir} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("reset %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// collectRecordFiles lists the regular, non-hidden files of every directory,
// sorted by path.
func collectRecordFiles(dirs []string) ([]string, error) {
	var paths []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read record directory: %w", err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(paths)
	return slices.Compact(paths), nil
}

// safeFileName reports whether id can be used unchanged as a file name.
func safeFileName(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00")
}
