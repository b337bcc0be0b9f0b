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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type pipelineFixture struct {
	root  string
	cfg   PipelineConfig
	input string
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	root := t.TempDir()
	input := filepath.Join(root, "features")
	require.NoError(t, os.MkdirAll(input, 0755))

	return &pipelineFixture{
		root:  root,
		input: input,
		cfg: PipelineConfig{
			EdgeListPath:     filepath.Join(root, "out", "graph.edgelist"),
			VocabularyPath:   filepath.Join(root, "out", "vocabulary.csv"),
			SubgraphDir:      filepath.Join(root, "out", "subgraphs"),
			SubvocabularyDir: filepath.Join(root, "out", "subvocabularies"),
			Delimiter:        DefaultDelimiter,
		},
	}
}

func (f *pipelineFixture) writeRecord(t *testing.T, name string, doc map[string]any) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(f.input, name), data, 0644))
}

func recordDoc(sha256 string, perms ...any) map[string]any {
	return map[string]any{
		SectionPreStatic: map[string]any{FieldSHA256: sha256},
		SectionStatic:    map[string]any{FieldPermissions: perms},
	}
}

// recordSpans routes the package tracer to an in-memory recorder for the
// duration of the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := tracer
	tracer = tp.Tracer("test")
	t.Cleanup(func() { tracer = prev })
	return recorder
}

func TestNewPipeline_Validation(t *testing.T) {
	f := newPipelineFixture(t)

	cfg := f.cfg
	cfg.Delimiter = ""
	_, err := NewPipeline(cfg, nil)
	assert.ErrorIs(t, err, ErrEmptyDelimiter)

	cfg = f.cfg
	cfg.Delimiter = "a\nb"
	_, err = NewPipeline(cfg, nil)
	assert.ErrorIs(t, err, ErrDelimiterCollision)

	cfg = f.cfg
	cfg.VocabularyPath = ""
	_, err = NewPipeline(cfg, nil)
	assert.ErrorIs(t, err, ErrNoOutputPath)

	p, err := NewPipeline(f.cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestPipeline_Run(t *testing.T) {
	f := newPipelineFixture(t)
	f.writeRecord(t, "b-analysis.json", recordDoc("rootB", "p.SHARED", "p.B"))
	f.writeRecord(t, "a-analysis.json", recordDoc("rootA", "p.SHARED"))
	f.writeRecord(t, "c-analysis.json", map[string]any{SectionPreStatic: map[string]any{}})
	require.NoError(t, os.WriteFile(filepath.Join(f.input, "d-analysis.json"), []byte("{broken"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.input, ".hidden"), []byte("{}"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(f.input, "subdir"), 0755))

	// A stale per-record output must not survive the pass.
	require.NoError(t, os.MkdirAll(f.cfg.SubgraphDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.SubgraphDir, "stale"), nil, 0644))

	p, err := NewPipeline(f.cfg, nil)
	require.NoError(t, err)

	report, err := p.Run(context.Background(), f.input)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Records)
	assert.Equal(t, 2, report.Built)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, filepath.Join(f.input, "c-analysis.json"), report.Failures[0].Path)
	assert.ErrorIs(t, report.Failures[0], ErrSchemaViolation)
	assert.ErrorIs(t, report.Failures[1], ErrMalformedRecord)
	assert.Equal(t, map[string]int{"schema_violation": 1, "malformed_record": 1}, report.FailuresByReason())

	assert.Equal(t, 4, report.Nodes)
	assert.Equal(t, 3, report.Edges)
	assert.Equal(t, 2, report.Tokens)

	g, err := ReadEdgeList(f.cfg.EdgeListPath, DefaultDelimiter)
	require.NoError(t, err)
	assert.True(t, g.HasEdge("rootA", "p.SHARED"))
	assert.True(t, g.HasEdge("rootB", "p.SHARED"))
	assert.True(t, g.HasEdge("rootB", "p.B"))

	vocab, err := ReadVocabulary(f.cfg.VocabularyPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"p.B", "p.SHARED"}, vocab)

	subgraphs, err := os.ReadDir(f.cfg.SubgraphDir)
	require.NoError(t, err)
	var names []string
	for _, e := range subgraphs {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"rootA", "rootB"}, names)

	sub, err := ReadEdgeList(filepath.Join(f.cfg.SubgraphDir, "rootB"), DefaultDelimiter)
	require.NoError(t, err)
	assert.Equal(t, 2, sub.EdgeCount())
	assert.False(t, sub.HasNode("rootA"))

	subVocab, err := ReadVocabulary(filepath.Join(f.cfg.SubvocabularyDir, "rootA.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"p.SHARED"}, subVocab)
}

func TestPipeline_RunMultipleDirectories(t *testing.T) {
	f := newPipelineFixture(t)
	f.writeRecord(t, "one.json", recordDoc("r1", "p.X"))

	second := filepath.Join(f.root, "more")
	require.NoError(t, os.MkdirAll(second, 0755))
	data, err := json.Marshal(recordDoc("r2", "p.Y"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(second, "two.json"), data, 0644))

	p, err := NewPipeline(f.cfg, nil)
	require.NoError(t, err)

	report, err := p.Run(context.Background(), f.input, second)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Built)
	assert.Equal(t, 2, report.Edges)
}

func TestPipeline_RecordFailuresDoNotPoisonGraph(t *testing.T) {
	f := newPipelineFixture(t)
	f.writeRecord(t, "good.json", recordDoc("good", "p.OK"))
	f.writeRecord(t, "collide.json", recordDoc("bad", "p~_~_~SPLIT"))
	f.writeRecord(t, "boundary.json", recordDoc("bnd~_~_", "~VIEW"))
	f.writeRecord(t, "unsafe.json", recordDoc("../escape", "p.ESCAPE"))

	p, err := NewPipeline(f.cfg, nil)
	require.NoError(t, err)

	report, err := p.Run(context.Background(), f.input)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Built)
	assert.Equal(t, map[string]int{"delimiter_collision": 2, "unsafe_root_id": 1}, report.FailuresByReason())

	g, err := ReadEdgeList(f.cfg.EdgeListPath, DefaultDelimiter)
	require.NoError(t, err)
	assert.Equal(t, []string{"good", "p.OK"}, g.Nodes())

	_, err = os.Stat(filepath.Join(f.root, "out", "escape"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPipeline_RunWithoutPerRecordOutput(t *testing.T) {
	f := newPipelineFixture(t)
	f.cfg.SubgraphDir = ""
	f.cfg.SubvocabularyDir = ""
	f.writeRecord(t, "one.json", recordDoc("r1", "p.X"))

	p, err := NewPipeline(f.cfg, nil)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), f.input)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(f.root, "out", "subgraphs"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPipeline_RunEmptyDirectory(t *testing.T) {
	f := newPipelineFixture(t)
	p, err := NewPipeline(f.cfg, nil)
	require.NoError(t, err)

	report, err := p.Run(context.Background(), f.input)
	require.NoError(t, err)
	assert.Zero(t, report.Records)

	data, err := os.ReadFile(f.cfg.EdgeListPath)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestPipeline_RunMissingDirectory(t *testing.T) {
	f := newPipelineFixture(t)
	p, err := NewPipeline(f.cfg, nil)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), filepath.Join(f.root, "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = os.Stat(f.cfg.EdgeListPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPipeline_RunCancelled(t *testing.T) {
	f := newPipelineFixture(t)
	f.writeRecord(t, "one.json", recordDoc("r1", "p.X"))

	p, err := NewPipeline(f.cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Run(ctx, f.input)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(f.cfg.EdgeListPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPipeline_RunSpanStatus(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		recorder := recordSpans(t)
		f := newPipelineFixture(t)
		f.writeRecord(t, "one.json", recordDoc("r1", "p.X"))
		p, err := NewPipeline(f.cfg, nil)
		require.NoError(t, err)

		_, err = p.Run(context.Background(), f.input)
		require.NoError(t, err)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "Pipeline.Run", spans[0].Name())
		assert.NotEqual(t, codes.Error, spans[0].Status().Code)
	})

	t.Run("missing directory", func(t *testing.T) {
		recorder := recordSpans(t)
		f := newPipelineFixture(t)
		p, err := NewPipeline(f.cfg, nil)
		require.NoError(t, err)

		_, err = p.Run(context.Background(), filepath.Join(f.root, "nope"))
		require.Error(t, err)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status().Code)
		assert.NotEmpty(t, spans[0].Events())
	})

	t.Run("cancelled", func(t *testing.T) {
		recorder := recordSpans(t)
		f := newPipelineFixture(t)
		f.writeRecord(t, "one.json", recordDoc("r1", "p.X"))
		p, err := NewPipeline(f.cfg, nil)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = p.Run(ctx, f.input)
		require.ErrorIs(t, err, context.Canceled)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status().Code)
		assert.Equal(t, context.Canceled.Error(), spans[0].Status().Description)
	})
}
