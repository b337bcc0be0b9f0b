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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// =============================================================================
// Fake runtime
// =============================================================================

// fakeRuntime stands in for a container runtime. By default Run behaves
// like the analysis image: it writes one record per staged artifact into
// <workspace>/Features_files.
type fakeRuntime struct {
	availableErr error
	imageErr     error
	runFunc      func(ctx context.Context, spec RunSpec) (*RunResult, error)

	mu    sync.Mutex
	specs []RunSpec
	calls []string
}

func (f *fakeRuntime) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRuntime) EnsureAvailable(ctx context.Context) error {
	f.record("available")
	return f.availableErr
}

func (f *fakeRuntime) EnsureImage(ctx context.Context, image string) error {
	f.record("image")
	return f.imageErr
}

func (f *fakeRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	f.record("run")
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.runFunc != nil {
		return f.runFunc(ctx, spec)
	}
	return analyse(spec)
}

func (f *fakeRuntime) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

// analyse writes "<artifact>-analysis.json" for every staged file.
func analyse(spec RunSpec) (*RunResult, error) {
	entries, err := os.ReadDir(spec.Workspace)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(spec.Workspace, DefaultResultSubdir)
	if err := os.MkdirAll(out, 0755); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".apk") + "-analysis.json"
		doc := fmt.Sprintf(`{"Pre_static_analysis": {"sha256": %q}}`, e.Name())
		if err := os.WriteFile(filepath.Join(out, name), []byte(doc), 0644); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(filepath.Join(out, "log.txt"), []byte("noise"), 0644); err != nil {
		return nil, err
	}
	return &RunResult{ExitCode: 0}, nil
}

// stagedArtifact returns the single non-directory file in a workspace.
func stagedArtifact(workspace string) ([]string, error) {
	entries, err := os.ReadDir(workspace)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// =============================================================================
// Fixtures
// =============================================================================

type fixture struct {
	root    string
	input   string
	output  string
	scratch string
}

func newFixture(t *testing.T, artifacts ...string) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		root:    root,
		input:   filepath.Join(root, "apks"),
		output:  filepath.Join(root, "features"),
		scratch: filepath.Join(root, "tmp"),
	}
	require.NoError(t, os.MkdirAll(f.input, 0755))
	for _, a := range artifacts {
		require.NoError(t, os.WriteFile(filepath.Join(f.input, a), []byte("apk:"+a), 0644))
	}
	return f
}

func (f *fixture) config(workers int) Config {
	cfg := DefaultConfig(f.input)
	cfg.Workers = workers
	return cfg
}

func (f *fixture) outputNames(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.output)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func newTestOrchestrator(t *testing.T, cfg Config, rt RuntimeClient, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(cfg, rt, opts...)
	require.NoError(t, err)
	return o
}

// =============================================================================
// Tests
// =============================================================================

func TestDefaultConfig_Layout(t *testing.T) {
	cfg := DefaultConfig("/data/apks/")
	assert.Equal(t, "/data/features", cfg.OutputDir)
	assert.Equal(t, "/data/tmp", cfg.ScratchDir)
	assert.Equal(t, DefaultImage, cfg.Image)
	assert.Equal(t, []string{"-s", "{mount}", "-f"}, cfg.Command)
	assert.Equal(t, "/apks/", cfg.MountPath)
}

func TestNewOrchestrator_Validation(t *testing.T) {
	rt := &fakeRuntime{}

	_, err := NewOrchestrator(Config{InputDir: "/x", Workers: 0}, rt)
	assert.ErrorIs(t, err, ErrInvalidWorkerCount)

	_, err = NewOrchestrator(Config{InputDir: "/x", Workers: -2}, rt)
	assert.ErrorIs(t, err, ErrInvalidWorkerCount)

	_, err = NewOrchestrator(Config{Workers: 1}, rt)
	assert.ErrorIs(t, err, ErrInputDirMissing)

	_, err = NewOrchestrator(Config{InputDir: "/x", Workers: 1, LaunchRate: -1}, rt)
	assert.Error(t, err)

	_, err = NewOrchestrator(Config{InputDir: "/x", Workers: 1}, nil)
	assert.Error(t, err)

	o, err := NewOrchestrator(Config{InputDir: "/data/apks", Workers: 1}, rt)
	require.NoError(t, err)
	assert.Equal(t, "/data/features", o.Config().OutputDir)
	assert.Equal(t, DefaultResultMarker, o.Config().ResultMarker)
}

func TestExtract_AllSucceed(t *testing.T) {
	f := newFixture(t, "b.apk", "a.apk", "c.apk")
	require.NoError(t, os.MkdirAll(filepath.Join(f.input, "nested"), 0755))
	rt := &fakeRuntime{}

	report, err := newTestOrchestrator(t, f.config(2), rt).Extract(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.NotEmpty(t, report.RunID)
	assert.Empty(t, report.FailuresByReason())

	require.Len(t, report.Items, 3)
	for i, name := range []string{"a.apk", "b.apk", "c.apk"} {
		item := report.Items[i]
		assert.Equal(t, i, item.Index)
		assert.Equal(t, filepath.Join(f.input, name), item.Artifact)
		assert.Equal(t, filepath.Join(f.scratch, fmt.Sprintf("tmp%d", i)), item.Workspace)
		assert.Len(t, item.Records, 1)
	}

	assert.Equal(t, []string{"a-analysis.json", "b-analysis.json", "c-analysis.json"}, f.outputNames(t))
	assert.Len(t, report.Records(), 3)

	_, err = os.Stat(f.scratch)
	assert.ErrorIs(t, err, os.ErrNotExist, "scratch root removed")
}

func TestExtract_PartialFailure(t *testing.T) {
	artifacts := []string{"1.apk", "2.apk", "3.apk", "4.apk", "5.apk"}
	f := newFixture(t, artifacts...)
	rt := &fakeRuntime{
		runFunc: func(ctx context.Context, spec RunSpec) (*RunResult, error) {
			names, err := stagedArtifact(spec.Workspace)
			if err != nil {
				return nil, err
			}
			if len(names) == 1 && names[0] == "3.apk" {
				return nil, fmt.Errorf("%w: daemon error", ErrRuntimeInvocation)
			}
			return analyse(spec)
		},
	}

	report, err := newTestOrchestrator(t, f.config(2), rt).Extract(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 4, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, map[string]int{ReasonRuntimeInvocation: 1}, report.FailuresByReason())

	failed := report.Failures()
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Index)
	assert.ErrorIs(t, failed[0].Err, ErrRuntimeInvocation)

	var itemErr *ItemError
	require.ErrorAs(t, failed[0].Err, &itemErr)
	assert.Equal(t, filepath.Join(f.input, "3.apk"), itemErr.Artifact)

	assert.Equal(t, []string{"1-analysis.json", "2-analysis.json", "4-analysis.json", "5-analysis.json"}, f.outputNames(t))

	_, err = os.Stat(f.scratch)
	assert.ErrorIs(t, err, os.ErrNotExist, "workspaces cleaned even after failure")
}

func TestExtract_WorkspaceIsolation(t *testing.T) {
	const workers = 2
	f := newFixture(t, "a.apk", "b.apk", "c.apk", "d.apk")

	var inFlight, maxInFlight atomic.Int32
	var mu sync.Mutex
	seen := map[string][]string{}

	rt := &fakeRuntime{
		runFunc: func(ctx context.Context, spec RunSpec) (*RunResult, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}

			// Give the sibling worker a chance to stage its artifact.
			deadline := time.Now().Add(2 * time.Second)
			for inFlight.Load() < workers && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}

			names, err := stagedArtifact(spec.Workspace)
			if err != nil {
				return nil, err
			}
			mu.Lock()
			seen[filepath.Base(spec.Workspace)] = names
			mu.Unlock()
			return analyse(spec)
		},
	}

	report, err := newTestOrchestrator(t, f.config(workers), rt).Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Succeeded)

	assert.GreaterOrEqual(t, maxInFlight.Load(), int32(2), "items ran concurrently")
	assert.LessOrEqual(t, maxInFlight.Load(), int32(workers), "pool bound respected")
	assert.Equal(t, map[string][]string{
		"tmp0": {"a.apk"},
		"tmp1": {"b.apk"},
		"tmp2": {"c.apk"},
		"tmp3": {"d.apk"},
	}, seen)
}

func TestExtract_RuntimeUnavailable(t *testing.T) {
	f := newFixture(t, "a.apk")
	rt := &fakeRuntime{availableErr: errors.New("cannot connect to the docker daemon")}

	report, err := newTestOrchestrator(t, f.config(1), rt).Extract(context.Background())
	assert.ErrorIs(t, err, ErrRuntimeUnavailable)
	assert.Nil(t, report)
	assert.Zero(t, rt.runCount())

	for _, dir := range []string{f.output, f.scratch} {
		_, statErr := os.Stat(dir)
		assert.ErrorIs(t, statErr, os.ErrNotExist, "no partial output in %s", dir)
	}
}

func TestExtract_ImagePullFailure(t *testing.T) {
	f := newFixture(t, "a.apk")
	rt := &fakeRuntime{imageErr: fmt.Errorf("%w: not found", ErrImagePullFailure)}

	_, err := newTestOrchestrator(t, f.config(1), rt).Extract(context.Background())
	assert.ErrorIs(t, err, ErrImagePullFailure)
	assert.Zero(t, rt.runCount())

	_, statErr := os.Stat(f.output)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestExtract_InputDirMissing(t *testing.T) {
	root := t.TempDir()
	rt := &fakeRuntime{}
	cfg := DefaultConfig(filepath.Join(root, "nope"))

	_, err := newTestOrchestrator(t, cfg, rt).Extract(context.Background())
	assert.ErrorIs(t, err, ErrInputDirMissing)
	assert.Empty(t, rt.calls, "runtime not contacted")
}

func TestExtract_EmptyInput(t *testing.T) {
	f := newFixture(t)
	report, err := newTestOrchestrator(t, f.config(3), &fakeRuntime{}).Extract(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Total)
	assert.Empty(t, f.outputNames(t))
}

func TestExtract_RecordMissing(t *testing.T) {
	f := newFixture(t, "a.apk", "b.apk")
	rt := &fakeRuntime{
		runFunc: func(ctx context.Context, spec RunSpec) (*RunResult, error) {
			if filepath.Base(spec.Workspace) == "tmp1" {
				return &RunResult{ExitCode: 1}, nil
			}
			return analyse(spec)
		},
	}

	report, err := newTestOrchestrator(t, f.config(1), rt).Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, map[string]int{ReasonRecordMissing: 1}, report.FailuresByReason())
	assert.Equal(t, 1, report.Items[1].ExitCode)
	assert.ErrorIs(t, report.Items[1].Err, ErrRecordMissing)
}

func TestExtract_NonZeroExitWithRecordSucceeds(t *testing.T) {
	f := newFixture(t, "a.apk")
	rt := &fakeRuntime{
		runFunc: func(ctx context.Context, spec RunSpec) (*RunResult, error) {
			if _, err := analyse(spec); err != nil {
				return nil, err
			}
			return &RunResult{ExitCode: 2}, nil
		},
	}

	report, err := newTestOrchestrator(t, f.config(1), rt).Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Items[0].ExitCode)
}

func TestExtract_SourceMissing(t *testing.T) {
	f := newFixture(t, "a.apk", "b.apk", "c.apk")

	// The first run deletes the last artifact before it is staged.
	var once sync.Once
	rt := &fakeRuntime{
		runFunc: func(ctx context.Context, spec RunSpec) (*RunResult, error) {
			once.Do(func() {
				_ = os.Remove(filepath.Join(f.input, "c.apk"))
			})
			return analyse(spec)
		},
	}

	report, err := newTestOrchestrator(t, f.config(1), rt).Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, map[string]int{ReasonSourceMissing: 1}, report.FailuresByReason())
	assert.ErrorIs(t, report.Items[2].Err, ErrSourceMissing)
	assert.Equal(t, 2, rt.runCount(), "missing artifact never reaches the runtime")
}

func TestExtract_RunSpec(t *testing.T) {
	f := newFixture(t, "a.apk")
	rt := &fakeRuntime{}
	cfg := f.config(1)
	cfg.Image = "example/analyser:1"
	cfg.MountPath = "/work/"

	report, err := newTestOrchestrator(t, cfg, rt).Extract(context.Background())
	require.NoError(t, err)

	require.Len(t, rt.specs, 1)
	spec := rt.specs[0]
	assert.Equal(t, "apkgraph-"+report.RunID+"-0", spec.Name)
	assert.Equal(t, "example/analyser:1", spec.Image)
	assert.Equal(t, "/work/", spec.MountPath)
	assert.Equal(t, filepath.Join(f.scratch, "tmp0"), spec.Workspace)
	assert.Equal(t, DefaultCommand, spec.Command)
}

func TestExtract_RunTimeout(t *testing.T) {
	f := newFixture(t, "slow.apk", "fast.apk")
	rt := &fakeRuntime{
		runFunc: func(ctx context.Context, spec RunSpec) (*RunResult, error) {
			names, _ := stagedArtifact(spec.Workspace)
			if len(names) == 1 && names[0] == "slow.apk" {
				<-ctx.Done()
				return nil, fmt.Errorf("%w: %w", ErrRuntimeInvocation, ctx.Err())
			}
			return analyse(spec)
		},
	}
	cfg := f.config(2)
	cfg.RunTimeout = 50 * time.Millisecond

	report, err := newTestOrchestrator(t, cfg, rt).Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, map[string]int{ReasonRuntimeInvocation: 1}, report.FailuresByReason())
}

func TestExtract_Cancelled(t *testing.T) {
	f := newFixture(t, "a.apk", "b.apk", "c.apk")
	ctx, cancel := context.WithCancel(context.Background())

	rt := &fakeRuntime{
		runFunc: func(runCtx context.Context, spec RunSpec) (*RunResult, error) {
			cancel()
			return analyse(spec)
		},
	}

	report, err := newTestOrchestrator(t, f.config(1), rt).Extract(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, map[string]int{ReasonCancelled: 2}, report.FailuresByReason())
}

func TestExtract_SpanStatus(t *testing.T) {
	recordSpans := func(t *testing.T) *tracetest.SpanRecorder {
		recorder := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		prev := tracer
		tracer = tp.Tracer("test")
		t.Cleanup(func() { tracer = prev })
		return recorder
	}

	t.Run("runtime unavailable", func(t *testing.T) {
		recorder := recordSpans(t)
		f := newFixture(t, "a.apk")
		rt := &fakeRuntime{availableErr: errors.New("daemon down")}

		_, err := newTestOrchestrator(t, f.config(1), rt).Extract(context.Background())
		require.ErrorIs(t, err, ErrRuntimeUnavailable)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "Orchestrator.Extract", spans[0].Name())
		assert.Equal(t, codes.Error, spans[0].Status().Code)
		require.NotEmpty(t, spans[0].Events())
		assert.Equal(t, "exception", spans[0].Events()[0].Name)
	})

	t.Run("cancelled", func(t *testing.T) {
		recorder := recordSpans(t)
		f := newFixture(t, "a.apk", "b.apk")
		ctx, cancel := context.WithCancel(context.Background())
		rt := &fakeRuntime{
			runFunc: func(runCtx context.Context, spec RunSpec) (*RunResult, error) {
				cancel()
				return analyse(spec)
			},
		}

		_, err := newTestOrchestrator(t, f.config(1), rt).Extract(ctx)
		require.ErrorIs(t, err, context.Canceled)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status().Code)
	})

	t.Run("partial failure leaves span ok", func(t *testing.T) {
		recorder := recordSpans(t)
		f := newFixture(t, "a.apk")
		rt := &fakeRuntime{
			runFunc: func(ctx context.Context, spec RunSpec) (*RunResult, error) {
				return nil, fmt.Errorf("%w: exit status 125", ErrRuntimeInvocation)
			},
		}

		report, err := newTestOrchestrator(t, f.config(1), rt).Extract(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.NotEqual(t, codes.Error, spans[0].Status().Code)
	})
}

func TestExtract_LaunchRate(t *testing.T) {
	f := newFixture(t, "a.apk", "b.apk")
	cfg := f.config(2)
	cfg.LaunchRate = 1000

	report, err := newTestOrchestrator(t, cfg, &fakeRuntime{}).Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
}

func TestExtract_WritesLedger(t *testing.T) {
	f := newFixture(t, "a.apk", "b.apk")
	rt := &fakeRuntime{
		runFunc: func(ctx context.Context, spec RunSpec) (*RunResult, error) {
			if filepath.Base(spec.Workspace) == "tmp0" {
				return nil, fmt.Errorf("%w: boom", ErrRuntimeInvocation)
			}
			return analyse(spec)
		},
	}

	ledger, err := OpenLedger(LedgerConfig{InMemory: true})
	require.NoError(t, err)
	defer ledger.Close()

	report, err := newTestOrchestrator(t, f.config(1), rt, WithLedger(ledger)).Extract(context.Background())
	require.NoError(t, err)

	entries, err := ledger.List(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.Equal(t, ReasonRuntimeInvocation, entries[0].Reason)
	assert.Contains(t, entries[0].Error, "boom")
	assert.Equal(t, StatusSucceeded, entries[1].Status)
	assert.Len(t, entries[1].Records, 1)
}
