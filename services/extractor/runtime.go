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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// MountPlaceholder in a command template is replaced by the mount path.
const MountPlaceholder = "{mount}"

// removeTimeout bounds the forced removal of an interrupted container.
const removeTimeout = 30 * time.Second

// Exit codes the docker and podman CLIs reserve for their own failures.
const (
	exitRuntimeError   = 125
	exitCannotInvoke   = 126
	exitCommandMissing = 127
)

// =============================================================================
// Interfaces
// =============================================================================

// RuntimeClient is the narrow capability the orchestrator needs from a
// container runtime. Implementations must be safe for concurrent use.
type RuntimeClient interface {
	// EnsureAvailable checks that the runtime can be reached.
	//
	// # Outputs
	//
	//   - error: Wraps ErrRuntimeUnavailable on failure.
	EnsureAvailable(ctx context.Context) error

	// EnsureImage makes image available locally, pulling it if needed.
	//
	// # Outputs
	//
	//   - error: Wraps ErrImagePullFailure on failure.
	EnsureImage(ctx context.Context, image string) error

	// Run starts one container, blocks until it exits and removes it.
	//
	// # Outputs
	//
	//   - *RunResult: Exit status and captured output. Non-zero exits of the
	//     analysis tool itself are reported here, not as errors.
	//   - error: Wraps ErrRuntimeInvocation when the runtime could not run
	//     the container.
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}

// CommandRunner executes a command and returns its stdout. A non-zero exit
// must surface as an error that unwraps to something with ExitCode() int.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// =============================================================================
// Types
// =============================================================================

// RunSpec describes one container run.
type RunSpec struct {
	// Image is the analysis image reference.
	Image string

	// Command is passed after the image. MountPlaceholder is replaced by
	// MountPath.
	Command []string

	// Workspace is the host directory bind-mounted read-write.
	Workspace string

	// MountPath is where Workspace appears inside the container.
	MountPath string

	// Name is the container name. When set, a run interrupted by ctx
	// force-removes the container so it stops writing to Workspace.
	Name string
}

// RunResult is the outcome of a container that actually ran.
type RunResult struct {
	ExitCode int
	Output   []byte
}

// =============================================================================
// CLI Runtime
// =============================================================================

// CLIRuntime implements RuntimeClient by shelling out to a docker-compatible
// CLI. It holds no mutable state and is safe for concurrent use.
type CLIRuntime struct {
	binary string
	runner CommandRunner
	logger *slog.Logger
}

// NewCLIRuntime creates a CLIRuntime for binary ("docker" or "podman").
//
// # Examples
//
//	rt := extractor.NewCLIRuntime("docker", logger)
//	if err := rt.EnsureAvailable(ctx); err != nil {
//	    return err
//	}
func NewCLIRuntime(binary string, logger *slog.Logger) *CLIRuntime {
	return NewCLIRuntimeWithRunner(binary, &execRunner{}, logger)
}

// NewCLIRuntimeWithRunner creates a CLIRuntime with an injected runner.
func NewCLIRuntimeWithRunner(binary string, runner CommandRunner, logger *slog.Logger) *CLIRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRuntime{binary: binary, runner: runner, logger: logger}
}

// Binary returns the CLI the runtime invokes.
func (r *CLIRuntime) Binary() string { return r.binary }

// EnsureAvailable runs "<binary> info".
func (r *CLIRuntime) EnsureAvailable(ctx context.Context) error {
	if _, err := r.runner.Run(ctx, r.binary, "info"); err != nil {
		return fmt.Errorf("%w: %s info: %v", ErrRuntimeUnavailable, r.binary, err)
	}
	return nil
}

// EnsureImage inspects image and pulls it when it is not present.
func (r *CLIRuntime) EnsureImage(ctx context.Context, image string) error {
	if _, err := r.runner.Run(ctx, r.binary, "image", "inspect", image); err == nil {
		return nil
	}
	r.logger.Info("Pulling analysis image", "image", image, "runtime", r.binary)
	if _, err := r.runner.Run(ctx, r.binary, "pull", image); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImagePullFailure, image, err)
	}
	return nil
}

// Run executes "<binary> run --rm -v <workspace>:<mount>:rw <image> <cmd>".
//
// # Description
//
// Cancelling ctx only kills the CLI client; the container keeps running.
// For a named spec Run therefore issues "<binary> rm -f <name>" before it
// returns, so the caller may remove the workspace safely.
func (r *CLIRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	args, err := RunArgs(spec)
	if err != nil {
		return nil, err
	}

	out, err := r.runner.Run(ctx, r.binary, args...)
	if err == nil {
		return &RunResult{ExitCode: 0, Output: out}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		r.removeContainer(ctx, spec.Name)
		return nil, fmt.Errorf("%w: %w", ErrRuntimeInvocation, ctxErr)
	}

	var exitErr interface{ ExitCode() int }
	if !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeInvocation, err)
	}
	code := exitErr.ExitCode()
	switch code {
	case exitRuntimeError, exitCannotInvoke, exitCommandMissing:
		return nil, fmt.Errorf("%w: exit status %d: %v", ErrRuntimeInvocation, code, err)
	}
	return &RunResult{ExitCode: code, Output: out}, nil
}

// removeContainer force-removes name, detached from ctx's cancellation.
func (r *CLIRuntime) removeContainer(ctx context.Context, name string) {
	if name == "" {
		return
	}
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()

	if _, err := r.runner.Run(rmCtx, r.binary, "rm", "-f", name); err != nil {
		r.logger.Warn("Failed to remove interrupted container",
			"container", name,
			"runtime", r.binary,
			"error", err,
		)
		return
	}
	r.logger.Debug("Removed interrupted container", "container", name)
}

// RunArgs builds the CLI arguments for spec.
//
// # Outputs
//
//   - []string: Arguments following the runtime binary.
//   - error: When a RunSpec field is empty or the workspace path cannot be
//     made absolute.
func RunArgs(spec RunSpec) ([]string, error) {
	if spec.Image == "" || spec.Workspace == "" || spec.MountPath == "" {
		return nil, fmt.Errorf("%w: image, workspace and mount path are required", ErrRuntimeInvocation)
	}
	abs, err := filepath.Abs(spec.Workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	args := []string{"run", "--rm"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	args = append(args, "-v", abs+":"+spec.MountPath+":rw", spec.Image)
	for _, c := range spec.Command {
		args = append(args, strings.ReplaceAll(c, MountPlaceholder, spec.MountPath))
	}
	return args, nil
}

// execRunner runs commands with os/exec, folding stderr into the error.
type execRunner struct{}

func (e *execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return stdout.Bytes(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

var _ RuntimeClient = (*CLIRuntime)(nil)
