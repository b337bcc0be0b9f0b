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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// WorkItem is one artifact and the scratch workspace it is analysed in.
type WorkItem struct {
	Index     int
	Artifact  string
	Workspace string
}

// DefaultLayout returns the output and scratch directories used when none
// are configured: "features" and "tmp" next to the input directory.
func DefaultLayout(inputDir string) (outputDir, scratchDir string) {
	parent := filepath.Dir(filepath.Clean(inputDir))
	return filepath.Join(parent, "features"), filepath.Join(parent, "tmp")
}

// WorkspacePath returns the workspace of the index-th artifact.
func WorkspacePath(scratchDir string, index int) string {
	return filepath.Join(scratchDir, fmt.Sprintf("tmp%d", index))
}

// listArtifacts returns the regular files of dir sorted by name.
func listArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrInputDirMissing, dir)
		}
		return nil, fmt.Errorf("read input directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	slices.Sort(out)
	return out, nil
}

// planWorkItems assigns workspaces in artifact order.
func planWorkItems(artifacts []string, scratchDir string) []WorkItem {
	items := make([]WorkItem, len(artifacts))
	for i, a := range artifacts {
		items[i] = WorkItem{Index: i, Artifact: a, Workspace: WorkspacePath(scratchDir, i)}
	}
	return items
}

// stageArtifact recreates the workspace and copies the artifact into it.
func stageArtifact(item WorkItem) error {
	if err := os.RemoveAll(item.Workspace); err != nil {
		return fmt.Errorf("clear workspace: %w", err)
	}
	if err := os.MkdirAll(item.Workspace, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	dst := filepath.Join(item.Workspace, filepath.Base(item.Artifact))
	if err := copyFile(item.Artifact, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, item.Artifact)
		}
		return fmt.Errorf("stage artifact: %w", err)
	}
	return nil
}

// harvestRecords copies every file in <workspace>/<subdir> whose name
// contains marker into outputDir and returns the copied paths in name order.
func harvestRecords(workspace, subdir, marker, outputDir string) ([]string, error) {
	resultDir := filepath.Join(workspace, subdir)
	entries, err := os.ReadDir(resultDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no %s directory", ErrRecordMissing, subdir)
		}
		return nil, fmt.Errorf("read results: %w", err)
	}

	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.Contains(e.Name(), marker) {
			continue
		}
		dst := filepath.Join(outputDir, e.Name())
		if err := copyFile(filepath.Join(resultDir, e.Name()), dst); err != nil {
			for _, copied := range out {
				_ = os.Remove(copied)
			}
			return nil, fmt.Errorf("harvest %s: %w", e.Name(), err)
		}
		out = append(out, dst)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no file matching %q", ErrRecordMissing, marker)
	}
	return out, nil
}

// copyFile copies src to dst through a temporary file in dst's directory.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, dst)
}
