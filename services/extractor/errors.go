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
)

// Stage-level errors abort Extract before any work is submitted.
var (
	ErrRuntimeUnavailable = errors.New("container runtime is unavailable")
	ErrImagePullFailure   = errors.New("analysis image could not be pulled")
	ErrInvalidWorkerCount = errors.New("worker count must be at least 1")
	ErrInputDirMissing    = errors.New("input directory does not exist")
)

// Item-level errors fail only the artifact they occurred on.
var (
	ErrSourceMissing     = errors.New("artifact disappeared before staging")
	ErrRuntimeInvocation = errors.New("container runtime failed to run the analysis")
	ErrRecordMissing     = errors.New("analysis produced no record")
)

// ItemError ties an item-level failure to its artifact.
type ItemError struct {
	Artifact string
	Err      error
}

// Error implements the error interface.
func (e *ItemError) Error() string {
	return fmt.Sprintf("artifact %s: %v", e.Artifact, e.Err)
}

// Unwrap returns the underlying error.
func (e *ItemError) Unwrap() error {
	return e.Err
}
