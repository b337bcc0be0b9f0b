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
	"time"
)

// Failure reason categories.
const (
	ReasonSourceMissing     = "source_missing"
	ReasonRuntimeInvocation = "runtime_invocation"
	ReasonRecordMissing     = "record_missing"
	ReasonCancelled         = "cancelled"
	ReasonIO                = "io"
)

// ItemResult is the outcome of one WorkItem.
type ItemResult struct {
	WorkItem

	// Records are the harvested record paths in the output directory.
	Records []string

	// ExitCode of the analysis container, when it ran.
	ExitCode int

	// Err is nil on success.
	Err error

	// Reason is the failure category, empty on success.
	Reason string

	Duration time.Duration
}

// Succeeded reports whether the item produced at least one record.
func (r ItemResult) Succeeded() bool {
	return r.Err == nil
}

// ExtractionReport summarises one Extract call. Items are in artifact
// order regardless of completion order.
type ExtractionReport struct {
	RunID     string
	Total     int
	Succeeded int
	Failed    int
	Items     []ItemResult
	Duration  time.Duration
}

// Failures returns the failed items in artifact order.
func (r *ExtractionReport) Failures() []ItemResult {
	var out []ItemResult
	for _, it := range r.Items {
		if !it.Succeeded() {
			out = append(out, it)
		}
	}
	return out
}

// FailuresByReason counts failed items per reason category.
func (r *ExtractionReport) FailuresByReason() map[string]int {
	out := make(map[string]int)
	for _, it := range r.Items {
		if !it.Succeeded() {
			out[it.Reason]++
		}
	}
	return out
}

// Records returns every harvested record path in artifact order.
func (r *ExtractionReport) Records() []string {
	var out []string
	for _, it := range r.Items {
		out = append(out, it.Records...)
	}
	return out
}

// classifyFailure maps an item error to its reason category.
func classifyFailure(err error) string {
	switch {
	case errors.Is(err, ErrSourceMissing):
		return ReasonSourceMissing
	case errors.Is(err, ErrRecordMissing):
		return ReasonRecordMissing
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, ErrRuntimeInvocation):
		return ReasonRuntimeInvocation
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	default:
		return ReasonIO
	}
}
