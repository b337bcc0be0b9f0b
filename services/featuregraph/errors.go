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
	"errors"
	"fmt"
)

// Sentinel errors for record loading, graph construction and serialization.
var (
	// Record errors
	ErrSchemaViolation = errors.New("record is missing Pre_static_analysis.sha256")
	ErrMalformedRecord = errors.New("record is not a valid JSON object")
	ErrUnsafeRootID    = errors.New("root id cannot be used as a file name")

	// Serialization errors
	ErrEmptyDelimiter     = errors.New("edge list delimiter must not be empty")
	ErrDelimiterCollision = errors.New("token contains the edge list delimiter or a newline")
	ErrMalformedEdgeLine  = errors.New("edge list line does not hold exactly two tokens")
)

// RecordError ties a record-level failure to the file it came from.
type RecordError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *RecordError) Unwrap() error {
	return e.Err
}
