// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extractor drives a containerised static-analysis tool over a
// directory of application artifacts.
//
// Each artifact is copied into its own scratch workspace, the workspace is
// bind-mounted into a fresh container running the analysis image, and the
// analysis records the tool leaves behind are copied into the output
// directory. A bounded worker pool runs the items; one item failing never
// stops the others, and every workspace is removed on every exit path.
//
// The container runtime is reached through RuntimeClient. CLIRuntime is the
// production implementation and shells out to docker or podman.
package extractor
