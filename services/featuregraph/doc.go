// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package featuregraph turns AndroPyTool analysis records into an
// undirected feature graph and its token vocabulary.
//
// Every record contributes a subgraph rooted at its sha256. The root is
// linked to the sha1, the package name, the main activity leaf, each
// permission and each key of the feature mappings; declared components are
// linked to the root and to their intent actions. Contributions are merged
// into a global graph by a Builder, and Pipeline writes the aggregate and
// per-record results as delimiter-separated edge lists and single-row CSV
// vocabularies.
package featuregraph
