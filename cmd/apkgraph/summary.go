// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/AleutianAI/apkgraph/pkg/ux"
	"github.com/AleutianAI/apkgraph/services/extractor"
	"github.com/AleutianAI/apkgraph/services/featuregraph"
)

func extractSummary(r *extractor.ExtractionReport, outputDir string) ux.Summary {
	return ux.Summary{
		Name:  "extract",
		Title: "Extraction",
		Stats: []ux.Stat{
			{Key: "total", Label: "Artifacts", Value: r.Total},
			{Key: "succeeded", Label: "Succeeded", Value: r.Succeeded, Tone: ux.ToneGood},
			{Key: "failed", Label: "Failed", Value: r.Failed, Tone: ux.ToneBad},
			{Key: "records", Label: "Records", Value: len(r.Records())},
		},
		Failures: r.FailuresByReason(),
		Details: [][2]string{
			{"run_id", r.RunID},
			{"output", outputDir},
		},
	}
}

func graphSummary(r *featuregraph.BuildReport, cfg featuregraph.PipelineConfig) ux.Summary {
	s := ux.Summary{
		Name:  "graph",
		Title: "Feature graph",
		Stats: []ux.Stat{
			{Key: "records", Label: "Records", Value: r.Records},
			{Key: "built", Label: "Built", Value: r.Built, Tone: ux.ToneGood},
			{Key: "failed", Label: "Skipped", Value: r.Failed, Tone: ux.ToneBad},
			{Key: "nodes", Label: "Nodes", Value: r.Nodes},
			{Key: "edges", Label: "Edges", Value: r.Edges},
			{Key: "tokens", Label: "Tokens", Value: r.Tokens},
		},
		Failures: r.FailuresByReason(),
		Details: [][2]string{
			{"edge_list", cfg.EdgeListPath},
			{"vocabulary", cfg.VocabularyPath},
		},
	}
	if cfg.SubgraphDir != "" {
		s.Details = append(s.Details, [2]string{"subgraphs", cfg.SubgraphDir})
	}
	return s
}
