// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/apkgraph/pkg/telemetry"
	"github.com/AleutianAI/apkgraph/services/extractor"
	"github.com/AleutianAI/apkgraph/services/featuregraph"
)

// DefaultFileName is the config file looked up when --config is not given.
const DefaultFileName = "apkgraph.yaml"

// Config is the full apkgraph configuration file.
type Config struct {
	// Extraction: how the analysis image is run over the artifacts
	Extraction ExtractionConfig `yaml:"extraction"`

	// Graph: where the feature graph and vocabularies are written
	Graph GraphConfig `yaml:"graph"`

	// Ledger: optional journal of extraction outcomes
	Ledger LedgerConfig `yaml:"ledger"`

	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// MetricsTextfile: when set, Prometheus metrics are written here on exit
	// in node-exporter textfile format
	MetricsTextfile string `yaml:"metrics_textfile,omitempty"`
}

type ExtractionConfig struct {
	Runtime      string        `yaml:"runtime" validate:"required,oneof=docker podman"`
	InputDir     string        `yaml:"input_dir,omitempty"`
	OutputDir    string        `yaml:"output_dir,omitempty"`  // default: <input>/../features
	ScratchDir   string        `yaml:"scratch_dir,omitempty"` // default: <input>/../tmp
	Workers      int           `yaml:"workers" validate:"gte=1"`
	Image        string        `yaml:"image" validate:"required"`
	Command      []string      `yaml:"command" validate:"min=1"`
	MountPath    string        `yaml:"mount_path" validate:"required,startswith=/"`
	ResultSubdir string        `yaml:"result_subdir" validate:"required"`
	ResultMarker string        `yaml:"result_marker" validate:"required"`
	LaunchRate   float64       `yaml:"launch_rate" validate:"gte=0"` // containers per second, 0 = unlimited
	RunTimeout   time.Duration `yaml:"run_timeout" validate:"gte=0"` // 0 = none
}

type GraphConfig struct {
	RecordDirs       []string          `yaml:"record_dirs,omitempty"`
	EdgeList         string            `yaml:"edge_list" validate:"required"`
	Vocabulary       string            `yaml:"vocabulary" validate:"required"`
	SubgraphDir      string            `yaml:"subgraph_dir,omitempty"`
	SubvocabularyDir string            `yaml:"subvocabulary_dir,omitempty"`
	Delimiter        string            `yaml:"delimiter" validate:"required"`
	IncludeStrings   bool              `yaml:"include_strings"`
	Prefixes         map[string]string `yaml:"prefixes,omitempty"`
}

type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration written by "config init".
func DefaultConfig() Config {
	return Config{
		Extraction: ExtractionConfig{
			Runtime:      "docker",
			Workers:      extractor.DefaultWorkers,
			Image:        extractor.DefaultImage,
			Command:      append([]string(nil), extractor.DefaultCommand...),
			MountPath:    extractor.DefaultMountPath,
			ResultSubdir: extractor.DefaultResultSubdir,
			ResultMarker: extractor.DefaultResultMarker,
		},
		Graph: GraphConfig{
			EdgeList:         "graph/feature_graph.edgelist",
			Vocabulary:       "graph/feature_vocabulary.csv",
			SubgraphDir:      "graph/subgraphs",
			SubvocabularyDir: "graph/subvocabularies",
			Delimiter:        featuregraph.DefaultDelimiter,
		},
		Ledger: LedgerConfig{
			Dir: "~/.apkgraph/ledger",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// ExtractorConfig converts the extraction section for inputDir. An empty
// inputDir falls back to the configured one.
func (c Config) ExtractorConfig(inputDir string) extractor.Config {
	if inputDir == "" {
		inputDir = c.Extraction.InputDir
	}
	e := c.Extraction
	return extractor.Config{
		InputDir:     inputDir,
		OutputDir:    e.OutputDir,
		ScratchDir:   e.ScratchDir,
		Workers:      e.Workers,
		Image:        e.Image,
		Command:      append([]string(nil), e.Command...),
		MountPath:    e.MountPath,
		ResultSubdir: e.ResultSubdir,
		ResultMarker: e.ResultMarker,
		LaunchRate:   e.LaunchRate,
		RunTimeout:   e.RunTimeout,
	}
}

// PipelineConfig converts the graph section.
func (c Config) PipelineConfig() featuregraph.PipelineConfig {
	g := c.Graph
	return featuregraph.PipelineConfig{
		EdgeListPath:     g.EdgeList,
		VocabularyPath:   g.Vocabulary,
		SubgraphDir:      g.SubgraphDir,
		SubvocabularyDir: g.SubvocabularyDir,
		Delimiter:        g.Delimiter,
		Options: featuregraph.Options{
			Prefixes:       g.Prefixes,
			IncludeStrings: g.IncludeStrings,
		},
	}
}
