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

import "strings"

// MainIntentAction is the launcher intent action. Exact matches are dropped
// before edge insertion.
const MainIntentAction = "android.intent.action.MAIN"

// DefaultStringsPrefix is prepended to keys of the Strings mapping.
const DefaultStringsPrefix = "STR-"

// =============================================================================
// Options
// =============================================================================

// Options tunes how records are turned into graph contributions.
type Options struct {
	// Prefixes maps a feature section wire name (FieldOpcodes, FieldAPICalls,
	// FieldAPIPackages, FieldSystemCommands, FieldStrings) to a prefix
	// prepended to each of its keys before insertion.
	Prefixes map[string]string

	// IncludeStrings adds the Strings mapping after the four standard
	// feature mappings. Its keys get DefaultStringsPrefix unless Prefixes
	// overrides it.
	IncludeStrings bool
}

// DefaultOptions returns options with no prefixes and Strings excluded.
func DefaultOptions() Options {
	return Options{}
}

func (o Options) featureSections() []string {
	if !o.IncludeStrings {
		return FeatureSections
	}
	return append(append([]string{}, FeatureSections...), FieldStrings)
}

func (o Options) prefixFor(section string) string {
	if p, ok := o.Prefixes[section]; ok {
		return p
	}
	if section == FieldStrings {
		return DefaultStringsPrefix
	}
	return ""
}

// =============================================================================
// Contribution
// =============================================================================

// Contribution is what one record adds to the feature graph: its subgraph,
// its vocabulary in traversal order, and its root id.
type Contribution struct {
	RootID     string
	Subgraph   *Graph
	Vocabulary *Vocabulary
}

// link adds the edge u-v to the subgraph and records v as a feature token.
func (c *Contribution) link(u, v string) {
	c.Subgraph.AddEdge(u, v)
	c.Vocabulary.Add(v)
}

// BuildContribution turns one record into its contribution without touching
// any shared state.
//
// # Description
//
// Sections are visited in a fixed order: Pre_static_analysis (sha1), then
// Static_analysis (package name, main activity, permissions, the feature
// mappings, then the component mappings). Mapping keys are visited in
// lexicographic order. The order only shapes the vocabulary before
// deduplication; the edge set and the sorted vocabulary do not depend on it.
//
// # Inputs
//
//   - rec: The record. Only its sha256 is required.
//   - opts: Prefix and section options.
//
// # Outputs
//
//   - *Contribution: Subgraph rooted at the sha256 plus the token sequence.
//   - error: ErrSchemaViolation when the sha256 is missing.
func BuildContribution(rec *Record, opts Options) (*Contribution, error) {
	root, ok := rec.SHA256()
	if !ok {
		return nil, ErrSchemaViolation
	}

	c := &Contribution{
		RootID:     root,
		Subgraph:   NewGraph(),
		Vocabulary: NewVocabulary(),
	}
	c.Subgraph.AddNode(root)

	if sha1, ok := rec.SHA1(); ok {
		c.link(root, sha1)
	}

	if !rec.HasStatic() {
		return c, nil
	}

	if pkg, ok := rec.PackageName(); ok {
		c.link(root, pkg)
	}
	if main, ok := rec.MainActivity(); ok {
		if leaf := MainActivityLeaf(main); leaf != "" {
			c.link(root, leaf)
		}
	}
	for _, perm := range rec.Permissions() {
		c.link(root, perm)
	}

	for _, section := range opts.featureSections() {
		prefix := opts.prefixFor(section)
		for _, key := range rec.FeatureKeys(section) {
			c.link(root, prefix+key)
		}
	}

	for _, section := range ComponentSections {
		for _, comp := range rec.Components(section) {
			if !comp.Declared {
				continue
			}
			c.link(root, comp.Name)
			for _, action := range comp.Actions {
				if action == MainIntentAction {
					continue
				}
				c.link(comp.Name, action)
			}
		}
	}

	return c, nil
}

// MainActivityLeaf returns the segment after the last '.', or the whole
// string when it has no '.'.
func MainActivityLeaf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// =============================================================================
// Builder
// =============================================================================

// Builder accumulates the global feature graph and vocabulary over one pass.
//
// Each pass owns its Builder; per-record work happens in BuildContribution,
// which has no side effects. Builder is NOT safe for concurrent use.
type Builder struct {
	opts    Options
	graph   *Graph
	vocab   *Vocabulary
	records int
}

// NewBuilder creates a Builder with an empty global graph and vocabulary.
func NewBuilder(opts Options) *Builder {
	return &Builder{
		opts:  opts,
		graph: NewGraph(),
		vocab: NewVocabulary(),
	}
}

// AddRecord builds rec's contribution and merges it into the global graph
// and vocabulary. On error nothing is merged.
func (b *Builder) AddRecord(rec *Record) (*Contribution, error) {
	c, err := BuildContribution(rec, b.opts)
	if err != nil {
		return nil, err
	}
	b.Merge(c)
	return c, nil
}

// Merge folds an already built contribution into the global state.
func (b *Builder) Merge(c *Contribution) {
	b.graph.Merge(c.Subgraph)
	b.vocab.Append(c.Vocabulary)
	b.records++
}

// Options returns the options the builder applies.
func (b *Builder) Options() Options { return b.opts }

// Graph returns the global graph. The caller must not mutate it while the
// builder is still in use.
func (b *Builder) Graph() *Graph { return b.graph }

// Vocabulary returns the global vocabulary.
func (b *Builder) Vocabulary() *Vocabulary { return b.vocab }

// Records returns the number of merged contributions.
func (b *Builder) Records() int { return b.records }
