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
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDelimiter is the edge list delimiter used by the configuration
// defaults. Feature tokens routinely contain commas, spaces and semicolons.
const DefaultDelimiter = "~_~_~"

// maxEdgeLineBytes bounds a single edge list line when reading.
const maxEdgeLineBytes = 1 << 20

// =============================================================================
// Edge List
// =============================================================================

// ValidateDelimiter checks that every edge of g can be written with
// delimiter and read back unambiguously.
//
// # Description
//
// A token must not contain the delimiter or a line break. In addition the
// joined line of every edge must contain the delimiter exactly once, at the
// boundary: "act~_" and "VIEW" joined by "~_~" read back as "act" and
// "_~VIEW". Both orientations are checked because a merged graph may keep
// the opposite orientation of a subgraph.
//
// # Outputs
//
//   - error: ErrEmptyDelimiter, or ErrDelimiterCollision naming the first
//     offending token or edge.
func ValidateDelimiter(g *Graph, delimiter string) error {
	if delimiter == "" {
		return ErrEmptyDelimiter
	}
	if strings.ContainsAny(delimiter, "\r\n") {
		return fmt.Errorf("%w: delimiter %q", ErrDelimiterCollision, delimiter)
	}
	for id := range g.nodes {
		if strings.Contains(id, delimiter) || strings.ContainsAny(id, "\r\n") {
			return fmt.Errorf("%w: %q", ErrDelimiterCollision, id)
		}
	}
	for _, e := range g.Edges() {
		if !splitsAtBoundary(e.From, e.To, delimiter) || !splitsAtBoundary(e.To, e.From, delimiter) {
			return fmt.Errorf("%w: edge %q - %q", ErrDelimiterCollision, e.From, e.To)
		}
	}
	return nil
}

// splitsAtBoundary reports whether from+delimiter+to holds a single
// delimiter occurrence, right after from.
func splitsAtBoundary(from, to, delimiter string) bool {
	line := from + delimiter + to
	return strings.Index(line, delimiter) == len(from) && strings.LastIndex(line, delimiter) == len(from)
}

// EncodeEdgeList writes one "from<delimiter>to" line per edge, ordered by
// (from, to). An empty graph writes nothing.
func EncodeEdgeList(w io.Writer, g *Graph, delimiter string) error {
	if err := ValidateDelimiter(g, delimiter); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for _, e := range g.Edges() {
		if _, err := bw.WriteString(e.From + delimiter + e.To + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteEdgeList writes g to path as an edge list. The file is replaced
// atomically; parent directories are created as needed.
//
// # Inputs
//
//   - g: Graph to write. May be empty, which produces an empty file.
//   - path: Destination file.
//   - delimiter: Token separator. Required; must not occur in any token.
//
// # Outputs
//
//   - error: ErrEmptyDelimiter, ErrDelimiterCollision, or an I/O error.
func WriteEdgeList(g *Graph, path, delimiter string) error {
	if err := ValidateDelimiter(g, delimiter); err != nil {
		return err
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		return EncodeEdgeList(w, g, delimiter)
	})
}

// DecodeEdgeList parses an edge list produced by EncodeEdgeList. Blank lines
// are ignored.
func DecodeEdgeList(r io.Reader, delimiter string) (*Graph, error) {
	if delimiter == "" {
		return nil, ErrEmptyDelimiter
	}
	g := NewGraph()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEdgeLineBytes)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSuffix(sc.Text(), "\r")
		if text == "" {
			continue
		}
		parts := strings.Split(text, delimiter)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: line %d", ErrMalformedEdgeLine, line)
		}
		g.AddEdge(parts[0], parts[1])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read edge list: %w", err)
	}
	return g, nil
}

// ReadEdgeList loads the edge list at path.
func ReadEdgeList(path, delimiter string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeEdgeList(f, delimiter)
}

// =============================================================================
// Vocabulary
// =============================================================================

// EncodeVocabulary writes tokens as a single CSV row. Fields are quoted
// when they contain commas, quotes or line breaks. No tokens writes nothing.
func EncodeVocabulary(w io.Writer, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(tokens); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// WriteVocabulary writes the deduplicated, sorted tokens of v to path as a
// single CSV row. An empty vocabulary produces an empty file.
func WriteVocabulary(v *Vocabulary, path string) error {
	var tokens []string
	if v != nil {
		tokens = v.Unique()
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		return EncodeVocabulary(w, tokens)
	})
}

// ReadVocabulary loads a vocabulary file written by WriteVocabulary.
func ReadVocabulary(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	row, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return row, nil
}

// =============================================================================
// Helpers
// =============================================================================

// writeFileAtomic writes through a temporary file in the destination
// directory and renames it into place.
func writeFileAtomic(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
