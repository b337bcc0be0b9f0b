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

import "slices"

// Vocabulary is the ordered sequence of feature tokens seen during
// traversal. Duplicates are kept; Unique produces the persisted form.
type Vocabulary struct {
	tokens []string
}

// NewVocabulary creates an empty vocabulary.
func NewVocabulary() *Vocabulary {
	return &Vocabulary{}
}

// Add appends one token.
func (v *Vocabulary) Add(token string) {
	v.tokens = append(v.tokens, token)
}

// Append appends every token of other, in order.
func (v *Vocabulary) Append(other *Vocabulary) {
	if other == nil {
		return
	}
	v.tokens = append(v.tokens, other.tokens...)
}

// Len returns the number of collected tokens, duplicates included.
func (v *Vocabulary) Len() int {
	return len(v.tokens)
}

// Tokens returns a copy of the collected tokens in insertion order.
func (v *Vocabulary) Tokens() []string {
	return slices.Clone(v.tokens)
}

// Unique returns the deduplicated tokens in lexicographic order.
func (v *Vocabulary) Unique() []string {
	out := slices.Clone(v.tokens)
	slices.Sort(out)
	return slices.Compact(out)
}
