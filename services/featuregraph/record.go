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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
)

// Wire names used by the AndroPyTool analysis JSON.
const (
	SectionPreStatic = "Pre_static_analysis"
	SectionStatic    = "Static_analysis"

	FieldSHA256 = "sha256"
	FieldSHA1   = "sha1"

	FieldPackageName  = "Package name"
	FieldMainActivity = "Main activity"
	FieldPermissions  = "Permissions"

	FieldOpcodes        = "Opcodes"
	FieldAPICalls       = "API calls"
	FieldAPIPackages    = "API packages"
	FieldSystemCommands = "System commands"
	FieldStrings        = "Strings"

	FieldActivities = "Activities"
	FieldServices   = "Services"
	FieldReceivers  = "Receivers"
)

// FeatureSections lists the feature mappings in traversal order.
var FeatureSections = []string{FieldOpcodes, FieldAPICalls, FieldAPIPackages, FieldSystemCommands}

// ComponentSections lists the component mappings in traversal order.
var ComponentSections = []string{FieldActivities, FieldServices, FieldReceivers}

// Record is one analysis record with optional-field accessors.
//
// Only Pre_static_analysis.sha256 is mandatory. Every other accessor returns
// a zero value when its field is missing or has an unexpected shape, so
// records from different analysis tool versions can be mixed in one pass.
type Record struct {
	doc map[string]any
}

// NewRecord wraps an already decoded document. Numbers may be json.Number
// or native Go numeric types.
func NewRecord(doc map[string]any) *Record {
	if doc == nil {
		doc = map[string]any{}
	}
	return &Record{doc: doc}
}

// ParseRecord decodes one JSON record. Numbers are kept as json.Number so
// that their literal text becomes the token.
func ParseRecord(r io.Reader) (*Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T", ErrMalformedRecord, raw)
	}
	return &Record{doc: doc}, nil
}

// LoadRecord reads and decodes the record file at path.
func LoadRecord(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRecord(f)
}

// SHA256 returns the primary content hash, the root-node id.
func (r *Record) SHA256() (string, bool) {
	return stringify(r.section(SectionPreStatic)[FieldSHA256])
}

// SHA1 returns the secondary content hash.
func (r *Record) SHA1() (string, bool) {
	return stringify(r.section(SectionPreStatic)[FieldSHA1])
}

// HasStatic reports whether the Static_analysis section is present.
func (r *Record) HasStatic() bool {
	_, ok := r.doc[SectionStatic].(map[string]any)
	return ok
}

// PackageName returns the application package name.
func (r *Record) PackageName() (string, bool) {
	return stringify(r.section(SectionStatic)[FieldPackageName])
}

// MainActivity returns the fully qualified main activity as recorded.
func (r *Record) MainActivity() (string, bool) {
	return stringify(r.section(SectionStatic)[FieldMainActivity])
}

// Permissions returns the declared permissions in record order.
func (r *Record) Permissions() []string {
	return stringifyAll(r.section(SectionStatic)[FieldPermissions])
}

// FeatureKeys returns the keys of the named Static_analysis mapping in
// lexicographic order.
func (r *Record) FeatureKeys(name string) []string {
	m, ok := r.section(SectionStatic)[name].(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Component is one activity, service or receiver with its intent actions.
type Component struct {
	Name string

	// Declared is true when the component's action sequence has at least
	// one element. Only declared components are linked to the root.
	Declared bool

	// Actions are the stringified actions in record order.
	Actions []string
}

// Components returns the entries of the named component mapping ordered by
// name. A value that is not a sequence reads as an empty action list.
func (r *Record) Components(name string) []Component {
	m, ok := r.section(SectionStatic)[name].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			names = append(names, k)
		}
	}
	slices.Sort(names)

	out := make([]Component, 0, len(names))
	for _, n := range names {
		seq, _ := m[n].([]any)
		out = append(out, Component{
			Name:     n,
			Declared: len(seq) > 0,
			Actions:  stringifyAll(seq),
		})
	}
	return out
}

func (r *Record) section(name string) map[string]any {
	m, _ := r.doc[name].(map[string]any)
	return m
}

// stringify converts a scalar JSON value to its token form. Null, empty
// strings and non-scalars report false.
func stringify(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case bool:
		s = strconv.FormatBool(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case int32:
		s = strconv.FormatInt(int64(t), 10)
	case uint64:
		s = strconv.FormatUint(t, 10)
	default:
		return "", false
	}
	return s, s != ""
}

// stringifyAll converts every scalar element of a sequence, skipping the
// ones stringify rejects. Anything other than a sequence yields nil.
func stringifyAll(v any) []string {
	seq, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(seq))
	for _, item := range seq {
		if s, ok := stringify(item); ok {
			out = append(out, s)
		}
	}
	return out
}
