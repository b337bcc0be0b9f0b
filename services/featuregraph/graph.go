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
	"cmp"
	"slices"
)

// Edge is one undirected edge. From and To keep the orientation of the first
// insertion, which is what the edge list writer emits; equality between
// edges ignores it.
type Edge struct {
	From string
	To   string
}

// edgeKey is the canonical unordered form of an edge.
type edgeKey struct {
	lo, hi string
}

func keyOf(u, v string) edgeKey {
	if u <= v {
		return edgeKey{lo: u, hi: v}
	}
	return edgeKey{lo: v, hi: u}
}

// Graph is an undirected, unweighted, simple graph over string node ids.
//
// Edges have set semantics: adding an edge that already exists in either
// orientation is a no-op. Adding an edge adds both endpoints as nodes.
//
// # Thread Safety
//
// Graph is NOT safe for concurrent use. A single owner mutates it; callers
// that parallelise record ingestion must funnel insertions through one
// goroutine.
type Graph struct {
	nodes map[string]struct{}
	edges map[edgeKey]Edge
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]struct{}),
		edges: make(map[edgeKey]Edge),
	}
}

// AddNode adds id and reports whether it was new.
func (g *Graph) AddNode(id string) bool {
	if _, ok := g.nodes[id]; ok {
		return false
	}
	g.nodes[id] = struct{}{}
	return true
}

// AddEdge adds the undirected edge u-v and reports whether it was new.
func (g *Graph) AddEdge(u, v string) bool {
	g.AddNode(u)
	g.AddNode(v)
	k := keyOf(u, v)
	if _, ok := g.edges[k]; ok {
		return false
	}
	g.edges[k] = Edge{From: u, To: v}
	return true
}

// HasNode reports whether id is a node of g.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// HasEdge reports whether u-v is an edge of g in either orientation.
func (g *Graph) HasEdge(u, v string) bool {
	_, ok := g.edges[keyOf(u, v)]
	return ok
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// Nodes returns all node ids in lexicographic order.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Edges returns all edges ordered by (From, To).
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Edge) int {
		if c := cmp.Compare(a.From, b.From); c != 0 {
			return c
		}
		return cmp.Compare(a.To, b.To)
	})
	return out
}

// Neighbors returns the ids adjacent to id in lexicographic order.
func (g *Graph) Neighbors(id string) []string {
	var out []string
	for k := range g.edges {
		switch id {
		case k.lo:
			out = append(out, k.hi)
		case k.hi:
			out = append(out, k.lo)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Merge adds every node and edge of other to g. Edges already present in g
// keep their orientation.
func (g *Graph) Merge(other *Graph) {
	if other == nil {
		return
	}
	for _, id := range other.Nodes() {
		g.AddNode(id)
	}
	for _, e := range other.Edges() {
		g.AddEdge(e.From, e.To)
	}
}

// SameEdges reports whether g and other hold the same set of unordered edges.
func (g *Graph) SameEdges(other *Graph) bool {
	if other == nil || len(g.edges) != len(other.edges) {
		return false
	}
	for k := range g.edges {
		if _, ok := other.edges[k]; !ok {
			return false
		}
	}
	return true
}
