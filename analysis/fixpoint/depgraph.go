// Copyright The OPAL Project Developers. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fixpoint

import (
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding/dot"

	"github.com/roterEmil/opal-sub001/internal/funcutil"
)

// DepGraph is an int-indexed snapshot of the depender -> dependee graph over
// property store slots. It implements both the graph.Iterator interface of
// github.com/yourbasic/graph (used by the strongly-connected-component
// search) and Gonum's graph.Directed (used for DOT export), so the snapshot
// can be handed to existing graph libraries directly.
//
// An edge x -> y means "slot x observes slot y"; edges disappear from later
// snapshots as soon as the depender is re-triggered or finalized.
type DepGraph struct {
	order int

	// Keys are all node ids, in insertion order.
	Keys []int64

	// Edges is an adjacency map: Edges[x][y] means slot x depends on slot y.
	Edges map[int64]map[int64]bool

	// Labels maps node ids to a printable entity/kind description.
	Labels map[int64]string
}

// NewDepGraph returns an empty snapshot for n nodes with ids 0..n-1.
func NewDepGraph(n int) *DepGraph {
	g := &DepGraph{
		order:  n,
		Keys:   make([]int64, n),
		Edges:  make(map[int64]map[int64]bool, n),
		Labels: make(map[int64]string, n),
	}
	for i := 0; i < n; i++ {
		g.Keys[i] = int64(i)
		g.Edges[int64(i)] = map[int64]bool{}
	}
	return g
}

// AddEdge records that slot x depends on slot y.
func (g *DepGraph) AddEdge(x, y int64) {
	g.Edges[x][y] = true
}

// SetLabel attaches a printable description to node id.
func (g *DepGraph) SetLabel(id int64, label string) {
	g.Labels[id] = label
}

// DOT renders the snapshot in Graphviz DOT syntax.
func (g *DepGraph) DOT() ([]byte, error) {
	return dot.Marshal(g, "dependencies", "", "  ")
}

// Order implements the order of the graph.Iterator interface for the DepGraph
func (g *DepGraph) Order() int {
	return g.order
}

// Visit implements the graph.Iterator interface for the DepGraph
func (g *DepGraph) Visit(v int, do func(w int, c int64) (skip bool)) (aborted bool) {
	for w := range g.Edges[int64(v)] {
		if do(int(w), 1) {
			return true
		}
	}
	return false
}

// *************** Gonum graph.Directed implementation **********************

// Node returns the node with the given id.
func (g *DepGraph) Node(id int64) graph.Node {
	if _, ok := g.Edges[id]; !ok {
		return nil
	}
	return DepNode{id: id, label: g.Labels[id]}
}

// Nodes returns the set of nodes in the graph.
func (g *DepGraph) Nodes() graph.Nodes {
	return g.nodeSet(g.Keys)
}

// From returns the set of nodes reachable from id by one edge, in id order so
// rendered output is deterministic.
func (g *DepGraph) From(id int64) graph.Nodes {
	return g.nodeSet(funcutil.SortedKeys(g.Edges[id]))
}

// To returns the set of nodes with an edge to id.
func (g *DepGraph) To(id int64) graph.Nodes {
	var keys []int64
	for _, from := range funcutil.SortedKeys(g.Edges) {
		if g.Edges[from][id] {
			keys = append(keys, from)
		}
	}
	return g.nodeSet(keys)
}

// HasEdgeBetween returns whether an edge exists between the two ids, in
// either direction.
func (g *DepGraph) HasEdgeBetween(xid, yid int64) bool {
	return g.Edges[xid][yid] || g.Edges[yid][xid]
}

// HasEdgeFromTo returns whether the directed edge u -> v exists.
func (g *DepGraph) HasEdgeFromTo(uid, vid int64) bool {
	return g.Edges[uid][vid]
}

// Edge returns the edge between the two ids (nil if none exists).
func (g *DepGraph) Edge(uid, vid int64) graph.Edge {
	if g.Edges[uid][vid] {
		return DepEdge{from: g.node(uid), to: g.node(vid)}
	}
	return nil
}

func (g *DepGraph) node(id int64) DepNode {
	return DepNode{id: id, label: g.Labels[id]}
}

func (g *DepGraph) nodeSet(ids []int64) graph.Nodes {
	nodes := make([]DepNode, len(ids))
	for i, id := range ids {
		nodes[i] = g.node(id)
	}
	return &depNodeSet{nodes: nodes, cur: -1}
}

// DepNode is a node of a DepGraph snapshot.
type DepNode struct {
	id    int64
	label string
}

// ID returns the id of the node.
func (n DepNode) ID() int64 { return n.id }

// DOTID returns the label rendered in DOT output.
func (n DepNode) DOTID() string {
	if n.label == "" {
		return "unknown"
	}
	return n.label
}

func (n DepNode) String() string { return n.DOTID() }

// depNodeSet implements the graph.Nodes iterator over a fixed slice.
type depNodeSet struct {
	nodes []DepNode
	cur   int
}

func (ns *depNodeSet) Next() bool {
	if ns.cur < len(ns.nodes)-1 {
		ns.cur++
		return true
	}
	return false
}

func (ns *depNodeSet) Len() int         { return len(ns.nodes) }
func (ns *depNodeSet) Reset()           { ns.cur = -1 }
func (ns *depNodeSet) Node() graph.Node { return ns.nodes[ns.cur] }

// DepEdge is a directed depender -> dependee edge.
type DepEdge struct {
	from, to DepNode
}

// From returns the depender side of the edge.
func (e DepEdge) From() graph.Node { return e.from }

// To returns the dependee side of the edge.
func (e DepEdge) To() graph.Node { return e.to }

// ReversedEdge returns a new value representing the reversed edge.
func (e DepEdge) ReversedEdge() graph.Edge { return DepEdge{from: e.to, to: e.from} }
