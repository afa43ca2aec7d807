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
	"fmt"

	"github.com/yourbasic/graph"

	"github.com/roterEmil/opal-sub001/analysis/properties"
)

// cycleCandidate is one slot that may participate in a dependency cycle at
// quiescence: not final, holding an interim value, with outstanding
// dependees. Whether it also has dependers is encoded by the graph built from
// all candidates; a slot without dependers cannot close a cycle but may still
// be a member of an open component.
type cycleCandidate struct {
	eps       properties.EOptionP
	dependees []properties.EOptionP
}

// slotID identifies a slot for candidate indexing.
type slotID struct {
	e    properties.Entity
	kind int
}

// closedComponents partitions the candidate slots into strongly connected
// components of the depender -> dependee graph and returns those components
// that have no edge leaving to a non-member. Only such closed components are
// eligible for cycle resolution: an open component might still be broken by
// external progress.
func closedComponents(candidates []cycleCandidate) [][]int {
	n := len(candidates)
	index := make(map[slotID]int, n)
	for i, c := range candidates {
		index[slotID{c.eps.Entity, c.eps.Key.ID()}] = i
	}

	g := NewDepGraph(n)
	escapes := make([]bool, n)
	for i, c := range candidates {
		for _, d := range c.dependees {
			if j, ok := index[slotID{d.Entity, d.Key.ID()}]; ok {
				g.AddEdge(int64(i), int64(j))
			} else {
				escapes[i] = true
			}
		}
	}

	var closed [][]int
	for _, component := range graph.StrongComponents(g) {
		members := make(map[int]bool, len(component))
		for _, v := range component {
			members[v] = true
		}
		isClosed := true
		for _, v := range component {
			if escapes[v] {
				isClosed = false
				break
			}
			for w := range g.Edges[int64(v)] {
				if !members[int(w)] {
					isClosed = false
					break
				}
			}
			if !isClosed {
				break
			}
		}
		if isClosed {
			closed = append(closed, component)
		}
	}
	return closed
}

// resolveClosedComponents invokes the cycle resolution function of each
// closed component's property kind on one representative member and commits
// the returned final observation through commit. It returns the number of
// resolved components.
func resolveClosedComponents(r properties.PropertyReader, candidates []cycleCandidate,
	commit func(e properties.Entity, p properties.Property)) int {

	resolved := 0
	for _, component := range closedComponents(candidates) {
		rep := candidates[component[0]]
		final := rep.eps.Key.Resolve(r, rep.eps)
		if !final.IsFinal() {
			violation("resolveCycle",
				"resolution of %v/%s returned the non-final observation %v",
				rep.eps.Entity, rep.eps.Key.Name(), final)
		}
		commit(final.Entity, final.Value())
		resolved++
	}
	return resolved
}

// snapshotGraph renders a candidate set as a labeled DepGraph, including the
// escaping dependee slots as extra nodes so the snapshot shows the full live
// graph, not only cycle members.
func snapshotGraph(candidates []cycleCandidate) *DepGraph {
	index := make(map[slotID]int, len(candidates))
	labels := make([]string, 0, len(candidates))
	id := func(e properties.Entity, key properties.PropertyKey) int {
		sid := slotID{e, key.ID()}
		if i, ok := index[sid]; ok {
			return i
		}
		i := len(index)
		index[sid] = i
		labels = append(labels, fmt.Sprintf("%v/%s", e, key.Name()))
		return i
	}
	for _, c := range candidates {
		id(c.eps.Entity, c.eps.Key)
		for _, d := range c.dependees {
			id(d.Entity, d.Key)
		}
	}

	g := NewDepGraph(len(index))
	for i, l := range labels {
		g.SetLabel(int64(i), l)
	}
	for _, c := range candidates {
		from := id(c.eps.Entity, c.eps.Key)
		for _, d := range c.dependees {
			g.AddEdge(int64(from), int64(id(d.Entity, d.Key)))
		}
	}
	return g
}
