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

// Package reachable computes the set of functions transitively callable from
// each function of a program, on top of a property store. The analysis is
// registered lazily: a function's callee set is only computed when some
// consumer demands it, and mutually recursive functions are terminated by the
// store's cycle resolution.
package reachable

import (
	"fmt"
	"sort"

	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/ssa"

	"github.com/roterEmil/opal-sub001/analysis/fixpoint"
	"github.com/roterEmil/opal-sub001/analysis/properties"
	"github.com/roterEmil/opal-sub001/internal/funcutil"
)

// KindName is the name the callee-set property kind is registered under.
const KindName = "TransitiveCallees"

// CalleeSet is the set of functions transitively callable from one function.
// Values are immutable once published to the store; refinement allocates a
// new set. The lattice order is set inclusion: a smaller set is the more
// precise value, and the computed lower bounds grow until they reach the
// final set.
type CalleeSet struct {
	key   properties.PropertyKey
	funcs map[*ssa.Function]bool
}

// Key identifies the callee-set lattice.
func (c *CalleeSet) Key() properties.PropertyKey { return c.key }

// CheckIsEqualOrBetterThan returns an error unless the receiver is a subset
// of other.
func (c *CalleeSet) CheckIsEqualOrBetterThan(other properties.Property) error {
	o, ok := other.(*CalleeSet)
	if !ok {
		return fmt.Errorf("cannot compare CalleeSet with %T", other)
	}
	for f := range c.funcs {
		if !o.funcs[f] {
			return fmt.Errorf("callee set containing %s is not a subset", f.String())
		}
	}
	return nil
}

// Size returns the number of callees in the set.
func (c *CalleeSet) Size() int { return len(c.funcs) }

// Has reports whether f is in the set.
func (c *CalleeSet) Has(f *ssa.Function) bool { return c.funcs[f] }

// Names returns the fully qualified names of all callees, sorted.
func (c *CalleeSet) Names() []string {
	names := make([]string, 0, len(c.funcs))
	for f := range c.funcs {
		names = append(names, f.String())
	}
	sort.Strings(names)
	return names
}

func (c *CalleeSet) String() string {
	return fmt.Sprintf("CalleeSet(%d)", len(c.funcs))
}

// Analysis computes transitive callee sets over a pre-built call graph. One
// Analysis is bound to one store; New registers the property kind and the
// lazy computation, so constructing a second Analysis on the same context is
// a programming error surfaced by the kind registry.
type Analysis struct {
	store fixpoint.Store
	cg    *callgraph.Graph
	key   properties.PropertyKey
}

// New registers the callee-set kind and its lazy computation on store and
// returns the analysis handle. The fallback for never-demanded functions is
// the empty set; cycles are terminated by finalizing the accumulated lower
// bound, which is exact for a closed group of mutually recursive functions.
func New(store fixpoint.Store, cg *callgraph.Graph) *Analysis {
	a := &Analysis{store: store, cg: cg}
	a.key = store.Registry().Create(KindName,
		func(_ properties.PropertyReader, _ properties.Entity) properties.Property {
			return &CalleeSet{key: a.key, funcs: map[*ssa.Function]bool{}}
		},
		func(_ properties.PropertyReader, eps properties.EOptionP) properties.EOptionP {
			return properties.FinalEP(eps.Entity, eps.Key, eps.LB())
		})
	store.RegisterLazyComputation(a.key, a.compute)
	return a
}

// Key returns the key of the callee-set kind.
func (a *Analysis) Key() properties.PropertyKey { return a.key }

// Demand requests the callee sets of the given functions. The computations
// run when the store's phase is driven to completion.
func (a *Analysis) Demand(funcs ...*ssa.Function) {
	for _, f := range funcs {
		a.store.Apply(f, a.key)
	}
}

// Callees returns the final callee set of f. It must only be called after
// WaitOnPhaseCompletion succeeded for a phase in which f was demanded.
func (a *Analysis) Callees(f *ssa.Function) *CalleeSet {
	obs := a.store.Peek(f, a.key)
	if !obs.IsFinal() {
		return nil
	}
	return obs.Value().(*CalleeSet)
}

func (a *Analysis) direct(f *ssa.Function) []*ssa.Function {
	node := a.cg.Nodes[f]
	if node == nil {
		return nil
	}
	seen := map[*ssa.Function]bool{}
	var out []*ssa.Function
	for _, edge := range node.Out {
		callee := edge.Callee.Func
		if callee == nil || seen[callee] {
			continue
		}
		seen[callee] = true
		out = append(out, callee)
	}
	return out
}

func (a *Analysis) compute(e properties.Entity) fixpoint.ComputationResult {
	f := e.(*ssa.Function)
	return a.evaluate(f, a.direct(f))
}

// evaluate folds the callee sets of f's direct callees into a new set. It is
// called both for the initial computation and, through the continuation, on
// every dependee update, recomputing from the current observations each time.
func (a *Analysis) evaluate(f *ssa.Function, direct []*ssa.Function) fixpoint.ComputationResult {
	funcs := map[*ssa.Function]bool{}
	var dependees []properties.EOptionP
	for _, callee := range direct {
		funcs[callee] = true
		if callee == f {
			// A self loop contributes f itself and nothing further.
			continue
		}
		obs := a.store.Apply(callee, a.key)
		switch {
		case obs.IsFinal():
			funcutil.Union(funcs, obs.Value().(*CalleeSet).funcs)
		case obs.IsInterim():
			funcutil.Union(funcs, obs.LB().(*CalleeSet).funcs)
			dependees = append(dependees, obs)
		default:
			dependees = append(dependees, obs)
		}
	}

	set := a.reuseOrNew(f, funcs)
	if len(dependees) == 0 {
		return fixpoint.Result{Entity: f, Property: set}
	}
	return fixpoint.InterimResult{
		Entity:    f,
		LB:        set,
		Dependees: dependees,
		Continuation: func(_ properties.EOptionP) fixpoint.ComputationResult {
			return a.evaluate(f, direct)
		},
	}
}

// reuseOrNew returns the previously published set when the contents did not
// change. Publishing an equal set under a fresh pointer would count as a
// refinement and notify all dependers, which keeps mutually recursive
// functions re-triggering each other forever.
func (a *Analysis) reuseOrNew(f *ssa.Function, funcs map[*ssa.Function]bool) *CalleeSet {
	prev := a.store.Peek(f, a.key)
	if prev.HasLB() {
		if old, ok := prev.LB().(*CalleeSet); ok && sameFuncs(old.funcs, funcs) {
			return old
		}
	}
	return &CalleeSet{key: a.key, funcs: funcs}
}

func sameFuncs(a, b map[*ssa.Function]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for f := range a {
		if !b[f] {
			return false
		}
	}
	return true
}
