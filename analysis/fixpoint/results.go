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

import "github.com/roterEmil/opal-sub001/analysis/properties"

// PropertyComputation computes (an approximation of) one or more properties
// for the given entity and describes the outcome as a ComputationResult.
type PropertyComputation func(e properties.Entity) ComputationResult

// Continuation resumes a suspended computation after one of its declared
// dependees advanced to the given observation. Continuations must be pure
// resumption functions: all engine-visible state they need is carried by the
// observation and by the result they return.
type Continuation func(updated properties.EOptionP) ComputationResult

// ComputationResult is the closed set of shapes a computation may return.
// The commit logic of the engines matches exhaustively on the variants below;
// no other implementations exist.
type ComputationResult interface {
	isComputationResult()
}

// NoResult reports that the computation produced no information.
type NoResult struct{}

// Result commits the final property for one entity.
type Result struct {
	Entity   properties.Entity
	Property properties.Property
}

// MultiResult commits final properties for several entities at once.
type MultiResult struct {
	Results []Result
}

// InterimResult commits refined bounds for an entity and suspends the
// computation until one of the declared dependees advances past the
// observation recorded for it. At least one bound and at least one dependee
// are required; a computation that no longer depends on anything must return
// a final result instead.
type InterimResult struct {
	Entity properties.Entity

	// LB and UB are the refined bounds; at least one must be non-nil.
	LB, UB properties.Property

	// Dependees holds the observations of the slots this computation used.
	// The engine re-triggers the continuation as soon as any of them is no
	// longer current.
	Dependees []properties.EOptionP

	// Continuation is invoked with the updated dependee observation.
	Continuation Continuation
}

// PartialResult contributes to a collaboratively computed property that has
// no single owning computation. Extend receives the current observation of
// the slot and returns the extended observation together with a flag
// indicating whether anything changed; it must be monotone.
type PartialResult struct {
	Entity properties.Entity
	Key    properties.PropertyKey
	Extend func(current properties.EOptionP) (properties.EOptionP, bool)
}

// IncrementalResult wraps another result and additionally schedules follow-up
// computations discovered while computing it.
type IncrementalResult struct {
	Result ComputationResult
	Next   []QueuedComputation
}

// QueuedComputation pairs a computation with the entity it should run for.
type QueuedComputation struct {
	Computation PropertyComputation
	Entity      properties.Entity
}

func (NoResult) isComputationResult()          {}
func (Result) isComputationResult()            {}
func (MultiResult) isComputationResult()       {}
func (InterimResult) isComputationResult()     {}
func (PartialResult) isComputationResult()     {}
func (IncrementalResult) isComputationResult() {}

// key returns the property kind an interim result refines, derived from
// whichever bound is present.
func (r InterimResult) key() properties.PropertyKey {
	if r.UB != nil {
		return r.UB.Key()
	}
	if r.LB != nil {
		return r.LB.Key()
	}
	violation("InterimResult", "interim result for %v carries no bounds", r.Entity)
	return properties.PropertyKey{}
}
