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
	"github.com/roterEmil/opal-sub001/analysis/config"
	"github.com/roterEmil/opal-sub001/analysis/properties"
)

// Store is the contract every property computation engine honors. Analyses
// never talk to an engine implementation directly; they register computations
// and read observations through this interface, without knowing whether the
// computations run eagerly, lazily on demand, or triggered by another
// property, and without knowing whether the engine is sequential or parallel.
type Store interface {
	properties.PropertyReader

	// Apply returns the current observation of (e, key). If nothing is known
	// and a lazy computation is registered for key, the computation is
	// scheduled exactly once for e; concurrent calls never double-schedule.
	Apply(e properties.Entity, key properties.PropertyKey) properties.EOptionP

	// Set injects an externally computed final fact. It panics with an
	// *InvariantViolation when a lazy computation is registered for the
	// property's kind, since ownership of the slot would be ambiguous.
	Set(e properties.Entity, p properties.Property)

	// ScheduleEagerComputationForEntity unconditionally schedules c for e,
	// independent of demand.
	ScheduleEagerComputationForEntity(e properties.Entity, c PropertyComputation)

	// RegisterLazyComputation registers c to be run at most once per entity,
	// on first demand through Apply.
	RegisterLazyComputation(key properties.PropertyKey, c PropertyComputation)

	// RegisterTriggeredComputation registers c to be run once for every
	// entity that ever receives a value of the given kind, including entities
	// that already hold one at registration time. Registration creates
	// neither missed nor duplicate triggers.
	RegisterTriggeredComputation(key properties.PropertyKey, c PropertyComputation)

	// HandleResult interprets and commits any computation result. It is the
	// single commit entry point, used by the engine internally and by
	// collaborators returning control.
	HandleResult(r ComputationResult)

	// SetupPhase declares the kinds computed in the upcoming phase (slots of
	// these kinds left untouched at quiescence receive their fallback) and an
	// ordered list of collaboratively computed kinds whose interim values are
	// finalized once no other step produces work.
	SetupPhase(computed []properties.PropertyKey, finalize []properties.PropertyKey)

	// WaitOnPhaseCompletion blocks until all scheduled and newly spawned
	// computations, fallback fillings and cycle resolutions reached
	// quiescence. A panic escaping any computation aborts the phase and is
	// returned as an error; no partial fixpoint is ever surfaced as success.
	WaitOnPhaseCompletion() error

	// Properties returns the current observations of all entities known for
	// the given kind.
	Properties(key properties.PropertyKey) []properties.EOptionP

	// KnownEntities returns all entities that have a slot of the given kind.
	KnownEntities(key properties.PropertyKey) []properties.Entity

	// DependencyGraph returns a snapshot of the live depender/dependee graph.
	DependencyGraph() *DepGraph

	// QuiescenceGraph returns the dependency graph captured at the first
	// quiescence pass of the most recent phase, before fallbacks and cycle
	// resolution ran. Nil if no phase completed yet.
	QuiescenceGraph() *DepGraph

	// Registry returns the kind registry of the store's context.
	Registry() *properties.KindRegistry

	// Statistics returns a snapshot of the engine's counters.
	Statistics() Statistics
}

// Context carries the state shared by a store and its collaborators: the
// property kind registry and the logger. Its lifecycle spans one sequence of
// analysis phases; independent runs use independent contexts.
type Context struct {
	Registry *properties.KindRegistry
	Log      *config.LogGroup
}

// NewContext returns a context with a fresh kind registry. A nil logger is
// replaced by the default log group.
func NewContext(log *config.LogGroup) *Context {
	if log == nil {
		log = config.NewLogGroup(config.NewDefault())
	}
	return &Context{Registry: properties.NewKindRegistry(), Log: log}
}

// Statistics summarizes what an engine did. All counters are cumulative over
// the store's lifetime.
type Statistics struct {
	// TasksExecuted counts executed scheduled closures: property
	// computations, continuations and bookkeeping steps.
	TasksExecuted int64

	// Updates counts committed observation changes.
	Updates int64

	// FallbacksUsed counts slots that received their kind's fallback value.
	FallbacksUsed int64

	// CyclesResolved counts closed strongly-connected components terminated
	// by a cycle resolution function.
	CyclesResolved int64

	// QuiescencePasses counts how often a phase reached quiescence and ran
	// the bookkeeping steps.
	QuiescencePasses int64
}
