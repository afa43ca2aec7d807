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

	"github.com/roterEmil/opal-sub001/analysis/config"
	"github.com/roterEmil/opal-sub001/analysis/properties"
)

// seqSlot is the mutable record of one (entity, kind) slot in the sequential
// store. dependers maps a waiting slot to the continuation to run when this
// slot advances; dependees holds the observations this slot's own suspended
// computation is built on.
type seqSlot struct {
	e   properties.Entity
	key properties.PropertyKey
	ep  properties.EOptionP

	dependers map[*seqSlot]Continuation
	dependees []properties.EOptionP

	// lazyScheduled is set when the kind's lazy computation was scheduled
	// for this entity, so a second Apply never double-schedules.
	lazyScheduled bool

	// triggeredUpTo counts how many of the kind's triggered computations
	// already fired for this entity.
	triggeredUpTo int
}

// SequentialStore is the single-threaded reference engine. It executes all
// computations from one task stack and is the correctness baseline for the
// parallel engine: for the same registrations both produce the same final
// assignment of properties to entities.
//
// A SequentialStore must only be used from one goroutine.
type SequentialStore struct {
	ctx *Context
	log *config.LogGroup

	slots map[properties.Entity]map[int]*seqSlot
	tasks []func()

	lazy      map[int]PropertyComputation
	triggered map[int][]PropertyComputation
	setKinds  map[int]bool

	computed map[int]bool
	finalize []properties.PropertyKey

	quiescenceGraph *DepGraph
	stats           Statistics
}

var _ Store = (*SequentialStore)(nil)

// NewSequentialStore returns an empty sequential store bound to ctx.
func NewSequentialStore(ctx *Context) *SequentialStore {
	return &SequentialStore{
		ctx:       ctx,
		log:       ctx.Log,
		slots:     map[properties.Entity]map[int]*seqSlot{},
		lazy:      map[int]PropertyComputation{},
		triggered: map[int][]PropertyComputation{},
		setKinds:  map[int]bool{},
		computed:  map[int]bool{},
	}
}

// Registry returns the kind registry of the store's context.
func (s *SequentialStore) Registry() *properties.KindRegistry { return s.ctx.Registry }

func (s *SequentialStore) slot(e properties.Entity, key properties.PropertyKey) *seqSlot {
	kinds, ok := s.slots[e]
	if !ok {
		kinds = map[int]*seqSlot{}
		s.slots[e] = kinds
	}
	sl, ok := kinds[key.ID()]
	if !ok {
		sl = &seqSlot{
			e:         e,
			key:       key,
			ep:        properties.EPK(e, key),
			dependers: map[*seqSlot]Continuation{},
		}
		kinds[key.ID()] = sl
	}
	return sl
}

// Peek returns the current observation without creating a slot or scheduling
// anything.
func (s *SequentialStore) Peek(e properties.Entity, key properties.PropertyKey) properties.EOptionP {
	if kinds, ok := s.slots[e]; ok {
		if sl, ok := kinds[key.ID()]; ok {
			return sl.ep
		}
	}
	return properties.EPK(e, key)
}

// Apply returns the current observation of (e, key) and, if nothing is known
// and a lazy computation is registered for the kind, schedules it exactly
// once for e.
func (s *SequentialStore) Apply(e properties.Entity, key properties.PropertyKey) properties.EOptionP {
	sl := s.slot(e, key)
	s.ensureLazyScheduled(sl)
	return sl.ep
}

func (s *SequentialStore) ensureLazyScheduled(sl *seqSlot) {
	if !sl.ep.IsEPK() || sl.lazyScheduled {
		return
	}
	c, ok := s.lazy[sl.key.ID()]
	if !ok {
		return
	}
	sl.lazyScheduled = true
	e := sl.e
	s.log.Tracef("scheduling lazy %s for %v", sl.key.Name(), e)
	s.push(func() { s.HandleResult(c(e)) })
}

// Set injects an externally computed final fact.
func (s *SequentialStore) Set(e properties.Entity, p properties.Property) {
	key := p.Key()
	if _, ok := s.lazy[key.ID()]; ok {
		violation("Set", "kind %s has a registered lazy computation; ownership of %v is ambiguous",
			key.Name(), e)
	}
	s.setKinds[key.ID()] = true
	s.commitFinal(e, p)
}

// ScheduleEagerComputationForEntity unconditionally schedules c for e.
func (s *SequentialStore) ScheduleEagerComputationForEntity(e properties.Entity, c PropertyComputation) {
	s.log.Tracef("scheduling eager computation for %v", e)
	s.push(func() { s.HandleResult(c(e)) })
}

// RegisterLazyComputation registers c to run at most once per entity of the
// kind, on first demand.
func (s *SequentialStore) RegisterLazyComputation(key properties.PropertyKey, c PropertyComputation) {
	if s.setKinds[key.ID()] {
		violation("RegisterLazyComputation",
			"kind %s already has externally set values; ownership would be ambiguous", key.Name())
	}
	if _, dup := s.lazy[key.ID()]; dup {
		violation("RegisterLazyComputation", "kind %s already has a lazy computation", key.Name())
	}
	s.lazy[key.ID()] = c
}

// RegisterTriggeredComputation registers c to run once for every entity that
// ever receives a value of the kind. Entities already holding a value at
// registration time are scheduled immediately; the per-slot cursor guarantees
// exactly one trigger per entity and computation.
func (s *SequentialStore) RegisterTriggeredComputation(key properties.PropertyKey, c PropertyComputation) {
	s.triggered[key.ID()] = append(s.triggered[key.ID()], c)
	idx := len(s.triggered[key.ID()]) - 1
	for _, kinds := range s.slots {
		sl, ok := kinds[key.ID()]
		if !ok || sl.ep.IsEPK() {
			continue
		}
		if sl.triggeredUpTo == idx {
			sl.triggeredUpTo = idx + 1
			e := sl.e
			s.push(func() { s.HandleResult(c(e)) })
		}
	}
}

func (s *SequentialStore) fireTriggered(sl *seqSlot) {
	comps := s.triggered[sl.key.ID()]
	for _, c := range comps[sl.triggeredUpTo:] {
		c := c
		e := sl.e
		s.push(func() { s.HandleResult(c(e)) })
	}
	sl.triggeredUpTo = len(comps)
}

// SetupPhase declares the kinds computed in the upcoming phase and the
// finalization order of collaboratively computed kinds.
func (s *SequentialStore) SetupPhase(computed []properties.PropertyKey, finalize []properties.PropertyKey) {
	s.computed = map[int]bool{}
	for _, k := range computed {
		s.computed[k.ID()] = true
	}
	s.finalize = finalize
}

// HandleResult interprets and commits any computation result.
func (s *SequentialStore) HandleResult(r ComputationResult) {
	switch res := r.(type) {
	case NoResult:
	case Result:
		s.commitFinal(res.Entity, res.Property)
	case MultiResult:
		for _, one := range res.Results {
			s.commitFinal(one.Entity, one.Property)
		}
	case InterimResult:
		s.commitInterim(res)
	case PartialResult:
		s.commitPartial(res)
	case IncrementalResult:
		s.HandleResult(res.Result)
		for _, qc := range res.Next {
			s.ScheduleEagerComputationForEntity(qc.Entity, qc.Computation)
		}
	default:
		violation("HandleResult", "unknown result shape %T", r)
	}
}

func (s *SequentialStore) commitFinal(e properties.Entity, p properties.Property) {
	sl := s.slot(e, p.Key())
	next := properties.FinalEP(e, sl.key, p)
	checkRefinement("commitFinal", sl.ep, next)
	hadNoValue := sl.ep.IsEPK()
	sl.ep = next
	s.stats.Updates++
	s.log.Tracef("final %v", next)
	s.clearDependees(sl)
	s.notifyDependers(sl)
	if hadNoValue {
		s.fireTriggered(sl)
	}
}

func (s *SequentialStore) commitInterim(res InterimResult) {
	key := res.key()
	if len(res.Dependees) == 0 {
		violation("commitInterim", "interim result for %v/%s declares no dependees", res.Entity, key.Name())
	}
	sl := s.slot(res.Entity, key)
	next := properties.InterimEP(res.Entity, key, res.LB, res.UB)
	checkRefinement("commitInterim", sl.ep, next)
	hadNoValue := sl.ep.IsEPK()
	changed := next.IsUpdatedComparedTo(sl.ep)
	sl.ep = next
	if changed {
		s.stats.Updates++
		s.log.Tracef("interim %v", next)
		s.notifyDependers(sl)
	}
	if hadNoValue {
		s.fireTriggered(sl)
	}

	// (Re-)register with the declared dependees. A dependee that already
	// advanced past the recorded observation re-triggers the continuation
	// immediately: suspending on it could miss the update for good.
	s.clearDependees(sl)
	for _, dobs := range res.Dependees {
		dsl := s.slot(dobs.Entity, dobs.Key)
		s.ensureLazyScheduled(dsl)
		if dsl.ep.IsUpdatedComparedTo(dobs) {
			s.clearDependees(sl)
			cont := res.Continuation
			obs := dsl.ep
			s.push(func() { s.HandleResult(cont(obs)) })
			return
		}
		dsl.dependers[sl] = res.Continuation
		sl.dependees = append(sl.dependees, dobs)
	}
}

func (s *SequentialStore) commitPartial(res PartialResult) {
	sl := s.slot(res.Entity, res.Key)
	next, changed := res.Extend(sl.ep)
	if !changed {
		return
	}
	checkRefinement("commitPartial", sl.ep, next)
	hadNoValue := sl.ep.IsEPK()
	sl.ep = next
	s.stats.Updates++
	s.log.Tracef("partial update %v", next)
	s.notifyDependers(sl)
	if hadNoValue {
		s.fireTriggered(sl)
	}
}

// notifyDependers drains the depender set of sl and schedules every recorded
// continuation, bound to the new observation. Each notified depender is first
// deregistered from all of its dependees so stale registrations can never
// re-trigger it.
func (s *SequentialStore) notifyDependers(sl *seqSlot) {
	if len(sl.dependers) == 0 {
		return
	}
	drained := sl.dependers
	sl.dependers = map[*seqSlot]Continuation{}
	obs := sl.ep
	for dep, cont := range drained {
		s.clearDependees(dep)
		cont := cont
		s.push(func() { s.HandleResult(cont(obs)) })
	}
}

func (s *SequentialStore) clearDependees(sl *seqSlot) {
	for _, dobs := range sl.dependees {
		if kinds, ok := s.slots[dobs.Entity]; ok {
			if dsl, ok := kinds[dobs.Key.ID()]; ok {
				delete(dsl.dependers, sl)
			}
		}
	}
	sl.dependees = nil
}

func (s *SequentialStore) push(t func()) {
	s.tasks = append(s.tasks, t)
}

func (s *SequentialStore) drain() {
	for len(s.tasks) > 0 {
		t := s.tasks[len(s.tasks)-1]
		s.tasks = s.tasks[:len(s.tasks)-1]
		s.stats.TasksExecuted++
		t()
	}
}

// WaitOnPhaseCompletion runs all scheduled and newly spawned computations to
// quiescence, then applies fallbacks, resolves closed dependency cycles and
// finalizes collaboratively computed kinds, repeating until no step produces
// further work. A panic escaping a computation aborts the phase.
func (s *SequentialStore) WaitOnPhaseCompletion() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("phase aborted: %w", e)
			} else {
				err = fmt.Errorf("phase aborted: %v", r)
			}
		}
	}()

	captured := false
	for {
		s.drain()
		s.stats.QuiescencePasses++
		if !captured {
			s.quiescenceGraph = snapshotGraph(s.cycleCandidates())
			captured = true
		}
		if n := s.applyFallbacks(); n > 0 {
			s.log.Debugf("quiescence: applied %d fallbacks", n)
			continue
		}
		if n := s.resolveCycles(); n > 0 {
			s.log.Debugf("quiescence: resolved %d dependency cycles", n)
			continue
		}
		if n := s.finalizeCollaborative(); n > 0 {
			s.log.Debugf("quiescence: finalized %d collaborative slots", n)
			continue
		}
		if len(s.tasks) == 0 {
			break
		}
	}
	s.log.Debugf("phase completed: %+v", s.stats)
	return nil
}

// applyFallbacks assigns the kind's fallback value to every slot that is
// still EPK after the drain and whose kind is computed in this phase.
func (s *SequentialStore) applyFallbacks() int {
	var pending []*seqSlot
	for _, kinds := range s.slots {
		for kid, sl := range kinds {
			if s.computed[kid] && sl.ep.IsEPK() {
				pending = append(pending, sl)
			}
		}
	}
	for _, sl := range pending {
		p := sl.key.Fallback(s, sl.e)
		s.log.Tracef("fallback %v/%s = %v", sl.e, sl.key.Name(), p)
		s.commitFinal(sl.e, p)
		s.stats.FallbacksUsed++
	}
	return len(pending)
}

func (s *SequentialStore) cycleCandidates() []cycleCandidate {
	var candidates []cycleCandidate
	for _, kinds := range s.slots {
		for _, sl := range kinds {
			if !sl.ep.IsFinal() && len(sl.dependees) > 0 {
				candidates = append(candidates, cycleCandidate{eps: sl.ep, dependees: sl.dependees})
			}
		}
	}
	return candidates
}

func (s *SequentialStore) resolveCycles() int {
	n := resolveClosedComponents(s, s.cycleCandidates(), s.commitFinal)
	s.stats.CyclesResolved += int64(n)
	return n
}

// finalizeCollaborative commits the interim values of the pre-declared
// collaboratively computed kinds as final, in declaration order.
func (s *SequentialStore) finalizeCollaborative() int {
	n := 0
	for _, key := range s.finalize {
		for _, kinds := range s.slots {
			sl, ok := kinds[key.ID()]
			if !ok || !sl.ep.IsInterim() {
				continue
			}
			p := sl.ep.UB()
			if p == nil {
				p = sl.ep.LB()
			}
			s.commitFinal(sl.e, p)
			n++
		}
	}
	return n
}

// Properties returns the current observations of all entities known for key.
func (s *SequentialStore) Properties(key properties.PropertyKey) []properties.EOptionP {
	var out []properties.EOptionP
	for _, kinds := range s.slots {
		if sl, ok := kinds[key.ID()]; ok {
			out = append(out, sl.ep)
		}
	}
	return out
}

// KnownEntities returns all entities that have a slot of the given kind.
func (s *SequentialStore) KnownEntities(key properties.PropertyKey) []properties.Entity {
	var out []properties.Entity
	for e, kinds := range s.slots {
		if _, ok := kinds[key.ID()]; ok {
			out = append(out, e)
		}
	}
	return out
}

// DependencyGraph returns a snapshot of the live depender/dependee graph.
func (s *SequentialStore) DependencyGraph() *DepGraph {
	return snapshotGraph(s.cycleCandidates())
}

// QuiescenceGraph returns the dependency graph captured at the first
// quiescence pass of the most recent phase.
func (s *SequentialStore) QuiescenceGraph() *DepGraph { return s.quiescenceGraph }

// Statistics returns a snapshot of the engine's counters.
func (s *SequentialStore) Statistics() Statistics { return s.stats }
