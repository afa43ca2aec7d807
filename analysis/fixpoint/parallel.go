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
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/roterEmil/opal-sub001/analysis/config"
	"github.com/roterEmil/opal-sub001/analysis/properties"
)

// pslot is the concurrent state of one (entity, kind) slot. The only shared
// mutation points are the atomic swap of the current observation, the
// CAS-looped swap of the immutable depender set, and the atomic claim of the
// pending suspension; the dependee list inside a suspension is immutable and
// only ever replaced wholesale.
type pslot struct {
	e   properties.Entity
	key properties.PropertyKey

	// ep is the current observation. Updated only via CAS so a losing writer
	// observes the value it raced against and can retry or re-schedule.
	ep atomic.Pointer[properties.EOptionP]

	// dependers is the immutable set of slots waiting on this one.
	dependers atomic.Pointer[pslotSet]

	// susp is the pending continuation of this slot's own suspended
	// computation. Whoever swaps it to nil owns the resumption; everyone
	// else backs off, which makes continuations single-flight.
	susp atomic.Pointer[suspension]

	// lazyScheduled is flipped exactly once, by the Apply call that wins the
	// right to schedule the kind's lazy computation for this entity.
	lazyScheduled atomic.Bool

	// triggeredUpTo counts the kind's triggered computations that fired for
	// this entity. Guarded by the store's trigger mutex.
	triggeredUpTo int
}

type pslotSet struct {
	slots []*pslot
}

// suspension is the explicit "awaiting dependees" record of a suspended
// computation: the observations it was built on plus the pure resumption
// function. The scheduler owns re-invocation; no engine-internal state is
// captured by the continuation itself.
type suspension struct {
	cont      Continuation
	dependees []properties.EOptionP
}

func (sl *pslot) load() properties.EOptionP { return *sl.ep.Load() }

func (sl *pslot) addDepender(dep *pslot) {
	for {
		cur := sl.dependers.Load()
		var slots []*pslot
		if cur != nil {
			for _, d := range cur.slots {
				if d == dep {
					return
				}
			}
			slots = append(append(make([]*pslot, 0, len(cur.slots)+1), cur.slots...), dep)
		} else {
			slots = []*pslot{dep}
		}
		if sl.dependers.CompareAndSwap(cur, &pslotSet{slots: slots}) {
			return
		}
	}
}

func (sl *pslot) removeDepender(dep *pslot) {
	for {
		cur := sl.dependers.Load()
		if cur == nil {
			return
		}
		slots := make([]*pslot, 0, len(cur.slots))
		for _, d := range cur.slots {
			if d != dep {
				slots = append(slots, d)
			}
		}
		if len(slots) == len(cur.slots) {
			return
		}
		if sl.dependers.CompareAndSwap(cur, &pslotSet{slots: slots}) {
			return
		}
	}
}

func (sl *pslot) drainDependers() []*pslot {
	for {
		cur := sl.dependers.Load()
		if cur == nil || len(cur.slots) == 0 {
			return nil
		}
		if sl.dependers.CompareAndSwap(cur, &pslotSet{}) {
			return cur.slots
		}
	}
}

// ParallelStore runs computations on a fixed-size worker pool. Entity state
// lives in one concurrent map per property kind; all slot mutation goes
// through atomic swaps, so no lock is ever held across a computation
// invocation. Phase completion is a barrier: the driver alternates between
// awaiting pool quiescence and bookkeeping passes that mirror the sequential
// engine's quiescence loop.
type ParallelStore struct {
	ctx        *Context
	log        *config.LogGroup
	numWorkers int

	mu       sync.RWMutex
	kindMaps map[int]*sync.Map
	lazy     map[int]PropertyComputation
	setKinds map[int]bool
	computed map[int]bool
	finalize []properties.PropertyKey

	trigMu    sync.Mutex
	triggered map[int][]PropertyComputation

	poolMu   sync.Mutex
	pool     *taskPool
	buffered []func()

	// quiescenceGraph is written by the driver thread only.
	quiescenceGraph *DepGraph

	tasksExecuted  atomic.Int64
	updates        atomic.Int64
	fallbacksUsed  atomic.Int64
	cyclesResolved atomic.Int64
	passes         atomic.Int64
}

var _ Store = (*ParallelStore)(nil)

// NewParallelStore returns an empty parallel store bound to ctx. numWorkers
// is the size of the worker pool; values below one select one worker per
// available CPU.
func NewParallelStore(ctx *Context, numWorkers int) *ParallelStore {
	if numWorkers < 1 {
		numWorkers = runtime.NumCPU()
	}
	return &ParallelStore{
		ctx:        ctx,
		log:        ctx.Log,
		numWorkers: numWorkers,
		kindMaps:   map[int]*sync.Map{},
		lazy:       map[int]PropertyComputation{},
		setKinds:   map[int]bool{},
		computed:   map[int]bool{},
		triggered:  map[int][]PropertyComputation{},
	}
}

// Registry returns the kind registry of the store's context.
func (s *ParallelStore) Registry() *properties.KindRegistry { return s.ctx.Registry }

func (s *ParallelStore) kindMap(kind int) *sync.Map {
	s.mu.RLock()
	m, ok := s.kindMaps[kind]
	s.mu.RUnlock()
	if ok {
		return m
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok = s.kindMaps[kind]; !ok {
		m = &sync.Map{}
		s.kindMaps[kind] = m
	}
	return m
}

func (s *ParallelStore) slot(e properties.Entity, key properties.PropertyKey) *pslot {
	m := s.kindMap(key.ID())
	if v, ok := m.Load(e); ok {
		return v.(*pslot)
	}
	sl := &pslot{e: e, key: key}
	ep := properties.EPK(e, key)
	sl.ep.Store(&ep)
	actual, _ := m.LoadOrStore(e, sl)
	return actual.(*pslot)
}

func (s *ParallelStore) peekSlot(e properties.Entity, kind int) *pslot {
	s.mu.RLock()
	m, ok := s.kindMaps[kind]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if v, ok := m.Load(e); ok {
		return v.(*pslot)
	}
	return nil
}

// Peek returns the current observation without creating a slot or scheduling
// anything.
func (s *ParallelStore) Peek(e properties.Entity, key properties.PropertyKey) properties.EOptionP {
	if sl := s.peekSlot(e, key.ID()); sl != nil {
		return sl.load()
	}
	return properties.EPK(e, key)
}

// Apply returns the current observation of (e, key) and, if nothing is known
// and a lazy computation is registered for the kind, schedules it exactly
// once for e, no matter how many callers race.
func (s *ParallelStore) Apply(e properties.Entity, key properties.PropertyKey) properties.EOptionP {
	sl := s.slot(e, key)
	obs := sl.load()
	if obs.IsEPK() {
		s.maybeScheduleLazy(sl)
	}
	return obs
}

func (s *ParallelStore) maybeScheduleLazy(sl *pslot) {
	s.mu.RLock()
	c, ok := s.lazy[sl.key.ID()]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if !sl.lazyScheduled.CompareAndSwap(false, true) {
		return
	}
	e := sl.e
	s.log.Tracef("scheduling lazy %s for %v", sl.key.Name(), e)
	s.schedule(func() { s.HandleResult(c(e)) })
}

// Set injects an externally computed final fact.
func (s *ParallelStore) Set(e properties.Entity, p properties.Property) {
	key := p.Key()
	s.mu.Lock()
	if _, ok := s.lazy[key.ID()]; ok {
		s.mu.Unlock()
		violation("Set", "kind %s has a registered lazy computation; ownership of %v is ambiguous",
			key.Name(), e)
	}
	s.setKinds[key.ID()] = true
	s.mu.Unlock()
	s.commitFinal(e, p)
}

// ScheduleEagerComputationForEntity unconditionally schedules c for e.
func (s *ParallelStore) ScheduleEagerComputationForEntity(e properties.Entity, c PropertyComputation) {
	s.log.Tracef("scheduling eager computation for %v", e)
	s.schedule(func() { s.HandleResult(c(e)) })
}

// RegisterLazyComputation registers c to run at most once per entity of the
// kind, on first demand.
func (s *ParallelStore) RegisterLazyComputation(key properties.PropertyKey, c PropertyComputation) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
// ever receives a value of the kind. The trigger mutex serializes
// registration against concurrent first-value commits, so entities holding a
// value at registration time are triggered exactly once and entities
// receiving one later are triggered by the commit path.
func (s *ParallelStore) RegisterTriggeredComputation(key properties.PropertyKey, c PropertyComputation) {
	m := s.kindMap(key.ID())
	s.trigMu.Lock()
	defer s.trigMu.Unlock()
	s.triggered[key.ID()] = append(s.triggered[key.ID()], c)
	idx := len(s.triggered[key.ID()]) - 1
	m.Range(func(_, v any) bool {
		sl := v.(*pslot)
		if sl.load().IsEPK() {
			return true
		}
		if sl.triggeredUpTo == idx {
			sl.triggeredUpTo = idx + 1
			e := sl.e
			s.schedule(func() { s.HandleResult(c(e)) })
		}
		return true
	})
}

// fireTriggered runs on the unique goroutine that committed the slot's first
// value.
func (s *ParallelStore) fireTriggered(sl *pslot) {
	s.trigMu.Lock()
	comps := s.triggered[sl.key.ID()]
	start := sl.triggeredUpTo
	sl.triggeredUpTo = len(comps)
	s.trigMu.Unlock()
	for _, c := range comps[start:] {
		c := c
		e := sl.e
		s.schedule(func() { s.HandleResult(c(e)) })
	}
}

// SetupPhase declares the kinds computed in the upcoming phase and the
// finalization order of collaboratively computed kinds.
func (s *ParallelStore) SetupPhase(computed []properties.PropertyKey, finalize []properties.PropertyKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.computed = map[int]bool{}
	for _, k := range computed {
		s.computed[k.ID()] = true
	}
	s.finalize = finalize
}

// HandleResult interprets and commits any computation result.
func (s *ParallelStore) HandleResult(r ComputationResult) {
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

// updateEP swaps the slot's observation via CAS. mk receives the current
// observation and returns the successor, or ok=false to leave the slot
// untouched. A losing CAS retries with the value the swap carried back.
func (s *ParallelStore) updateEP(sl *pslot, op string,
	mk func(cur properties.EOptionP) (properties.EOptionP, bool)) (properties.EOptionP, bool) {

	for {
		curp := sl.ep.Load()
		cur := *curp
		next, ok := mk(cur)
		if !ok {
			return cur, false
		}
		checkRefinement(op, cur, next)
		np := next
		if sl.ep.CompareAndSwap(curp, &np) {
			return cur, true
		}
	}
}

func (s *ParallelStore) commitFinal(e properties.Entity, p properties.Property) {
	sl := s.slot(e, p.Key())
	old, _ := s.updateEP(sl, "commitFinal", func(cur properties.EOptionP) (properties.EOptionP, bool) {
		return properties.FinalEP(e, sl.key, p), true
	})
	s.updates.Add(1)
	s.log.Tracef("final %v", sl.load())
	s.dropSuspension(sl)
	s.notifyDependers(sl)
	if old.IsEPK() {
		s.fireTriggered(sl)
	}
}

func (s *ParallelStore) commitInterim(res InterimResult) {
	key := res.key()
	if len(res.Dependees) == 0 {
		violation("commitInterim", "interim result for %v/%s declares no dependees", res.Entity, key.Name())
	}
	sl := s.slot(res.Entity, key)
	old, changed := s.updateEP(sl, "commitInterim", func(cur properties.EOptionP) (properties.EOptionP, bool) {
		if cur.IsFinal() {
			violation("commitInterim", "slot %v/%s is final and must not be updated",
				res.Entity, key.Name())
		}
		next := properties.InterimEP(res.Entity, key, res.LB, res.UB)
		if !next.IsUpdatedComparedTo(cur) {
			return cur, false
		}
		return next, true
	})
	if changed {
		s.updates.Add(1)
		s.log.Tracef("interim %v", sl.load())
		s.notifyDependers(sl)
	}
	if old.IsEPK() {
		s.fireTriggered(sl)
	}

	// Suspend, then register with each dependee. If a dependee already
	// advanced past the recorded observation, the suspension is claimed back
	// and resumed immediately: registration alone could have lost the update
	// that raced with it.
	sl.susp.Store(&suspension{cont: res.Continuation, dependees: res.Dependees})
	for _, dobs := range res.Dependees {
		dsl := s.slot(dobs.Entity, dobs.Key)
		dsl.addDepender(sl)
		cur := dsl.load()
		if cur.IsEPK() {
			s.maybeScheduleLazy(dsl)
			continue
		}
		if cur.IsUpdatedComparedTo(dobs) {
			if claimed := sl.susp.Swap(nil); claimed != nil {
				s.deregister(sl, claimed.dependees)
				cont := claimed.cont
				dlocal := dsl
				s.schedule(func() { s.HandleResult(cont(dlocal.load())) })
			}
			return
		}
	}
}

func (s *ParallelStore) commitPartial(res PartialResult) {
	sl := s.slot(res.Entity, res.Key)
	old, changed := s.updateEP(sl, "commitPartial", func(cur properties.EOptionP) (properties.EOptionP, bool) {
		next, chg := res.Extend(cur)
		if !chg {
			return cur, false
		}
		return next, true
	})
	if !changed {
		return
	}
	s.updates.Add(1)
	s.log.Tracef("partial update %v", sl.load())
	s.notifyDependers(sl)
	if old.IsEPK() {
		s.fireTriggered(sl)
	}
}

// notifyDependers atomically drains the depender set and forks every waiting
// continuation whose suspension it wins. The observation handed to a
// continuation is loaded when the fork runs, so it is never older than the
// commit that caused the notification.
func (s *ParallelStore) notifyDependers(sl *pslot) {
	for _, dep := range sl.drainDependers() {
		susp := dep.susp.Swap(nil)
		if susp == nil {
			continue
		}
		s.deregister(dep, susp.dependees)
		cont := susp.cont
		src := sl
		s.schedule(func() { s.HandleResult(cont(src.load())) })
	}
}

func (s *ParallelStore) dropSuspension(sl *pslot) {
	if susp := sl.susp.Swap(nil); susp != nil {
		s.deregister(sl, susp.dependees)
	}
}

func (s *ParallelStore) deregister(sl *pslot, dependees []properties.EOptionP) {
	for _, dobs := range dependees {
		if dsl := s.peekSlot(dobs.Entity, dobs.Key.ID()); dsl != nil {
			dsl.removeDepender(sl)
		}
	}
}

func (s *ParallelStore) schedule(t func()) {
	wrapped := func() {
		s.tasksExecuted.Add(1)
		t()
	}
	s.poolMu.Lock()
	pool := s.pool
	if pool == nil {
		s.buffered = append(s.buffered, wrapped)
		s.poolMu.Unlock()
		return
	}
	s.poolMu.Unlock()
	pool.submit(wrapped)
}

// WaitOnPhaseCompletion starts the worker pool, runs all buffered and newly
// spawned tasks to quiescence, then dispatches the bookkeeping passes
// (fallbacks, cycle resolution, collaborative finalization) back onto the
// pool one at a time, repeating until no step produces further work. A panic
// escaping any task is escalated here and aborts the phase.
func (s *ParallelStore) WaitOnPhaseCompletion() error {
	pool := newTaskPool(s.numWorkers)
	s.poolMu.Lock()
	s.pool = pool
	buffered := s.buffered
	s.buffered = nil
	s.poolMu.Unlock()
	for _, t := range buffered {
		pool.submit(t)
	}

	runStep := func(step func() int) (int, error) {
		n := 0
		s.schedule(func() { n = step() })
		if err := pool.await(); err != nil {
			return 0, err
		}
		return n, nil
	}

	var phaseErr error
	captured := false
loop:
	for {
		if err := pool.await(); err != nil {
			phaseErr = err
			break
		}
		s.passes.Add(1)
		if !captured {
			candidates, _ := s.liveDependencies()
			s.quiescenceGraph = snapshotGraph(candidates)
			captured = true
		}
		progress := false
		for _, step := range []func() int{s.applyFallbacks, s.resolveCycles, s.finalizeCollaborative} {
			n, err := runStep(step)
			if err != nil {
				phaseErr = err
				break loop
			}
			if n > 0 {
				progress = true
				break
			}
		}
		if !progress {
			break
		}
	}

	s.poolMu.Lock()
	s.pool = nil
	s.poolMu.Unlock()
	if err := pool.close(); err != nil && phaseErr == nil {
		phaseErr = err
	}
	if phaseErr != nil {
		return fmt.Errorf("phase aborted: %w", phaseErr)
	}
	s.log.Debugf("phase completed: %+v", s.Statistics())
	return nil
}

func (s *ParallelStore) computedKinds() map[int]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kinds := make(map[int]bool, len(s.computed))
	for k := range s.computed {
		kinds[k] = true
	}
	return kinds
}

func (s *ParallelStore) kindMapsSnapshot() map[int]*sync.Map {
	s.mu.RLock()
	defer s.mu.RUnlock()
	maps := make(map[int]*sync.Map, len(s.kindMaps))
	for k, m := range s.kindMaps {
		maps[k] = m
	}
	return maps
}

// applyFallbacks runs as a single pool task while the rest of the pool is
// quiescent.
func (s *ParallelStore) applyFallbacks() int {
	computed := s.computedKinds()
	var pending []*pslot
	for kind, m := range s.kindMapsSnapshot() {
		if !computed[kind] {
			continue
		}
		m.Range(func(_, v any) bool {
			sl := v.(*pslot)
			if sl.load().IsEPK() {
				pending = append(pending, sl)
			}
			return true
		})
	}
	for _, sl := range pending {
		p := sl.key.Fallback(s, sl.e)
		s.log.Tracef("fallback %v/%s = %v", sl.e, sl.key.Name(), p)
		s.commitFinal(sl.e, p)
		s.fallbacksUsed.Add(1)
	}
	return len(pending)
}

// liveDependencies returns the cycle candidate view of all suspended slots
// together with the slots themselves (aligned by index).
func (s *ParallelStore) liveDependencies() ([]cycleCandidate, []*pslot) {
	var candidates []cycleCandidate
	var slots []*pslot
	for _, m := range s.kindMapsSnapshot() {
		m.Range(func(_, v any) bool {
			sl := v.(*pslot)
			susp := sl.susp.Load()
			ep := sl.load()
			if susp == nil || ep.IsFinal() {
				return true
			}
			candidates = append(candidates, cycleCandidate{eps: ep, dependees: susp.dependees})
			slots = append(slots, sl)
			return true
		})
	}
	return candidates, slots
}

func (s *ParallelStore) resolveCycles() int {
	candidates, slots := s.liveDependencies()

	// A suspension whose dependee finalized in the window between snapshot
	// and quiescence is resumed instead of being treated as a cycle member.
	progress := 0
	live := candidates[:0]
	for i, c := range candidates {
		resumed := false
		for _, dobs := range c.dependees {
			if cur := s.Peek(dobs.Entity, dobs.Key); cur.IsUpdatedComparedTo(dobs) && cur.IsFinal() {
				sl := slots[i]
				if claimed := sl.susp.Swap(nil); claimed != nil {
					s.deregister(sl, claimed.dependees)
					cont := claimed.cont
					obs := cur
					s.schedule(func() { s.HandleResult(cont(obs)) })
					progress++
				}
				resumed = true
				break
			}
		}
		if !resumed {
			live = append(live, c)
		}
	}

	n := resolveClosedComponents(s, live, s.commitFinal)
	s.cyclesResolved.Add(int64(n))
	return progress + n
}

// finalizeCollaborative commits the interim values of the pre-declared
// collaboratively computed kinds as final, in declaration order.
func (s *ParallelStore) finalizeCollaborative() int {
	s.mu.RLock()
	finalize := s.finalize
	s.mu.RUnlock()
	n := 0
	for _, key := range finalize {
		m := s.kindMap(key.ID())
		var pending []*pslot
		m.Range(func(_, v any) bool {
			sl := v.(*pslot)
			if sl.load().IsInterim() {
				pending = append(pending, sl)
			}
			return true
		})
		for _, sl := range pending {
			ep := sl.load()
			p := ep.UB()
			if p == nil {
				p = ep.LB()
			}
			s.commitFinal(sl.e, p)
			n++
		}
	}
	return n
}

// Properties returns the current observations of all entities known for key.
func (s *ParallelStore) Properties(key properties.PropertyKey) []properties.EOptionP {
	var out []properties.EOptionP
	s.kindMap(key.ID()).Range(func(_, v any) bool {
		out = append(out, v.(*pslot).load())
		return true
	})
	return out
}

// KnownEntities returns all entities that have a slot of the given kind.
func (s *ParallelStore) KnownEntities(key properties.PropertyKey) []properties.Entity {
	var out []properties.Entity
	s.kindMap(key.ID()).Range(func(e, _ any) bool {
		out = append(out, e)
		return true
	})
	return out
}

// DependencyGraph returns a snapshot of the live depender/dependee graph.
func (s *ParallelStore) DependencyGraph() *DepGraph {
	candidates, _ := s.liveDependencies()
	return snapshotGraph(candidates)
}

// QuiescenceGraph returns the dependency graph captured at the first
// quiescence pass of the most recent phase.
func (s *ParallelStore) QuiescenceGraph() *DepGraph { return s.quiescenceGraph }

// Statistics returns a snapshot of the engine's counters.
func (s *ParallelStore) Statistics() Statistics {
	return Statistics{
		TasksExecuted:    s.tasksExecuted.Load(),
		Updates:          s.updates.Load(),
		FallbacksUsed:    s.fallbacksUsed.Load(),
		CyclesResolved:   s.cyclesResolved.Load(),
		QuiescencePasses: s.passes.Load(),
	}
}
