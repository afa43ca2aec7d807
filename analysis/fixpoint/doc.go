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

/*
Package fixpoint implements the property computation engines: the runtime
that lets independent analyses compute monotonically refined facts about
program entities while the engine discovers, tracks and resolves the
dependency graph that forms between not-yet-final results.

Analyses interact with an engine exclusively through the [Store] contract.
They declare property kinds (see the properties package), register
computations, and read other entities' properties through Apply:

	ctx := fixpoint.NewContext(logger)
	store := fixpoint.NewSequentialStore(ctx)
	store.RegisterLazyComputation(key, computePurity)
	store.SetupPhase([]properties.PropertyKey{key}, nil)
	obs := store.Apply(method, key) // schedules computePurity(method) once
	err := store.WaitOnPhaseCompletion()

A computation returns one of the closed set of [ComputationResult] shapes.
When it returns an [InterimResult], the engine records the declared dependees
and re-invokes the continuation whenever one of them advances; the
continuation's own result replaces the registration. At quiescence the engine
fills fallback values for untouched slots of phase-computed kinds, resolves
closed strongly-connected components of mutually dependent slots, and repeats
until no step produces further work.

Two engines share this contract. [SequentialStore] is the single-threaded
reference implementation and the correctness baseline. [ParallelStore] runs
computations on a fixed-size worker pool with per-kind concurrent maps and
compare-and-swap slot cells; for the same registrations it produces the same
final assignment of properties to entities.
*/
package fixpoint
