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

package fixpoint_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roterEmil/opal-sub001/analysis/fixpoint"
	"github.com/roterEmil/opal-sub001/analysis/properties"
)

// forEachEngine runs the same scenario against both store implementations.
// Every observable outcome asserted below must hold for either engine.
func forEachEngine(t *testing.T, run func(t *testing.T, newStore func(ctx *fixpoint.Context) fixpoint.Store)) {
	t.Run("sequential", func(t *testing.T) {
		run(t, func(ctx *fixpoint.Context) fixpoint.Store {
			return fixpoint.NewSequentialStore(ctx)
		})
	})
	t.Run("parallel", func(t *testing.T) {
		run(t, func(ctx *fixpoint.Context) fixpoint.Store {
			return fixpoint.NewParallelStore(ctx, 8)
		})
	})
}

// flagProp is a named lattice value; all tests below share instances, so
// refinement detection by identity behaves like production property types.
type flagProp struct {
	key properties.PropertyKey
	val string
}

func (p *flagProp) Key() properties.PropertyKey { return p.key }
func (p *flagProp) String() string              { return p.val }

// palindromeKind declares the classic two-valued test lattice and returns the
// key plus the two property instances.
func palindromeKind(reg *properties.KindRegistry) (properties.PropertyKey, *flagProp, *flagProp) {
	pal := &flagProp{val: "Palindrome"}
	noPal := &flagProp{val: "NoPalindrome"}
	key := reg.Create("Palindromeness",
		func(_ properties.PropertyReader, _ properties.Entity) properties.Property {
			return noPal
		}, nil)
	pal.key = key
	noPal.key = key
	return key, pal, noPal
}

func isPalindrome(s string) bool {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		if s[i] != s[j] {
			return false
		}
	}
	return true
}

var testStrings = []string{
	"a", "b", "c", "aa", "bb", "cc", "ab", "bc", "cd",
	"aaa", "aea", "aabbcbbaa", "fd", "zu", "aaabbbaaa",
}

func TestEagerPalindromes(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newStore func(ctx *fixpoint.Context) fixpoint.Store) {
		ctx := fixpoint.NewContext(nil)
		store := newStore(ctx)
		key, pal, noPal := palindromeKind(ctx.Registry)
		store.SetupPhase([]properties.PropertyKey{key}, nil)

		compute := func(e properties.Entity) fixpoint.ComputationResult {
			if isPalindrome(e.(string)) {
				return fixpoint.Result{Entity: e, Property: pal}
			}
			return fixpoint.Result{Entity: e, Property: noPal}
		}
		for _, s := range testStrings {
			store.ScheduleEagerComputationForEntity(s, compute)
		}
		require.NoError(t, store.WaitOnPhaseCompletion())

		for _, s := range testStrings {
			obs := store.Peek(s, key)
			require.True(t, obs.IsFinal(), "expected a final value for %q", s)
			want := noPal
			if isPalindrome(s) {
				want = pal
			}
			require.Same(t, want, obs.Value(), "wrong palindromeness for %q", s)
		}
		require.Len(t, store.KnownEntities(key), len(testStrings))
		require.Equal(t, int64(0), store.Statistics().FallbacksUsed)
	})
}

func TestLazyComputationRunsAtMostOnce(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newStore func(ctx *fixpoint.Context) fixpoint.Store) {
		ctx := fixpoint.NewContext(nil)
		store := newStore(ctx)
		key, pal, noPal := palindromeKind(ctx.Registry)
		store.SetupPhase([]properties.PropertyKey{key}, nil)

		var mu sync.Mutex
		runs := map[string]int{}
		store.RegisterLazyComputation(key, func(e properties.Entity) fixpoint.ComputationResult {
			mu.Lock()
			runs[e.(string)]++
			mu.Unlock()
			if isPalindrome(e.(string)) {
				return fixpoint.Result{Entity: e, Property: pal}
			}
			return fixpoint.Result{Entity: e, Property: noPal}
		})

		// Repeated demand must not re-schedule.
		for i := 0; i < 10; i++ {
			for _, s := range testStrings {
				store.Apply(s, key)
			}
		}
		require.NoError(t, store.WaitOnPhaseCompletion())

		for _, s := range testStrings {
			require.Equal(t, 1, runs[s], "lazy computation for %q ran %d times", s, runs[s])
			require.True(t, store.Peek(s, key).IsFinal())
		}
	})
}

func TestFallbacksFillUntouchedSlots(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newStore func(ctx *fixpoint.Context) fixpoint.Store) {
		ctx := fixpoint.NewContext(nil)
		store := newStore(ctx)
		key, _, noPal := palindromeKind(ctx.Registry)
		store.SetupPhase([]properties.PropertyKey{key}, nil)

		// Demanded but never computed: no computation is registered.
		store.Apply("aa", key)
		store.Apply("ab", key)
		require.NoError(t, store.WaitOnPhaseCompletion())

		for _, s := range []string{"aa", "ab"} {
			obs := store.Peek(s, key)
			require.True(t, obs.IsFinal())
			require.Same(t, noPal, obs.Value())
		}
		require.Equal(t, int64(2), store.Statistics().FallbacksUsed)
	})
}

// TestDependentComputation exercises suspension and resumption: the
// "SuperPalindromeness" of a string depends on the palindromeness of the
// string and of its first half.
func TestDependentComputation(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newStore func(ctx *fixpoint.Context) fixpoint.Store) {
		ctx := fixpoint.NewContext(nil)
		store := newStore(ctx)
		palKey, pal, noPal := palindromeKind(ctx.Registry)

		super := &flagProp{val: "SuperPalindrome"}
		noSuper := &flagProp{val: "NoSuperPalindrome"}
		superKey := ctx.Registry.Create("SuperPalindromeness",
			func(_ properties.PropertyReader, _ properties.Entity) properties.Property {
				return noSuper
			}, nil)
		super.key = superKey
		noSuper.key = superKey

		store.SetupPhase([]properties.PropertyKey{palKey, superKey}, nil)
		store.RegisterLazyComputation(palKey, func(e properties.Entity) fixpoint.ComputationResult {
			if isPalindrome(e.(string)) {
				return fixpoint.Result{Entity: e, Property: pal}
			}
			return fixpoint.Result{Entity: e, Property: noPal}
		})

		computeSuper := func(e properties.Entity) fixpoint.ComputationResult {
			s := e.(string)
			half := s[:len(s)/2]
			var await []properties.EOptionP
			decided := true
			for _, dep := range []string{s, half} {
				obs := store.Apply(dep, palKey)
				if !obs.IsFinal() {
					await = append(await, obs)
					decided = false
					continue
				}
				if obs.Value() == properties.Property(noPal) {
					return fixpoint.Result{Entity: e, Property: noSuper}
				}
			}
			if decided {
				return fixpoint.Result{Entity: e, Property: super}
			}
			var cont fixpoint.Continuation
			cont = func(updated properties.EOptionP) fixpoint.ComputationResult {
				if updated.IsFinal() && updated.Value() == properties.Property(noPal) {
					return fixpoint.Result{Entity: e, Property: noSuper}
				}
				for _, dep := range []string{s, half} {
					obs := store.Apply(dep, palKey)
					if !obs.IsFinal() {
						return fixpoint.InterimResult{
							Entity: e, UB: super,
							Dependees:    []properties.EOptionP{obs},
							Continuation: cont,
						}
					}
					if obs.Value() == properties.Property(noPal) {
						return fixpoint.Result{Entity: e, Property: noSuper}
					}
				}
				return fixpoint.Result{Entity: e, Property: super}
			}
			return fixpoint.InterimResult{
				Entity: e, UB: super,
				Dependees:    await,
				Continuation: cont,
			}
		}
		for _, s := range testStrings {
			store.ScheduleEagerComputationForEntity(s, computeSuper)
		}
		require.NoError(t, store.WaitOnPhaseCompletion())

		for _, s := range testStrings {
			obs := store.Peek(s, superKey)
			require.True(t, obs.IsFinal(), "no final super palindromeness for %q", s)
			want := noSuper
			if isPalindrome(s) && isPalindrome(s[:len(s)/2]) {
				want = super
			}
			require.Same(t, want, obs.Value(), "wrong super palindromeness for %q", s)
		}
	})
}

func TestTriggeredComputationFiresExactlyOncePerEntity(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newStore func(ctx *fixpoint.Context) fixpoint.Store) {
		ctx := fixpoint.NewContext(nil)
		store := newStore(ctx)
		key, pal, noPal := palindromeKind(ctx.Registry)

		seen := &flagProp{val: "Seen"}
		seenKey := ctx.Registry.Create("Seen",
			func(_ properties.PropertyReader, _ properties.Entity) properties.Property {
				return seen
			}, nil)
		seen.key = seenKey
		store.SetupPhase([]properties.PropertyKey{key, seenKey}, nil)

		record := func(e properties.Entity) fixpoint.ComputationResult {
			return fixpoint.Result{Entity: e, Property: seen}
		}

		// Half the entities receive their value before registration, half
		// after. Both halves must be triggered, none twice.
		before, after := testStrings[:len(testStrings)/2], testStrings[len(testStrings)/2:]
		for _, s := range before {
			if isPalindrome(s) {
				store.Set(s, pal)
			} else {
				store.Set(s, noPal)
			}
		}
		store.RegisterTriggeredComputation(key, record)
		for _, s := range after {
			store.ScheduleEagerComputationForEntity(s, func(e properties.Entity) fixpoint.ComputationResult {
				if isPalindrome(e.(string)) {
					return fixpoint.Result{Entity: e, Property: pal}
				}
				return fixpoint.Result{Entity: e, Property: noPal}
			})
		}
		require.NoError(t, store.WaitOnPhaseCompletion())

		entities := store.KnownEntities(seenKey)
		require.Len(t, entities, len(testStrings))
		for _, s := range testStrings {
			require.True(t, store.Peek(s, seenKey).IsFinal(), "entity %q was not triggered", s)
		}
	})
}

func TestPartialResultsCollaborate(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newStore func(ctx *fixpoint.Context) fixpoint.Store) {
		ctx := fixpoint.NewContext(nil)
		store := newStore(ctx)

		countKey := ctx.Registry.Create("PalindromeCount",
			func(_ properties.PropertyReader, _ properties.Entity) properties.Property {
				panic("the count must never fall back")
			}, nil)
		store.SetupPhase(nil, []properties.PropertyKey{countKey})

		// Every palindrome contributes 1 to a shared counter entity; the
		// counter kind is collaboratively computed and finalized at the end
		// of the phase.
		const counter = "counter"
		for _, s := range testStrings {
			s := s
			store.ScheduleEagerComputationForEntity(s, func(e properties.Entity) fixpoint.ComputationResult {
				if !isPalindrome(s) {
					return fixpoint.NoResult{}
				}
				return fixpoint.PartialResult{
					Entity: counter,
					Key:    countKey,
					Extend: func(cur properties.EOptionP) (properties.EOptionP, bool) {
						n := 0
						if cur.HasUB() {
							n = cur.UB().(*countProp).n
						}
						return properties.InterimUBP(counter, countKey,
							&countProp{key: countKey, n: n + 1}), true
					},
				}
			})
		}
		require.NoError(t, store.WaitOnPhaseCompletion())

		obs := store.Peek(counter, countKey)
		require.True(t, obs.IsFinal())
		want := 0
		for _, s := range testStrings {
			if isPalindrome(s) {
				want++
			}
		}
		require.Equal(t, want, obs.Value().(*countProp).n)
	})
}

func TestIncrementalResultsSpawnFollowups(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newStore func(ctx *fixpoint.Context) fixpoint.Store) {
		ctx := fixpoint.NewContext(nil)
		store := newStore(ctx)
		key, pal, noPal := palindromeKind(ctx.Registry)
		store.SetupPhase([]properties.PropertyKey{key}, nil)

		// Each string schedules its tail; seeding the longest string must
		// compute palindromeness for every suffix.
		var compute fixpoint.PropertyComputation
		compute = func(e properties.Entity) fixpoint.ComputationResult {
			s := e.(string)
			p := properties.Property(noPal)
			if isPalindrome(s) {
				p = pal
			}
			res := fixpoint.Result{Entity: e, Property: p}
			if len(s) <= 1 {
				return res
			}
			return fixpoint.IncrementalResult{
				Result: res,
				Next:   []fixpoint.QueuedComputation{{Computation: compute, Entity: s[1:]}},
			}
		}
		store.ScheduleEagerComputationForEntity("aabbcbbaa", compute)
		require.NoError(t, store.WaitOnPhaseCompletion())

		require.Len(t, store.KnownEntities(key), len("aabbcbbaa"))
		require.True(t, store.Peek("cbbaa", key).IsFinal())
		require.Same(t, noPal, store.Peek("cbbaa", key).Value())
		require.Same(t, pal, store.Peek("aa", key).Value())
	})
}

type countProp struct {
	key properties.PropertyKey
	n   int
}

func (p *countProp) Key() properties.PropertyKey { return p.key }
func (p *countProp) String() string              { return fmt.Sprintf("Count(%d)", p.n) }

func TestSetAndLazyRegistrationConflict(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newStore func(ctx *fixpoint.Context) fixpoint.Store) {
		noop := func(e properties.Entity) fixpoint.ComputationResult { return fixpoint.NoResult{} }

		ctx := fixpoint.NewContext(nil)
		store := newStore(ctx)
		key, pal, _ := palindromeKind(ctx.Registry)
		store.Set("aa", pal)
		require.Panics(t, func() { store.RegisterLazyComputation(key, noop) })

		ctx2 := fixpoint.NewContext(nil)
		store2 := newStore(ctx2)
		key2, pal2, _ := palindromeKind(ctx2.Registry)
		store2.RegisterLazyComputation(key2, noop)
		require.Panics(t, func() { store2.Set("aa", pal2) })
	})
}

func TestDoubleFinalizationIsRejected(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newStore func(ctx *fixpoint.Context) fixpoint.Store) {
		ctx := fixpoint.NewContext(nil)
		store := newStore(ctx)
		_, pal, noPal := palindromeKind(ctx.Registry)

		store.Set("ab", noPal)
		require.Panics(t, func() { store.Set("ab", pal) })
	})
}

// TestComputationPanicAbortsPhase checks that a panic escaping a scheduled
// computation surfaces as an error from WaitOnPhaseCompletion instead of
// being mistaken for quiescence.
func TestComputationPanicAbortsPhase(t *testing.T) {
	forEachEngine(t, func(t *testing.T, newStore func(ctx *fixpoint.Context) fixpoint.Store) {
		ctx := fixpoint.NewContext(nil)
		store := newStore(ctx)
		key, pal, _ := palindromeKind(ctx.Registry)
		store.SetupPhase([]properties.PropertyKey{key}, nil)

		store.ScheduleEagerComputationForEntity("aa", func(e properties.Entity) fixpoint.ComputationResult {
			return fixpoint.Result{Entity: e, Property: pal}
		})
		store.ScheduleEagerComputationForEntity("ab", func(e properties.Entity) fixpoint.ComputationResult {
			panic("analysis bug")
		})

		err := store.WaitOnPhaseCompletion()
		require.Error(t, err)
		require.ErrorContains(t, err, "phase aborted")
	})
}
