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
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roterEmil/opal-sub001/analysis/fixpoint"
	"github.com/roterEmil/opal-sub001/analysis/properties"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// depthProp carries the distance to the end of a dependency chain.
type depthProp struct {
	key properties.PropertyKey
	n   int
}

func (p *depthProp) Key() properties.PropertyKey { return p.key }

// TestParallelDeepDependencyChain demands the head of a long chain where
// every slot suspends on its successor. The chain forces thousands of
// suspensions and resumptions across workers; the final depths must still be
// exact.
func TestParallelDeepDependencyChain(t *testing.T) {
	const n = 2000

	ctx := fixpoint.NewContext(nil)
	store := fixpoint.NewParallelStore(ctx, 8)

	pending := &depthProp{n: -1}
	key := ctx.Registry.Create("ChainDepth",
		func(_ properties.PropertyReader, _ properties.Entity) properties.Property {
			panic("every chain slot must be computed")
		}, nil)
	pending.key = key

	store.RegisterLazyComputation(key, func(e properties.Entity) fixpoint.ComputationResult {
		i := e.(int)
		if i == n-1 {
			return fixpoint.Result{Entity: e, Property: &depthProp{key: key, n: 0}}
		}
		obs := store.Apply(i+1, key)
		if obs.IsFinal() {
			return fixpoint.Result{Entity: e, Property: &depthProp{key: key, n: obs.Value().(*depthProp).n + 1}}
		}
		var cont fixpoint.Continuation
		cont = func(updated properties.EOptionP) fixpoint.ComputationResult {
			if updated.IsFinal() {
				return fixpoint.Result{Entity: e, Property: &depthProp{key: key, n: updated.Value().(*depthProp).n + 1}}
			}
			return fixpoint.InterimResult{
				Entity: e, UB: pending,
				Dependees:    []properties.EOptionP{updated},
				Continuation: cont,
			}
		}
		return fixpoint.InterimResult{
			Entity: e, UB: pending,
			Dependees:    []properties.EOptionP{obs},
			Continuation: cont,
		}
	})
	store.SetupPhase([]properties.PropertyKey{key}, nil)

	store.Apply(0, key)
	require.NoError(t, store.WaitOnPhaseCompletion())

	for i := 0; i < n; i++ {
		obs := store.Peek(i, key)
		require.True(t, obs.IsFinal(), "no final depth for %d", i)
		require.Equal(t, n-1-i, obs.Value().(*depthProp).n, "wrong depth for %d", i)
	}
}

// TestParallelConcurrentDemandSchedulesOnce lets many tasks race on Apply for
// the same lazy slots; the registered computation must still run exactly once
// per entity.
func TestParallelConcurrentDemandSchedulesOnce(t *testing.T) {
	const demanders = 64

	ctx := fixpoint.NewContext(nil)
	store := fixpoint.NewParallelStore(ctx, 8)
	key, pal, noPal := palindromeKind(ctx.Registry)
	store.SetupPhase([]properties.PropertyKey{key}, nil)

	var runs atomic.Int64
	store.RegisterLazyComputation(key, func(e properties.Entity) fixpoint.ComputationResult {
		runs.Add(1)
		if isPalindrome(e.(string)) {
			return fixpoint.Result{Entity: e, Property: pal}
		}
		return fixpoint.Result{Entity: e, Property: noPal}
	})

	for i := 0; i < demanders; i++ {
		store.ScheduleEagerComputationForEntity(i, func(properties.Entity) fixpoint.ComputationResult {
			for _, s := range testStrings {
				store.Apply(s, key)
			}
			return fixpoint.NoResult{}
		})
	}
	require.NoError(t, store.WaitOnPhaseCompletion())

	require.Equal(t, int64(len(testStrings)), runs.Load())
	for _, s := range testStrings {
		require.True(t, store.Peek(s, key).IsFinal())
	}
}

// TestParallelWorkerCountDefaults checks the NumCPU default.
func TestParallelWorkerCountDefaults(t *testing.T) {
	ctx := fixpoint.NewContext(nil)
	store := fixpoint.NewParallelStore(ctx, 0)
	key, pal, _ := palindromeKind(ctx.Registry)
	store.SetupPhase([]properties.PropertyKey{key}, nil)
	store.Set("aa", pal)
	require.NoError(t, store.WaitOnPhaseCompletion())
	require.True(t, store.Peek("aa", key).IsFinal())
}
