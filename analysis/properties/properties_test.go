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

package properties_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roterEmil/opal-sub001/analysis/properties"
)

type markerProp struct {
	key properties.PropertyKey
	val string
}

func (p *markerProp) Key() properties.PropertyKey { return p.key }
func (p *markerProp) String() string              { return p.val }

func noFallback(_ properties.PropertyReader, _ properties.Entity) properties.Property {
	panic("must not fall back")
}

func TestKindRegistry(t *testing.T) {
	reg := properties.NewKindRegistry()

	k1 := reg.Create("Purity", noFallback, nil)
	k2 := reg.Create("Escape", noFallback, nil)
	require.True(t, k1.IsValid())
	require.NotEqual(t, k1.ID(), k2.ID())
	require.Equal(t, "Purity", k1.Name())
	require.Equal(t, 2, reg.NumKinds())

	found := reg.Lookup("Escape")
	require.True(t, found.IsSome())
	require.Equal(t, k2, found.Value())
	require.False(t, reg.Lookup("Unknown").IsSome())

	require.Panics(t, func() { reg.Create("Purity", noFallback, nil) })
	require.Panics(t, func() { reg.Create("NoFallback", nil, nil) })
}

func TestRegistriesAreIndependent(t *testing.T) {
	r1 := properties.NewKindRegistry()
	r2 := properties.NewKindRegistry()
	k1 := r1.Create("Purity", noFallback, nil)
	k2 := r2.Create("Purity", noFallback, nil)
	require.Equal(t, k1.ID(), k2.ID())
	require.NotEqual(t, k1, k2)
}

func TestObservationStates(t *testing.T) {
	reg := properties.NewKindRegistry()
	key := reg.Create("Purity", noFallback, nil)
	p := &markerProp{key: key, val: "Pure"}

	epk := properties.EPK("f", key)
	require.True(t, epk.IsEPK())
	require.False(t, epk.IsInterim())
	require.False(t, epk.IsFinal())
	require.Panics(t, func() { epk.Value() })

	interim := properties.InterimUBP("f", key, p)
	require.True(t, interim.IsInterim())
	require.True(t, interim.HasUB())
	require.False(t, interim.HasLB())
	require.Same(t, p, interim.UB())
	require.Panics(t, func() { interim.Value() })

	final := properties.FinalEP("f", key, p)
	require.True(t, final.IsFinal())
	require.Same(t, p, final.Value())
	require.Same(t, p, final.UB())
	require.Same(t, p, final.LB())

	require.Panics(t, func() { properties.InterimEP("f", key, nil, nil) })
	require.Panics(t, func() { properties.FinalEP("f", key, nil) })
}

func TestIsUpdatedComparedTo(t *testing.T) {
	reg := properties.NewKindRegistry()
	key := reg.Create("Purity", noFallback, nil)
	p1 := &markerProp{key: key, val: "MaybePure"}
	p2 := &markerProp{key: key, val: "Pure"}

	epk := properties.EPK("f", key)
	i1 := properties.InterimUBP("f", key, p1)
	i2 := properties.InterimUBP("f", key, p2)
	fin := properties.FinalEP("f", key, p2)

	require.True(t, i1.IsUpdatedComparedTo(epk))
	require.False(t, i1.IsUpdatedComparedTo(i1))
	require.True(t, i2.IsUpdatedComparedTo(i1))
	require.True(t, fin.IsUpdatedComparedTo(i2))
	require.False(t, i2.IsUpdatedComparedTo(fin))
}

func TestDefaultCycleResolutionUsesUpperBound(t *testing.T) {
	reg := properties.NewKindRegistry()
	key := reg.Create("Purity", noFallback, nil)
	p := &markerProp{key: key, val: "Pure"}

	resolved := key.Resolve(nil, properties.InterimUBP("f", key, p))
	require.True(t, resolved.IsFinal())
	require.Same(t, p, resolved.Value())
}
