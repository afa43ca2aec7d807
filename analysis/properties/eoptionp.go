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

package properties

import "fmt"

// EOptionP is the observation of a single (entity, kind) slot. It is in
// exactly one of three states:
//
//   - EPK: nothing is known yet, no property was ever computed;
//   - interim: a refinable value, bounded by LB and UB (at least one set);
//   - final: terminal, the slot will never change again.
//
// The sequence of observations of one slot over time is monotonically
// non-decreasing toward final. Observations are plain values; holding on to
// one never pins engine state.
type EOptionP struct {
	Entity Entity
	Key    PropertyKey

	lb, ub Property
	final  bool
}

// EPK returns the "nothing known" observation of (e, key).
func EPK(e Entity, key PropertyKey) EOptionP {
	return EOptionP{Entity: e, Key: key}
}

// InterimEP returns a refinable observation with the given bounds. At least
// one bound must be non-nil.
func InterimEP(e Entity, key PropertyKey, lb, ub Property) EOptionP {
	if lb == nil && ub == nil {
		panic(fmt.Sprintf("interim observation of %v/%s without bounds", e, key.Name()))
	}
	return EOptionP{Entity: e, Key: key, lb: lb, ub: ub}
}

// InterimUBP returns a refinable observation carrying only an upper bound.
func InterimUBP(e Entity, key PropertyKey, ub Property) EOptionP {
	return InterimEP(e, key, nil, ub)
}

// InterimLBP returns a refinable observation carrying only a lower bound.
func InterimLBP(e Entity, key PropertyKey, lb Property) EOptionP {
	return InterimEP(e, key, lb, nil)
}

// FinalEP returns the terminal observation of (e, key) with value p.
func FinalEP(e Entity, key PropertyKey, p Property) EOptionP {
	if p == nil {
		panic(fmt.Sprintf("final observation of %v/%s without a value", e, key.Name()))
	}
	return EOptionP{Entity: e, Key: key, lb: p, ub: p, final: true}
}

// IsEPK reports whether nothing is known about the slot.
func (o EOptionP) IsEPK() bool { return o.lb == nil && o.ub == nil }

// IsFinal reports whether the slot reached its terminal state.
func (o EOptionP) IsFinal() bool { return o.final }

// IsInterim reports whether the slot holds a refinable value.
func (o EOptionP) IsInterim() bool { return !o.final && !o.IsEPK() }

// HasUB reports whether the observation carries an upper bound.
func (o EOptionP) HasUB() bool { return o.ub != nil }

// HasLB reports whether the observation carries a lower bound.
func (o EOptionP) HasLB() bool { return o.lb != nil }

// UB returns the upper bound, or nil if none is known.
func (o EOptionP) UB() Property { return o.ub }

// LB returns the lower bound, or nil if none is known.
func (o EOptionP) LB() Property { return o.lb }

// Value returns the final property. It panics when the observation is not
// final; callers check IsFinal first.
func (o EOptionP) Value() Property {
	if !o.final {
		panic(fmt.Sprintf("observation of %v/%s is not final", o.Entity, o.Key.Name()))
	}
	return o.ub
}

// IsUpdatedComparedTo reports whether the receiver is a strictly newer
// observation of the same slot than older. Property values are immutable, so
// a slot advanced exactly when its finality or one of its bounds changed.
func (o EOptionP) IsUpdatedComparedTo(older EOptionP) bool {
	if o.final != older.final {
		return o.final
	}
	return o.lb != older.lb || o.ub != older.ub
}

func (o EOptionP) String() string {
	switch {
	case o.IsEPK():
		return fmt.Sprintf("EPK(%v,%s)", o.Entity, o.Key.Name())
	case o.final:
		return fmt.Sprintf("FinalEP(%v,%s,%v)", o.Entity, o.Key.Name(), o.ub)
	default:
		return fmt.Sprintf("InterimEP(%v,%s,lb=%v,ub=%v)", o.Entity, o.Key.Name(), o.lb, o.ub)
	}
}
