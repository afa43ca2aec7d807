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

// Entity is an opaque reference to anything an analysis reasons about: a
// method, a field, a type, an allocation site, or a synthetic grouping key.
// Entities are supplied by collaborators and are never constructed by the
// engine. The dynamic type of an Entity must be comparable, as entities serve
// as map keys and are compared by identity.
type Entity any

// Property is an immutable lattice value attached to exactly one entity slot.
// A Property belongs to the lattice identified by its key. Implementations
// must have a comparable dynamic type; the engines detect refinement by
// comparing observations, so a refined value must not compare equal to its
// predecessor (pointer types naturally satisfy this).
type Property interface {
	// Key identifies the kind (i.e., the lattice) this property belongs to.
	Key() PropertyKey
}

// OrderedProperty is implemented by properties whose lattice order is
// machine-checkable. The engines validate every refinement of an ordered
// property; a refinement that moves away from the more precise end of the
// lattice is a programming error in the registered analysis and aborts the
// run.
type OrderedProperty interface {
	Property

	// CheckIsEqualOrBetterThan returns a non-nil error when the receiver is
	// neither equal to nor more precise than other in the lattice order.
	CheckIsEqualOrBetterThan(other Property) error
}
