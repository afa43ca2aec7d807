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

import (
	"fmt"
	"sync"

	"github.com/roterEmil/opal-sub001/internal/funcutil"
)

// PropertyReader is the read-only store access handed to fallback and cycle
// resolution functions. Peek returns the current observation of a slot and
// never schedules a computation.
type PropertyReader interface {
	Peek(e Entity, key PropertyKey) EOptionP
}

// FallbackFn computes the default final value for an entity whose slot was
// never touched by any computation of the kind.
type FallbackFn func(r PropertyReader, e Entity) Property

// CycleResolutionFn terminates a closed dependency cycle. It receives one
// representative interim observation of the cycle and must return a final
// observation for the same slot.
type CycleResolutionFn func(r PropertyReader, eps EOptionP) EOptionP

// PropertyKey identifies a kind of property, i.e. one lattice. Keys are
// created through a KindRegistry and are only meaningful with respect to the
// registry that created them. The zero value is invalid.
type PropertyKey struct {
	reg *KindRegistry
	id  int
}

// ID returns the registry-local numeric identifier of the kind.
func (k PropertyKey) ID() int { return k.id }

// Name returns the human-readable name the kind was registered under.
func (k PropertyKey) Name() string {
	return k.reg.decl(k.id).name
}

// IsValid reports whether the key was obtained from a registry.
func (k PropertyKey) IsValid() bool { return k.reg != nil }

// Fallback computes the kind's default value for e.
func (k PropertyKey) Fallback(r PropertyReader, e Entity) Property {
	return k.reg.decl(k.id).fallback(r, e)
}

// Resolve invokes the kind's cycle resolution function on the representative
// observation eps.
func (k PropertyKey) Resolve(r PropertyReader, eps EOptionP) EOptionP {
	return k.reg.decl(k.id).resolve(r, eps)
}

func (k PropertyKey) String() string {
	if k.reg == nil {
		return "PropertyKey(invalid)"
	}
	return fmt.Sprintf("PropertyKey(%d,%s)", k.id, k.Name())
}

type kindDecl struct {
	name     string
	fallback FallbackFn
	resolve  CycleResolutionFn
}

// KindRegistry holds the property kinds of one analysis context. It replaces
// process-wide singleton kind state: a registry is created together with a
// store context and discarded with it, so independent analysis runs cannot
// observe each other's kinds.
type KindRegistry struct {
	mu     sync.Mutex
	kinds  []kindDecl
	byName map[string]int
}

// NewKindRegistry returns an empty registry.
func NewKindRegistry() *KindRegistry {
	return &KindRegistry{byName: map[string]int{}}
}

// Create declares a new property kind. The fallback function is required. If
// resolve is nil, cycles of this kind are terminated by committing the
// representative's upper bound as final. Declaring the same name twice is a
// programming error.
func (r *KindRegistry) Create(name string, fallback FallbackFn, resolve CycleResolutionFn) PropertyKey {
	if fallback == nil {
		panic(fmt.Sprintf("property kind %q declared without a fallback", name))
	}
	if resolve == nil {
		resolve = resolveWithUpperBound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[name]; dup {
		panic(fmt.Sprintf("property kind %q declared twice", name))
	}
	id := len(r.kinds)
	r.kinds = append(r.kinds, kindDecl{name: name, fallback: fallback, resolve: resolve})
	r.byName[name] = id
	return PropertyKey{reg: r, id: id}
}

// Lookup returns the key registered under name, if any.
func (r *KindRegistry) Lookup(name string) funcutil.Optional[PropertyKey] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		return funcutil.Some(PropertyKey{reg: r, id: id})
	}
	return funcutil.None[PropertyKey]()
}

// NumKinds returns the number of kinds declared so far.
func (r *KindRegistry) NumKinds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kinds)
}

func (r *KindRegistry) decl(id int) kindDecl {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kinds[id]
}

func resolveWithUpperBound(_ PropertyReader, eps EOptionP) EOptionP {
	return FinalEP(eps.Entity, eps.Key, eps.UB())
}
