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
Package properties defines the value vocabulary shared by every fixpoint
engine: entities, lattice-valued properties, property kinds and the
three-state observation of an (entity, kind) slot.

An [Entity] is an opaque, identity-comparable subject of analysis supplied by
a collaborator. A [Property] is an immutable value in the lattice identified
by its [PropertyKey]. Kinds are declared once per analysis context through a
[KindRegistry]:

	reg := properties.NewKindRegistry()
	purity := reg.Create("Purity", fallbackPurity, resolvePurityCycle)

The current knowledge about property k of entity e is an [EOptionP], which is
in exactly one of three states and only ever progresses forward:

	EPK(e, k)                 nothing is known yet
	InterimEP(e, k, lb, ub)   a refinable value with bounds
	FinalEP(e, k, p)          terminal, immutable

The engines in the fixpoint package are the only writers of observations;
collaborators read them through a store's Apply and describe refinements by
returning computation results.
*/
package properties
