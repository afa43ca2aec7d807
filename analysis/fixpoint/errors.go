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

	"github.com/roterEmil/opal-sub001/analysis/properties"
)

// InvariantViolation reports a bug in a registered analysis: updating a final
// slot, a non-monotonic refinement of an ordered property, Set colliding with
// a lazy registration, or a cycle resolution returning a non-final value.
// The engines raise it with panic at the offending call site; it is not a
// runtime condition to tolerate or repair. WaitOnPhaseCompletion converts
// violations escaping scheduled tasks into an error aborting the phase.
type InvariantViolation struct {
	Op  string
	Msg string
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("property store invariant violated in %s: %s", v.Op, v.Msg)
}

func violation(op string, format string, args ...any) {
	panic(&InvariantViolation{Op: op, Msg: fmt.Sprintf(format, args...)})
}

// checkRefinement validates that next is a legal successor observation of
// cur. Finality and bound presence are checked unconditionally; lattice-order
// checks apply only to properties implementing OrderedProperty.
func checkRefinement(op string, cur, next properties.EOptionP) {
	if cur.IsFinal() {
		violation(op, "slot %v/%s is final and must not be updated (new: %v)",
			cur.Entity, cur.Key.Name(), next)
	}
	if next.IsEPK() {
		violation(op, "slot %v/%s must not move back to EPK", cur.Entity, cur.Key.Name())
	}
	// The upper bound refines toward the more precise end of the lattice,
	// the lower bound toward the less precise end.
	if cur.HasUB() && next.HasUB() {
		if p, ok := next.UB().(properties.OrderedProperty); ok {
			if err := p.CheckIsEqualOrBetterThan(cur.UB()); err != nil {
				violation(op, "non-monotonic upper bound for %v/%s: %v",
					cur.Entity, cur.Key.Name(), err)
			}
		}
	}
	if cur.HasLB() && next.HasLB() {
		if p, ok := cur.LB().(properties.OrderedProperty); ok {
			if err := p.CheckIsEqualOrBetterThan(next.LB()); err != nil {
				violation(op, "non-monotonic lower bound for %v/%s: %v",
					cur.Entity, cur.Key.Name(), err)
			}
		}
	}
}
