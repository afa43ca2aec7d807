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

package funcutil

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// Merge merges the two maps into the first map.
// if x is in b but not in a, then a[x] := b[x]
// if x is in both a and b, then a[x] := both(a[x], b[x])
// @mutates a
func Merge[T comparable, S any](a map[T]S, b map[T]S, both func(x S, y S) S) {
	for x, yb := range b {
		ya, ina := a[x]
		if ina {
			a[x] = both(ya, yb)
		} else {
			a[x] = yb
		}
	}
}

// Union returns the union of map-represented sets a and b. This mutates map a
// @mutates a
func Union[T comparable](a map[T]bool, b map[T]bool) map[T]bool {
	Merge(a, b, func(a bool, b bool) bool { return a || b })
	return a
}

// Map returns a new slice b such that for any i <= len(a), b[i] = f(a[i])
func Map[T any, S any](a []T, f func(T) S) []S {
	var b []S
	for _, x := range a {
		b = append(b, f(x))
	}
	return b
}

// Exists returns true when there exists some x in slice a such that f(x), otherwise false.
func Exists[T any](a []T, f func(T) bool) bool {
	for _, x := range a {
		if f(x) {
			return true
		}
	}
	return false
}

// Contains returns true when there is some y in slice a such that x == y
func Contains[T comparable](a []T, x T) bool {
	return Exists(a, func(y T) bool { return x == y })
}

// SortedKeys returns the keys of the map in increasing order.
func SortedKeys[T constraints.Ordered, S any](m map[T]S) []T {
	var s []T
	for k := range m {
		s = append(s, k)
	}
	sort.Slice(s, func(i int, j int) bool { return s[i] < s[j] })
	return s
}
