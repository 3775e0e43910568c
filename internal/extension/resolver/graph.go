// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package resolver

import (
	"sort"
	"strings"

	"github.com/samber/oops"
)

// Spec is the slice of an extension descriptor the resolver consumes:
// its name, its version, and its declared dependency constraints.
type Spec struct {
	Name         string
	Version      string
	Dependencies map[string]string // dependency name -> constraint string
}

// depNames returns the dependency names in deterministic order.
func (s Spec) depNames() []string {
	names := make([]string, 0, len(s.Dependencies))
	for name := range s.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve computes an activation order for the given descriptor set:
// every dependency precedes its dependents, ties broken by declaration
// order. Error classes are checked in a fixed sequence so callers get
// the most fundamental cause first: missing dependencies, then cycles,
// then version-constraint violations.
func Resolve(specs []Spec) ([]string, error) {
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		if _, dup := index[s.Name]; dup {
			return nil, oops.In("resolver").Code("DUPLICATE_NAME").With("name", s.Name).
				Errorf("duplicate extension name %q", s.Name)
		}
		index[s.Name] = i
	}

	// Missing dependencies fail before anything else is examined.
	for _, s := range specs {
		for _, dep := range s.depNames() {
			if _, ok := index[dep]; !ok {
				return nil, oops.In("resolver").Code("DEPENDENCY_MISSING").
					With("extension", s.Name).With("dependency", dep).
					Errorf("extension %q depends on %q which is not registered", s.Name, dep)
			}
		}
	}

	if cycle := findCycle(specs, index); cycle != nil {
		return nil, oops.In("resolver").Code("DEPENDENCY_CYCLE").With("cycle", cycle).
			Errorf("circular dependency: %s", strings.Join(cycle, " -> "))
	}

	order := topoSort(specs, index)

	// Constraint validation runs last: order problems are reported
	// before version problems.
	for _, s := range specs {
		for _, dep := range s.depNames() {
			constraint := s.Dependencies[dep]
			c, err := ParseConstraint(constraint)
			if err != nil {
				return nil, oops.With("extension", s.Name).With("dependency", dep).Wrap(err)
			}
			v, err := ParseVersion(specs[index[dep]].Version)
			if err != nil {
				return nil, oops.With("extension", dep).Wrap(err)
			}
			if !c.Check(v) {
				return nil, oops.In("resolver").Code("CONSTRAINT_VIOLATION").
					With("extension", s.Name).
					With("dependency", dep).
					With("constraint", constraint).
					With("actual", specs[index[dep]].Version).
					Errorf("extension %q requires %q %s but found %s",
						s.Name, dep, constraint, specs[index[dep]].Version)
			}
		}
	}

	return order, nil
}

// findCycle runs a depth-first search with a recursion-stack marker and
// returns the participating node path (closed, e.g. [a b a]) or nil.
func findCycle(specs []Spec, index map[string]int) []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make([]int, len(specs))
	var stack []string

	var visit func(i int) []string
	visit = func(i int) []string {
		state[i] = inStack
		stack = append(stack, specs[i].Name)

		for _, dep := range specs[i].depNames() {
			j := index[dep]
			switch state[j] {
			case inStack:
				// Close the loop from the first occurrence of dep.
				start := 0
				for k, name := range stack {
					if name == dep {
						start = k
						break
					}
				}
				cycle := append([]string{}, stack[start:]...)
				return append(cycle, dep)
			case unvisited:
				if cycle := visit(j); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[i] = done
		return nil
	}

	for i := range specs {
		if state[i] == unvisited {
			if cycle := visit(i); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// topoSort performs a stable Kahn's algorithm producing dependency-first
// order, breaking ties by declaration order. Callers must have ruled out
// cycles and missing dependencies.
func topoSort(specs []Spec, index map[string]int) []string {
	indegree := make([]int, len(specs))
	dependents := make([][]int, len(specs)) // dep index -> dependent indexes

	for i, s := range specs {
		for _, dep := range s.depNames() {
			j := index[dep]
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ready := make([]int, 0, len(specs))
	for i := range specs {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(specs))
	for len(ready) > 0 {
		// Pop the lowest declaration index for determinism.
		min := 0
		for k := 1; k < len(ready); k++ {
			if ready[k] < ready[min] {
				min = k
			}
		}
		i := ready[min]
		ready = append(ready[:min], ready[min+1:]...)

		order = append(order, specs[i].Name)
		for _, dep := range dependents[i] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order
}

// ReverseOrder returns the exact reverse of an activation order, used
// for disable/destroy sweeps.
func ReverseOrder(order []string) []string {
	out := make([]string, len(order))
	for i, name := range order {
		out[len(order)-1-i] = name
	}
	return out
}

// Dependents returns every extension that depends on name, directly or
// transitively, in declaration order. Read-only diagnostic query.
func Dependents(specs []Spec, name string) []string {
	affected := map[string]bool{name: true}

	// Declaration order guarantees a dependent is seen after its
	// dependencies only when declarations are ordered; iterate to a
	// fixed point to stay order-independent.
	for changed := true; changed; {
		changed = false
		for _, s := range specs {
			if affected[s.Name] {
				continue
			}
			for dep := range s.Dependencies {
				if affected[dep] {
					affected[s.Name] = true
					changed = true
					break
				}
			}
		}
	}

	var out []string
	for _, s := range specs {
		if s.Name != name && affected[s.Name] {
			out = append(out, s.Name)
		}
	}
	return out
}

// AllDependencies returns everything name depends on, directly or
// transitively, in declaration order. Read-only diagnostic query.
func AllDependencies(specs []Spec, name string) []string {
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		index[s.Name] = i
	}

	needed := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		i, ok := index[n]
		if !ok {
			return
		}
		for _, dep := range specs[i].depNames() {
			if !needed[dep] {
				needed[dep] = true
				walk(dep)
			}
		}
	}
	walk(name)

	var out []string
	for _, s := range specs {
		if needed[s.Name] {
			out = append(out, s.Name)
		}
	}
	return out
}
