package plugin

import (
	"fmt"
	"sort"
)

// resolveLoadOrder performs a topological sort over the dependency graph of
// the given descriptors. Plugins whose dependencies are missing, already
// failed (the unavailable set) or part of a cycle are excluded from the order
// and reported with the offending dependency named; the failure propagates to
// everything transitively depending on them. Ties among unconstrained plugins
// are broken by name so the order is reproducible.
func resolveLoadOrder(descs map[string]Descriptor, unavailable map[string]struct{}) (order []string, failed map[string]string) {
	failed = make(map[string]string)

	names := make([]string, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	sort.Strings(names)

	// Dependencies outside the healthy set fail the dependent immediately.
	for _, name := range names {
		for _, dep := range descs[name].Dependencies {
			if _, ok := descs[dep]; ok {
				continue
			}
			if _, known := unavailable[dep]; known {
				failed[name] = fmt.Sprintf("dependency %s is unavailable", dep)
			} else {
				failed[name] = fmt.Sprintf("missing dependency: %s", dep)
			}
			break
		}
	}

	// Propagate failures to transitive dependents until a fixpoint.
	for changed := true; changed; {
		changed = false
		for _, name := range names {
			if _, done := failed[name]; done {
				continue
			}
			for _, dep := range descs[name].Dependencies {
				if _, bad := failed[dep]; bad {
					failed[name] = fmt.Sprintf("dependency %s failed", dep)
					changed = true
					break
				}
			}
		}
	}

	indegree := make(map[string]int, len(descs))
	dependents := make(map[string][]string, len(descs))
	for _, name := range names {
		if _, bad := failed[name]; bad {
			continue
		}
		indegree[name] += 0
		for _, dep := range descs[name].Dependencies {
			if _, bad := failed[dep]; bad {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, degree := range indegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = insertSorted(ready, dependent)
			}
		}
	}

	// Whatever is left sits in a cycle, or depends on one.
	if len(order) != len(indegree) {
		for _, name := range names {
			if _, bad := failed[name]; bad {
				continue
			}
			if degree, ok := indegree[name]; ok && degree > 0 {
				failed[name] = fmt.Sprintf("dependency cycle via %s", cycleWitness(descs[name], indegree))
			}
		}
	}
	return order, failed
}

// cycleWitness picks the first unresolved dependency to name in the failure
// reason.
func cycleWitness(desc Descriptor, indegree map[string]int) string {
	for _, dep := range desc.Dependencies {
		if degree, ok := indegree[dep]; ok && degree > 0 {
			return dep
		}
	}
	if len(desc.Dependencies) > 0 {
		return desc.Dependencies[0]
	}
	return desc.Name
}

func insertSorted(list []string, value string) []string {
	idx := sort.SearchStrings(list, value)
	list = append(list, "")
	copy(list[idx+1:], list[idx:])
	list[idx] = value
	return list
}
