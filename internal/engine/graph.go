package engine

import (
	"sort"

	"github.com/TimurManjosov/flageval/internal/rules"
	"github.com/TimurManjosov/flageval/internal/store"
)

// Dependencies returns the ids of flags that flag reads while being
// evaluated: its prerequisites and the flags named by FEATURE_FLAG clauses.
func Dependencies(flag *store.Flag) []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, p := range flag.Prerequisites {
		add(p.FeatureID)
	}
	for i := range flag.Rules {
		for _, c := range flag.Rules[i].Clauses {
			if c.Operator == rules.OpFeatureFlag {
				add(c.Attribute)
			}
		}
	}
	return ids
}

// CyclicFlags returns the ids of flags that sit on a dependency cycle,
// including flags that depend on themselves. Dependencies on flags missing
// from the map are ignored.
func CyclicFlags(flags map[string]*store.Flag) map[string]bool {
	ids := make([]string, 0, len(flags))
	for id := range flags {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Tarjan's strongly connected components.
	var (
		next    int
		index   = make(map[string]int, len(flags))
		lowlink = make(map[string]int, len(flags))
		onStack = make(map[string]bool)
		stack   []string
		cyclic  = make(map[string]bool)
	)
	var connect func(id string)
	connect = func(id string) {
		index[id] = next
		lowlink[id] = next
		next++
		stack = append(stack, id)
		onStack[id] = true

		for _, dep := range Dependencies(flags[id]) {
			if _, ok := flags[dep]; !ok {
				continue
			}
			if dep == id {
				cyclic[id] = true
				continue
			}
			if _, seen := index[dep]; !seen {
				connect(dep)
				lowlink[id] = min(lowlink[id], lowlink[dep])
			} else if onStack[dep] {
				lowlink[id] = min(lowlink[id], index[dep])
			}
		}

		if lowlink[id] != index[id] {
			return
		}
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == id {
				break
			}
		}
		if len(component) > 1 {
			for _, member := range component {
				cyclic[member] = true
			}
		}
	}

	for _, id := range ids {
		if _, seen := index[id]; !seen {
			connect(id)
		}
	}
	return cyclic
}
