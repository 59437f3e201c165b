package evaluation

import (
	"errors"
	"sort"

	"github.com/TimurManjosov/flageval/internal/engine"
	"github.com/TimurManjosov/flageval/internal/store"
)

var (
	// ErrCycleExists is returned when flags depend on each other in a loop.
	ErrCycleExists = errors.New("flag dependency cycle exists")
	// ErrFeatureNotFound is returned when a requested flag is not in the environment.
	ErrFeatureNotFound = errors.New("feature not found")
)

// SortTopologically orders flags so that every flag comes after the flags it
// depends on. Dependencies outside the given set are ignored. Flags that do
// not depend on each other keep id order.
//
// Returns ErrCycleExists if the dependencies loop.
func SortTopologically(flags []*store.Flag) ([]*store.Flag, error) {
	byID := make(map[string]*store.Flag, len(flags))
	ids := make([]string, 0, len(flags))
	for _, f := range flags {
		byID[f.ID] = f
		ids = append(ids, f.ID)
	}
	sort.Strings(ids)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(flags))
	sorted := make([]*store.Flag, 0, len(flags))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return ErrCycleExists
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range engine.Dependencies(byID[id]) {
			if _, ok := byID[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		sorted = append(sorted, byID[id])
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}

// WouldCycle reports whether making flagID depend on dependsOn closes a loop.
func WouldCycle(flags map[string]*store.Flag, flagID, dependsOn string) bool {
	if flagID == dependsOn {
		return true
	}
	seen := map[string]bool{}
	stack := []string{dependsOn}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == flagID {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if f, ok := flags[id]; ok {
			stack = append(stack, engine.Dependencies(f)...)
		}
	}
	return false
}

// Related expands targets with every flag they transitively depend on and
// every flag that transitively depends on them.
func Related(targets []*store.Flag, all map[string]*store.Flag) map[string]*store.Flag {
	dependents := make(map[string][]string, len(all))
	for id, f := range all {
		for _, dep := range engine.Dependencies(f) {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	out := make(map[string]*store.Flag, len(targets))
	walk := func(start string, next func(id string) []string) {
		seen := make(map[string]bool)
		stack := []string{start}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			f, ok := all[id]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			out[id] = f
			stack = append(stack, next(id)...)
		}
	}

	for _, t := range targets {
		out[t.ID] = t
		walk(t.ID, func(id string) []string { return engine.Dependencies(all[id]) })
		walk(t.ID, func(id string) []string { return dependents[id] })
	}
	return out
}
