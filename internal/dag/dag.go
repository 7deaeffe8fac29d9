// Package dag validates a stage's step dependency graph and orders it into
// levels. Grounded on the teacher's internal/engine/helpers.go
// (validateDAG/checkCircularDependencies: duplicate-ID check, unknown-
// dependency check, DFS-with-recursion-stack cycle detection) generalized
// from a validate-only pass into a resolver that also emits the
// topologically-ordered levels the scheduler dispatches in order.
package dag

import (
	"fmt"
	"sort"
)

// Node is the minimal shape dag needs from a step definition.
type Node struct {
	ID        string
	DependsOn []string
}

// Validate checks a set of nodes for duplicate IDs, dependencies on
// non-existent nodes, and cycles (including self-loops).
func Validate(nodes []Node) error {
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if ids[n.ID] {
			return fmt.Errorf("duplicate step id: %s", n.ID)
		}
		ids[n.ID] = true
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return fmt.Errorf("step %s depends on itself", n.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("step %s depends on unknown step %s", n.ID, dep)
			}
		}
	}

	return checkCycles(nodes)
}

func checkCycles(nodes []Node) error {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true

		for _, dep := range byID[id].DependsOn {
			if !visited[dep] {
				if dfs(dep) {
					return true
				}
			} else if onStack[dep] {
				return true
			}
		}

		onStack[id] = false
		return false
	}

	for _, n := range nodes {
		if !visited[n.ID] {
			if dfs(n.ID) {
				return fmt.Errorf("circular dependency detected involving step %s", n.ID)
			}
		}
	}
	return nil
}

// Levels groups nodes into waves: level 0 has no dependencies, level N
// depends only on steps in levels < N. Nodes within a level are returned in
// stable, deterministic (ID-sorted) order since they carry no relative
// ordering of their own. Callers must run Validate first; Levels panics on
// a graph containing a cycle (a validate/levels split the teacher's
// helpers.go didn't need since it only ever validated).
func Levels(nodes []Node) [][]string {
	byID := make(map[string]Node, len(nodes))
	remaining := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
		remaining[n.ID] = true
	}

	done := make(map[string]bool, len(nodes))
	var levels [][]string

	for len(remaining) > 0 {
		var level []string
		for id := range remaining {
			ready := true
			for _, dep := range byID[id].DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			panic("dag: Levels called on a graph with a cycle; call Validate first")
		}
		sort.Strings(level)
		for _, id := range level {
			done[id] = true
			delete(remaining, id)
		}
		levels = append(levels, level)
	}
	return levels
}
