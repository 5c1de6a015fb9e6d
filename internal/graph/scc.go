// ==============================================================================
// STRONGLY CONNECTED COMPONENTS - internal/graph/scc.go
// ==============================================================================
// Kosaraju's algorithm: one depth-first pass over the graph to order nodes by
// finish time, one pass over the transpose in reverse finish order to peel
// off components. Traversal always visits node indexes in ascending order so
// the partition is deterministic for identical input.
// ==============================================================================

package graph

import "sort"

// StronglyConnectedComponents partitions the graph's nodes into maximal sets
// of mutual reachability. Components are returned with their member indexes
// sorted, ordered by smallest member.
func StronglyConnectedComponents(g *Graph) [][]int {
	n := g.NodeCount()
	visited := make([]bool, n)
	order := make([]int, 0, n)

	// First pass: iterative DFS recording finish order.
	for start := 0; start < n; start++ {
		if visited[start] {
			continue
		}
		type frame struct {
			node int
			next int
		}
		stack := []frame{{node: start}}
		visited[start] = true
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succ := g.Successors(top.node)
			advanced := false
			for top.next < len(succ) {
				next := succ[top.next]
				top.next++
				if !visited[next] {
					visited[next] = true
					stack = append(stack, frame{node: next})
					advanced = true
					break
				}
			}
			if !advanced && top.next >= len(succ) {
				order = append(order, top.node)
				stack = stack[:len(stack)-1]
			}
		}
	}

	// Second pass: DFS on the transpose in reverse finish order.
	rev := g.transpose()
	assigned := make([]bool, n)
	var components [][]int

	for i := len(order) - 1; i >= 0; i-- {
		root := order[i]
		if assigned[root] {
			continue
		}
		component := []int{}
		stack := []int{root}
		assigned[root] = true
		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, node)
			preds := make([]int, 0, len(rev[node]))
			for p := range rev[node] {
				preds = append(preds, p)
			}
			sort.Ints(preds)
			for _, p := range preds {
				if !assigned[p] {
					assigned[p] = true
					stack = append(stack, p)
				}
			}
		}
		sort.Ints(component)
		components = append(components, component)
	}

	sort.Slice(components, func(a, b int) bool {
		return components[a][0] < components[b][0]
	})
	return components
}

// multiNodeComponents filters components that can contain a cycle.
func multiNodeComponents(g *Graph) [][]int {
	var multi [][]int
	for _, c := range StronglyConnectedComponents(g) {
		if len(c) > 1 {
			multi = append(multi, c)
		}
	}
	return multi
}
