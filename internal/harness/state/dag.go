package state

// DetectCycle finds a cycle in a directed graph given as an adjacency
// list (node → dependency ids). It returns a node that is part of a
// cycle, or "" when the graph is acyclic.
//
// Iterative DFS with three-color marking: revisiting a gray node is a
// back edge. The explicit stack keeps deep graphs (>1000 nodes) from
// blowing the goroutine stack the way naive recursion could on
// pathological plans.
func DetectCycle(graph map[string][]string) string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully processed
	)

	color := make(map[string]int, len(graph))

	type frame struct {
		node string
		next int // index of the next neighbor to visit
	}

	for start := range graph {
		if color[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		color[start] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			neighbors := graph[top.node]
			if top.next < len(neighbors) {
				n := neighbors[top.next]
				top.next++
				switch color[n] {
				case gray:
					return n
				case white:
					// Edges to ids outside the graph are the caller's
					// problem (missing-dep validation); treat as leaves.
					if _, ok := graph[n]; !ok {
						color[n] = black
						continue
					}
					color[n] = gray
					stack = append(stack, frame{node: n})
				}
				continue
			}
			color[top.node] = black
			stack = stack[:len(stack)-1]
		}
	}
	return ""
}
