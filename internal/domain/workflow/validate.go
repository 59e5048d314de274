package workflow

import "fmt"

// Validate checks the structural rules a workflow graph must satisfy before
// it can execute: exactly one start node, at least one end node, all edges
// referencing existing nodes, no self-loops, unique edge priorities per
// source, acyclicity, and reachability of every non-start node from start.
func (w *Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return fmt.Errorf("workflow has no nodes")
	}

	nodes := make(map[string]*Node, len(w.Nodes))
	var startID string
	endCount := 0

	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node %d has empty id", i)
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		nodes[n.ID] = n

		switch n.Type {
		case NodeStart:
			if startID != "" {
				return fmt.Errorf("multiple start nodes: %q and %q", startID, n.ID)
			}
			startID = n.ID
		case NodeEnd:
			endCount++
		case NodeAgent:
			if n.TaskID == "" {
				return fmt.Errorf("agent node %q has no task", n.ID)
			}
		case NodeDelay:
			if n.DelaySeconds <= 0 {
				return fmt.Errorf("delay node %q has non-positive duration", n.ID)
			}
		case NodeApproval:
			// role may be empty: any approver
		default:
			return fmt.Errorf("node %q has unknown type %q", n.ID, n.Type)
		}
	}

	if startID == "" {
		return fmt.Errorf("workflow has no start node")
	}
	if endCount == 0 {
		return fmt.Errorf("workflow has no end node")
	}

	prios := make(map[string]map[int]bool)
	for _, e := range w.Edges {
		if _, ok := nodes[e.From]; !ok {
			return fmt.Errorf("edge references unknown source node %q", e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			return fmt.Errorf("edge references unknown target node %q", e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("self-loop on node %q", e.From)
		}
		if prios[e.From] == nil {
			prios[e.From] = make(map[int]bool)
		}
		if prios[e.From][e.Priority] {
			return fmt.Errorf("duplicate edge priority %d on node %q", e.Priority, e.From)
		}
		prios[e.From][e.Priority] = true
	}

	if cycle := w.findCycle(); cycle != "" {
		return fmt.Errorf("workflow graph contains a cycle through node %q", cycle)
	}

	reachable := w.reachableFrom(startID)
	for id := range nodes {
		if id != startID && !reachable[id] {
			return fmt.Errorf("node %q is not reachable from start", id)
		}
	}

	return nil
}

// findCycle runs a three-colour DFS over the edge list and returns the id of
// a node on a back edge, or "".
func (w *Workflow) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(w.Nodes))

	adj := make(map[string][]string)
	for _, e := range w.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return next
			case white:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for i := range w.Nodes {
		if color[w.Nodes[i].ID] == white {
			if hit := visit(w.Nodes[i].ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// reachableFrom returns the set of node ids reachable from the given node.
func (w *Workflow) reachableFrom(startID string) map[string]bool {
	adj := make(map[string][]string)
	for _, e := range w.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	seen := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}
