package session

import "github.com/davidahmann/timeloop/core/model"

type Node struct {
	Session  model.Session `json:"session"`
	Children []Node        `json:"children,omitempty"`
}

// Tree groups sessions under their parents. Sessions whose parent is missing are roots.
// Siblings keep ListSessions order (creation time, then id).
func (m *Manager) Tree() ([]Node, error) {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(sessions))
	children := make(map[string][]model.Session, len(sessions))
	for _, session := range sessions {
		known[session.ID] = true
	}
	roots := make([]model.Session, 0)
	for _, session := range sessions {
		if session.IsBranch() && known[session.ParentSessionID] && session.ParentSessionID != session.ID {
			children[session.ParentSessionID] = append(children[session.ParentSessionID], session)
			continue
		}
		roots = append(roots, session)
	}

	visited := make(map[string]bool, len(sessions))
	var build func(model.Session) Node
	build = func(session model.Session) Node {
		visited[session.ID] = true
		node := Node{Session: session}
		for _, child := range children[session.ID] {
			if visited[child.ID] {
				continue
			}
			node.Children = append(node.Children, build(child))
		}
		return node
	}
	tree := make([]Node, 0, len(roots))
	for _, root := range roots {
		tree = append(tree, build(root))
	}
	// Parent cycles have no root; surface them rather than drop them.
	for _, session := range sessions {
		if !visited[session.ID] {
			tree = append(tree, build(session))
		}
	}
	return tree, nil
}

// Walk visits nodes depth-first with their depth.
func Walk(nodes []Node, visit func(node Node, depth int)) {
	var walk func([]Node, int)
	walk = func(nodes []Node, depth int) {
		for _, node := range nodes {
			visit(node, depth)
			walk(node.Children, depth+1)
		}
	}
	walk(nodes, 0)
}
