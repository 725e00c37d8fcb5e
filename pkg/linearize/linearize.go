// Package linearize turns a two-endpoint history range into an ordered,
// duplicate-free replay plan.
package linearize

import "fmt"

// Node is one commit in a history graph. Parents are addressed by index so
// the traversal can run against a real repository or a synthetic graph.
type Node interface {
	ID() string
	ShortID() string
	NumParents() int
	Parent(index int) (Node, error)
}

// UnreachableParentError reports a parent that could not be loaded, which
// means the history is corrupt or incomplete.
type UnreachableParentError struct {
	Commit string
	Index  int
	Err    error
}

func (e *UnreachableParentError) Error() string {
	return fmt.Sprintf("unable to load parent %d of commit %s: %v", e.Index, e.Commit, e.Err)
}

func (e *UnreachableParentError) Unwrap() error { return e.Err }

// Linearize returns the commits to replay, oldest first, always ending in end.
//
// When start is non-nil, every commit reachable from start (other than start
// itself) is excluded. Only commits reachable through start are cut off, so
// sibling branches merged between start and end are still covered: replaying
// X..Y and then Y..Z visits every commit that landed between X and Z exactly
// once.
//
// Example, with b a merge of c and d:
//
//	a
//	|
//	b
//	|\
//	c d
//	|/
//	e
//
// Linearize(e, a) yields e, c, d, b, a and Linearize(d, b) yields c, d, b.
// Sibling order follows parent index order.
func Linearize(start, end Node) ([]Node, error) {
	if end == nil {
		return nil, fmt.Errorf("linearize: end commit is required")
	}

	excluded := make(map[string]struct{})
	if start != nil {
		reachable, err := walk(start, func(Node) bool { return true }, func(Node) {})
		if err != nil {
			return nil, fmt.Errorf("linearize: walk from %s: %w", start.ShortID(), err)
		}
		delete(reachable, start.ID())
		excluded = reachable
	}

	var plan []Node
	_, err := walk(end, func(n Node) bool {
		_, skip := excluded[n.ID()]
		return !skip
	}, func(n Node) {
		plan = append(plan, n)
	})
	if err != nil {
		return nil, fmt.Errorf("linearize: walk from %s: %w", end.ShortID(), err)
	}
	return plan, nil
}

type frame struct {
	node       Node
	nextParent int
	numParents int
}

func newFrame(n Node) frame {
	return frame{node: n, numParents: n.NumParents()}
}

// walk is a depth-first traversal over parent links using an explicit stack
// of frames. A parent is pushed only the first time it is seen and only if
// descend approves it. complete is called in post-order, so every node is
// completed after all of its walked parents. The returned set holds the ids
// of every parent visited; the root is not included.
func walk(root Node, descend func(Node) bool, complete func(Node)) (map[string]struct{}, error) {
	visited := make(map[string]struct{})
	stack := []frame{newFrame(root)}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.nextParent == top.numParents {
			n := top.node
			stack = stack[:len(stack)-1]
			complete(n)
			continue
		}

		idx := top.nextParent
		top.nextParent++
		parent, err := top.node.Parent(idx)
		if err != nil {
			return nil, &UnreachableParentError{Commit: top.node.ShortID(), Index: idx, Err: err}
		}

		id := parent.ID()
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		if descend(parent) {
			stack = append(stack, newFrame(parent))
		}
	}
	return visited, nil
}
