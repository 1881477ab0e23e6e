package behavior

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

var (
	ErrMalformedNode = errors.New("malformed node")
	ErrNoRoot        = errors.New("graph has no root node")
	ErrMultipleRoots = errors.New("graph has more than one root node")
)

// Graph is the flat, read-only form of a node expression. Execution resolves
// nodes by id through it; the parent/child links are kept for introspection.
type Graph struct {
	root     string
	order    []string
	nodes    map[string]Node
	parents  map[string][]string
	children map[string][]string
}

// Compile walks the expression rooted at root, validates every reachable node
// and links parents to children. A node reached along several paths is linked
// to each parent but walked once.
func Compile(root Node) (*Graph, error) {
	if isNil(root) {
		return nil, fmt.Errorf("%w: nil root", ErrMalformedNode)
	}
	g := &Graph{
		nodes:    make(map[string]Node),
		parents:  make(map[string][]string),
		children: make(map[string][]string),
	}
	if err := g.visit(root, ""); err != nil {
		return nil, err
	}

	var roots []string
	for _, id := range g.order {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	switch len(roots) {
	case 0:
		return nil, fmt.Errorf("%w: every node has a parent (does something link back to %s?)", ErrNoRoot, root.ID())
	case 1:
		g.root = roots[0]
	default:
		sort.Strings(roots)
		return nil, fmt.Errorf("%w: %v", ErrMultipleRoots, roots)
	}
	return g, nil
}

func (g *Graph) visit(n Node, parent string) error {
	id := n.ID()
	if parent != "" {
		g.link(parent, id)
	}
	if _, seen := g.nodes[id]; seen {
		return nil
	}
	if err := validate(n); err != nil {
		return err
	}
	g.nodes[id] = n
	g.order = append(g.order, id)

	for _, child := range edges(n) {
		if err := g.visit(child, id); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) link(parent, child string) {
	if !slices.Contains(g.children[parent], child) {
		g.children[parent] = append(g.children[parent], child)
	}
	if !slices.Contains(g.parents[child], parent) {
		g.parents[child] = append(g.parents[child], parent)
	}
}

func (g *Graph) Root() Node {
	return g.nodes[g.root]
}

func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) Len() int {
	return len(g.order)
}

// IDs returns node ids in visit order, root first.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

func (g *Graph) Parents(id string) []string {
	return append([]string(nil), g.parents[id]...)
}

func (g *Graph) Children(id string) []string {
	return append([]string(nil), g.children[id]...)
}

// edges lists the nodes n can continue into, successor first.
func edges(n Node) []Node {
	var out []Node
	if next := n.Next(); next != nil {
		out = append(out, next)
	}
	addBranches := func(branches ...*Branch) {
		for _, b := range branches {
			if b != nil && !isNil(b.node) {
				out = append(out, b.node)
			}
		}
	}
	switch v := n.(type) {
	case *TrueFalse:
		addBranches(v.onTrue, v.onFalse)
	case *Switch:
		addBranches(v.branches...)
	case *RandomSwitch:
		addBranches(v.branches...)
	}
	return out
}

func validate(n Node) error {
	if next := n.Next(); next != nil && isNil(next) {
		return malformed(n, "successor is a nil pointer")
	}
	switch v := n.(type) {
	case *Action:
		if v.fn == nil {
			return malformed(n, "nil callback")
		}
	case *MultiAction:
		if len(v.fns) == 0 {
			return malformed(n, "no callbacks")
		}
		for i, fn := range v.fns {
			if fn == nil {
				return malformed(n, fmt.Sprintf("callback %d is nil", i))
			}
		}
	case *TrueFalse:
		if v.cond == nil {
			return malformed(n, "nil predicate")
		}
		if err := validateBranch(n, "true arm", v.onTrue, true); err != nil {
			return err
		}
		if err := validateBranch(n, "false arm", v.onFalse, true); err != nil {
			return err
		}
	case *Switch:
		if v.selector == nil {
			return malformed(n, "nil selector")
		}
		if len(v.branches) == 0 {
			return malformed(n, "no branches")
		}
		for i, b := range v.branches {
			if err := validateBranch(n, fmt.Sprintf("branch %d", i), b, false); err != nil {
				return err
			}
		}
	case *WhileTrue:
		if v.cond == nil {
			return malformed(n, "nil predicate")
		}
		if v.body == nil {
			return malformed(n, "nil body")
		}
	case *RandomSwitch:
		if len(v.branches) == 0 {
			return malformed(n, "no branches")
		}
		for i, b := range v.branches {
			if err := validateBranch(n, fmt.Sprintf("branch %d", i), b, false); err != nil {
				return err
			}
		}
	case *Delay:
		if v.duration < 0 {
			return malformed(n, fmt.Sprintf("negative duration %s", v.duration))
		}
	case *Hook:
		if v.target == nil {
			return malformed(n, "nil target tree")
		}
	case *PassTo:
		if v.target == nil {
			return malformed(n, "nil target tree")
		}
	default:
		return fmt.Errorf("%w: unsupported node type %T", ErrMalformedNode, n)
	}
	return nil
}

func validateBranch(n Node, label string, b *Branch, allowNil bool) error {
	if b == nil {
		if allowNil {
			return nil
		}
		return malformed(n, label+" is nil")
	}
	hasAction := b.action != nil
	hasNode := !isNil(b.node)
	switch {
	case hasAction && hasNode:
		return malformed(n, label+" is both a callback and a node")
	case !hasAction && !hasNode:
		return malformed(n, label+" is neither a callback nor a node")
	}
	return nil
}

func malformed(n Node, reason string) error {
	return fmt.Errorf("%w: %s %s: %s", ErrMalformedNode, Kind(n), n.ID(), reason)
}
