package autodiff

import (
	"errors"
	"fmt"
)

var ErrNotScalar = errors.New("gradient target must be a 1x1 node")

// Grad returns dy/dx for every x in xs. The returned gradients are graph
// nodes and may be differentiated again. Inputs that y does not depend on
// receive a zero gradient.
func Grad(y *Node, xs ...*Node) ([]*Node, error) {
	if r, c := y.Dims(); r != 1 || c != 1 {
		return nil, fmt.Errorf("%w: got %dx%d", ErrNotScalar, r, c)
	}

	order := topoSort(y)

	targets := make(map[*Node]bool, len(xs))
	for _, x := range xs {
		targets[x] = true
	}
	relevant := make(map[*Node]bool, len(order))
	for _, n := range order {
		if targets[n] {
			relevant[n] = true
			continue
		}
		for _, in := range n.inputs {
			if relevant[in] {
				relevant[n] = true
				break
			}
		}
	}

	grads := map[*Node]*Node{y: Scalar(1)}
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		g, ok := grads[n]
		if !ok || n.op == nil || !relevant[n] {
			continue
		}
		needs := make([]bool, len(n.inputs))
		for j, in := range n.inputs {
			needs[j] = relevant[in]
		}
		inGrads := n.op.backward(n, g, needs)
		for j, in := range n.inputs {
			if !needs[j] || inGrads[j] == nil {
				continue
			}
			if prev, seen := grads[in]; seen {
				grads[in] = Add(prev, inGrads[j])
			} else {
				grads[in] = inGrads[j]
			}
		}
	}

	out := make([]*Node, len(xs))
	for i, x := range xs {
		if g, ok := grads[x]; ok {
			out[i] = g
			continue
		}
		r, c := x.Dims()
		out[i] = Zeros(r, c)
	}
	return out, nil
}

// topoSort returns the nodes reachable from root with every node placed
// after its inputs. Traversal follows input order, so the result is
// deterministic for a given graph.
func topoSort(root *Node) []*Node {
	var order []*Node
	visited := make(map[*Node]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, in := range n.inputs {
			visit(in)
		}
		order = append(order, n)
	}
	visit(root)
	return order
}
