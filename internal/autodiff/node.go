// Package autodiff implements eager reverse-mode differentiation over dense
// matrices. Gradients are built from the same operations as forward values,
// so any gradient can itself be differentiated.
package autodiff

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Node is a matrix value in a computation graph. Values are computed when the
// node is created.
type Node struct {
	value  *mat.Dense
	op     operation
	inputs []*Node
}

type operation interface {
	name() string
	// backward returns the gradient of each input given the gradient of out.
	// Entries whose needs flag is false may be nil.
	backward(out, grad *Node, needs []bool) []*Node
}

// Variable wraps m as a leaf node. The matrix is not copied, so in-place
// updates to m are visible to graphs built afterwards.
func Variable(m *mat.Dense) *Node {
	return &Node{value: m}
}

// Constant wraps a copy of m as a leaf node.
func Constant(m mat.Matrix) *Node {
	return &Node{value: mat.DenseCopyOf(m)}
}

func Scalar(v float64) *Node {
	return &Node{value: mat.NewDense(1, 1, []float64{v})}
}

func Full(rows, cols int, v float64) *Node {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = v
	}
	return &Node{value: mat.NewDense(rows, cols, data)}
}

func Zeros(rows, cols int) *Node {
	return &Node{value: mat.NewDense(rows, cols, nil)}
}

// FromRows builds a constant node from row slices of equal length.
func FromRows(rows [][]float64) *Node {
	if len(rows) == 0 || len(rows[0]) == 0 {
		panic("autodiff: FromRows requires a non-empty matrix")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			panic(fmt.Sprintf("autodiff: row %d has %d columns, want %d", i, len(row), cols))
		}
		data = append(data, row...)
	}
	return &Node{value: mat.NewDense(len(rows), cols, data)}
}

// Detach returns a leaf holding a copy of n's current value.
func Detach(n *Node) *Node {
	return Constant(n.value)
}

func (n *Node) Value() *mat.Dense {
	return n.value
}

func (n *Node) Dims() (int, int) {
	return n.value.Dims()
}

// Item returns the single element of a 1x1 node.
func (n *Node) Item() float64 {
	r, c := n.value.Dims()
	if r != 1 || c != 1 {
		panic(fmt.Sprintf("autodiff: Item on %dx%d node", r, c))
	}
	return n.value.At(0, 0)
}

func (n *Node) IsLeaf() bool {
	return n.op == nil
}

func (n *Node) String() string {
	r, c := n.value.Dims()
	if n.op == nil {
		return fmt.Sprintf("leaf(%dx%d)", r, c)
	}
	return fmt.Sprintf("%s(%dx%d)", n.op.name(), r, c)
}

func newNode(value *mat.Dense, op operation, inputs ...*Node) *Node {
	return &Node{value: value, op: op, inputs: inputs}
}

// flatten returns a row-major copy of m's elements.
func flatten(m *mat.Dense) []float64 {
	r, c := m.Dims()
	raw := m.RawMatrix()
	out := make([]float64, 0, r*c)
	if raw.Stride == c {
		return append(out, raw.Data[:r*c]...)
	}
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}

// Data returns a row-major copy of the node's elements.
func (n *Node) Data() []float64 {
	return flatten(n.value)
}

func mustSameShape(op string, a, b *Node) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		panic(fmt.Sprintf("autodiff: %s shape mismatch %dx%d vs %dx%d", op, ar, ac, br, bc))
	}
}
