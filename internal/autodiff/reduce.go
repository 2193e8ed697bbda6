package autodiff

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type sumOp struct{}

func (sumOp) name() string { return "sum" }

func (sumOp) backward(out, grad *Node, _ []bool) []*Node {
	r, c := out.inputs[0].Dims()
	return []*Node{Broadcast(grad, r, c)}
}

// Sum reduces all elements to a 1x1 node.
func Sum(a *Node) *Node {
	return newNode(mat.NewDense(1, 1, []float64{mat.Sum(a.value)}), sumOp{}, a)
}

func Mean(a *Node) *Node {
	r, c := a.Dims()
	return Scale(Sum(a), 1/float64(r*c))
}

type broadcastOp struct{}

func (broadcastOp) name() string { return "broadcast" }

func (broadcastOp) backward(_, grad *Node, _ []bool) []*Node {
	return []*Node{Sum(grad)}
}

// Broadcast expands a 1x1 node to rows x cols.
func Broadcast(a *Node, rows, cols int) *Node {
	ar, ac := a.Dims()
	if ar != 1 || ac != 1 {
		panic(fmt.Sprintf("autodiff: broadcast of %dx%d node", ar, ac))
	}
	v := a.value.At(0, 0)
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = v
	}
	return newNode(mat.NewDense(rows, cols, data), broadcastOp{}, a)
}

type sumRowsOp struct{}

func (sumRowsOp) name() string { return "sum_rows" }

func (sumRowsOp) backward(out, grad *Node, _ []bool) []*Node {
	r, _ := out.inputs[0].Dims()
	return []*Node{RepeatRows(grad, r)}
}

// SumRows adds the rows of a together, producing a 1 x cols node.
func SumRows(a *Node) *Node {
	r, c := a.Dims()
	acc := make([]float64, c)
	for i := 0; i < r; i++ {
		floats.Add(acc, a.value.RawRowView(i))
	}
	return newNode(mat.NewDense(1, c, acc), sumRowsOp{}, a)
}

func MeanRows(a *Node) *Node {
	r, _ := a.Dims()
	return Scale(SumRows(a), 1/float64(r))
}

type repeatRowsOp struct{}

func (repeatRowsOp) name() string { return "repeat_rows" }

func (repeatRowsOp) backward(_, grad *Node, _ []bool) []*Node {
	return []*Node{SumRows(grad)}
}

// RepeatRows tiles a 1 x cols node n times vertically.
func RepeatRows(a *Node, n int) *Node {
	ar, c := a.Dims()
	if ar != 1 {
		panic(fmt.Sprintf("autodiff: repeat_rows of %dx%d node", ar, c))
	}
	out := mat.NewDense(n, c, nil)
	row := a.value.RawRowView(0)
	for i := 0; i < n; i++ {
		copy(out.RawRowView(i), row)
	}
	return newNode(out, repeatRowsOp{}, a)
}

type sumColsOp struct{}

func (sumColsOp) name() string { return "sum_cols" }

func (sumColsOp) backward(out, grad *Node, _ []bool) []*Node {
	_, c := out.inputs[0].Dims()
	return []*Node{RepeatCols(grad, c)}
}

// SumCols adds the columns of a together, producing a rows x 1 node.
func SumCols(a *Node) *Node {
	r, _ := a.Dims()
	acc := make([]float64, r)
	for i := 0; i < r; i++ {
		acc[i] = floats.Sum(a.value.RawRowView(i))
	}
	return newNode(mat.NewDense(r, 1, acc), sumColsOp{}, a)
}

type repeatColsOp struct{}

func (repeatColsOp) name() string { return "repeat_cols" }

func (repeatColsOp) backward(_, grad *Node, _ []bool) []*Node {
	return []*Node{SumCols(grad)}
}

// RepeatCols tiles a rows x 1 node n times horizontally.
func RepeatCols(a *Node, n int) *Node {
	r, ac := a.Dims()
	if ac != 1 {
		panic(fmt.Sprintf("autodiff: repeat_cols of %dx%d node", r, ac))
	}
	out := mat.NewDense(r, n, nil)
	for i := 0; i < r; i++ {
		v := a.value.At(i, 0)
		row := out.RawRowView(i)
		for j := range row {
			row[j] = v
		}
	}
	return newNode(out, repeatColsOp{}, a)
}

type reshapeOp struct {
	rows, cols int
}

func (reshapeOp) name() string { return "reshape" }

func (r reshapeOp) backward(_, grad *Node, _ []bool) []*Node {
	return []*Node{Reshape(grad, r.rows, r.cols)}
}

// Reshape reinterprets a's row-major elements as rows x cols.
func Reshape(a *Node, rows, cols int) *Node {
	ar, ac := a.Dims()
	if ar*ac != rows*cols {
		panic(fmt.Sprintf("autodiff: cannot reshape %dx%d to %dx%d", ar, ac, rows, cols))
	}
	return newNode(mat.NewDense(rows, cols, flatten(a.value)), reshapeOp{rows: ar, cols: ac}, a)
}

// AddRow adds a 1 x cols row vector to every row of a.
func AddRow(a, row *Node) *Node {
	r, _ := a.Dims()
	return Add(a, RepeatRows(row, r))
}

// Softmax normalizes each row of a. The row maximum is subtracted as a
// constant for stability; softmax is invariant to that shift.
func Softmax(a *Node) *Node {
	r, c := a.Dims()
	shift := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		m := floats.Max(a.value.RawRowView(i))
		row := shift.RawRowView(i)
		for j := range row {
			row[j] = m
		}
	}
	e := Exp(Sub(a, &Node{value: shift}))
	return Div(e, RepeatCols(SumCols(e), c))
}
