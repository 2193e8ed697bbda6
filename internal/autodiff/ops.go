package autodiff

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

type addOp struct{}

func (addOp) name() string { return "add" }

func (addOp) backward(_, grad *Node, _ []bool) []*Node {
	return []*Node{grad, grad}
}

func Add(a, b *Node) *Node {
	mustSameShape("add", a, b)
	var out mat.Dense
	out.Add(a.value, b.value)
	return newNode(&out, addOp{}, a, b)
}

type subOp struct{}

func (subOp) name() string { return "sub" }

func (subOp) backward(_, grad *Node, needs []bool) []*Node {
	grads := []*Node{grad, nil}
	if needs[1] {
		grads[1] = Neg(grad)
	}
	return grads
}

func Sub(a, b *Node) *Node {
	mustSameShape("sub", a, b)
	var out mat.Dense
	out.Sub(a.value, b.value)
	return newNode(&out, subOp{}, a, b)
}

type mulOp struct{}

func (mulOp) name() string { return "mul" }

func (mulOp) backward(out, grad *Node, needs []bool) []*Node {
	a, b := out.inputs[0], out.inputs[1]
	grads := make([]*Node, 2)
	if needs[0] {
		grads[0] = Mul(grad, b)
	}
	if needs[1] {
		grads[1] = Mul(grad, a)
	}
	return grads
}

// Mul is the element-wise product.
func Mul(a, b *Node) *Node {
	mustSameShape("mul", a, b)
	var out mat.Dense
	out.MulElem(a.value, b.value)
	return newNode(&out, mulOp{}, a, b)
}

type divOp struct{}

func (divOp) name() string { return "div" }

func (divOp) backward(out, grad *Node, needs []bool) []*Node {
	b := out.inputs[1]
	grads := make([]*Node, 2)
	if needs[0] {
		grads[0] = Div(grad, b)
	}
	if needs[1] {
		grads[1] = Neg(Mul(grad, Div(out, b)))
	}
	return grads
}

// Div is the element-wise quotient.
func Div(a, b *Node) *Node {
	mustSameShape("div", a, b)
	var out mat.Dense
	out.DivElem(a.value, b.value)
	return newNode(&out, divOp{}, a, b)
}

type scaleOp struct {
	c float64
}

func (scaleOp) name() string { return "scale" }

func (s scaleOp) backward(_, grad *Node, _ []bool) []*Node {
	return []*Node{Scale(grad, s.c)}
}

func Scale(a *Node, c float64) *Node {
	var out mat.Dense
	out.Scale(c, a.value)
	return newNode(&out, scaleOp{c: c}, a)
}

func Neg(a *Node) *Node {
	return Scale(a, -1)
}

type addScalarOp struct{}

func (addScalarOp) name() string { return "add_scalar" }

func (addScalarOp) backward(_, grad *Node, _ []bool) []*Node {
	return []*Node{grad}
}

func AddScalar(a *Node, c float64) *Node {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return v + c }, a.value)
	return newNode(&out, addScalarOp{}, a)
}

type matMulOp struct{}

func (matMulOp) name() string { return "matmul" }

func (matMulOp) backward(out, grad *Node, needs []bool) []*Node {
	a, b := out.inputs[0], out.inputs[1]
	grads := make([]*Node, 2)
	if needs[0] {
		grads[0] = MatMul(grad, Transpose(b))
	}
	if needs[1] {
		grads[1] = MatMul(Transpose(a), grad)
	}
	return grads
}

func MatMul(a, b *Node) *Node {
	_, ac := a.Dims()
	br, _ := b.Dims()
	if ac != br {
		panic(fmt.Sprintf("autodiff: matmul inner dimension mismatch %d vs %d", ac, br))
	}
	var out mat.Dense
	out.Mul(a.value, b.value)
	return newNode(&out, matMulOp{}, a, b)
}

type transposeOp struct{}

func (transposeOp) name() string { return "transpose" }

func (transposeOp) backward(_, grad *Node, _ []bool) []*Node {
	return []*Node{Transpose(grad)}
}

func Transpose(a *Node) *Node {
	return newNode(mat.DenseCopyOf(a.value.T()), transposeOp{}, a)
}

type expOp struct{}

func (expOp) name() string { return "exp" }

func (expOp) backward(out, grad *Node, _ []bool) []*Node {
	return []*Node{Mul(grad, out)}
}

func Exp(a *Node) *Node {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return math.Exp(v) }, a.value)
	return newNode(&out, expOp{}, a)
}

type logOp struct{}

func (logOp) name() string { return "log" }

func (logOp) backward(out, grad *Node, _ []bool) []*Node {
	return []*Node{Div(grad, out.inputs[0])}
}

func Log(a *Node) *Node {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return math.Log(v) }, a.value)
	return newNode(&out, logOp{}, a)
}

type sqrtOp struct{}

func (sqrtOp) name() string { return "sqrt" }

func (sqrtOp) backward(out, grad *Node, _ []bool) []*Node {
	return []*Node{Div(grad, Scale(out, 2))}
}

func Sqrt(a *Node) *Node {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return math.Sqrt(v) }, a.value)
	return newNode(&out, sqrtOp{}, a)
}

type squareOp struct{}

func (squareOp) name() string { return "square" }

func (squareOp) backward(out, grad *Node, _ []bool) []*Node {
	return []*Node{Mul(grad, Scale(out.inputs[0], 2))}
}

func Square(a *Node) *Node {
	var out mat.Dense
	out.MulElem(a.value, a.value)
	return newNode(&out, squareOp{}, a)
}

type leakyReLUOp struct {
	alpha float64
}

func (leakyReLUOp) name() string { return "leaky_relu" }

// The slope mask is piecewise constant, so its own derivative is zero and it
// enters the gradient graph as a constant.
func (l leakyReLUOp) backward(out, grad *Node, _ []bool) []*Node {
	var mask mat.Dense
	mask.Apply(func(_, _ int, v float64) float64 {
		if v > 0 {
			return 1
		}
		return l.alpha
	}, out.inputs[0].value)
	return []*Node{Mul(grad, &Node{value: &mask})}
}

func LeakyReLU(a *Node, alpha float64) *Node {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		if v > 0 {
			return v
		}
		return alpha * v
	}, a.value)
	return newNode(&out, leakyReLUOp{alpha: alpha}, a)
}

func ReLU(a *Node) *Node {
	return LeakyReLU(a, 0)
}

type tanhOp struct{}

func (tanhOp) name() string { return "tanh" }

func (tanhOp) backward(out, grad *Node, _ []bool) []*Node {
	// d tanh = 1 - tanh^2
	return []*Node{Mul(grad, AddScalar(Neg(Square(out)), 1))}
}

func Tanh(a *Node) *Node {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, a.value)
	return newNode(&out, tanhOp{}, a)
}

type sigmoidOp struct{}

func (sigmoidOp) name() string { return "sigmoid" }

func (sigmoidOp) backward(out, grad *Node, _ []bool) []*Node {
	return []*Node{Mul(grad, Mul(out, AddScalar(Neg(out), 1)))}
}

func Sigmoid(a *Node) *Node {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return 1 / (1 + math.Exp(-v)) }, a.value)
	return newNode(&out, sigmoidOp{}, a)
}

// MulConst multiplies a element-wise by a fixed mask.
func MulConst(a *Node, mask *mat.Dense) *Node {
	return Mul(a, &Node{value: mask})
}
