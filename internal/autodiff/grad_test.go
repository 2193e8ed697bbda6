package autodiff

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func checkGradient(t *testing.T, name string, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: gradient length mismatch got=%d want=%d", name, len(got), len(want))
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > tol*(1+math.Abs(want[i])) {
			t.Fatalf("%s: gradient[%d]=%.8f want %.8f", name, i, got[i], want[i])
		}
	}
}

func TestGradMatchesFiniteDifferences(t *testing.T) {
	x := FromRows([][]float64{{0.3, -1.2, 0.8}, {1.5, 0.1, -0.4}})
	c := FromRows([][]float64{{0.2, -0.7}, {1.1, 0.4}})

	build := func(w *Node) *Node {
		h := Tanh(MatMul(x, w))
		p := Softmax(h)
		s := Sigmoid(MatMul(Transpose(p), c))
		return Add(Mean(Mul(s, Exp(Scale(s, 0.5)))), Sum(Div(p, AddScalar(Square(h), 1))))
	}

	wData := []float64{0.5, -0.2, 0.1, 0.9, -0.6, 0.3}
	w := Variable(mat.NewDense(3, 2, append([]float64(nil), wData...)))
	y := build(w)
	grads, err := Grad(y, w)
	if err != nil {
		t.Fatalf("grad: %v", err)
	}

	numeric := fd.Gradient(nil, func(p []float64) float64 {
		return build(Variable(mat.NewDense(3, 2, append([]float64(nil), p...)))).Item()
	}, wData, &fd.Settings{Formula: fd.Central, Step: 1e-6})

	checkGradient(t, "composite", grads[0].Data(), numeric, 1e-5)
}

func TestGradReductionsAndBroadcasts(t *testing.T) {
	build := func(a *Node) *Node {
		rowMean := MeanRows(a)
		centred := Sub(a, RepeatRows(rowMean, 3))
		norms := Sqrt(AddScalar(SumCols(Square(centred)), 1e-3))
		spread := Div(centred, RepeatCols(norms, 2))
		reshaped := Reshape(spread, 2, 3)
		return Sum(Mul(reshaped, Log(AddScalar(Square(reshaped), 2))))
	}

	data := []float64{0.4, -1.0, 2.2, 0.3, -0.7, 1.6}
	a := Variable(mat.NewDense(3, 2, append([]float64(nil), data...)))
	grads, err := Grad(build(a), a)
	if err != nil {
		t.Fatalf("grad: %v", err)
	}
	numeric := fd.Gradient(nil, func(p []float64) float64 {
		return build(Variable(mat.NewDense(3, 2, append([]float64(nil), p...)))).Item()
	}, data, &fd.Settings{Formula: fd.Central, Step: 1e-6})

	checkGradient(t, "reductions", grads[0].Data(), numeric, 1e-5)
}

func TestGradLeakyReLUAwayFromKink(t *testing.T) {
	data := []float64{-2, -0.5, 0.7, 3}
	a := Variable(mat.NewDense(2, 2, append([]float64(nil), data...)))
	grads, err := Grad(Sum(Square(LeakyReLU(a, 0.2))), a)
	if err != nil {
		t.Fatalf("grad: %v", err)
	}
	// d/dx (lrelu(x))^2 = 2*lrelu(x)*slope
	want := []float64{2 * -0.4 * 0.2, 2 * -0.1 * 0.2, 2 * 0.7, 2 * 3}
	checkGradient(t, "leaky_relu", grads[0].Data(), want, 1e-12)
}

func TestGradOfGradient(t *testing.T) {
	x := FromRows([][]float64{{0.5, -0.3}, {-1.1, 0.8}, {0.2, 0.4}})
	wData := []float64{0.7, -0.4, 0.2, 0.9, -0.5, 0.3}

	// penalty(w) = mean((||d sum(f(x))/dx||_2 - 1)^2) with f(x) = sum(tanh(x W1) W2)
	penalty := func(w *Node) *Node {
		in := Constant(x.Value())
		w1 := Reshape(w, 2, 3)
		score := SumCols(Tanh(MatMul(in, w1)))
		g, err := Grad(Sum(score), in)
		if err != nil {
			t.Fatalf("inner grad: %v", err)
		}
		norms := Sqrt(SumCols(Square(g[0])))
		return Mean(Square(AddScalar(norms, -1)))
	}

	w := Variable(mat.NewDense(1, 6, append([]float64(nil), wData...)))
	grads, err := Grad(penalty(w), w)
	if err != nil {
		t.Fatalf("outer grad: %v", err)
	}
	numeric := fd.Gradient(nil, func(p []float64) float64 {
		return penalty(Variable(mat.NewDense(1, 6, append([]float64(nil), p...)))).Item()
	}, wData, &fd.Settings{Formula: fd.Central, Step: 1e-6})

	checkGradient(t, "second order", grads[0].Data(), numeric, 1e-5)
}

func TestGradUnreachableInputIsZero(t *testing.T) {
	a := Variable(mat.NewDense(2, 2, []float64{1, 2, 3, 4}))
	b := Variable(mat.NewDense(1, 3, []float64{1, 1, 1}))
	grads, err := Grad(Sum(a), a, b)
	if err != nil {
		t.Fatalf("grad: %v", err)
	}
	if !floats.Equal(grads[0].Data(), []float64{1, 1, 1, 1}) {
		t.Fatalf("unexpected gradient for a: %v", grads[0].Data())
	}
	if !floats.Equal(grads[1].Data(), []float64{0, 0, 0}) {
		t.Fatalf("expected zero gradient for b, got %v", grads[1].Data())
	}
}

func TestGradRejectsNonScalarTarget(t *testing.T) {
	a := Variable(mat.NewDense(2, 2, nil))
	if _, err := Grad(a, a); !errors.Is(err, ErrNotScalar) {
		t.Fatalf("expected ErrNotScalar, got %v", err)
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	p := Softmax(FromRows([][]float64{{1000, 1001, 999}, {-3, 0, 3}}))
	for i := 0; i < 2; i++ {
		if s := floats.Sum(p.Value().RawRowView(i)); math.Abs(s-1) > 1e-12 {
			t.Fatalf("row %d sums to %v", i, s)
		}
	}
}

func TestVariableSharesStorage(t *testing.T) {
	m := mat.NewDense(1, 2, []float64{1, 2})
	v := Variable(m)
	m.Set(0, 1, 5)
	if v.Value().At(0, 1) != 5 {
		t.Fatal("expected variable to observe in-place updates")
	}
	c := Constant(m)
	m.Set(0, 0, 9)
	if c.Value().At(0, 0) != 1 {
		t.Fatal("expected constant to hold a copy")
	}
}
