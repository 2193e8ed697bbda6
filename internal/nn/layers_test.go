package nn

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"latentcal/internal/autodiff"
)

func TestDenseForwardShapeAndBias(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	layer := NewDense("fc", 3, 4, rng)
	layer.B.Value().Set(0, 2, 1.5)

	x := autodiff.Zeros(5, 3)
	y := layer.Forward(x)
	r, c := y.Dims()
	if r != 5 || c != 4 {
		t.Fatalf("unexpected output shape %dx%d", r, c)
	}
	if y.Value().At(4, 2) != 1.5 {
		t.Fatalf("expected bias to pass through zero input, got %v", y.Value().At(4, 2))
	}
	if len(layer.Params()) != 2 || layer.Params()[0].Name != "fc/weights" {
		t.Fatalf("unexpected params: %+v", layer.Params())
	}
}

func TestGlorotUniformBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	m := GlorotUniform(10, 6, rng)
	limit := math.Sqrt(6.0 / 16.0)
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); math.Abs(v) > limit {
				t.Fatalf("value %v outside glorot limit %v", v, limit)
			}
		}
	}
}

func TestBatchNormTrainingNormalizesBatch(t *testing.T) {
	bn := NewBatchNorm("bn", 2)
	x := autodiff.FromRows([][]float64{{1, 10}, {2, 20}, {3, 30}, {4, 40}})
	y := bn.Forward(x, true)

	for j := 0; j < 2; j++ {
		col := mat.Col(nil, j, y.Value())
		mean, variance := stat.PopMeanVariance(col, nil)
		if math.Abs(mean) > 1e-9 {
			t.Fatalf("column %d mean=%v want 0", j, mean)
		}
		wantVar := 1.0
		if j == 0 {
			wantVar = 1.25 / (1.25 + bn.Epsilon)
		} else {
			wantVar = 125 / (125 + bn.Epsilon)
		}
		if math.Abs(variance-wantVar) > 1e-9 {
			t.Fatalf("column %d variance=%v want %v", j, variance, wantVar)
		}
	}

	wantMean := (1 - bn.Decay) * 2.5
	if got := bn.RunningMean.Value.At(0, 0); math.Abs(got-wantMean) > 1e-12 {
		t.Fatalf("running mean=%v want %v", got, wantMean)
	}
}

func TestBatchNormInferenceUsesRunningStatistics(t *testing.T) {
	bn := NewBatchNorm("bn", 1)
	bn.RunningMean.Value.Set(0, 0, 2)
	bn.RunningVar.Value.Set(0, 0, 4-bn.Epsilon)

	y := bn.Forward(autodiff.FromRows([][]float64{{6}, {0}}), false)
	if got := y.Value().At(0, 0); math.Abs(got-2) > 1e-12 {
		t.Fatalf("unexpected normalized value %v", got)
	}
	if got := y.Value().At(1, 0); math.Abs(got+1) > 1e-12 {
		t.Fatalf("unexpected normalized value %v", got)
	}
	if bn.RunningMean.Value.At(0, 0) != 2 {
		t.Fatal("inference pass must not update running statistics")
	}
}

func TestDropout(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := autodiff.Full(20, 20, 1)
	if Dropout(x, 0.5, false, rng) != x {
		t.Fatal("expected identity outside training")
	}
	y := Dropout(x, 0.5, true, rng)
	zeros := 0
	for _, v := range y.Data() {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("unexpected dropout value %v", v)
		}
	}
	if zeros == 0 || zeros == 400 {
		t.Fatalf("expected a mix of kept and dropped units, dropped=%d", zeros)
	}
}

func TestCollectParamsPreservesOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	a := NewDense("a", 2, 2, rng)
	bn := NewBatchNorm("bn", 2)
	params := CollectParams(a, bn)
	names := []string{"a/weights", "a/biases", "bn/gamma", "bn/beta"}
	if len(params) != len(names) {
		t.Fatalf("unexpected param count %d", len(params))
	}
	for i, p := range params {
		if p.Name != names[i] {
			t.Fatalf("param %d name=%s want %s", i, p.Name, names[i])
		}
	}
	if buffers := CollectBuffers(a, bn); len(buffers) != 2 {
		t.Fatalf("unexpected buffer count %d", len(buffers))
	}
}
