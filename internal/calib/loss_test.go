package calib

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"latentcal/internal/arch"
	"latentcal/internal/autodiff"
	"latentcal/internal/nn"
)

func TestSampleInferenceReturnsMean(t *testing.T) {
	g := arch.Gaussian{
		Mu:         autodiff.FromRows([][]float64{{1, 2}, {3, 4}}),
		LogSigmaSq: autodiff.FromRows([][]float64{{5, 5}, {5, 5}}),
	}
	if got := Sample(g, false, nil); got != g.Mu {
		t.Fatal("inference sampling must return the mean node itself")
	}
}

func TestSampleTrainingStatistics(t *testing.T) {
	const n = 4000
	mu := autodiff.Full(n, 2, 1)
	lss := autodiff.Full(n, 2, math.Log(4))
	rng := rand.New(rand.NewSource(5))

	code := Sample(arch.Gaussian{Mu: mu, LogSigmaSq: lss}, true, rng)
	for j := 0; j < 2; j++ {
		mean, variance := stat.MeanVariance(mat.Col(nil, j, code.Value()), nil)
		if math.Abs(mean-1) > 0.15 {
			t.Fatalf("col %d mean=%v want ~1", j, mean)
		}
		if math.Abs(variance-4) > 0.4 {
			t.Fatalf("col %d variance=%v want ~4", j, variance)
		}
	}

	again := Sample(arch.Gaussian{Mu: mu, LogSigmaSq: lss}, true, rng)
	if mat.Equal(code.Value(), again.Value()) {
		t.Fatal("each training sample must draw fresh noise")
	}
}

func TestKLDivergence(t *testing.T) {
	zero := arch.Gaussian{Mu: autodiff.Zeros(3, 2), LogSigmaSq: autodiff.Zeros(3, 2)}
	if got := KLDivergence(zero).Item(); math.Abs(got) > 1e-15 {
		t.Fatalf("kl of the prior=%v want 0", got)
	}
	shifted := arch.Gaussian{Mu: autodiff.Full(3, 2, 1), LogSigmaSq: autodiff.Zeros(3, 2)}
	if got := KLDivergence(shifted).Item(); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("kl with unit means=%v want 0.5", got)
	}
	wide := arch.Gaussian{Mu: autodiff.Zeros(3, 2), LogSigmaSq: autodiff.Full(3, 2, 1)}
	want := -0.5 * (1 + 1 - math.E)
	if got := KLDivergence(wide).Item(); math.Abs(got-want) > 1e-12 || got <= 0 {
		t.Fatalf("kl with wide variance=%v want %v", got, want)
	}
}

func TestWassersteinAndAdversarialLoss(t *testing.T) {
	a := autodiff.FromRows([][]float64{{1}, {2}, {3}})
	b := autodiff.FromRows([][]float64{{4}, {5}, {6}})
	if got := WassersteinLoss(a, b).Item(); got != 3 {
		t.Fatalf("wd=%v want 3", got)
	}
	if got := AdversarialLoss(a, b).Item(); got != 9 {
		t.Fatalf("adv=%v want 9", got)
	}
	if got := ReconstructionLoss(a, b).Item(); got != 9 {
		t.Fatalf("mse=%v want 9", got)
	}
}

func TestComposeGeneratorWeightsTerms(t *testing.T) {
	hp := Hyperparameters{Beta: 0.5, Gamma: 2, Delta: 0.1, LR: 1e-3, BatchSize: 2, Epochs: 1}
	p := Pass{
		InputA: autodiff.FromRows([][]float64{{1, 1}, {1, 1}}),
		InputB: autodiff.FromRows([][]float64{{0, 0}, {0, 0}}),
		GaussA: arch.Gaussian{Mu: autodiff.Full(2, 1, 1), LogSigmaSq: autodiff.Zeros(2, 1)},
		GaussB: arch.Gaussian{Mu: autodiff.Zeros(2, 1), LogSigmaSq: autodiff.Full(2, 1, 1)},
		RecA:   autodiff.FromRows([][]float64{{0, 0}, {0, 0}}),
		RecB:   autodiff.FromRows([][]float64{{0, 0}, {0, 0}}),
		ScoreA: autodiff.FromRows([][]float64{{1}, {1}}),
		ScoreB: autodiff.FromRows([][]float64{{3}, {3}}),
	}
	terms := ComposeGenerator(p, hp)
	kldB := -0.5 * (1 + 1 - math.E)
	want := 1 + 0 + 0.5*(0.5+kldB) + 2*4
	if got := terms.G.Item(); math.Abs(got-want) > 1e-12 {
		t.Fatalf("G=%v want %v", got, want)
	}

	hp.LegacyKLCoupling = true
	legacy := ComposeGenerator(p, hp)
	// domain B borrows domain A's zero log variance inside exp()
	wantLegacy := -0.5 * (1 + 1 - 1)
	if got := legacy.KLDB.Item(); math.Abs(got-wantLegacy) > 1e-12 {
		t.Fatalf("legacy kld_b=%v want %v", got, wantLegacy)
	}
	if legacy.KLDA.Item() != terms.KLDA.Item() {
		t.Fatal("legacy coupling must not change kld_a")
	}

	critic := ComposeCritic(p.ScoreA, p.ScoreB, autodiff.Scalar(2), hp)
	if got := critic.D.Item(); math.Abs(got-(2+0.1*2)) > 1e-12 {
		t.Fatalf("D=%v want 2.2", got)
	}
}

func TestHyperparametersValidate(t *testing.T) {
	if err := DefaultHyperparameters().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := []func(*Hyperparameters){
		func(h *Hyperparameters) { h.Beta = -1 },
		func(h *Hyperparameters) { h.Gamma = math.Inf(1) },
		func(h *Hyperparameters) { h.Delta = math.NaN() },
		func(h *Hyperparameters) { h.LR = 0 },
		func(h *Hyperparameters) { h.BatchSize = 0 },
		func(h *Hyperparameters) { h.Epochs = -1 },
		func(h *Hyperparameters) { h.Epochs = 0 },
	}
	for i, mutate := range bad {
		h := DefaultHyperparameters()
		mutate(&h)
		if err := h.Validate(); !errors.Is(err, arch.ErrConfiguration) {
			t.Fatalf("case %d: expected ErrConfiguration, got %v", i, err)
		}
	}
	if got := IterationsPerEpoch(100, 64); got != 1 {
		t.Fatalf("iterations=%d want 1", got)
	}
	if got := IterationsPerEpoch(10, 64); got != 1 {
		t.Fatalf("iterations=%d want at least 1", got)
	}
	if got := IterationsPerEpoch(200, 64); got != 3 {
		t.Fatalf("iterations=%d want 3", got)
	}
}

// linearCritic scores x with tanh(x w) when squash is set and x w otherwise.
type linearCritic struct {
	w      *nn.Param
	squash bool
}

func (c linearCritic) Score(x *autodiff.Node, _ bool) (*autodiff.Node, error) {
	s := autodiff.MatMul(x, c.w.Node)
	if c.squash {
		s = autodiff.Tanh(s)
	}
	return s, nil
}

func TestGradientPenaltyOfUnitLinearCritic(t *testing.T) {
	critic := linearCritic{w: nn.NewParam("w", mat.NewDense(2, 1, []float64{0.6, 0.8}))}
	rng := rand.New(rand.NewSource(1))
	a := mat.NewDense(4, 2, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	b := mat.NewDense(4, 2, []float64{-1, 0, 2, 2, 0, 1, 9, -3})
	gp, err := GradientPenalty(critic, a, b, rng)
	if err != nil {
		t.Fatalf("gp: %v", err)
	}
	if got := gp.Item(); got > 1e-12 {
		t.Fatalf("gp of a unit-norm linear critic=%v want ~0", got)
	}

	prev := -1.0
	for _, scale := range []float64{1, 1.5, 2, 3} {
		c := linearCritic{w: nn.NewParam("w", mat.NewDense(2, 1, []float64{0.6 * scale, 0.8 * scale}))}
		gp, err := PenaltyAt(c, a)
		if err != nil {
			t.Fatalf("gp: %v", err)
		}
		want := (scale - 1) * (scale - 1)
		if got := gp.Item(); math.Abs(got-want) > 1e-9 {
			t.Fatalf("scale %v: gp=%v want %v", scale, got, want)
		}
		if gp.Item() <= prev {
			t.Fatalf("gp must grow with the gradient norm: %v after %v", gp.Item(), prev)
		}
		prev = gp.Item()
	}

	if _, err := GradientPenalty(critic, a, mat.NewDense(3, 2, nil), rng); !errors.Is(err, arch.ErrDimension) {
		t.Fatalf("expected ErrDimension, got %v", err)
	}
}

func TestGradientPenaltyIsDifferentiableInCriticParams(t *testing.T) {
	x := mat.NewDense(3, 2, []float64{0.3, -0.2, 1.1, 0.4, -0.7, 0.9})
	w0 := []float64{0.9, -1.4}

	penalty := func(w []float64) float64 {
		c := linearCritic{w: nn.NewParam("w", mat.NewDense(2, 1, append([]float64(nil), w...))), squash: true}
		gp, err := PenaltyAt(c, x)
		if err != nil {
			t.Fatalf("gp: %v", err)
		}
		return gp.Item()
	}

	param := nn.NewParam("w", mat.NewDense(2, 1, append([]float64(nil), w0...)))
	gp, err := PenaltyAt(linearCritic{w: param, squash: true}, x)
	if err != nil {
		t.Fatalf("gp: %v", err)
	}
	grads, err := autodiff.Grad(gp, param.Node)
	if err != nil {
		t.Fatalf("grad: %v", err)
	}

	want := fd.Gradient(nil, penalty, w0, &fd.Settings{Formula: fd.Central, Step: 1e-6})
	for i := range want {
		if got := grads[0].Value().At(i, 0); math.Abs(got-want[i]) > 1e-5 {
			t.Fatalf("d gp / d w[%d]=%v want %v", i, got, want[i])
		}
	}
}

func TestGradientPenaltyMatchesFiniteDifferencesForEveryCritic(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{0.3, -0.2, 1.1, 0.4, -0.7, 0.9, 0.05, -1.3})
	settings := &fd.Settings{Formula: fd.Central, Step: 1e-6}
	for _, kind := range arch.Kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			models, err := arch.Build(arch.DefaultSpec(kind), 3, 2, rand.New(rand.NewSource(5)))
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			params := models.CriticParams()
			nodes := make([]*autodiff.Node, len(params))
			for i, p := range params {
				nodes[i] = p.Node
			}
			gp, err := PenaltyAt(models.Critic, x)
			if err != nil {
				t.Fatalf("gp: %v", err)
			}
			grads, err := autodiff.Grad(gp, nodes...)
			if err != nil {
				t.Fatalf("grad: %v", err)
			}

			checked := 0
			for i, p := range params {
				value := p.Value()
				rows, cols := value.Dims()
				// the first few entries of every tensor keep the check fast
				for k := 0; k < 3 && k < rows*cols; k++ {
					r, c := k/cols, k%cols
					orig := value.At(r, c)
					want := fd.Derivative(func(v float64) float64 {
						value.Set(r, c, v)
						gp, err := PenaltyAt(models.Critic, x)
						if err != nil {
							t.Fatalf("gp: %v", err)
						}
						return gp.Item()
					}, orig, settings)
					value.Set(r, c, orig)
					got := grads[i].Value().At(r, c)
					if math.Abs(got-want) > 1e-5+1e-4*math.Abs(want) {
						t.Fatalf("d gp / d %s[%d,%d]=%v want %v", p.Name, r, c, got, want)
					}
					checked++
				}
			}
			if checked == 0 {
				t.Fatal("critic has no parameters")
			}
		})
	}
}
