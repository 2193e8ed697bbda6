package checkpoint

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"testing"

	"gonum.org/v1/gonum/mat"

	"latentcal/internal/arch"
	"latentcal/internal/autodiff"
	"latentcal/internal/optim"
	"latentcal/internal/storage"
)

func buildRun(t *testing.T, kind arch.Kind, seed int64) (*arch.Models, *optim.Adam, *optim.Adam) {
	t.Helper()
	models, err := arch.Build(arch.DefaultSpec(kind), 3, 2, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	gen, err := optim.NewAdam(optim.DefaultAdamConfig(1e-3), models.GeneratorParams())
	if err != nil {
		t.Fatalf("generator adam: %v", err)
	}
	critic, err := optim.NewAdam(optim.DefaultAdamConfig(1e-3), models.CriticParams())
	if err != nil {
		t.Fatalf("critic adam: %v", err)
	}
	return models, gen, critic
}

func stepOnce(t *testing.T, adam *optim.Adam) {
	t.Helper()
	grads := make([]*mat.Dense, 0, len(adam.Params()))
	for _, p := range adam.Params() {
		r, c := p.Value().Dims()
		g := mat.NewDense(r, c, nil)
		g.Apply(func(i, j int, _ float64) float64 { return float64(i+j) - 0.5 }, g)
		grads = append(grads, g)
	}
	if err := adam.Step(grads); err != nil {
		t.Fatalf("step: %v", err)
	}
}

func TestCaptureRestoreRoundTrip(t *testing.T) {
	models, gen, critic := buildRun(t, arch.KindResidual, 1)
	stepOnce(t, gen)
	stepOnce(t, critic)
	// move batch-norm statistics away from their initial values
	x := autodiff.Constant(mat.NewDense(4, 3, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}))
	if _, err := models.Encoder.Encode(x, true); err != nil {
		t.Fatalf("encode: %v", err)
	}
	snap := Capture("run-1", 3, models, gen, critic)

	restored, rgen, rcritic := buildRun(t, arch.KindResidual, 99)
	if err := Restore(snap, restored, rgen, rcritic); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for i, p := range models.Params() {
		if !mat.Equal(p.Value(), restored.Params()[i].Value()) {
			t.Fatalf("param %s differs after restore", p.Name)
		}
	}
	for i, b := range models.Buffers() {
		if !mat.Equal(b.Value, restored.Buffers()[i].Value) {
			t.Fatalf("buffer %s differs after restore", b.Name)
		}
	}
	if rgen.Steps() != 1 || rcritic.Steps() != 1 {
		t.Fatalf("optimizer steps not restored: %d/%d", rgen.Steps(), rcritic.Steps())
	}
	want, got := critic.State(), rcritic.State()
	for i := range want.Momentum {
		if !slices.Equal(want.Momentum[i].Data, got.Momentum[i].Data) || !slices.Equal(want.Variance[i].Data, got.Variance[i].Data) {
			t.Fatalf("critic moments %s differ after restore", want.Momentum[i].Name)
		}
	}

	// identical next steps from identical state
	stepOnce(t, gen)
	stepOnce(t, rgen)
	for i, p := range models.GeneratorParams() {
		if !mat.Equal(p.Value(), restored.GeneratorParams()[i].Value()) {
			t.Fatalf("param %s diverged after resumed step", p.Name)
		}
	}
}

func TestRestoreRejectsIncompatibleSnapshot(t *testing.T) {
	basic, gen, critic := buildRun(t, arch.KindBasic, 1)
	snap := Capture("run-1", 0, basic, gen, critic)

	attention, agen, acritic := buildRun(t, arch.KindAttention, 2)
	before := mat.DenseCopyOf(attention.Params()[0].Value())
	if err := Restore(snap, attention, agen, acritic); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("expected ErrIncompatible for architecture, got %v", err)
	}
	if !mat.Equal(before, attention.Params()[0].Value()) {
		t.Fatal("rejected restore must leave parameters untouched")
	}

	other, ogen, ocritic := buildRun(t, arch.KindBasic, 3)
	before = mat.DenseCopyOf(other.Params()[0].Value())
	broken := Capture("run-1", 0, basic, gen, critic)
	last := len(broken.Params) - 1
	broken.Params[last].Cols++
	if err := Restore(broken, other, ogen, ocritic); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("expected ErrIncompatible for shape, got %v", err)
	}
	if !mat.Equal(before, other.Params()[0].Value()) {
		t.Fatal("rejected restore must leave parameters untouched")
	}

	badOpt := Capture("run-1", 0, basic, gen, critic)
	badOpt.Critic.Type = "sgd"
	if err := Restore(badOpt, other, ogen, ocritic); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("expected ErrIncompatible for optimizer, got %v", err)
	}
	if !mat.Equal(before, other.Params()[0].Value()) {
		t.Fatal("rejected optimizer state must leave parameters untouched")
	}
}

func TestTryLoad(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	models, gen, critic := buildRun(t, arch.KindBasic, 1)
	if _, ok := TryLoad(ctx, store, "run-1", models, gen, critic, nil); ok {
		t.Fatal("empty store must not load")
	}

	stepOnce(t, gen)
	if err := store.SaveSnapshot(ctx, Capture("run-1", 4, models, gen, critic)); err != nil {
		t.Fatalf("save: %v", err)
	}
	fresh, fgen, fcritic := buildRun(t, arch.KindBasic, 2)
	snap, ok := TryLoad(ctx, store, "run-1", fresh, fgen, fcritic, nil)
	if !ok || snap.Epoch != 4 {
		t.Fatalf("expected snapshot at epoch 4, ok=%v epoch=%d", ok, snap.Epoch)
	}
	if !mat.Equal(models.Params()[0].Value(), fresh.Params()[0].Value()) {
		t.Fatal("TryLoad did not restore parameters")
	}

	wrong, wgen, wcritic := buildRun(t, arch.KindResidual, 2)
	if _, ok := TryLoad(ctx, store, "run-1", wrong, wgen, wcritic, nil); ok {
		t.Fatal("incompatible snapshot must not load")
	}
}
