// Package checkpoint converts between live models and persisted snapshots.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"gonum.org/v1/gonum/mat"

	"latentcal/internal/arch"
	"latentcal/internal/model"
	"latentcal/internal/nn"
	"latentcal/internal/optim"
	"latentcal/internal/storage"
)

var ErrIncompatible = errors.New("incompatible checkpoint")

// Capture copies every parameter, buffer and both optimizer states.
func Capture(runID string, epoch int, models *arch.Models, generator, critic *optim.Adam) model.Snapshot {
	snap := model.Snapshot{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           runID,
		Epoch:           epoch,
		Architecture:    models.Spec.Kind.String(),
		InputDim:        models.InputDim,
		CodeDim:         models.CodeDim,
	}
	for _, p := range models.Params() {
		snap.Params = append(snap.Params, optim.ToTensor(p.Name, p.Value()))
	}
	for _, b := range models.Buffers() {
		snap.Buffers = append(snap.Buffers, optim.ToTensor(b.Name, b.Value))
	}
	if generator != nil {
		snap.Generator = generator.State()
	}
	if critic != nil {
		snap.Critic = critic.State()
	}
	return snap
}

// Restore writes a snapshot into models and optimizers. Nothing is modified
// unless the whole snapshot matches the live shapes and names. Nil
// optimizers are skipped.
func Restore(snap model.Snapshot, models *arch.Models, generator, critic *optim.Adam) error {
	if snap.Architecture != models.Spec.Kind.String() {
		return fmt.Errorf("%w: architecture %q, model is %q", ErrIncompatible, snap.Architecture, models.Spec.Kind)
	}
	if snap.InputDim != models.InputDim || snap.CodeDim != models.CodeDim {
		return fmt.Errorf("%w: dims %d/%d, model is %d/%d", ErrIncompatible, snap.InputDim, snap.CodeDim, models.InputDim, models.CodeDim)
	}

	params := models.Params()
	if len(snap.Params) != len(params) {
		return fmt.Errorf("%w: %d parameter tensors, model has %d", ErrIncompatible, len(snap.Params), len(params))
	}
	buffers := models.Buffers()
	if len(snap.Buffers) != len(buffers) {
		return fmt.Errorf("%w: %d buffer tensors, model has %d", ErrIncompatible, len(snap.Buffers), len(buffers))
	}
	for i, p := range params {
		if err := compatible(snap.Params[i], p.Name, p.Value()); err != nil {
			return err
		}
	}
	for i, b := range buffers {
		if err := compatible(snap.Buffers[i], b.Name, b.Value); err != nil {
			return err
		}
	}

	// Optimizer states are validated by loading them into scratch copies.
	var genProbe, criticProbe *optim.Adam
	if generator != nil {
		probe, err := probeOptimizer(generator, snap.Generator)
		if err != nil {
			return fmt.Errorf("%w: generator optimizer: %v", ErrIncompatible, err)
		}
		genProbe = probe
	}
	if critic != nil {
		probe, err := probeOptimizer(critic, snap.Critic)
		if err != nil {
			return fmt.Errorf("%w: critic optimizer: %v", ErrIncompatible, err)
		}
		criticProbe = probe
	}

	for i, p := range params {
		copyInto(p.Value(), snap.Params[i])
	}
	for i, b := range buffers {
		copyInto(b.Value, snap.Buffers[i])
	}
	if genProbe != nil {
		if err := generator.LoadState(genProbe.State()); err != nil {
			return fmt.Errorf("generator optimizer: %w", err)
		}
	}
	if criticProbe != nil {
		if err := critic.LoadState(criticProbe.State()); err != nil {
			return fmt.Errorf("critic optimizer: %w", err)
		}
	}
	return nil
}

// TryLoad restores the latest snapshot of runID. Any failure, including a
// missing or incompatible snapshot, is reported as ok=false and leaves the
// models untouched.
func TryLoad(ctx context.Context, store storage.Store, runID string, models *arch.Models, generator, critic *optim.Adam, logger *log.Logger) (model.Snapshot, bool) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	snap, ok, err := store.LatestSnapshot(ctx, runID)
	if err != nil {
		logger.Printf("checkpoint: load %s failed: %v", runID, err)
		return model.Snapshot{}, false
	}
	if !ok {
		return model.Snapshot{}, false
	}
	if err := Restore(snap, models, generator, critic); err != nil {
		logger.Printf("checkpoint: ignoring snapshot of %s at epoch %d: %v", runID, snap.Epoch, err)
		return model.Snapshot{}, false
	}
	return snap, true
}

func compatible(t model.Tensor, name string, m *mat.Dense) error {
	r, c := m.Dims()
	if t.Name != name {
		return fmt.Errorf("%w: tensor %q where %q was expected", ErrIncompatible, t.Name, name)
	}
	if t.Rows != r || t.Cols != c || len(t.Data) != r*c {
		return fmt.Errorf("%w: tensor %q is %dx%d, model has %dx%d", ErrIncompatible, name, t.Rows, t.Cols, r, c)
	}
	return nil
}

func copyInto(dst *mat.Dense, t model.Tensor) {
	dst.Copy(mat.NewDense(t.Rows, t.Cols, t.Data))
}

func probeOptimizer(live *optim.Adam, state model.OptimizerState) (*optim.Adam, error) {
	scratch := make([]*nn.Param, 0, len(live.Params()))
	for _, p := range live.Params() {
		r, c := p.Value().Dims()
		scratch = append(scratch, nn.NewParam(p.Name, mat.NewDense(r, c, nil)))
	}
	probe, err := optim.NewAdam(live.Config(), scratch)
	if err != nil {
		return nil, err
	}
	if err := probe.LoadState(state); err != nil {
		return nil, err
	}
	return probe, nil
}
