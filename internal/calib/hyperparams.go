// Package calib aligns two measurement domains in a shared latent space with
// a dual autoencoder and a gradient-penalized Wasserstein critic.
package calib

import (
	"errors"
	"fmt"
	"math"

	"latentcal/internal/arch"
)

var (
	ErrIterationFailure    = errors.New("training iteration failed")
	ErrNumericalDivergence = errors.New("numerical divergence")
)

// Hyperparameters weight the loss terms and drive the optimizers.
type Hyperparameters struct {
	// Beta weights the KL term of the generator loss.
	Beta float64 `json:"beta"`
	// Gamma weights the adversarial term of the generator loss.
	Gamma float64 `json:"gamma"`
	// Delta weights the gradient penalty of the critic loss.
	Delta     float64 `json:"delta"`
	LR        float64 `json:"lr"`
	BatchSize int     `json:"batch_size"`
	Epochs    int     `json:"n_epochs"`
	// LegacyKLCoupling computes the source-domain KL term with the target
	// domain's log variance, as the first published runs did.
	LegacyKLCoupling bool `json:"legacy_kl_coupling"`
}

func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		Beta:      0.1,
		Gamma:     100,
		Delta:     0.1,
		LR:        1e-3,
		BatchSize: 64,
		Epochs:    200,
	}
}

func (h Hyperparameters) Validate() error {
	for name, v := range map[string]float64{"beta": h.Beta, "gamma": h.Gamma, "delta": h.Delta} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be a finite value >= 0, got %v", arch.ErrConfiguration, name, v)
		}
	}
	if h.LR <= 0 || math.IsNaN(h.LR) || math.IsInf(h.LR, 0) {
		return fmt.Errorf("%w: lr must be a finite value > 0, got %v", arch.ErrConfiguration, h.LR)
	}
	if h.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be > 0, got %d", arch.ErrConfiguration, h.BatchSize)
	}
	if h.Epochs <= 0 {
		return fmt.Errorf("%w: n_epochs must be > 0, got %d", arch.ErrConfiguration, h.Epochs)
	}
	return nil
}

// IterationsPerEpoch is floor(minSamples/batch), never less than one.
func IterationsPerEpoch(minSamples, batchSize int) int {
	if batchSize <= 0 {
		return 1
	}
	return max(1, minSamples/batchSize)
}
