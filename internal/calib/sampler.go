package calib

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"latentcal/internal/arch"
	"latentcal/internal/autodiff"
)

// Sample draws a latent code with the reparameterization trick. Training
// passes return mu + sqrt(exp(log_sigma_sq)) * eps with fresh standard normal
// eps; inference passes return mu itself.
func Sample(g arch.Gaussian, training bool, rng *rand.Rand) *autodiff.Node {
	if !training {
		return g.Mu
	}
	r, c := g.Mu.Dims()
	eps := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := eps.RawRowView(i)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
	}
	std := autodiff.Sqrt(autodiff.Exp(g.LogSigmaSq))
	return autodiff.Add(g.Mu, autodiff.Mul(std, autodiff.Constant(eps)))
}
