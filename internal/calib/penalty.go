package calib

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"latentcal/internal/arch"
	"latentcal/internal/autodiff"
)

// normEpsilon keeps the gradient norm differentiable at zero.
const normEpsilon = 1e-12

// Scorer is the part of the critic the penalty needs.
type Scorer interface {
	Score(code *autodiff.Node, training bool) (*autodiff.Node, error)
}

// GradientPenalty evaluates the penalty at random interpolates
// t*a + (1-t)*b with t ~ U(0,1) drawn per row. The codes are treated as
// constants; the result stays differentiable with respect to the critic's
// parameters.
func GradientPenalty(critic Scorer, codeA, codeB *mat.Dense, rng *rand.Rand) (*autodiff.Node, error) {
	ra, ca := codeA.Dims()
	rb, cb := codeB.Dims()
	if ra != rb || ca != cb {
		return nil, fmt.Errorf("%w: penalty codes are %dx%d and %dx%d", arch.ErrDimension, ra, ca, rb, cb)
	}
	x := mat.NewDense(ra, ca, nil)
	for i := 0; i < ra; i++ {
		t := rng.Float64()
		a, b, row := codeA.RawRowView(i), codeB.RawRowView(i), x.RawRowView(i)
		for j := range row {
			row[j] = t*a[j] + (1-t)*b[j]
		}
	}
	return PenaltyAt(critic, x)
}

// PenaltyAt is mean((||dD/dx||_2 - 1)^2) over the rows of x.
func PenaltyAt(critic Scorer, x *mat.Dense) (*autodiff.Node, error) {
	in := autodiff.Constant(x)
	scores, err := critic.Score(in, true)
	if err != nil {
		return nil, err
	}
	grads, err := autodiff.Grad(autodiff.Sum(scores), in)
	if err != nil {
		return nil, err
	}
	norms := autodiff.Sqrt(autodiff.AddScalar(autodiff.SumCols(autodiff.Square(grads[0])), normEpsilon))
	return autodiff.Mean(autodiff.Square(autodiff.AddScalar(norms, -1))), nil
}
