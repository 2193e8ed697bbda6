package arch

import (
	"fmt"
	"math/rand"

	"latentcal/internal/autodiff"
	"latentcal/internal/nn"
)

// trunk is the variant-specific transformation between a unit's input and
// its linear head.
type trunk interface {
	nn.Module
	forward(x *autodiff.Node, training bool) *autodiff.Node
	width() int
}

type role int

const (
	roleEncoder role = iota
	roleDecoder
	roleCritic
)

func newTrunk(spec Spec, scope string, in int, r role, rng *rand.Rand) (trunk, error) {
	switch spec.Kind {
	case KindBasic:
		return newBasicTrunk(scope, in, spec.Basic, rng), nil
	case KindResidual:
		return newResidualTrunk(scope, in, spec.Residual, rng), nil
	case KindAttention:
		feedForward := r != roleEncoder || spec.Attention.EncoderFeedForward
		return newAttentionTrunk(scope, in, spec.Attention, feedForward, rng), nil
	default:
		return nil, fmt.Errorf("%w: architecture kind %s is not enumerated", ErrConfiguration, spec.Kind)
	}
}

// lrelu is the hidden nonlinearity of every family.
var lrelu = mustActivation("leaky_relu")

func mustActivation(name string) nn.ActivationFunc {
	fn, err := nn.GetActivation(name)
	if err != nil {
		panic(err)
	}
	return fn
}
