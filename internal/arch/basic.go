package arch

import (
	"math/rand"

	"latentcal/internal/autodiff"
	"latentcal/internal/nn"
)

// basicTrunk: fc -> lrelu -> fc -> lrelu.
type basicTrunk struct {
	fc1, fc2 *nn.Dense
}

func newBasicTrunk(scope string, in int, spec BasicSpec, rng *rand.Rand) *basicTrunk {
	return &basicTrunk{
		fc1: nn.NewDense(scope+"/fc1", in, spec.HiddenDim, rng),
		fc2: nn.NewDense(scope+"/fc2", spec.HiddenDim, spec.HiddenDim, rng),
	}
}

func (b *basicTrunk) forward(x *autodiff.Node, _ bool) *autodiff.Node {
	return lrelu(b.fc2.Forward(lrelu(b.fc1.Forward(x))))
}

func (b *basicTrunk) width() int { return b.fc2.Out() }

func (b *basicTrunk) Params() []*nn.Param   { return nn.CollectParams(b.fc1, b.fc2) }
func (b *basicTrunk) Buffers() []*nn.Buffer { return nil }
