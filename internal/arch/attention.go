package arch

import (
	"fmt"
	"math/rand"

	"latentcal/internal/autodiff"
	"latentcal/internal/nn"
)

// multiHeadAttention treats the representation as one value per head. Each
// head projects the whole representation to units values and to units
// compatibility scores, softmax-normalizes the scores and sums the weighted
// projection. The heads are concatenated and added back to the input.
type multiHeadAttention struct {
	proj    *nn.Dense
	weights *nn.Dense

	heads, units int
	dropout      float64
	rng          *rand.Rand
}

func (m *multiHeadAttention) forward(x *autodiff.Node, training bool) *autodiff.Node {
	n, _ := x.Dims()
	proj := lrelu(m.proj.Forward(x))
	scores := lrelu(m.weights.Forward(x))

	// [n, heads*units] -> [n*heads, units]: row i*heads+h holds head h of sample i.
	perHead := autodiff.Reshape(proj, n*m.heads, m.units)
	attn := autodiff.Softmax(autodiff.Reshape(scores, n*m.heads, m.units))
	summed := autodiff.SumCols(autodiff.Mul(perHead, attn))
	out := autodiff.Reshape(summed, n, m.heads)

	out = nn.Dropout(out, m.dropout, training, m.rng)
	return autodiff.Add(out, x)
}

func (m *multiHeadAttention) Params() []*nn.Param { return nn.CollectParams(m.proj, m.weights) }

// feedForward: x + lrelu(fc(lrelu(fc(x, units)), width)).
type feedForward struct {
	inner, readout *nn.Dense
}

func (f *feedForward) forward(x *autodiff.Node) *autodiff.Node {
	y := lrelu(f.readout.Forward(lrelu(f.inner.Forward(x))))
	return autodiff.Add(y, x)
}

func (f *feedForward) Params() []*nn.Param { return nn.CollectParams(f.inner, f.readout) }

type attentionTrunk struct {
	stem      *nn.Dense
	attention []*multiHeadAttention
	forwards  []*feedForward
}

func newAttentionTrunk(scope string, in int, spec AttentionSpec, withFeedForward bool, rng *rand.Rand) *attentionTrunk {
	t := &attentionTrunk{
		stem: nn.NewDense(scope+"/stem", in, spec.Heads, rng),
	}
	hidden := spec.Heads * spec.Units
	for i := 0; i < spec.Blocks; i++ {
		prefix := fmt.Sprintf("%s/block_%d", scope, i)
		t.attention = append(t.attention, &multiHeadAttention{
			proj:    nn.NewDense(prefix+"/multihead_attention/proj", spec.Heads, hidden, rng),
			weights: nn.NewDense(prefix+"/multihead_attention/weights", spec.Heads, hidden, rng),
			heads:   spec.Heads,
			units:   spec.Units,
			dropout: spec.DropoutRate,
			rng:     rng,
		})
		if withFeedForward {
			t.forwards = append(t.forwards, &feedForward{
				inner:   nn.NewDense(prefix+"/forward/inner", spec.Heads, spec.Units, rng),
				readout: nn.NewDense(prefix+"/forward/readout", spec.Units, spec.Heads, rng),
			})
		}
	}
	return t
}

func (t *attentionTrunk) forward(x *autodiff.Node, training bool) *autodiff.Node {
	y := lrelu(t.stem.Forward(x))
	for i, block := range t.attention {
		y = block.forward(y, training)
		if i < len(t.forwards) {
			y = t.forwards[i].forward(y)
		}
	}
	return y
}

func (t *attentionTrunk) width() int { return t.stem.Out() }

func (t *attentionTrunk) Params() []*nn.Param {
	params := t.stem.Params()
	for i, block := range t.attention {
		params = append(params, block.Params()...)
		if i < len(t.forwards) {
			params = append(params, t.forwards[i].Params()...)
		}
	}
	return params
}

func (t *attentionTrunk) Buffers() []*nn.Buffer { return nil }
