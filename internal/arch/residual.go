package arch

import (
	"fmt"
	"math/rand"

	"latentcal/internal/autodiff"
	"latentcal/internal/nn"
)

// residualBlock is a pre-activation block:
// x + fc2(lrelu(bn2(fc1(lrelu(bn1(x)))))).
type residualBlock struct {
	bn1, bn2 *nn.BatchNorm
	fc1, fc2 *nn.Dense
}

func (b *residualBlock) forward(x *autodiff.Node, training bool) *autodiff.Node {
	y := b.fc1.Forward(lrelu(b.bn1.Forward(x, training)))
	y = b.fc2.Forward(lrelu(b.bn2.Forward(y, training)))
	return autodiff.Add(y, x)
}

func (b *residualBlock) Params() []*nn.Param {
	return nn.CollectParams(b.bn1, b.fc1, b.bn2, b.fc2)
}

func (b *residualBlock) Buffers() []*nn.Buffer {
	return nn.CollectBuffers(b.bn1, b.bn2)
}

type residualTrunk struct {
	inputNorm *nn.BatchNorm
	stem      *nn.Dense
	blocks    []*residualBlock
}

func newResidualTrunk(scope string, in int, spec ResidualSpec, rng *rand.Rand) *residualTrunk {
	newNorm := func(name string, dim int) *nn.BatchNorm {
		bn := nn.NewBatchNorm(name, dim)
		bn.Decay = spec.BatchNormDecay
		return bn
	}

	t := &residualTrunk{
		inputNorm: newNorm(scope+"/input_bn", in),
		stem:      nn.NewDense(scope+"/stem", in, spec.BlockDim, rng),
	}
	for i := 0; i < spec.Blocks; i++ {
		prefix := fmt.Sprintf("%s/resnet_block_%d", scope, i)
		t.blocks = append(t.blocks, &residualBlock{
			bn1: newNorm(prefix+"/bn1", spec.BlockDim),
			fc1: nn.NewDense(prefix+"/fc1", spec.BlockDim, spec.BlockDim, rng),
			bn2: newNorm(prefix+"/bn2", spec.BlockDim),
			fc2: nn.NewDense(prefix+"/fc2", spec.BlockDim, spec.BlockDim, rng),
		})
	}
	return t
}

func (t *residualTrunk) forward(x *autodiff.Node, training bool) *autodiff.Node {
	y := t.stem.Forward(lrelu(t.inputNorm.Forward(x, training)))
	for _, block := range t.blocks {
		y = block.forward(y, training)
	}
	return y
}

func (t *residualTrunk) width() int { return t.stem.Out() }

func (t *residualTrunk) Params() []*nn.Param {
	params := nn.CollectParams(t.inputNorm, t.stem)
	for _, block := range t.blocks {
		params = append(params, block.Params()...)
	}
	return params
}

func (t *residualTrunk) Buffers() []*nn.Buffer {
	buffers := t.inputNorm.Buffers()
	for _, block := range t.blocks {
		buffers = append(buffers, block.Buffers()...)
	}
	return buffers
}
