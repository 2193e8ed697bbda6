// Package nn provides parameter-holding layers built on autodiff graphs.
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"latentcal/internal/autodiff"
)

const (
	DefaultBatchNormDecay   = 0.999
	DefaultBatchNormEpsilon = 1e-3
)

// Param is a named trainable matrix. Its node is a variable leaf, so
// optimizer updates to Value() are visible to every later forward pass.
type Param struct {
	Name string
	Node *autodiff.Node
}

func NewParam(name string, value *mat.Dense) *Param {
	return &Param{Name: name, Node: autodiff.Variable(value)}
}

func (p *Param) Value() *mat.Dense {
	return p.Node.Value()
}

// Buffer is named non-trainable state that must survive checkpoints, such as
// batch-norm running statistics.
type Buffer struct {
	Name  string
	Value *mat.Dense
}

// Module is anything that owns parameters and buffers.
type Module interface {
	Params() []*Param
	Buffers() []*Buffer
}

// GlorotUniform fills a rows x cols matrix from U(-l, l), l = sqrt(6/(rows+cols)).
func GlorotUniform(rows, cols int, rng *rand.Rand) *mat.Dense {
	limit := math.Sqrt(6 / float64(rows+cols))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return mat.NewDense(rows, cols, data)
}

// Dense is a fully connected layer y = xW + b.
type Dense struct {
	W *Param
	B *Param

	in, out int
}

func NewDense(name string, in, out int, rng *rand.Rand) *Dense {
	return &Dense{
		W:   NewParam(name+"/weights", GlorotUniform(in, out, rng)),
		B:   NewParam(name+"/biases", mat.NewDense(1, out, nil)),
		in:  in,
		out: out,
	}
}

func (d *Dense) In() int  { return d.in }
func (d *Dense) Out() int { return d.out }

func (d *Dense) Forward(x *autodiff.Node) *autodiff.Node {
	return autodiff.AddRow(autodiff.MatMul(x, d.W.Node), d.B.Node)
}

func (d *Dense) Params() []*Param   { return []*Param{d.W, d.B} }
func (d *Dense) Buffers() []*Buffer { return nil }

// BatchNorm normalizes each feature over the batch with a learnable scale and
// shift. Training passes use batch statistics and fold them into the running
// averages; inference passes use the running averages.
type BatchNorm struct {
	Gamma *Param
	Beta  *Param

	RunningMean *Buffer
	RunningVar  *Buffer

	Decay   float64
	Epsilon float64
}

func NewBatchNorm(name string, dim int) *BatchNorm {
	ones := make([]float64, dim)
	for i := range ones {
		ones[i] = 1
	}
	return &BatchNorm{
		Gamma:       NewParam(name+"/gamma", mat.NewDense(1, dim, append([]float64(nil), ones...))),
		Beta:        NewParam(name+"/beta", mat.NewDense(1, dim, nil)),
		RunningMean: &Buffer{Name: name + "/moving_mean", Value: mat.NewDense(1, dim, nil)},
		RunningVar:  &Buffer{Name: name + "/moving_variance", Value: mat.NewDense(1, dim, ones)},
		Decay:       DefaultBatchNormDecay,
		Epsilon:     DefaultBatchNormEpsilon,
	}
}

func (b *BatchNorm) Forward(x *autodiff.Node, training bool) *autodiff.Node {
	rows, _ := x.Dims()

	var mean, variance *autodiff.Node
	if training {
		mean = autodiff.MeanRows(x)
		variance = autodiff.MeanRows(autodiff.Square(autodiff.Sub(x, autodiff.RepeatRows(mean, rows))))
		b.track(b.RunningMean.Value, mean.Value())
		b.track(b.RunningVar.Value, variance.Value())
	} else {
		mean = autodiff.Constant(b.RunningMean.Value)
		variance = autodiff.Constant(b.RunningVar.Value)
	}

	centred := autodiff.Sub(x, autodiff.RepeatRows(mean, rows))
	std := autodiff.Sqrt(autodiff.AddScalar(variance, b.Epsilon))
	normalized := autodiff.Div(centred, autodiff.RepeatRows(std, rows))
	scaled := autodiff.Mul(normalized, autodiff.RepeatRows(b.Gamma.Node, rows))
	return autodiff.AddRow(scaled, b.Beta.Node)
}

// track folds a batch statistic into a running average in place.
func (b *BatchNorm) track(running, batch *mat.Dense) {
	_, c := running.Dims()
	for j := 0; j < c; j++ {
		running.Set(0, j, b.Decay*running.At(0, j)+(1-b.Decay)*batch.At(0, j))
	}
}

func (b *BatchNorm) Params() []*Param   { return []*Param{b.Gamma, b.Beta} }
func (b *BatchNorm) Buffers() []*Buffer { return []*Buffer{b.RunningMean, b.RunningVar} }

// Dropout zeroes elements with probability rate during training and rescales
// the survivors by 1/(1-rate). It is the identity otherwise.
func Dropout(x *autodiff.Node, rate float64, training bool, rng *rand.Rand) *autodiff.Node {
	if !training || rate <= 0 {
		return x
	}
	keep := 1 - rate
	r, c := x.Dims()
	mask := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := mask.RawRowView(i)
		for j := range row {
			if rng.Float64() < keep {
				row[j] = 1 / keep
			}
		}
	}
	return autodiff.MulConst(x, mask)
}

// CollectParams flattens the parameters of several modules in order.
func CollectParams(modules ...Module) []*Param {
	var out []*Param
	for _, m := range modules {
		out = append(out, m.Params()...)
	}
	return out
}

func CollectBuffers(modules ...Module) []*Buffer {
	var out []*Buffer
	for _, m := range modules {
		out = append(out, m.Buffers()...)
	}
	return out
}
