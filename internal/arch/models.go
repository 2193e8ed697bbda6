package arch

import (
	"fmt"
	"math/rand"

	"latentcal/internal/autodiff"
	"latentcal/internal/nn"
)

// Parameter group names. Every parameter name is prefixed by its group.
const (
	GroupEncoder  = "encoder"
	GroupDecoderA = "decoder_a"
	GroupDecoderB = "decoder_b"
	GroupCritic   = "critic"
)

// Gaussian holds the parameters of a diagonal Gaussian over latent codes.
type Gaussian struct {
	Mu         *autodiff.Node
	LogSigmaSq *autodiff.Node
}

type Encoder struct {
	inputDim, codeDim int

	body       trunk
	mu         *nn.Dense
	logSigmaSq *nn.Dense
}

func (e *Encoder) InputDim() int { return e.inputDim }
func (e *Encoder) CodeDim() int  { return e.codeDim }

// Encode maps a [batch, input_dim] batch to the latent Gaussian parameters,
// each [batch, code_dim].
func (e *Encoder) Encode(x *autodiff.Node, training bool) (Gaussian, error) {
	if _, c := x.Dims(); c != e.inputDim {
		return Gaussian{}, fmt.Errorf("%w: encoder expects %d features, got %d", ErrDimension, e.inputDim, c)
	}
	h := e.body.forward(x, training)
	return Gaussian{Mu: e.mu.Forward(h), LogSigmaSq: e.logSigmaSq.Forward(h)}, nil
}

func (e *Encoder) Params() []*nn.Param {
	return append(e.body.Params(), nn.CollectParams(e.mu, e.logSigmaSq)...)
}

func (e *Encoder) Buffers() []*nn.Buffer { return e.body.Buffers() }

type Decoder struct {
	codeDim, outputDim int

	body trunk
	head *nn.Dense
}

func (d *Decoder) OutputDim() int { return d.outputDim }

// Decode maps a [batch, code_dim] code batch to a [batch, output_dim]
// reconstruction.
func (d *Decoder) Decode(code *autodiff.Node, training bool) (*autodiff.Node, error) {
	if _, c := code.Dims(); c != d.codeDim {
		return nil, fmt.Errorf("%w: decoder expects %d code dims, got %d", ErrDimension, d.codeDim, c)
	}
	return d.head.Forward(d.body.forward(code, training)), nil
}

func (d *Decoder) Params() []*nn.Param   { return append(d.body.Params(), d.head.Params()...) }
func (d *Decoder) Buffers() []*nn.Buffer { return d.body.Buffers() }

// Critic scores latent codes with an unbounded scalar per sample.
type Critic struct {
	codeDim int

	body trunk
	head *nn.Dense
}

func (c *Critic) Score(code *autodiff.Node, training bool) (*autodiff.Node, error) {
	if _, cols := code.Dims(); cols != c.codeDim {
		return nil, fmt.Errorf("%w: critic expects %d code dims, got %d", ErrDimension, c.codeDim, cols)
	}
	return c.head.Forward(c.body.forward(code, training)), nil
}

func (c *Critic) Params() []*nn.Param   { return append(c.body.Params(), c.head.Params()...) }
func (c *Critic) Buffers() []*nn.Buffer { return c.body.Buffers() }

// Group is one ownership group of model parameters.
type Group struct {
	Name   string
	Module nn.Module
}

// Models is the full set of units for one calibration run.
type Models struct {
	Spec     Spec
	InputDim int
	CodeDim  int

	Encoder  *Encoder
	DecoderA *Decoder
	DecoderB *Decoder
	Critic   *Critic
}

// Build constructs all four units of the chosen family with a shared code
// dimension. Parameters are drawn from rng in a fixed order.
func Build(spec Spec, inputDim, codeDim int, rng *rand.Rand) (*Models, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if inputDim <= 0 {
		return nil, fmt.Errorf("%w: input_dim must be > 0, got %d", ErrConfiguration, inputDim)
	}
	if codeDim <= 0 {
		return nil, fmt.Errorf("%w: code_dim must be > 0, got %d", ErrConfiguration, codeDim)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrConfiguration)
	}

	encBody, err := newTrunk(spec, GroupEncoder, inputDim, roleEncoder, rng)
	if err != nil {
		return nil, err
	}
	enc := &Encoder{
		inputDim:   inputDim,
		codeDim:    codeDim,
		body:       encBody,
		mu:         nn.NewDense(GroupEncoder+"/mu", encBody.width(), codeDim, rng),
		logSigmaSq: nn.NewDense(GroupEncoder+"/log_sigma_sq", encBody.width(), codeDim, rng),
	}

	newDecoder := func(scope string) (*Decoder, error) {
		body, err := newTrunk(spec, scope, codeDim, roleDecoder, rng)
		if err != nil {
			return nil, err
		}
		return &Decoder{
			codeDim:   codeDim,
			outputDim: inputDim,
			body:      body,
			head:      nn.NewDense(scope+"/recon", body.width(), inputDim, rng),
		}, nil
	}
	decA, err := newDecoder(GroupDecoderA)
	if err != nil {
		return nil, err
	}
	decB, err := newDecoder(GroupDecoderB)
	if err != nil {
		return nil, err
	}

	criticBody, err := newTrunk(spec, GroupCritic, codeDim, roleCritic, rng)
	if err != nil {
		return nil, err
	}
	critic := &Critic{
		codeDim: codeDim,
		body:    criticBody,
		head:    nn.NewDense(GroupCritic+"/output", criticBody.width(), 1, rng),
	}

	return &Models{
		Spec:     spec,
		InputDim: inputDim,
		CodeDim:  codeDim,
		Encoder:  enc,
		DecoderA: decA,
		DecoderB: decB,
		Critic:   critic,
	}, nil
}

func (m *Models) Groups() []Group {
	return []Group{
		{Name: GroupEncoder, Module: m.Encoder},
		{Name: GroupDecoderA, Module: m.DecoderA},
		{Name: GroupDecoderB, Module: m.DecoderB},
		{Name: GroupCritic, Module: m.Critic},
	}
}

// GeneratorParams are the parameters updated by the generator step.
func (m *Models) GeneratorParams() []*nn.Param {
	return nn.CollectParams(m.Encoder, m.DecoderA, m.DecoderB)
}

// CriticParams are the parameters updated by the critic step.
func (m *Models) CriticParams() []*nn.Param {
	return m.Critic.Params()
}

func (m *Models) Params() []*nn.Param {
	return nn.CollectParams(m.Encoder, m.DecoderA, m.DecoderB, m.Critic)
}

func (m *Models) Buffers() []*nn.Buffer {
	return nn.CollectBuffers(m.Encoder, m.DecoderA, m.DecoderB, m.Critic)
}

// CheckDataDim verifies that both decoders reconstruct vectors of the data's
// feature count.
func (m *Models) CheckDataDim(features int) error {
	if m.Encoder.InputDim() != features {
		return fmt.Errorf("%w: encoder input_dim=%d, data has %d features", ErrDimension, m.Encoder.InputDim(), features)
	}
	for _, dec := range []*Decoder{m.DecoderA, m.DecoderB} {
		if dec.OutputDim() != features {
			return fmt.Errorf("%w: decoder output_dim=%d, data has %d features", ErrDimension, dec.OutputDim(), features)
		}
	}
	return nil
}
