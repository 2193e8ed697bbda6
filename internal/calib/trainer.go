package calib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/mat"

	"latentcal/internal/arch"
	"latentcal/internal/autodiff"
	"latentcal/internal/checkpoint"
	"latentcal/internal/dataset"
	"latentcal/internal/model"
	"latentcal/internal/optim"
	"latentcal/internal/storage"
)

type State int

const (
	StateInitializing State = iota
	StateEpochLoop
	StateCriticUpdate
	StateGeneratorUpdate
	StateCheckpointBoundary
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateEpochLoop:
		return "epoch_loop"
	case StateCriticUpdate:
		return "critic_update"
	case StateGeneratorUpdate:
		return "generator_update"
	case StateCheckpointBoundary:
		return "checkpoint_boundary"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is reported to the Observer on every state change.
type Transition struct {
	From      State
	To        State
	Epoch     int
	Iteration int
}

type Observer func(Transition)

// Config describes one training run.
type Config struct {
	RunID   string
	Spec    arch.Spec
	CodeDim int
	Hyper   Hyperparameters
	Seed    int64
	// LogEvery logs every n-th iteration; zero logs only epoch boundaries.
	LogEvery int
	// Prefetch is the number of batches read ahead per domain; zero reads
	// synchronously.
	Prefetch int
	Store    storage.Store
	Logger   *log.Logger
	Observer Observer
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RunID) == "" {
		return fmt.Errorf("%w: run id is required", arch.ErrConfiguration)
	}
	if c.CodeDim <= 0 {
		return fmt.Errorf("%w: code_dim must be > 0, got %d", arch.ErrConfiguration, c.CodeDim)
	}
	if c.Store == nil {
		return fmt.Errorf("%w: checkpoint store is required", arch.ErrConfiguration)
	}
	if c.LogEvery < 0 || c.Prefetch < 0 {
		return fmt.Errorf("%w: log_every and prefetch must be >= 0", arch.ErrConfiguration)
	}
	if err := c.Spec.Validate(); err != nil {
		return err
	}
	return c.Hyper.Validate()
}

// Result summarizes a run. Err is set when the run ended in StateFailed and
// wraps ErrIterationFailure.
type Result struct {
	RunID           string
	StartEpoch      int
	CompletedEpochs int
	Iterations      int
	Resumed         bool
	History         []model.IterationLoss
	State           State
	Err             error
}

// Trainer runs the alternating critic/generator protocol. It is driven by a
// single goroutine and is not safe for concurrent use.
type Trainer struct {
	cfg    Config
	data   dataset.Source
	models *arch.Models

	generator *optim.Adam
	critic    *optim.Adam

	rng    *rand.Rand
	logger *log.Logger
	state  State
}

// NewTrainer validates cfg, builds the models from cfg.Seed and checks the
// data width against them.
func NewTrainer(cfg Config, data dataset.Source) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", arch.ErrConfiguration, err)
	}
	models, err := arch.Build(cfg.Spec, data.Features(), cfg.CodeDim, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, err
	}
	if err := models.CheckDataDim(data.Features()); err != nil {
		return nil, err
	}
	generator, err := optim.NewAdam(optim.DefaultAdamConfig(cfg.Hyper.LR), models.GeneratorParams())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", arch.ErrConfiguration, err)
	}
	critic, err := optim.NewAdam(optim.DefaultAdamConfig(cfg.Hyper.LR), models.CriticParams())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", arch.ErrConfiguration, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Trainer{
		cfg:       cfg,
		data:      data,
		models:    models,
		generator: generator,
		critic:    critic,
		rng:       rand.New(rand.NewSource(cfg.Seed + 1)),
		logger:    logger,
		state:     StateInitializing,
	}, nil
}

func (t *Trainer) Models() *arch.Models { return t.models }
func (t *Trainer) State() State         { return t.state }

func (t *Trainer) transition(to State, epoch, iteration int) {
	from := t.state
	t.state = to
	if t.cfg.Observer != nil {
		t.cfg.Observer(Transition{From: from, To: to, Epoch: epoch, Iteration: iteration})
	}
}

// Run trains until cfg.Hyper.Epochs epochs are complete, resuming after the
// latest compatible snapshot in the store. Failures inside the loop are
// reported through Result.Err.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	if t.state != StateInitializing {
		return Result{}, fmt.Errorf("%w: trainer already ran (state %s)", arch.ErrConfiguration, t.state)
	}
	hp := t.cfg.Hyper
	res := Result{RunID: t.cfg.RunID}

	fail := func(epoch, iteration int, err error) (Result, error) {
		t.logger.Printf("run %s failed at epoch %d iteration %d: %v", t.cfg.RunID, epoch+1, iteration+1, err)
		t.transition(StateFailed, epoch, iteration)
		res.State = StateFailed
		if !errors.Is(err, ErrIterationFailure) {
			err = fmt.Errorf("%w: %w", ErrIterationFailure, err)
		}
		res.Err = err
		return res, nil
	}

	if err := t.cfg.Store.Init(ctx); err != nil {
		return fail(0, 0, fmt.Errorf("init store: %w", err))
	}
	if snap, ok := checkpoint.TryLoad(ctx, t.cfg.Store, t.cfg.RunID, t.models, t.generator, t.critic, t.logger); ok {
		res.StartEpoch = snap.Epoch + 1
		res.Resumed = true
		t.logger.Printf("run %s: restored checkpoint of epoch %d", t.cfg.RunID, snap.Epoch+1)
		if history, found, err := t.cfg.Store.GetLossHistory(ctx, t.cfg.RunID); err == nil && found {
			res.History = history.Rows
		}
	} else {
		t.logger.Printf("run %s: no usable checkpoint, starting from fresh initialization", t.cfg.RunID)
	}

	streamA, streamB, err := t.openStreams(ctx, res.StartEpoch)
	if err != nil {
		return fail(res.StartEpoch, 0, err)
	}
	defer func() {
		_ = streamA.Close()
		_ = streamB.Close()
	}()

	itersPerEpoch := IterationsPerEpoch(t.data.MinSampleCount(), hp.BatchSize)
	res.CompletedEpochs = res.StartEpoch
	for ep := res.StartEpoch; ep < hp.Epochs; ep++ {
		t.transition(StateEpochLoop, ep, 0)
		for it := 0; it < itersPerEpoch; it++ {
			if err := ctx.Err(); err != nil {
				return fail(ep, it, err)
			}
			row, err := t.iterate(ctx, streamA, streamB, ep, it)
			if err != nil {
				return fail(ep, it, err)
			}
			res.History = append(res.History, row)
			res.Iterations++
			if t.cfg.LogEvery > 0 && (it+1)%t.cfg.LogEvery == 0 {
				t.logger.Printf("Epoch: (%3d/%5d) iteration: (%5d/%5d) G_loss=%.6f D_loss=%.6f", ep+1, hp.Epochs, it+1, itersPerEpoch, row.GLoss, row.DLoss)
			}
		}

		t.transition(StateCheckpointBoundary, ep, itersPerEpoch)
		if err := t.save(ctx, ep, res.History); err != nil {
			return fail(ep, itersPerEpoch, err)
		}
		res.CompletedEpochs = ep + 1
		last := res.History[len(res.History)-1]
		t.logger.Printf("run %s: epoch %d/%d saved (G_loss=%.6f D_loss=%.6f)", t.cfg.RunID, ep+1, hp.Epochs, last.GLoss, last.DLoss)
	}

	t.transition(StateFinished, res.CompletedEpochs, 0)
	res.State = StateFinished
	return res, nil
}

// openStreams seeds each domain's shuffle order from the run seed and the
// start epoch so a resumed run does not replay the first epochs' batches.
func (t *Trainer) openStreams(ctx context.Context, startEpoch int) (dataset.Stream, dataset.Stream, error) {
	base := t.cfg.Seed + int64(startEpoch)*1000003
	a, err := dataset.NewShuffleStream(t.data.TargetTrain, t.cfg.Hyper.BatchSize, base+2)
	if err != nil {
		return nil, nil, fmt.Errorf("target stream: %w", err)
	}
	b, err := dataset.NewShuffleStream(t.data.SourceTrain, t.cfg.Hyper.BatchSize, base+3)
	if err != nil {
		return nil, nil, fmt.Errorf("source stream: %w", err)
	}
	if t.cfg.Prefetch > 0 {
		return dataset.Prefetch(ctx, a, t.cfg.Prefetch), dataset.Prefetch(ctx, b, t.cfg.Prefetch), nil
	}
	return a, b, nil
}

// iterate runs one critic step then one generator step on the same batches.
// Panics from the numerical code are converted to errors.
func (t *Trainer) iterate(ctx context.Context, streamA, streamB dataset.Stream, ep, it int) (row model.IterationLoss, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrIterationFailure, r)
		}
	}()

	batchA, err := streamA.Next(ctx)
	if err != nil {
		return row, fmt.Errorf("draw target batch: %w", err)
	}
	batchB, err := streamB.Next(ctx)
	if err != nil {
		return row, fmt.Errorf("draw source batch: %w", err)
	}
	row = model.IterationLoss{Epoch: ep, Iteration: it}

	t.transition(StateCriticUpdate, ep, it)
	critic, err := t.criticStep(batchA, batchB)
	if err != nil {
		return row, err
	}
	row.WDLoss, row.GPLoss, row.DLoss = critic.WD.Item(), critic.GP.Item(), critic.D.Item()

	t.transition(StateGeneratorUpdate, ep, it)
	gen, err := t.generatorStep(batchA, batchB)
	if err != nil {
		return row, err
	}
	row.RecLossA, row.RecLossB = gen.RecA.Item(), gen.RecB.Item()
	row.KLDLossA, row.KLDLossB = gen.KLDA.Item(), gen.KLDB.Item()
	row.AdvLoss, row.GLoss = gen.Adv.Item(), gen.G.Item()
	return row, nil
}

// Forward runs both domains through the encoder and their own decoder and
// scores the sampled codes.
func (t *Trainer) Forward(batchA, batchB *mat.Dense, training bool) (Pass, error) {
	p := Pass{InputA: autodiff.Constant(batchA), InputB: autodiff.Constant(batchB)}
	var err error
	if p.GaussA, err = t.models.Encoder.Encode(p.InputA, training); err != nil {
		return Pass{}, err
	}
	if p.GaussB, err = t.models.Encoder.Encode(p.InputB, training); err != nil {
		return Pass{}, err
	}
	p.CodeA = Sample(p.GaussA, training, t.rng)
	p.CodeB = Sample(p.GaussB, training, t.rng)
	if p.RecA, err = t.models.DecoderA.Decode(p.CodeA, training); err != nil {
		return Pass{}, err
	}
	if p.RecB, err = t.models.DecoderB.Decode(p.CodeB, training); err != nil {
		return Pass{}, err
	}
	if p.ScoreA, err = t.models.Critic.Score(p.CodeA, training); err != nil {
		return Pass{}, err
	}
	if p.ScoreB, err = t.models.Critic.Score(p.CodeB, training); err != nil {
		return Pass{}, err
	}
	return p, nil
}

func (t *Trainer) criticStep(batchA, batchB *mat.Dense) (CriticTerms, error) {
	inA, inB := autodiff.Constant(batchA), autodiff.Constant(batchB)
	gaussA, err := t.models.Encoder.Encode(inA, true)
	if err != nil {
		return CriticTerms{}, err
	}
	gaussB, err := t.models.Encoder.Encode(inB, true)
	if err != nil {
		return CriticTerms{}, err
	}
	// The critic step only moves critic parameters, so the codes are fixed.
	codeA := autodiff.Detach(Sample(gaussA, true, t.rng))
	codeB := autodiff.Detach(Sample(gaussB, true, t.rng))

	scoreA, err := t.models.Critic.Score(codeA, true)
	if err != nil {
		return CriticTerms{}, err
	}
	scoreB, err := t.models.Critic.Score(codeB, true)
	if err != nil {
		return CriticTerms{}, err
	}
	gp, err := GradientPenalty(t.models.Critic, codeA.Value(), codeB.Value(), t.rng)
	if err != nil {
		return CriticTerms{}, err
	}
	terms := ComposeCritic(scoreA, scoreB, gp, t.cfg.Hyper)
	if err := finite("D_loss", terms.WD, terms.GP, terms.D); err != nil {
		return terms, err
	}
	return terms, applyStep(t.critic, terms.D)
}

func (t *Trainer) generatorStep(batchA, batchB *mat.Dense) (GeneratorTerms, error) {
	pass, err := t.Forward(batchA, batchB, true)
	if err != nil {
		return GeneratorTerms{}, err
	}
	terms := ComposeGenerator(pass, t.cfg.Hyper)
	if err := finite("G_loss", terms.RecA, terms.RecB, terms.KLDA, terms.KLDB, terms.Adv, terms.G); err != nil {
		return terms, err
	}
	return terms, applyStep(t.generator, terms.G)
}

func applyStep(opt *optim.Adam, loss *autodiff.Node) error {
	params := opt.Params()
	nodes := make([]*autodiff.Node, len(params))
	for i, p := range params {
		nodes[i] = p.Node
	}
	grads, err := autodiff.Grad(loss, nodes...)
	if err != nil {
		return err
	}
	values := make([]*mat.Dense, len(grads))
	for i, g := range grads {
		values[i] = g.Value()
		if !allFinite(values[i]) {
			return fmt.Errorf("%w: non-finite gradient for %s", ErrNumericalDivergence, params[i].Name)
		}
	}
	return opt.Step(values)
}

func finite(label string, nodes ...*autodiff.Node) error {
	for _, n := range nodes {
		if v := n.Item(); math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s component is %v", ErrNumericalDivergence, label, v)
		}
	}
	return nil
}

func allFinite(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for _, v := range m.RawRowView(i)[:c] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

func (t *Trainer) save(ctx context.Context, epoch int, history []model.IterationLoss) error {
	snap := checkpoint.Capture(t.cfg.RunID, epoch, t.models, t.generator, t.critic)
	if err := t.cfg.Store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if err := t.cfg.Store.SaveLossHistory(ctx, model.LossHistory{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           t.cfg.RunID,
		Rows:            history,
	}); err != nil {
		return fmt.Errorf("save loss history: %w", err)
	}
	return nil
}
