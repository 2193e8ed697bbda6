// Package optim implements first-order optimizers over nn parameters.
package optim

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"latentcal/internal/model"
	"latentcal/internal/nn"
)

const AdamType = "adam"

var (
	ErrGradientMismatch = errors.New("gradient count or shape mismatch")
	ErrStateMismatch    = errors.New("optimizer state mismatch")
)

// AdamConfig holds the Adam hyperparameters.
type AdamConfig struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// DefaultAdamConfig returns the configuration used by both calibration
// optimizers: a low first-moment decay as customary for adversarial training.
func DefaultAdamConfig(lr float64) AdamConfig {
	return AdamConfig{
		LR:      lr,
		Beta1:   0.5,
		Beta2:   0.999,
		Epsilon: 1e-8,
	}
}

func (c AdamConfig) Validate() error {
	if c.LR <= 0 || math.IsNaN(c.LR) || math.IsInf(c.LR, 0) {
		return fmt.Errorf("adam lr must be a positive finite number, got %v", c.LR)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return fmt.Errorf("adam beta1 must be in [0,1), got %v", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("adam beta2 must be in [0,1), got %v", c.Beta2)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("adam epsilon must be > 0, got %v", c.Epsilon)
	}
	return nil
}

// Adam updates a fixed set of parameters in place. Parameters not provided
// at construction are never touched.
type Adam struct {
	cfg    AdamConfig
	params []*nn.Param
	m, v   []*mat.Dense
	step   int
}

func NewAdam(cfg AdamConfig, params []*nn.Param) (*Adam, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Adam{
		cfg:    cfg,
		params: params,
		m:      make([]*mat.Dense, len(params)),
		v:      make([]*mat.Dense, len(params)),
	}
	for i, p := range params {
		r, c := p.Value().Dims()
		a.m[i] = mat.NewDense(r, c, nil)
		a.v[i] = mat.NewDense(r, c, nil)
	}
	return a, nil
}

func (a *Adam) Steps() int          { return a.step }
func (a *Adam) Config() AdamConfig  { return a.cfg }
func (a *Adam) Params() []*nn.Param { return a.params }

// Step applies one bias-corrected update. grads[i] is the gradient of the
// loss with respect to Params()[i].
func (a *Adam) Step(grads []*mat.Dense) error {
	if len(grads) != len(a.params) {
		return fmt.Errorf("%w: %d gradients for %d parameters", ErrGradientMismatch, len(grads), len(a.params))
	}
	for i, g := range grads {
		pr, pc := a.params[i].Value().Dims()
		gr, gc := g.Dims()
		if pr != gr || pc != gc {
			return fmt.Errorf("%w: %s is %dx%d, gradient is %dx%d", ErrGradientMismatch, a.params[i].Name, pr, pc, gr, gc)
		}
	}

	a.step++
	t := float64(a.step)
	b1, b2 := a.cfg.Beta1, a.cfg.Beta2
	lrT := a.cfg.LR * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t))

	for i, p := range a.params {
		w := p.Value()
		r, c := w.Dims()
		for row := 0; row < r; row++ {
			wRow := w.RawRowView(row)
			mRow := a.m[i].RawRowView(row)
			vRow := a.v[i].RawRowView(row)
			for col := 0; col < c; col++ {
				gv := grads[i].At(row, col)
				mRow[col] = b1*mRow[col] + (1-b1)*gv
				vRow[col] = b2*vRow[col] + (1-b2)*gv*gv
				wRow[col] -= lrT * mRow[col] / (math.Sqrt(vRow[col]) + a.cfg.Epsilon)
			}
		}
	}
	return nil
}

// State exports the moments and step count for checkpointing.
func (a *Adam) State() model.OptimizerState {
	state := model.OptimizerState{
		Type:     AdamType,
		Step:     a.step,
		LR:       a.cfg.LR,
		Beta1:    a.cfg.Beta1,
		Beta2:    a.cfg.Beta2,
		Epsilon:  a.cfg.Epsilon,
		Momentum: make([]model.Tensor, len(a.params)),
		Variance: make([]model.Tensor, len(a.params)),
	}
	for i, p := range a.params {
		state.Momentum[i] = ToTensor(p.Name, a.m[i])
		state.Variance[i] = ToTensor(p.Name, a.v[i])
	}
	return state
}

// LoadState restores moments and step count. The hyperparameters of the
// receiving optimizer are kept.
func (a *Adam) LoadState(state model.OptimizerState) error {
	if state.Type != AdamType {
		return fmt.Errorf("%w: type %q, want %q", ErrStateMismatch, state.Type, AdamType)
	}
	if state.Step < 0 {
		return fmt.Errorf("%w: negative step %d", ErrStateMismatch, state.Step)
	}
	if len(state.Momentum) != len(a.params) || len(state.Variance) != len(a.params) {
		return fmt.Errorf("%w: %d/%d moment tensors for %d parameters", ErrStateMismatch, len(state.Momentum), len(state.Variance), len(a.params))
	}
	m := make([]*mat.Dense, len(a.params))
	v := make([]*mat.Dense, len(a.params))
	for i, p := range a.params {
		r, c := p.Value().Dims()
		var err error
		if m[i], err = fromTensor(state.Momentum[i], p.Name, r, c); err != nil {
			return err
		}
		if v[i], err = fromTensor(state.Variance[i], p.Name, r, c); err != nil {
			return err
		}
	}
	a.m, a.v, a.step = m, v, state.Step
	return nil
}

// ToTensor copies a matrix into a named tensor record.
func ToTensor(name string, m mat.Matrix) model.Tensor {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, m.At(i, j))
		}
	}
	return model.Tensor{Name: name, Rows: r, Cols: c, Data: data}
}

func fromTensor(t model.Tensor, name string, rows, cols int) (*mat.Dense, error) {
	if t.Name != name {
		return nil, fmt.Errorf("%w: tensor %q where %q was expected", ErrStateMismatch, t.Name, name)
	}
	if t.Rows != rows || t.Cols != cols || len(t.Data) != rows*cols {
		return nil, fmt.Errorf("%w: tensor %q is %dx%d (%d values), want %dx%d", ErrStateMismatch, name, t.Rows, t.Cols, len(t.Data), rows, cols)
	}
	return mat.NewDense(rows, cols, append([]float64(nil), t.Data...)), nil
}
