package dataset

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Preprocessor maps raw measurements to the normalized scale the model is
// trained on and back.
type Preprocessor interface {
	Name() string
	Transform(m mat.Matrix) *mat.Dense
	InverseTransform(m mat.Matrix) *mat.Dense
}

const (
	PreprocessNone        = "none"
	PreprocessStandardize = "standardize"
)

// NewPreprocessor fits the named preprocessor on fit.
func NewPreprocessor(name string, fit mat.Matrix) (Preprocessor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PreprocessNone:
		return Identity{}, nil
	case PreprocessStandardize:
		return FitStandardizer(fit), nil
	default:
		return nil, fmt.Errorf("unknown preprocess %q (want none|standardize)", name)
	}
}

type Identity struct{}

func (Identity) Name() string { return PreprocessNone }

func (Identity) Transform(m mat.Matrix) *mat.Dense        { return mat.DenseCopyOf(m) }
func (Identity) InverseTransform(m mat.Matrix) *mat.Dense { return mat.DenseCopyOf(m) }

// Standardizer centres each feature and scales it to unit variance. Features
// with zero variance are only centred.
type Standardizer struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func FitStandardizer(m mat.Matrix) *Standardizer {
	r, c := m.Dims()
	s := &Standardizer{Mean: make([]float64, c), Std: make([]float64, c)}
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, m)
		mean, variance := stat.PopMeanVariance(col, nil)
		s.Mean[j] = mean
		s.Std[j] = math.Sqrt(variance)
	}
	return s
}

func (s *Standardizer) Name() string { return PreprocessStandardize }

func (s *Standardizer) Transform(m mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(m)
	out.Apply(func(_, j int, v float64) float64 {
		if s.Std[j] == 0 {
			return v - s.Mean[j]
		}
		return (v - s.Mean[j]) / s.Std[j]
	}, out)
	return out
}

func (s *Standardizer) InverseTransform(m mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(m)
	out.Apply(func(_, j int, v float64) float64 {
		if s.Std[j] == 0 {
			return v + s.Mean[j]
		}
		return v*s.Std[j] + s.Mean[j]
	}, out)
	return out
}
