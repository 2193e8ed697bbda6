package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Paths locates the four split files of a calibration run. Test paths are
// only read when UseTest is set.
type Paths struct {
	SourceTrain string `json:"source_train"`
	TargetTrain string `json:"target_train"`
	SourceTest  string `json:"source_test,omitempty"`
	TargetTest  string `json:"target_test,omitempty"`
	UseTest     bool   `json:"use_test"`
}

// Source holds both domains in the normalized scale. Source is domain B and
// target is domain A. Test splits are nil when absent.
type Source struct {
	SourceTrain  *mat.Dense
	TargetTrain  *mat.Dense
	SourceTest   *mat.Dense
	TargetTest   *mat.Dense
	Preprocessor Preprocessor
}

// Load reads the splits, fits the named preprocessor on the target training
// split and applies it to every split.
func Load(paths Paths, preprocess string) (Source, error) {
	raw := Source{}
	var err error
	if raw.SourceTrain, err = LoadCSV(paths.SourceTrain); err != nil {
		return Source{}, fmt.Errorf("load source_train: %w", err)
	}
	if raw.TargetTrain, err = LoadCSV(paths.TargetTrain); err != nil {
		return Source{}, fmt.Errorf("load target_train: %w", err)
	}
	if paths.UseTest {
		if raw.SourceTest, err = LoadCSV(paths.SourceTest); err != nil {
			return Source{}, fmt.Errorf("load source_test: %w", err)
		}
		if raw.TargetTest, err = LoadCSV(paths.TargetTest); err != nil {
			return Source{}, fmt.Errorf("load target_test: %w", err)
		}
	}
	return Normalize(raw, preprocess)
}

// Normalize fits the named preprocessor on raw.TargetTrain and returns the
// transformed splits.
func Normalize(raw Source, preprocess string) (Source, error) {
	if err := raw.Validate(); err != nil {
		return Source{}, err
	}
	pre, err := NewPreprocessor(preprocess, raw.TargetTrain)
	if err != nil {
		return Source{}, err
	}
	out := Source{
		SourceTrain:  pre.Transform(raw.SourceTrain),
		TargetTrain:  pre.Transform(raw.TargetTrain),
		Preprocessor: pre,
	}
	if raw.SourceTest != nil {
		out.SourceTest = pre.Transform(raw.SourceTest)
	}
	if raw.TargetTest != nil {
		out.TargetTest = pre.Transform(raw.TargetTest)
	}
	return out, nil
}

// Validate checks that both training splits exist and every split has the
// same feature count.
func (s Source) Validate() error {
	if s.SourceTrain == nil || s.TargetTrain == nil {
		return fmt.Errorf("%w: source and target training splits are required", ErrEmpty)
	}
	features := s.Features()
	for name, m := range map[string]*mat.Dense{
		"source_train": s.SourceTrain,
		"target_train": s.TargetTrain,
		"source_test":  s.SourceTest,
		"target_test":  s.TargetTest,
	} {
		if m == nil {
			continue
		}
		r, c := m.Dims()
		if r == 0 {
			return fmt.Errorf("%w: %s has no rows", ErrEmpty, name)
		}
		if c != features {
			return fmt.Errorf("%s has %d features, want %d", name, c, features)
		}
	}
	return nil
}

func (s Source) Features() int {
	if s.TargetTrain == nil {
		return 0
	}
	_, c := s.TargetTrain.Dims()
	return c
}

// MinSampleCount is the smaller of the two training split sizes.
func (s Source) MinSampleCount() int {
	rs, _ := s.SourceTrain.Dims()
	rt, _ := s.TargetTrain.Dims()
	return min(rs, rt)
}

func (s Source) HasTest() bool {
	return s.SourceTest != nil && s.TargetTest != nil
}

func (s Source) preprocessor() Preprocessor {
	if s.Preprocessor == nil {
		return Identity{}
	}
	return s.Preprocessor
}

// OriginalScale maps a normalized matrix back to measurement units.
func (s Source) OriginalScale(m mat.Matrix) *mat.Dense {
	return s.preprocessor().InverseTransform(m)
}
