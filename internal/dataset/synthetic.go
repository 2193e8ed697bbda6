package dataset

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ClusterConfig describes a toy calibration problem: each domain is an
// isotropic Gaussian around its own centre.
type ClusterConfig struct {
	Features     int       `json:"features"`
	SourceCentre []float64 `json:"source_centre"`
	TargetCentre []float64 `json:"target_centre"`
	Std          float64   `json:"std"`
	TrainSamples int       `json:"train_samples"`
	TestSamples  int       `json:"test_samples"`
	Seed         int64     `json:"seed"`
}

// DefaultClusterConfig places the domains at (+2, ..., +2) and (-2, ..., -2).
func DefaultClusterConfig(features int) ClusterConfig {
	source := make([]float64, features)
	target := make([]float64, features)
	for i := range source {
		source[i] = 2
		target[i] = -2
	}
	return ClusterConfig{
		Features:     features,
		SourceCentre: source,
		TargetCentre: target,
		Std:          0.5,
		TrainSamples: 512,
		TestSamples:  128,
		Seed:         1,
	}
}

// GaussianClusters draws the raw (unnormalized) splits.
func GaussianClusters(cfg ClusterConfig) (Source, error) {
	if cfg.Features <= 0 {
		return Source{}, fmt.Errorf("synthetic features must be > 0, got %d", cfg.Features)
	}
	if len(cfg.SourceCentre) != cfg.Features || len(cfg.TargetCentre) != cfg.Features {
		return Source{}, fmt.Errorf("synthetic centres must have %d coordinates", cfg.Features)
	}
	if cfg.TrainSamples <= 0 {
		return Source{}, fmt.Errorf("synthetic train_samples must be > 0, got %d", cfg.TrainSamples)
	}
	if cfg.Std < 0 {
		return Source{}, fmt.Errorf("synthetic std must be >= 0, got %v", cfg.Std)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	draw := func(n int, centre []float64) *mat.Dense {
		m := mat.NewDense(n, cfg.Features, nil)
		for i := 0; i < n; i++ {
			row := m.RawRowView(i)
			for j := range row {
				row[j] = centre[j] + cfg.Std*rng.NormFloat64()
			}
		}
		return m
	}

	src := Source{
		SourceTrain: draw(cfg.TrainSamples, cfg.SourceCentre),
		TargetTrain: draw(cfg.TrainSamples, cfg.TargetCentre),
	}
	if cfg.TestSamples > 0 {
		src.SourceTest = draw(cfg.TestSamples, cfg.SourceCentre)
		src.TargetTest = draw(cfg.TestSamples, cfg.TargetCentre)
	}
	return src, nil
}
