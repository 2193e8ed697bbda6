package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"latentcal/internal/arch"
	"latentcal/internal/calib"
	"latentcal/internal/dataset"
	"latentcal/pkg/latentcal"
)

// trainFlags mirrors the argument names of the original calibration script.
type trainFlags struct {
	config string

	useTest   bool
	epochs    int
	batchSize int
	lr        float64
	codeDim   int
	beta      float64
	gamma     float64
	delta     float64
	model     string
	runID     string
	seed      int64
	logEvery  int
	prefetch  int
	legacyKL  bool

	dataPath    string
	sourceTrain string
	targetTrain string
	sourceTest  string
	targetTest  string
	preprocess  string

	synthetic         bool
	syntheticFeatures int
	syntheticSamples  int

	skipCalibration bool
}

func (f *trainFlags) register(cmd *cobra.Command) {
	defaults := calib.DefaultHyperparameters()
	fs := cmd.Flags()
	fs.StringVar(&f.config, "config", "", "JSON file with run settings; explicit flags override it")
	fs.BoolVar(&f.useTest, "use_test", true, "whether there are separate test data files")
	fs.IntVar(&f.epochs, "n_epochs", defaults.Epochs, "number of training epochs")
	fs.IntVar(&f.batchSize, "batch_size", defaults.BatchSize, "minibatch size")
	fs.Float64Var(&f.lr, "lr", defaults.LR, "initial learning rate")
	fs.IntVar(&f.codeDim, "code_dim", 15, "dimension of code space")
	fs.Float64Var(&f.beta, "beta", defaults.Beta, "KL coefficient")
	fs.Float64Var(&f.gamma, "gamma", defaults.Gamma, "adversarial loss coefficient")
	fs.Float64Var(&f.delta, "delta", defaults.Delta, "gp loss coefficient")
	fs.StringVar(&f.model, "model", "attention", "model architecture: basic|residual|attention")
	fs.StringVar(&f.runID, "experiment_name", "", "run id; a random id is generated when empty")
	fs.Int64Var(&f.seed, "seed", 1, "seed for initialization, shuffling and sampling")
	fs.IntVar(&f.logEvery, "log_every", 0, "log every n-th iteration (0 = epoch boundaries only)")
	fs.IntVar(&f.prefetch, "prefetch", 0, "batches read ahead per domain")
	fs.BoolVar(&f.legacyKL, "legacy_kl_coupling", false, "compute domain B's KL term with domain A's variances")
	fs.StringVar(&f.dataPath, "data_path", "", "folder with {source,target}_{train,test}_data.csv")
	fs.StringVar(&f.sourceTrain, "source_train", "", "source training data CSV")
	fs.StringVar(&f.targetTrain, "target_train", "", "target training data CSV")
	fs.StringVar(&f.sourceTest, "source_test", "", "source test data CSV")
	fs.StringVar(&f.targetTest, "target_test", "", "target test data CSV")
	fs.StringVar(&f.preprocess, "preprocess", dataset.PreprocessStandardize, "preprocessing fit on target train: none|standardize")
	fs.BoolVar(&f.synthetic, "synthetic", false, "train on two generated Gaussian clusters instead of files")
	fs.IntVar(&f.syntheticFeatures, "synthetic_features", 2, "feature count of the generated data")
	fs.IntVar(&f.syntheticSamples, "synthetic_samples", 512, "training samples per generated domain")
	fs.BoolVar(&f.skipCalibration, "skip_calibration", false, "stop after training")
}

// buildRunRequest starts from the config file when one is given, otherwise
// from the flag defaults, and applies the flags marked as set.
func buildRunRequest(f *trainFlags, changed func(string) bool) (latentcal.RunRequest, error) {
	req := latentcal.RunRequest{Hyper: calib.DefaultHyperparameters()}
	set := func(string) bool { return true }
	if f.config != "" {
		loaded, err := loadRunRequestFromConfig(f.config)
		if err != nil {
			return latentcal.RunRequest{}, fmt.Errorf("load config: %w", err)
		}
		req = loaded
		set = changed
	}
	overrideFromFlags(&req, f, set)
	resolveDataPath(&req, f.dataPath)
	return req, nil
}

func overrideFromFlags(req *latentcal.RunRequest, f *trainFlags, set func(string) bool) {
	if set("use_test") {
		req.Data.UseTest = f.useTest
	}
	if set("n_epochs") {
		req.Hyper.Epochs = f.epochs
	}
	if set("batch_size") {
		req.Hyper.BatchSize = f.batchSize
	}
	if set("lr") {
		req.Hyper.LR = f.lr
	}
	if set("code_dim") {
		req.CodeDim = f.codeDim
	}
	if set("beta") {
		req.Hyper.Beta = f.beta
	}
	if set("gamma") {
		req.Hyper.Gamma = f.gamma
	}
	if set("delta") {
		req.Hyper.Delta = f.delta
	}
	if set("legacy_kl_coupling") {
		req.Hyper.LegacyKLCoupling = f.legacyKL
	}
	if set("model") {
		req.Model = f.model
	}
	if set("experiment_name") {
		req.RunID = f.runID
	}
	if set("seed") {
		req.Seed = f.seed
	}
	if set("log_every") {
		req.LogEvery = f.logEvery
	}
	if set("prefetch") {
		req.Prefetch = f.prefetch
	}
	if set("source_train") {
		req.Data.SourceTrain = f.sourceTrain
	}
	if set("target_train") {
		req.Data.TargetTrain = f.targetTrain
	}
	if set("source_test") {
		req.Data.SourceTest = f.sourceTest
	}
	if set("target_test") {
		req.Data.TargetTest = f.targetTest
	}
	if set("preprocess") {
		req.Preprocess = f.preprocess
	}
	if set("skip_calibration") {
		req.SkipCalibration = f.skipCalibration
	}
	if set("synthetic") && f.synthetic {
		req.Synthetic = syntheticConfig(f.syntheticFeatures, f.syntheticSamples)
	} else if req.Synthetic != nil {
		if set("synthetic_features") && f.syntheticFeatures != req.Synthetic.Features {
			req.Synthetic = syntheticConfig(f.syntheticFeatures, req.Synthetic.TrainSamples)
		}
		if set("synthetic_samples") {
			req.Synthetic.TrainSamples = f.syntheticSamples
		}
	}
}

func syntheticConfig(features, samples int) *dataset.ClusterConfig {
	cfg := dataset.DefaultClusterConfig(features)
	cfg.TrainSamples = samples
	cfg.TestSamples = max(1, samples/4)
	return &cfg
}

// resolveDataPath fills the split files missing from req with the
// conventional names inside dir.
func resolveDataPath(req *latentcal.RunRequest, dir string) {
	if dir == "" {
		return
	}
	fill := func(dst *string, name string) {
		if *dst == "" {
			*dst = filepath.Join(dir, name)
		}
	}
	fill(&req.Data.SourceTrain, "source_train_data.csv")
	fill(&req.Data.TargetTrain, "target_train_data.csv")
	if req.Data.UseTest {
		fill(&req.Data.SourceTest, "source_test_data.csv")
		fill(&req.Data.TargetTest, "target_test_data.csv")
	}
}

func loadRunRequestFromConfig(path string) (latentcal.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return latentcal.RunRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return latentcal.RunRequest{}, err
	}

	req := latentcal.RunRequest{
		Hyper: calib.DefaultHyperparameters(),
		Data:  dataset.Paths{UseTest: true},
	}
	if v, ok := asBool(raw["use_test"]); ok {
		req.Data.UseTest = v
	} else if v, ok := asInt(raw["use_test"]); ok {
		req.Data.UseTest = v != 0
	}
	if v, ok := asInt(raw["n_epochs"]); ok {
		req.Hyper.Epochs = v
	}
	if v, ok := asInt(raw["batch_size"]); ok {
		req.Hyper.BatchSize = v
	}
	if v, ok := asFloat64(raw["lr"]); ok {
		req.Hyper.LR = v
	}
	if v, ok := asInt(raw["code_dim"]); ok {
		req.CodeDim = v
	}
	if v, ok := asFloat64(raw["beta"]); ok {
		req.Hyper.Beta = v
	}
	if v, ok := asFloat64(raw["gamma"]); ok {
		req.Hyper.Gamma = v
	}
	if v, ok := asFloat64(raw["delta"]); ok {
		req.Hyper.Delta = v
	}
	if v, ok := asBool(raw["legacy_kl_coupling"]); ok {
		req.Hyper.LegacyKLCoupling = v
	}
	if v, ok := asString(raw["model"]); ok {
		req.Model = v
	}
	if v, ok := asString(raw["experiment_name"]); ok {
		req.RunID = v
	}
	if v, ok := asString(raw["run_id"]); ok {
		req.RunID = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asInt(raw["log_every"]); ok {
		req.LogEvery = v
	}
	if v, ok := asInt(raw["prefetch"]); ok {
		req.Prefetch = v
	}
	if v, ok := asString(raw["source_train"]); ok {
		req.Data.SourceTrain = v
	}
	if v, ok := asString(raw["target_train"]); ok {
		req.Data.TargetTrain = v
	}
	if v, ok := asString(raw["source_test"]); ok {
		req.Data.SourceTest = v
	}
	if v, ok := asString(raw["target_test"]); ok {
		req.Data.TargetTest = v
	}
	if v, ok := asString(raw["preprocess"]); ok {
		req.Preprocess = v
	}
	if v, ok := asBool(raw["skip_calibration"]); ok {
		req.SkipCalibration = v
	}

	switch v := raw["synthetic"].(type) {
	case bool:
		if v {
			features, _ := asInt(raw["synthetic_features"])
			samples, _ := asInt(raw["synthetic_samples"])
			req.Synthetic = syntheticConfig(orDefault(features, 2), orDefault(samples, 512))
		}
	case map[string]any:
		features, _ := asInt(v["features"])
		cfg := dataset.DefaultClusterConfig(orDefault(features, 2))
		if err := remarshal(v, &cfg); err != nil {
			return latentcal.RunRequest{}, fmt.Errorf("synthetic: %w", err)
		}
		req.Synthetic = &cfg
	}

	if archRaw, ok := raw["architecture"].(map[string]any); ok {
		kind, err := arch.ParseKind(orDefaultString(req.Model, "attention"))
		if err != nil {
			return latentcal.RunRequest{}, err
		}
		spec := arch.DefaultFamilies(kind)
		if err := remarshal(archRaw, &spec); err != nil {
			return latentcal.RunRequest{}, fmt.Errorf("architecture: %w", err)
		}
		req.Architecture = &spec
	}
	return req, nil
}

// remarshal decodes a generic JSON object into dst, keeping the fields of
// dst that the object does not name.
func remarshal(src map[string]any, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}
