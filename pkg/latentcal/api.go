// Package latentcal is the public entry point for training calibration runs
// and writing their calibrated outputs.
package latentcal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"latentcal/internal/arch"
	"latentcal/internal/calib"
	"latentcal/internal/checkpoint"
	"latentcal/internal/dataset"
	"latentcal/internal/model"
	"latentcal/internal/optim"
	"latentcal/internal/stats"
	"latentcal/internal/storage"
)

const (
	defaultOutputDir  = "output"
	defaultExportsDir = "exports"
	defaultDBPath     = "latentcal.db"
	defaultModel      = "attention"
	defaultCodeDim    = 15
)

type Options struct {
	StoreKind string
	DBPath    string
	// CheckpointDir is the root of the dir backend; it defaults to OutputDir.
	CheckpointDir string
	OutputDir     string
	ExportsDir    string
	Logger        *log.Logger
}

type Client struct {
	store     storage.Store
	storeKind string

	outputDir  string
	exportsDir string
	logger     *log.Logger
}

type RunRequest struct {
	RunID string
	// Model names the architecture family; see arch.ParseKind.
	Model string
	// Architecture overrides the family defaults when set.
	Architecture *arch.Spec
	CodeDim      int
	Seed         int64
	// Hyper is used as given when non-zero; otherwise the defaults apply.
	Hyper      calib.Hyperparameters
	Data       dataset.Paths
	Synthetic  *dataset.ClusterConfig
	Preprocess string
	LogEvery   int
	Prefetch   int
	// SkipCalibration stops after training without writing calibrated data.
	SkipCalibration bool
	Observer        calib.Observer
}

type TrainSummary struct {
	RunID           string
	RunDir          string
	StartEpoch      int
	CompletedEpochs int
	Iterations      int
	Resumed         bool
	FinalGLoss      float64
	FinalDLoss      float64
	CalibratedFiles []string
}

type CalibrateRequest struct {
	RunID  string
	Latest bool
}

type CalibrateSummary struct {
	RunID string
	// Restored is false when no compatible checkpoint was found and the
	// freshly initialized models were used.
	Restored bool
	Epoch    int
	Files    []string
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Architecture string
	Epochs       int
	Completed    int
	Resumed      bool
	FinalGLoss   float64
	FinalDLoss   float64
	Failed       bool
	Error        string
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type LossHistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.KindMemory
	}
	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = defaultOutputDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	path := opts.DBPath
	switch storeKind {
	case storage.KindSQLite:
		if path == "" {
			path = defaultDBPath
		}
	case storage.KindDir:
		path = opts.CheckpointDir
		if path == "" {
			path = outputDir
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	store, err := storage.NewStore(storeKind, path)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:      store,
		storeKind:  storeKind,
		outputDir:  outputDir,
		exportsDir: exportsDir,
		logger:     logger,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// Train persists the run settings, trains (resuming from the latest
// checkpoint of the run id when one exists), writes the loss history, indexes
// the run and, unless skipped, writes the calibrated data. A failed run is
// still indexed and its error returned.
func (c *Client) Train(ctx context.Context, req RunRequest) (TrainSummary, error) {
	cfg, err := c.resolve(req)
	if err != nil {
		return TrainSummary{}, err
	}
	data, err := loadData(cfg)
	if err != nil {
		return TrainSummary{}, fmt.Errorf("%w: %v", arch.ErrConfiguration, err)
	}
	if err := stats.WriteRunConfig(c.outputDir, cfg.RunID, cfg); err != nil {
		return TrainSummary{}, err
	}

	trainer, err := calib.NewTrainer(calib.Config{
		RunID:    cfg.RunID,
		Spec:     cfg.Architecture,
		CodeDim:  cfg.CodeDim,
		Hyper:    cfg.Hyper,
		Seed:     cfg.Seed,
		LogEvery: cfg.LogEvery,
		Prefetch: req.Prefetch,
		Store:    c.store,
		Logger:   c.logger,
		Observer: req.Observer,
	}, data)
	if err != nil {
		return TrainSummary{}, err
	}
	res, err := trainer.Run(ctx)
	if err != nil {
		return TrainSummary{}, err
	}

	runDir := stats.RunDir(c.outputDir, cfg.RunID)
	summary := stats.Summarize(cfg, res)
	out := TrainSummary{
		RunID:           cfg.RunID,
		RunDir:          runDir,
		StartEpoch:      res.StartEpoch,
		CompletedEpochs: res.CompletedEpochs,
		Iterations:      res.Iterations,
		Resumed:         res.Resumed,
		FinalGLoss:      summary.FinalGLoss,
		FinalDLoss:      summary.FinalDLoss,
	}
	if err := stats.WriteLossHistory(runDir, res.History); err != nil {
		return out, err
	}
	summary.VersionedRecord = storage.CurrentVersion()
	if err := stats.AppendRunIndex(c.outputDir, stats.RunIndexEntry{
		RunSummary:   summary,
		CreatedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return out, err
	}
	if res.Err != nil {
		return out, res.Err
	}
	c.logger.Printf("run %s: trained %d iterations, %d/%d epochs complete", cfg.RunID, res.Iterations, res.CompletedEpochs, cfg.Hyper.Epochs)

	if req.SkipCalibration {
		return out, nil
	}
	cal, err := calib.Calibrate(trainer.Models(), data)
	if err != nil {
		return out, err
	}
	if out.CalibratedFiles, err = stats.WriteCalibration(runDir, cal, data); err != nil {
		return out, err
	}
	return out, nil
}

// Calibrate rebuilds the models of a recorded run, restores its latest
// checkpoint and writes the calibrated data. Without a usable checkpoint the
// fresh initialization is used.
func (c *Client) Calibrate(ctx context.Context, req CalibrateRequest) (CalibrateSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest, "calibrate")
	if err != nil {
		return CalibrateSummary{}, err
	}
	cfg, ok, err := stats.ReadRunConfig(c.outputDir, runID)
	if err != nil {
		return CalibrateSummary{}, err
	}
	if !ok {
		return CalibrateSummary{}, fmt.Errorf("settings not found for run id: %s", runID)
	}
	data, err := loadData(cfg)
	if err != nil {
		return CalibrateSummary{}, fmt.Errorf("%w: %v", arch.ErrConfiguration, err)
	}
	models, err := arch.Build(cfg.Architecture, data.Features(), cfg.CodeDim, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return CalibrateSummary{}, err
	}
	generator, err := optim.NewAdam(optim.DefaultAdamConfig(cfg.Hyper.LR), models.GeneratorParams())
	if err != nil {
		return CalibrateSummary{}, err
	}
	critic, err := optim.NewAdam(optim.DefaultAdamConfig(cfg.Hyper.LR), models.CriticParams())
	if err != nil {
		return CalibrateSummary{}, err
	}
	if err := c.store.Init(ctx); err != nil {
		return CalibrateSummary{}, err
	}

	out := CalibrateSummary{RunID: runID, Epoch: -1}
	if snap, ok := checkpoint.TryLoad(ctx, c.store, runID, models, generator, critic, c.logger); ok {
		out.Restored = true
		out.Epoch = snap.Epoch
	} else {
		c.logger.Printf("run %s: calibrating with freshly initialized models", runID)
	}
	cal, err := calib.Calibrate(models, data)
	if err != nil {
		return out, err
	}
	out.Files, err = stats.WriteCalibration(stats.RunDir(c.outputDir, runID), cal, data)
	return out, err
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.outputDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			CreatedAtUTC: e.CreatedAtUTC,
			Architecture: e.Architecture,
			Epochs:       e.Epochs,
			Completed:    e.Completed,
			Resumed:      e.Resumed,
			FinalGLoss:   e.FinalGLoss,
			FinalDLoss:   e.FinalDLoss,
			Failed:       e.Failed,
			Error:        e.Error,
		})
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest, "export")
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	exportedDir, err := stats.ExportRunArtifacts(c.outputDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// LossHistory reads the per-iteration losses persisted by the store.
func (c *Client) LossHistory(ctx context.Context, req LossHistoryRequest) ([]model.IterationLoss, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "loss history")
	if err != nil {
		return nil, err
	}
	if err := c.store.Init(ctx); err != nil {
		return nil, err
	}
	history, ok, err := c.store.GetLossHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("loss history not found for run id: %s", runID)
	}
	rows := history.Rows
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[len(rows)-req.Limit:]
	}
	return rows, nil
}

func (c *Client) resolveRunID(runID string, latest bool, op string) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if !latest {
		if runID == "" {
			return "", fmt.Errorf("%s requires run id or latest", op)
		}
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.outputDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

// resolve fills request defaults and validates the result.
func (c *Client) resolve(req RunRequest) (stats.RunConfig, error) {
	if req.Model == "" {
		req.Model = defaultModel
	}
	kind, err := arch.ParseKind(req.Model)
	if err != nil {
		return stats.RunConfig{}, err
	}
	spec := arch.DefaultSpec(kind)
	if req.Architecture != nil {
		spec = *req.Architecture
		spec.Kind = kind
	}
	if err := spec.Validate(); err != nil {
		return stats.RunConfig{}, err
	}
	if req.CodeDim == 0 {
		req.CodeDim = defaultCodeDim
	}
	if req.CodeDim < 0 {
		return stats.RunConfig{}, fmt.Errorf("%w: code_dim must be > 0, got %d", arch.ErrConfiguration, req.CodeDim)
	}
	hyper := req.Hyper
	if hyper == (calib.Hyperparameters{}) {
		hyper = calib.DefaultHyperparameters()
	}
	if err := hyper.Validate(); err != nil {
		return stats.RunConfig{}, err
	}
	if req.Preprocess == "" {
		req.Preprocess = dataset.PreprocessStandardize
	}
	if req.Synthetic == nil && (req.Data.SourceTrain == "" || req.Data.TargetTrain == "") {
		return stats.RunConfig{}, fmt.Errorf("%w: source_train and target_train are required without synthetic data", arch.ErrConfiguration)
	}
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	return stats.RunConfig{
		RunID:        runID,
		Model:        kind.String(),
		Architecture: spec,
		CodeDim:      req.CodeDim,
		Seed:         req.Seed,
		Hyper:        hyper,
		UseTest:      req.Data.UseTest,
		Preprocess:   req.Preprocess,
		SourceTrain:  req.Data.SourceTrain,
		TargetTrain:  req.Data.TargetTrain,
		SourceTest:   req.Data.SourceTest,
		TargetTest:   req.Data.TargetTest,
		Synthetic:    req.Synthetic,
		Store:        c.storeKind,
		LogEvery:     req.LogEvery,
		CreatedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func loadData(cfg stats.RunConfig) (dataset.Source, error) {
	if cfg.Synthetic == nil {
		return dataset.Load(dataset.Paths{
			SourceTrain: cfg.SourceTrain,
			TargetTrain: cfg.TargetTrain,
			SourceTest:  cfg.SourceTest,
			TargetTest:  cfg.TargetTest,
			UseTest:     cfg.UseTest,
		}, cfg.Preprocess)
	}
	raw, err := dataset.GaussianClusters(*cfg.Synthetic)
	if err != nil {
		return dataset.Source{}, err
	}
	if !cfg.UseTest {
		raw.SourceTest, raw.TargetTest = nil, nil
	}
	return dataset.Normalize(raw, cfg.Preprocess)
}
