package stats

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"latentcal/internal/arch"
	"latentcal/internal/calib"
	"latentcal/internal/dataset"
	"latentcal/internal/model"
)

func TestRunConfigRoundTrip(t *testing.T) {
	baseDir := t.TempDir()
	cfg := RunConfig{
		Model:        "residual",
		Architecture: arch.DefaultSpec(arch.KindResidual),
		CodeDim:      4,
		Seed:         9,
		Hyper:        calib.DefaultHyperparameters(),
		UseTest:      true,
		Preprocess:   dataset.PreprocessStandardize,
		SourceTrain:  "a.csv",
		TargetTrain:  "b.csv",
		Store:        "memory",
	}
	if err := WriteRunConfig(baseDir, "run-1", cfg); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := os.Stat(filepath.Join(baseDir, "run-1", "setting.json")); err != nil {
		t.Fatalf("expected setting.json: %v", err)
	}
	got, ok, err := ReadRunConfig(baseDir, "run-1")
	if err != nil || !ok {
		t.Fatalf("read config: ok=%v err=%v", ok, err)
	}
	if got.RunID != "run-1" || got.Architecture.Kind != arch.KindResidual || got.Architecture.Residual.Blocks != 3 {
		t.Fatalf("unexpected config: %+v", got)
	}
	if got.Hyper != cfg.Hyper {
		t.Fatalf("hyperparameters=%+v want %+v", got.Hyper, cfg.Hyper)
	}

	if _, ok, err := ReadRunConfig(baseDir, "missing"); err != nil || ok {
		t.Fatalf("missing config: ok=%v err=%v", ok, err)
	}
	cfg.RunID = "other"
	if err := WriteRunConfig(baseDir, "run-1", cfg); err == nil {
		t.Fatal("expected run id mismatch error")
	}
	if err := WriteRunConfig(baseDir, " ", RunConfig{}); err == nil {
		t.Fatal("expected run id required error")
	}
}

func TestLossHistoryRoundTrip(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "run")
	rows := []model.IterationLoss{
		{Epoch: 0, Iteration: 0, RecLossA: 1.5, RecLossB: 2, KLDLossA: 0.1, KLDLossB: 0.2, AdvLoss: 3, GLoss: 6.5, WDLoss: -1, GPLoss: 0.25, DLoss: -0.975},
		{Epoch: 0, Iteration: 1, RecLossA: 1e-9, GLoss: math.Pi},
	}
	if err := WriteLossHistory(runDir, rows); err != nil {
		t.Fatalf("write history: %v", err)
	}
	header, err := os.ReadFile(filepath.Join(runDir, "loss_history.csv"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	wantHeader := "epoch,iteration,rec_loss_a,rec_loss_b,kld_loss_a,kld_loss_b,adv_loss,G_loss,wd_loss,gp_loss,D_loss\n"
	if string(header[:len(wantHeader)]) != wantHeader {
		t.Fatalf("header=%q", header[:len(wantHeader)])
	}
	got, ok, err := ReadLossHistory(runDir)
	if err != nil || !ok {
		t.Fatalf("read history: ok=%v err=%v", ok, err)
	}
	if len(got) != len(rows) {
		t.Fatalf("rows=%d want %d", len(got), len(rows))
	}
	for i := range rows {
		if got[i] != rows[i] {
			t.Fatalf("row %d=%+v want %+v", i, got[i], rows[i])
		}
	}
	if _, ok, err := ReadLossHistory(t.TempDir()); err != nil || ok {
		t.Fatalf("missing history: ok=%v err=%v", ok, err)
	}
}

func TestWriteCalibrationLayout(t *testing.T) {
	raw := dataset.Source{
		SourceTrain: mat.NewDense(2, 2, []float64{1, 2, 3, 4}),
		TargetTrain: mat.NewDense(2, 2, []float64{5, 6, 7, 8}),
	}
	data, err := dataset.Normalize(raw, dataset.PreprocessStandardize)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	split := calib.Split{
		Name:                "train",
		Source:              data.SourceTrain,
		Target:              data.TargetTrain,
		SourceCalibrated:    data.TargetTrain,
		SourceReconstructed: data.SourceTrain,
		TargetReconstructed: data.TargetTrain,
		SourceCode:          mat.NewDense(2, 1, []float64{0.5, -0.5}),
		TargetCode:          mat.NewDense(2, 1, []float64{1, -1}),
	}
	test := split
	test.Name = "test"

	runDir := t.TempDir()
	written, err := WriteCalibration(runDir, calib.Calibration{Train: split, Test: &test}, data)
	if err != nil {
		t.Fatalf("write calibration: %v", err)
	}
	// 5 data matrices in both scales plus 2 codes, per split
	if len(written) != 2*(5*2+2) {
		t.Fatalf("wrote %d files", len(written))
	}
	seen := map[string]bool{}
	for _, p := range written {
		if seen[p] {
			t.Fatalf("path %s written twice", p)
		}
		seen[p] = true
	}
	for _, name := range []string{
		"calibrated_source_train_data.csv",
		"reconstructed_source_train_data.csv",
		"reconstructed_target_test_data.csv",
		"source_test_data.csv",
		"target_train_data.csv",
	} {
		if !seen[filepath.Join(runDir, CalibratedDir, name)] || !seen[filepath.Join(runDir, CalibratedOrgScaleDir, name)] {
			t.Fatalf("missing %s in one of the scales", name)
		}
	}
	if seen[filepath.Join(runDir, CalibratedOrgScaleDir, "source_train_code.csv")] {
		t.Fatal("codes must not be written in original scale")
	}

	org, err := dataset.LoadCSV(filepath.Join(runDir, CalibratedOrgScaleDir, "source_train_data.csv"))
	if err != nil {
		t.Fatalf("load original scale: %v", err)
	}
	if !mat.EqualApprox(org, raw.SourceTrain, 1e-9) {
		t.Fatalf("original scale source=%v want %v", mat.Formatted(org), mat.Formatted(raw.SourceTrain))
	}
	code, err := dataset.LoadCSV(filepath.Join(runDir, CalibratedDir, "target_test_code.csv"))
	if err != nil {
		t.Fatalf("load code: %v", err)
	}
	if !mat.Equal(code, split.TargetCode) {
		t.Fatalf("code=%v", mat.Formatted(code))
	}
}

func TestSummarizeAveragesLastEpoch(t *testing.T) {
	res := calib.Result{
		RunID:           "r",
		CompletedEpochs: 2,
		State:           calib.StateFinished,
		History: []model.IterationLoss{
			{Epoch: 0, GLoss: 100, DLoss: 100},
			{Epoch: 1, GLoss: 1, DLoss: -2},
			{Epoch: 1, GLoss: 3, DLoss: -4},
		},
	}
	cfg := RunConfig{Model: "basic", Hyper: calib.Hyperparameters{Epochs: 2}}
	got := Summarize(cfg, res)
	if got.FinalGLoss != 2 || got.FinalDLoss != -3 || got.Failed || got.Completed != 2 || got.Architecture != "basic" {
		t.Fatalf("unexpected summary: %+v", got)
	}

	res.State = calib.StateFailed
	res.Err = errors.New("boom")
	res.History = nil
	got = Summarize(cfg, res)
	if !got.Failed || got.Error != "boom" || got.FinalGLoss != 0 {
		t.Fatalf("unexpected failed summary: %+v", got)
	}
}

func TestRunIndexOrderingAndUpsert(t *testing.T) {
	baseDir := t.TempDir()
	entries, err := ListRunIndex(baseDir)
	if err != nil || len(entries) != 0 {
		t.Fatalf("empty index: %v %v", entries, err)
	}
	add := func(id, created string, g float64) {
		t.Helper()
		entry := RunIndexEntry{RunSummary: model.RunSummary{RunID: id, FinalGLoss: g}, CreatedAtUTC: created}
		if err := AppendRunIndex(baseDir, entry); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	add("a", "2024-01-01T00:00:00Z", 1)
	add("b", "2024-01-02T00:00:00Z", 2)
	add("c", "2024-01-02T00:00:00Z", 3)
	add("a", "2024-01-03T00:00:00Z", 4)

	entries, err = ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"a", "c", "b"}
	if len(entries) != len(want) {
		t.Fatalf("entries=%d want %d", len(entries), len(want))
	}
	for i, id := range want {
		if entries[i].RunID != id {
			t.Fatalf("entry %d=%s want %s", i, entries[i].RunID, id)
		}
	}
	if entries[0].FinalGLoss != 4 {
		t.Fatalf("upsert did not replace entry: %+v", entries[0])
	}

	raw, err := readRunIndex(baseDir)
	if err != nil {
		t.Fatalf("read raw index: %v", err)
	}
	for i, id := range []string{"a", "b", "c"} {
		if raw[i].RunID != id {
			t.Fatalf("stored entry %d=%s want %s", i, raw[i].RunID, id)
		}
	}

	// a later append with an equal timestamp still wins the tie
	add("d", "2024-01-02T00:00:00Z", 5)
	add("b", "2024-01-02T00:00:00Z", 6)
	entries, err = ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, id := range []string{"a", "d", "c", "b"} {
		if entries[i].RunID != id {
			t.Fatalf("after ties entry %d=%s want %s", i, entries[i].RunID, id)
		}
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{}); err == nil {
		t.Fatal("expected run id required error")
	}
}

func TestExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")
	if err := WriteRunConfig(baseDir, "r", RunConfig{Model: "basic", Architecture: arch.DefaultSpec(arch.KindBasic)}); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := ExportRunArtifacts(baseDir, "r", outDir); err != nil {
		t.Fatalf("export without outputs: %v", err)
	}

	runDir := RunDir(baseDir, "r")
	if err := WriteLossHistory(runDir, []model.IterationLoss{{GLoss: 1}}); err != nil {
		t.Fatalf("write history: %v", err)
	}
	if err := writeMatrix(filepath.Join(runDir, CalibratedDir, "source_train_code.csv"), mat.NewDense(1, 1, []float64{2})); err != nil {
		t.Fatalf("write matrix: %v", err)
	}
	dst, err := ExportRunArtifacts(baseDir, "r", outDir)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, rel := range []string{"setting.json", "loss_history.csv", filepath.Join(CalibratedDir, "source_train_code.csv")} {
		if _, err := os.Stat(filepath.Join(dst, rel)); err != nil {
			t.Fatalf("expected exported %s: %v", rel, err)
		}
	}
	if _, err := ExportRunArtifacts(baseDir, "missing", outDir); err == nil {
		t.Fatal("expected error for unknown run")
	}
}
