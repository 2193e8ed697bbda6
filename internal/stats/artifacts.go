package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"latentcal/internal/arch"
	"latentcal/internal/calib"
	"latentcal/internal/dataset"
	"latentcal/internal/model"
)

const (
	runIndexFile    = "run_index.json"
	settingFile     = "setting.json"
	lossHistoryFile = "loss_history.csv"

	CalibratedDir         = "calibrated_data"
	CalibratedOrgScaleDir = "calibrated_data_org_scale"
)

var lossHistoryHeader = []string{
	"epoch", "iteration",
	"rec_loss_a", "rec_loss_b", "kld_loss_a", "kld_loss_b", "adv_loss", "G_loss",
	"wd_loss", "gp_loss", "D_loss",
}

// RunConfig is the persisted setting of one run.
type RunConfig struct {
	RunID        string                 `json:"run_id"`
	Model        string                 `json:"model"`
	Architecture arch.Spec              `json:"architecture"`
	CodeDim      int                    `json:"code_dim"`
	Seed         int64                  `json:"seed"`
	Hyper        calib.Hyperparameters  `json:"hyperparameters"`
	UseTest      bool                   `json:"use_test"`
	Preprocess   string                 `json:"preprocess"`
	SourceTrain  string                 `json:"source_train,omitempty"`
	TargetTrain  string                 `json:"target_train,omitempty"`
	SourceTest   string                 `json:"source_test,omitempty"`
	TargetTest   string                 `json:"target_test,omitempty"`
	Synthetic    *dataset.ClusterConfig `json:"synthetic,omitempty"`
	Store        string                 `json:"store"`
	LogEvery     int                    `json:"log_every"`
	CreatedAtUTC string                 `json:"created_at_utc"`
}

// RunIndexEntry is one row of run_index.json.
type RunIndexEntry struct {
	model.RunSummary
	CreatedAtUTC string `json:"created_at_utc"`
}

func RunDir(baseDir, runID string) string {
	return filepath.Join(baseDir, runID)
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := RunDir(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, settingFile), cfg)
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	data, err := os.ReadFile(filepath.Join(RunDir(baseDir, runID), settingFile))
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, false, nil
		}
		return RunConfig{}, false, err
	}
	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, false, err
	}
	kind, err := arch.ParseKind(cfg.Model)
	if err != nil {
		return RunConfig{}, false, err
	}
	cfg.Architecture.Kind = kind
	return cfg, true, nil
}

// WriteLossHistory writes one CSV row per training iteration.
func WriteLossHistory(runDir string, rows []model.IterationLoss) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	file, err := os.Create(filepath.Join(runDir, lossHistoryFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(lossHistoryHeader); err != nil {
		return err
	}
	format := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, row := range rows {
		if err := writer.Write([]string{
			strconv.Itoa(row.Epoch + 1),
			strconv.Itoa(row.Iteration + 1),
			format(row.RecLossA), format(row.RecLossB),
			format(row.KLDLossA), format(row.KLDLossB),
			format(row.AdvLoss), format(row.GLoss),
			format(row.WDLoss), format(row.GPLoss), format(row.DLoss),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Sync()
}

func ReadLossHistory(runDir string) ([]model.IterationLoss, bool, error) {
	file, err := os.Open(filepath.Join(runDir, lossHistoryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(lossHistoryHeader)
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return []model.IterationLoss{}, true, nil
		}
		return nil, false, err
	}
	rows := make([]model.IterationLoss, 0, 256)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		row, err := parseLossRow(record)
		if err != nil {
			return nil, false, err
		}
		rows = append(rows, row)
	}
	return rows, true, nil
}

func parseLossRow(record []string) (model.IterationLoss, error) {
	epoch, err := strconv.Atoi(record[0])
	if err != nil {
		return model.IterationLoss{}, fmt.Errorf("loss history epoch: %w", err)
	}
	iteration, err := strconv.Atoi(record[1])
	if err != nil {
		return model.IterationLoss{}, fmt.Errorf("loss history iteration: %w", err)
	}
	values := make([]float64, len(record)-2)
	for i, field := range record[2:] {
		if values[i], err = strconv.ParseFloat(field, 64); err != nil {
			return model.IterationLoss{}, fmt.Errorf("loss history %s: %w", lossHistoryHeader[i+2], err)
		}
	}
	return model.IterationLoss{
		Epoch: epoch - 1, Iteration: iteration - 1,
		RecLossA: values[0], RecLossB: values[1],
		KLDLossA: values[2], KLDLossB: values[3],
		AdvLoss: values[4], GLoss: values[5],
		WDLoss: values[6], GPLoss: values[7], DLoss: values[8],
	}, nil
}

// WriteCalibration writes every split matrix twice: normalized under
// calibrated_data/ and mapped back to measurement units under
// calibrated_data_org_scale/. Codes are only written to the normalized
// directory. It returns the written paths.
func WriteCalibration(runDir string, cal calib.Calibration, data dataset.Source) ([]string, error) {
	splits := []calib.Split{cal.Train}
	if cal.Test != nil {
		splits = append(splits, *cal.Test)
	}
	var written []string
	for _, s := range splits {
		for _, out := range splitOutputs(s) {
			path := filepath.Join(runDir, CalibratedDir, out.name)
			if err := writeMatrix(path, out.m); err != nil {
				return written, err
			}
			written = append(written, path)
			if out.code {
				continue
			}
			path = filepath.Join(runDir, CalibratedOrgScaleDir, out.name)
			if err := writeMatrix(path, data.OriginalScale(out.m)); err != nil {
				return written, err
			}
			written = append(written, path)
		}
	}
	return written, nil
}

type splitOutput struct {
	name string
	m    *mat.Dense
	code bool
}

func splitOutputs(s calib.Split) []splitOutput {
	return []splitOutput{
		{name: fmt.Sprintf("calibrated_source_%s_data.csv", s.Name), m: s.SourceCalibrated},
		{name: fmt.Sprintf("reconstructed_source_%s_data.csv", s.Name), m: s.SourceReconstructed},
		{name: fmt.Sprintf("reconstructed_target_%s_data.csv", s.Name), m: s.TargetReconstructed},
		{name: fmt.Sprintf("source_%s_data.csv", s.Name), m: s.Source},
		{name: fmt.Sprintf("target_%s_data.csv", s.Name), m: s.Target},
		{name: fmt.Sprintf("source_%s_code.csv", s.Name), m: s.SourceCode, code: true},
		{name: fmt.Sprintf("target_%s_code.csv", s.Name), m: s.TargetCode, code: true},
	}
}

func writeMatrix(path string, m mat.Matrix) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := dataset.WriteCSV(file, m); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return file.Sync()
}

// Summarize reduces a training result to its run index row. The final
// losses are averaged over the last completed epoch.
func Summarize(cfg RunConfig, res calib.Result) model.RunSummary {
	summary := model.RunSummary{
		RunID:        res.RunID,
		Architecture: cfg.Model,
		Epochs:       cfg.Hyper.Epochs,
		Completed:    res.CompletedEpochs,
		Resumed:      res.Resumed,
		Failed:       res.State == calib.StateFailed,
	}
	if res.Err != nil {
		summary.Error = res.Err.Error()
	}
	if len(res.History) == 0 {
		return summary
	}
	lastEpoch := res.History[len(res.History)-1].Epoch
	var g, d []float64
	for i := len(res.History) - 1; i >= 0 && res.History[i].Epoch == lastEpoch; i-- {
		g = append(g, res.History[i].GLoss)
		d = append(d, res.History[i].DLoss)
	}
	summary.FinalGLoss = stat.Mean(g, nil)
	summary.FinalDLoss = stat.Mean(d, nil)
	return summary
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := readRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// readRunIndex returns the entries in append order.
func readRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListRunIndex returns the index newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	entries, err := readRunIndex(baseDir)
	if err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies the settings, the loss history and both
// calibrated data directories of a run into outDir/<runID>.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := RunDir(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}
	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	if err := copyFile(filepath.Join(src, settingFile), filepath.Join(dst, settingFile)); err != nil {
		return "", err
	}
	if err := copyIfExists(filepath.Join(src, lossHistoryFile), filepath.Join(dst, lossHistoryFile)); err != nil {
		return "", err
	}
	for _, dir := range []string{CalibratedDir, CalibratedOrgScaleDir} {
		entries, err := os.ReadDir(filepath.Join(src, dir))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Join(dst, dir), 0o755); err != nil {
			return "", err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := copyFile(filepath.Join(src, dir, e.Name()), filepath.Join(dst, dir, e.Name())); err != nil {
				return "", err
			}
		}
	}
	return dst, nil
}

func copyIfExists(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return copyFile(src, dst)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
