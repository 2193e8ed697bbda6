package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Tensor is a named row-major matrix.
type Tensor struct {
	Name string    `json:"name"`
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// OptimizerState is the persisted state of one Adam instance. Moments are
// stored per parameter name.
type OptimizerState struct {
	Type     string   `json:"type"`
	Step     int      `json:"step"`
	LR       float64  `json:"lr"`
	Beta1    float64  `json:"beta1"`
	Beta2    float64  `json:"beta2"`
	Epsilon  float64  `json:"epsilon"`
	Momentum []Tensor `json:"momentum"`
	Variance []Tensor `json:"variance"`
}

// Snapshot is the complete trainable state of one run after an epoch.
type Snapshot struct {
	VersionedRecord
	RunID        string `json:"run_id"`
	Epoch        int    `json:"epoch"`
	Architecture string `json:"architecture"`
	InputDim     int    `json:"input_dim"`
	CodeDim      int    `json:"code_dim"`
	// Params holds every trainable tensor across the four groups.
	Params []Tensor `json:"params"`
	// Buffers holds non-trainable state such as batch-norm statistics.
	Buffers   []Tensor       `json:"buffers"`
	Generator OptimizerState `json:"generator"`
	Critic    OptimizerState `json:"critic"`
}

// IterationLoss is one row of the training loss history.
type IterationLoss struct {
	Epoch     int     `json:"epoch"`
	Iteration int     `json:"iteration"`
	RecLossA  float64 `json:"rec_loss_a"`
	RecLossB  float64 `json:"rec_loss_b"`
	KLDLossA  float64 `json:"kld_loss_a"`
	KLDLossB  float64 `json:"kld_loss_b"`
	AdvLoss   float64 `json:"adv_loss"`
	GLoss     float64 `json:"G_loss"`
	WDLoss    float64 `json:"wd_loss"`
	GPLoss    float64 `json:"gp_loss"`
	DLoss     float64 `json:"D_loss"`
}

// LossHistory is the full per-iteration history of a run.
type LossHistory struct {
	VersionedRecord
	RunID string          `json:"run_id"`
	Rows  []IterationLoss `json:"rows"`
}

// RunSummary describes one training run for the run index.
type RunSummary struct {
	VersionedRecord
	RunID        string  `json:"run_id"`
	Architecture string  `json:"architecture"`
	Epochs       int     `json:"epochs"`
	Completed    int     `json:"completed_epochs"`
	Resumed      bool    `json:"resumed"`
	FinalGLoss   float64 `json:"final_G_loss"`
	FinalDLoss   float64 `json:"final_D_loss"`
	Failed       bool    `json:"failed"`
	Error        string  `json:"error,omitempty"`
}
