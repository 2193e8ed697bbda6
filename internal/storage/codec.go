package storage

import (
	"encoding/json"
	"errors"

	"latentcal/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// CurrentVersion is the record version stamped on everything written by this
// build.
func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeSnapshot(s model.Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeSnapshot(data []byte) (model.Snapshot, error) {
	var snapshot model.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.Snapshot{}, err
	}
	if err := checkVersion(snapshot.VersionedRecord); err != nil {
		return model.Snapshot{}, err
	}
	return snapshot, nil
}

func EncodeLossHistory(h model.LossHistory) ([]byte, error) {
	return json.Marshal(h)
}

func DecodeLossHistory(data []byte) (model.LossHistory, error) {
	var history model.LossHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return model.LossHistory{}, err
	}
	if err := checkVersion(history.VersionedRecord); err != nil {
		return model.LossHistory{}, err
	}
	return history, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

func cloneTensors(in []model.Tensor) []model.Tensor {
	if in == nil {
		return nil
	}
	out := make([]model.Tensor, len(in))
	for i, t := range in {
		out[i] = t
		out[i].Data = append([]float64(nil), t.Data...)
	}
	return out
}

func cloneOptimizer(in model.OptimizerState) model.OptimizerState {
	out := in
	out.Momentum = cloneTensors(in.Momentum)
	out.Variance = cloneTensors(in.Variance)
	return out
}

// CloneSnapshot deep-copies every tensor so the result shares no storage with
// the input.
func CloneSnapshot(in model.Snapshot) model.Snapshot {
	out := in
	out.Params = cloneTensors(in.Params)
	out.Buffers = cloneTensors(in.Buffers)
	out.Generator = cloneOptimizer(in.Generator)
	out.Critic = cloneOptimizer(in.Critic)
	return out
}
