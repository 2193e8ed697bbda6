package storage

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"latentcal/internal/model"
)

// Wire layout of a checkpoint file. Integers are zigzag varints, floats are
// fixed64 and tensor data is a packed fixed64 run.
const (
	snapSchemaVersion protowire.Number = 1
	snapCodecVersion  protowire.Number = 2
	snapRunID         protowire.Number = 3
	snapEpoch         protowire.Number = 4
	snapArchitecture  protowire.Number = 5
	snapInputDim      protowire.Number = 6
	snapCodeDim       protowire.Number = 7
	snapParam         protowire.Number = 8
	snapBuffer        protowire.Number = 9
	snapGenerator     protowire.Number = 10
	snapCritic        protowire.Number = 11

	tensorName protowire.Number = 1
	tensorRows protowire.Number = 2
	tensorCols protowire.Number = 3
	tensorData protowire.Number = 4

	optType     protowire.Number = 1
	optStep     protowire.Number = 2
	optLR       protowire.Number = 3
	optBeta1    protowire.Number = 4
	optBeta2    protowire.Number = 5
	optEpsilon  protowire.Number = 6
	optMomentum protowire.Number = 7
	optVariance protowire.Number = 8
)

var errMalformed = errors.New("malformed checkpoint")

// MarshalSnapshotBinary encodes a snapshot in the checkpoint file format.
func MarshalSnapshotBinary(s model.Snapshot) []byte {
	var b []byte
	b = appendInt(b, snapSchemaVersion, s.SchemaVersion)
	b = appendInt(b, snapCodecVersion, s.CodecVersion)
	b = appendString(b, snapRunID, s.RunID)
	b = appendInt(b, snapEpoch, s.Epoch)
	b = appendString(b, snapArchitecture, s.Architecture)
	b = appendInt(b, snapInputDim, s.InputDim)
	b = appendInt(b, snapCodeDim, s.CodeDim)
	for _, t := range s.Params {
		b = appendMessage(b, snapParam, marshalTensor(t))
	}
	for _, t := range s.Buffers {
		b = appendMessage(b, snapBuffer, marshalTensor(t))
	}
	b = appendMessage(b, snapGenerator, marshalOptimizer(s.Generator))
	b = appendMessage(b, snapCritic, marshalOptimizer(s.Critic))
	return b
}

// UnmarshalSnapshotBinary decodes a checkpoint file and checks its version.
func UnmarshalSnapshotBinary(b []byte) (model.Snapshot, error) {
	var s model.Snapshot
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		var err error
		switch num {
		case snapSchemaVersion:
			s.SchemaVersion = decodeInt(x)
		case snapCodecVersion:
			s.CodecVersion = decodeInt(x)
		case snapRunID:
			s.RunID = string(v)
		case snapEpoch:
			s.Epoch = decodeInt(x)
		case snapArchitecture:
			s.Architecture = string(v)
		case snapInputDim:
			s.InputDim = decodeInt(x)
		case snapCodeDim:
			s.CodeDim = decodeInt(x)
		case snapParam, snapBuffer:
			var t model.Tensor
			if t, err = unmarshalTensor(v); err == nil {
				if num == snapParam {
					s.Params = append(s.Params, t)
				} else {
					s.Buffers = append(s.Buffers, t)
				}
			}
		case snapGenerator:
			s.Generator, err = unmarshalOptimizer(v)
		case snapCritic:
			s.Critic, err = unmarshalOptimizer(v)
		}
		return err
	})
	if err != nil {
		return model.Snapshot{}, err
	}
	if err := checkVersion(s.VersionedRecord); err != nil {
		return model.Snapshot{}, err
	}
	return s, nil
}

func marshalTensor(t model.Tensor) []byte {
	var b []byte
	b = appendString(b, tensorName, t.Name)
	b = appendInt(b, tensorRows, t.Rows)
	b = appendInt(b, tensorCols, t.Cols)
	packed := make([]byte, 0, 8*len(t.Data))
	for _, v := range t.Data {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	return appendMessage(b, tensorData, packed)
}

func unmarshalTensor(b []byte) (model.Tensor, error) {
	var t model.Tensor
	err := consumeFields(b, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
		switch num {
		case tensorName:
			t.Name = string(v)
		case tensorRows:
			t.Rows = decodeInt(x)
		case tensorCols:
			t.Cols = decodeInt(x)
		case tensorData:
			if len(v)%8 != 0 {
				return fmt.Errorf("%w: tensor data length %d", errMalformed, len(v))
			}
			t.Data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed64(v)
				if n < 0 {
					return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
				}
				t.Data = append(t.Data, math.Float64frombits(bits))
				v = v[n:]
			}
		}
		return nil
	})
	return t, err
}

func marshalOptimizer(o model.OptimizerState) []byte {
	var b []byte
	b = appendString(b, optType, o.Type)
	b = appendInt(b, optStep, o.Step)
	b = appendFloat(b, optLR, o.LR)
	b = appendFloat(b, optBeta1, o.Beta1)
	b = appendFloat(b, optBeta2, o.Beta2)
	b = appendFloat(b, optEpsilon, o.Epsilon)
	for _, t := range o.Momentum {
		b = appendMessage(b, optMomentum, marshalTensor(t))
	}
	for _, t := range o.Variance {
		b = appendMessage(b, optVariance, marshalTensor(t))
	}
	return b
}

func unmarshalOptimizer(b []byte) (model.OptimizerState, error) {
	var o model.OptimizerState
	err := consumeFields(b, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
		switch num {
		case optType:
			o.Type = string(v)
		case optStep:
			o.Step = decodeInt(x)
		case optLR:
			o.LR = math.Float64frombits(x)
		case optBeta1:
			o.Beta1 = math.Float64frombits(x)
		case optBeta2:
			o.Beta2 = math.Float64frombits(x)
		case optEpsilon:
			o.Epsilon = math.Float64frombits(x)
		case optMomentum, optVariance:
			t, err := unmarshalTensor(v)
			if err != nil {
				return err
			}
			if num == optMomentum {
				o.Momentum = append(o.Momentum, t)
			} else {
				o.Variance = append(o.Variance, t)
			}
		}
		return nil
	})
	return o, err
}

// consumeFields walks a message. Varint and fixed64 payloads arrive in x,
// length-delimited payloads in v. Unknown fields are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

func appendInt(b []byte, num protowire.Number, v int) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func decodeInt(x uint64) int {
	return int(protowire.DecodeZigZag(x))
}

func appendFloat(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
