// Package arch builds the encoder, the two domain decoders and the critic
// from one of the enumerated architecture families.
package arch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrDimension     = errors.New("dimension error")
)

type Kind int

const (
	KindBasic Kind = iota + 1
	KindResidual
	KindAttention
)

func (k Kind) String() string {
	switch k {
	case KindBasic:
		return "basic"
	case KindResidual:
		return "residual"
	case KindAttention:
		return "attention"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the canonical names and the model names used by the
// original calibration scripts.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "basic", "mlp", "cytof_basic":
		return KindBasic, nil
	case "residual", "resnet", "cytof_resnet":
		return KindResidual, nil
	case "attention", "transformer", "cytof_transformer":
		return KindAttention, nil
	default:
		return 0, fmt.Errorf("%w: unknown architecture %q (want basic|residual|attention)", ErrConfiguration, name)
	}
}

func Kinds() []Kind {
	return []Kind{KindBasic, KindResidual, KindAttention}
}

type BasicSpec struct {
	HiddenDim int `json:"hidden_dim"`
}

type ResidualSpec struct {
	Blocks         int     `json:"n_blocks"`
	BlockDim       int     `json:"block_dim"`
	BatchNormDecay float64 `json:"batch_norm_decay"`
}

type AttentionSpec struct {
	Blocks      int     `json:"n_blocks"`
	Units       int     `json:"num_units"`
	Heads       int     `json:"num_heads"`
	DropoutRate float64 `json:"dropout_rate"`
	// EncoderFeedForward adds the position-wise feed-forward block to the
	// encoder as well. Decoders and the critic always carry it.
	EncoderFeedForward bool `json:"encoder_feed_forward"`
}

// Spec selects one architecture family and carries its hyperparameters. Only
// the struct matching Kind is read.
type Spec struct {
	Kind      Kind          `json:"-"`
	Basic     BasicSpec     `json:"basic"`
	Residual  ResidualSpec  `json:"residual"`
	Attention AttentionSpec `json:"attention"`
}

var (
	defaultBasic     = BasicSpec{HiddenDim: 20}
	defaultResidual  = ResidualSpec{Blocks: 3, BlockDim: 20, BatchNormDecay: 0.999}
	defaultAttention = AttentionSpec{Blocks: 3, Units: 10, Heads: 8}
)

func DefaultSpec(kind Kind) Spec {
	spec := Spec{Kind: kind}
	switch kind {
	case KindBasic:
		spec.Basic = defaultBasic
	case KindResidual:
		spec.Residual = defaultResidual
	case KindAttention:
		spec.Attention = defaultAttention
	}
	return spec
}

// DefaultFamilies is DefaultSpec with every family filled in, so a partial
// override stays valid when Kind changes afterwards.
func DefaultFamilies(kind Kind) Spec {
	return Spec{Kind: kind, Basic: defaultBasic, Residual: defaultResidual, Attention: defaultAttention}
}

func (s Spec) Validate() error {
	switch s.Kind {
	case KindBasic:
		if s.Basic.HiddenDim <= 0 {
			return fmt.Errorf("%w: basic hidden_dim must be > 0", ErrConfiguration)
		}
	case KindResidual:
		if s.Residual.Blocks < 0 {
			return fmt.Errorf("%w: residual n_blocks must be >= 0", ErrConfiguration)
		}
		if s.Residual.BlockDim <= 0 {
			return fmt.Errorf("%w: residual block_dim must be > 0", ErrConfiguration)
		}
		if s.Residual.BatchNormDecay <= 0 || s.Residual.BatchNormDecay >= 1 {
			return fmt.Errorf("%w: residual batch_norm_decay must be in (0,1)", ErrConfiguration)
		}
	case KindAttention:
		if s.Attention.Blocks < 0 {
			return fmt.Errorf("%w: attention n_blocks must be >= 0", ErrConfiguration)
		}
		if s.Attention.Units <= 0 || s.Attention.Heads <= 0 {
			return fmt.Errorf("%w: attention num_units and num_heads must be > 0", ErrConfiguration)
		}
		if s.Attention.DropoutRate < 0 || s.Attention.DropoutRate >= 1 {
			return fmt.Errorf("%w: attention dropout_rate must be in [0,1)", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: architecture kind %s is not enumerated", ErrConfiguration, s.Kind)
	}
	return nil
}
