package calib

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"latentcal/internal/arch"
	"latentcal/internal/autodiff"
	"latentcal/internal/dataset"
)

// Split is the inference output for one data split. All matrices are in the
// normalized scale.
type Split struct {
	Name   string
	Source *mat.Dense
	Target *mat.Dense
	// SourceCalibrated is the source decoded by the target decoder.
	SourceCalibrated    *mat.Dense
	SourceReconstructed *mat.Dense
	TargetReconstructed *mat.Dense
	SourceCode          *mat.Dense
	TargetCode          *mat.Dense
}

// Calibration holds the train split and, when the source has test data, the
// test split.
type Calibration struct {
	Train Split
	Test  *Split
}

// Calibrate runs every split through the models in inference mode: codes are
// the encoder means and batch norm uses its running statistics.
func Calibrate(models *arch.Models, data dataset.Source) (Calibration, error) {
	if err := models.CheckDataDim(data.Features()); err != nil {
		return Calibration{}, err
	}
	train, err := calibrateSplit(models, "train", data.SourceTrain, data.TargetTrain)
	if err != nil {
		return Calibration{}, err
	}
	out := Calibration{Train: train}
	if data.HasTest() {
		test, err := calibrateSplit(models, "test", data.SourceTest, data.TargetTest)
		if err != nil {
			return Calibration{}, err
		}
		out.Test = &test
	}
	return out, nil
}

func calibrateSplit(models *arch.Models, name string, source, target *mat.Dense) (Split, error) {
	targetCode, targetRec, err := encodeDecode(models, target, models.DecoderA)
	if err != nil {
		return Split{}, fmt.Errorf("%s target: %w", name, err)
	}
	sourceCode, sourceCal, err := encodeDecode(models, source, models.DecoderA)
	if err != nil {
		return Split{}, fmt.Errorf("%s source: %w", name, err)
	}
	rec, err := models.DecoderB.Decode(autodiff.Constant(sourceCode), false)
	if err != nil {
		return Split{}, fmt.Errorf("%s source: %w", name, err)
	}
	return Split{
		Name:                name,
		Source:              mat.DenseCopyOf(source),
		Target:              mat.DenseCopyOf(target),
		SourceCalibrated:    sourceCal,
		SourceReconstructed: rec.Value(),
		TargetReconstructed: targetRec,
		SourceCode:          sourceCode,
		TargetCode:          targetCode,
	}, nil
}

func encodeDecode(models *arch.Models, x *mat.Dense, dec *arch.Decoder) (*mat.Dense, *mat.Dense, error) {
	g, err := models.Encoder.Encode(autodiff.Constant(x), false)
	if err != nil {
		return nil, nil, err
	}
	code := Sample(g, false, nil)
	rec, err := dec.Decode(code, false)
	if err != nil {
		return nil, nil, err
	}
	return code.Value(), rec.Value(), nil
}
