package losses

import (
	"slices"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// layout of the probabilities tensor [numSamples, numClasses, spatial...], with the spatial axes
// flattened into innerSize.
// Labels and mask are laid out as [numSamples, 1, spatial...].
type layout struct {
	numSamples, numClasses, innerSize int
}

// probIndex returns the flat index of probabilities[sample, class, position].
func (l layout) probIndex(sample, class, position int) int {
	return (sample*l.numClasses+class)*l.innerSize + position
}

// positionIndex returns the flat index of labels[sample, 0, position] and mask[sample, 0, position].
func (l layout) positionIndex(sample, position int) int {
	return sample*l.innerSize + position
}

// negotiateShapes validates the shapes of the three inputs and returns the layout used to index them.
//
// probabilities must be shaped [N, C, spatial...] of dtype Float32 or Float64. labels and mask must be
// shaped [N, 1, spatial...], mask with the same dtype as probabilities, labels either with a float or an
// integer (Int32/Int64) dtype.
func negotiateShapes(probs, labels, mask shapes.Shape) (layout, error) {
	if probs.DType != dtypes.Float32 && probs.DType != dtypes.Float64 {
		return layout{}, errors.Wrapf(ErrShapeMismatch, "probabilities dtype must be Float32 or Float64, got %s", probs.DType)
	}
	rank := probs.Rank()
	if rank < 2 {
		return layout{}, errors.Wrapf(ErrShapeMismatch, "probabilities must be shaped [N, C, spatial...], got %s", probs)
	}
	if mask.DType != probs.DType {
		return layout{}, errors.Wrapf(ErrShapeMismatch, "mask dtype (%s) must match probabilities dtype (%s)", mask.DType, probs.DType)
	}
	switch labels.DType {
	case dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64:
	default:
		return layout{}, errors.Wrapf(ErrShapeMismatch, "labels dtype must be Float32, Float64, Int32 or Int64, got %s", labels.DType)
	}
	if err := checkSingleChannel("labels", labels, probs); err != nil {
		return layout{}, err
	}
	if err := checkSingleChannel("mask", mask, probs); err != nil {
		return layout{}, err
	}

	l := layout{
		numSamples: probs.Dimensions[0],
		numClasses: probs.Dimensions[1],
		innerSize:  1,
	}
	for _, dim := range probs.Dimensions[2:] {
		l.innerSize *= dim
	}
	if l.numClasses <= 0 {
		return layout{}, errors.Wrapf(ErrShapeMismatch, "probabilities must have at least one class, got %s", probs)
	}
	return l, nil
}

// checkSingleChannel checks that x is shaped [N, 1, spatial...] matching probs [N, C, spatial...].
func checkSingleChannel(name string, x, probs shapes.Shape) error {
	if x.Rank() != probs.Rank() {
		return errors.Wrapf(ErrShapeMismatch, "%s (%s) must have the same rank as probabilities (%s)", name, x, probs)
	}
	if x.Dimensions[0] != probs.Dimensions[0] {
		return errors.Wrapf(ErrShapeMismatch, "%s (%s) and probabilities (%s) must have the same number of samples", name, x, probs)
	}
	if x.Dimensions[1] != 1 {
		return errors.Wrapf(ErrShapeMismatch, "%s (%s) must have a single channel (axis 1)", name, x)
	}
	if !slices.Equal(x.Dimensions[2:], probs.Dimensions[2:]) {
		return errors.Wrapf(ErrShapeMismatch, "%s (%s) and probabilities (%s) spatial dimensions must match", name, x, probs)
	}
	return nil
}
