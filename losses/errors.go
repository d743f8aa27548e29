package losses

import "github.com/pkg/errors"

var (
	// ErrLabelGradient is returned when a gradient is requested for the labels input: labels are not differentiable.
	ErrLabelGradient = errors.New("cannot backpropagate to label inputs")

	// ErrLabelOutOfRange is returned when a counted (not ignored) label is not in [0, numClasses).
	ErrLabelOutOfRange = errors.New("label out of range")

	// ErrInvalidConfig is returned for an invalid Config, e.g. a non-positive ignore label.
	ErrInvalidConfig = errors.New("invalid masked log loss configuration")

	// ErrShapeMismatch is returned when probabilities, labels and mask shapes are not compatible.
	ErrShapeMismatch = errors.New("incompatible shapes")

	// ErrNotReshaped is returned by Layer.Forward and Layer.Backward if Layer.Reshape was never called.
	ErrNotReshaped = errors.New("layer used before Reshape")
)
