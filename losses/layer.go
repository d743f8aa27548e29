package losses

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LayerType is the name under which the loss layer is known by hosts.
const LayerType = "MultinomialLogisticLossMask"

// Layer adapts the masked multinomial logistic loss to a host execution framework that sets up a layer
// once, negotiates the shapes of its inputs once, and then repeatedly calls Forward and Backward.
//
// The inputs are, in order: probabilities, labels and mask. See MaskedLogLoss for their shapes.
//
// A Layer is not safe for concurrent use while Reshape is being called.
type Layer struct {
	cfg      Config
	parallel bool

	reshaped                           bool
	layout                             layout
	probsShape, labelsShape, maskShape shapes.Shape
}

// NewLayer sets up a layer with the given configuration.
func NewLayer(cfg Config) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("%s layer: has_ignore_label=%v, ignore_label=%d", LayerType, cfg.HasIgnoreLabel, cfg.IgnoreLabel)
	return &Layer{cfg: cfg, parallel: true}, nil
}

// NewLayerFromContext sets up a layer configured by the hyperparameters ParamHasIgnoreLabel and ParamIgnoreLabel.
func NewLayerFromContext(ctx *context.Context) (*Layer, error) {
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return NewLayer(cfg)
}

// Type returns LayerType.
func (layer *Layer) Type() string { return LayerType }

// Config returns the layer configuration.
func (layer *Layer) Config() Config { return layer.cfg }

// SetParallel sets whether samples are processed concurrently. Default is true.
func (layer *Layer) SetParallel(parallel bool) { layer.parallel = parallel }

// Reshape negotiates the shapes of the inputs, and returns the shape of the loss output: a scalar with the
// dtype of the probabilities.
//
// It must be called before Forward and Backward, which then only accept inputs with these exact shapes.
func (layer *Layer) Reshape(probs, labels, mask shapes.Shape) (shapes.Shape, error) {
	l, err := negotiateShapes(probs, labels, mask)
	if err != nil {
		return shapes.Shape{}, err
	}
	layer.layout = l
	layer.probsShape, layer.labelsShape, layer.maskShape = probs, labels, mask
	layer.reshaped = true
	klog.V(1).Infof("%s layer: reshaped to probabilities=%s, labels=%s, mask=%s (outer=%d, inner=%d)",
		LayerType, probs, labels, mask, l.numSamples, l.innerSize)
	return shapes.Make(probs.DType), nil
}

// checkInputs verifies the tensors match the negotiated shapes.
func (layer *Layer) checkInputs(probs, labels, mask *tensors.Tensor) error {
	if !layer.reshaped {
		return errors.WithStack(ErrNotReshaped)
	}
	if !probs.Shape().Equal(layer.probsShape) || !labels.Shape().Equal(layer.labelsShape) || !mask.Shape().Equal(layer.maskShape) {
		return errors.Wrapf(ErrShapeMismatch, "inputs shaped probabilities=%s, labels=%s, mask=%s, but layer was reshaped to %s, %s, %s",
			probs.Shape(), labels.Shape(), mask.Shape(), layer.probsShape, layer.labelsShape, layer.maskShape)
	}
	return nil
}

// Forward returns the loss as a scalar tensor with the dtype of probs.
func (layer *Layer) Forward(probs, labels, mask *tensors.Tensor) (*tensors.Tensor, error) {
	if err := layer.checkInputs(probs, labels, mask); err != nil {
		return nil, err
	}
	loss, err := forward(layer.layout, layer.cfg, layer.parallel, probs, labels, mask)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s forward", LayerType)
	}
	if probs.DType() == dtypes.Float32 {
		return tensors.FromValue(float32(loss)), nil
	}
	return tensors.FromValue(loss), nil
}

// Backward returns the gradients with respect to probs and mask, given the upstream gradient of the loss.
//
// propagateDown selects, for each input (probabilities, labels, mask), whether its gradient is requested.
// Requesting the labels gradient is an error (ErrLabelGradient), reported before anything is computed.
// Gradients not requested are returned filled with zeros.
//
// See MaskedLogLossGradient for the gradient formulas.
func (layer *Layer) Backward(lossGrad float64, propagateDown [3]bool, probs, labels, mask *tensors.Tensor) (probsGrad, maskGrad *tensors.Tensor, err error) {
	if propagateDown[1] {
		return nil, nil, errors.Wrapf(ErrLabelGradient, "%s layer", LayerType)
	}
	if err = layer.checkInputs(probs, labels, mask); err != nil {
		return nil, nil, err
	}
	probsGrad = tensors.FromShape(layer.probsShape)
	maskGrad = tensors.FromShape(layer.maskShape)
	err = backward(layer.layout, layer.cfg, layer.parallel, lossGrad, propagateDown[0], propagateDown[2],
		probs, labels, mask, probsGrad, maskGrad)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "%s backward", LayerType)
	}
	return probsGrad, maskGrad, nil
}
