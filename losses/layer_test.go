package losses

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestLayer(t *testing.T) {
	layer, err := NewLayer(Config{HasIgnoreLabel: true, IgnoreLabel: 2})
	require.NoError(t, err)
	require.Equal(t, "MultinomialLogisticLossMask", layer.Type())

	probs, labels, mask := batchInputs[float32]()
	_, err = layer.Forward(probs, labels, mask)
	require.ErrorIs(t, err, ErrNotReshaped)

	lossShape, err := layer.Reshape(probs.Shape(), labels.Shape(), mask.Shape())
	require.NoError(t, err)
	require.Equal(t, shapes.Make(dtypes.Float32), lossShape)

	loss, err := layer.Forward(probs, labels, mask)
	require.NoError(t, err)
	require.Equal(t, dtypes.Float32, loss.DType())
	require.InDelta(t, 2.337705264879988, float64(loss.Value().(float32)), 1e-5)

	// Labels can't be differentiated.
	_, _, err = layer.Backward(1, [3]bool{true, true, true}, probs, labels, mask)
	require.ErrorIs(t, err, ErrLabelGradient)

	probsGrad, maskGrad, err := layer.Backward(2, [3]bool{true, false, true}, probs, labels, mask)
	require.NoError(t, err)
	wantProbsGrad, wantMaskGrad, err := MaskedLogLossGradient(probs, labels, mask, 2).IgnoreLabel(2).Done()
	require.NoError(t, err)
	require.Equal(t, flatCopy[float32](wantProbsGrad), flatCopy[float32](probsGrad))
	require.Equal(t, flatCopy[float32](wantMaskGrad), flatCopy[float32](maskGrad))

	// Nothing requested: both gradients zero.
	probsGrad, maskGrad, err = layer.Backward(2, [3]bool{}, probs, labels, mask)
	require.NoError(t, err)
	require.Equal(t, make([]float32, 12), flatCopy[float32](probsGrad))
	require.Equal(t, make([]float32, 4), flatCopy[float32](maskGrad))

	// Inputs must match the negotiated shapes.
	probs64, labels64, mask64 := batchInputs[float64]()
	_, err = layer.Forward(probs64, labels64, mask64)
	require.ErrorIs(t, err, ErrShapeMismatch)

	// Out-of-range labels are reported by Forward and Backward.
	badLabels := tensors.FromFlatDataAndDimensions([]float32{0, 2, 3, 0}, 2, 1, 1, 2)
	_, err = layer.Forward(probs, badLabels, mask)
	require.ErrorIs(t, err, ErrLabelOutOfRange)
	_, _, err = layer.Backward(1, [3]bool{true, false, true}, probs, badLabels, mask)
	require.ErrorIs(t, err, ErrLabelOutOfRange)
}

func TestLayerReshapeErrors(t *testing.T) {
	layer, err := NewLayer(Config{})
	require.NoError(t, err)
	probs := shapes.Make(dtypes.Float64, 2, 3, 4, 5)
	_, err = layer.Reshape(probs, shapes.Make(dtypes.Float64, 2, 1, 4, 5), shapes.Make(dtypes.Float64, 2, 1, 4, 5))
	require.NoError(t, err)
	_, err = layer.Reshape(probs, shapes.Make(dtypes.Float64, 2, 1, 5, 4), shapes.Make(dtypes.Float64, 2, 1, 4, 5))
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = layer.Reshape(probs, shapes.Make(dtypes.Float64, 3, 1, 4, 5), shapes.Make(dtypes.Float64, 2, 1, 4, 5))
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = layer.Reshape(probs, shapes.Make(dtypes.Float64, 2, 1, 4, 5), shapes.Make(dtypes.Float64, 2, 2, 4, 5))
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = layer.Reshape(probs, shapes.Make(dtypes.Bool, 2, 1, 4, 5), shapes.Make(dtypes.Float64, 2, 1, 4, 5))
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = layer.Reshape(shapes.Make(dtypes.Float64, 2), shapes.Make(dtypes.Float64, 2), shapes.Make(dtypes.Float64, 2))
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewLayer(Config{HasIgnoreLabel: true, IgnoreLabel: -1})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	require.Equal(t, Config{}, cfg)

	ctx.SetParam(ParamHasIgnoreLabel, true)
	ctx.SetParam(ParamIgnoreLabel, 255)
	layer, err := NewLayerFromContext(ctx)
	require.NoError(t, err)
	require.Equal(t, Config{HasIgnoreLabel: true, IgnoreLabel: 255}, layer.Config())

	ctx.SetParam(ParamIgnoreLabel, 0)
	_, err = ConfigFromContext(ctx)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewLayerFromContext(ctx)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
