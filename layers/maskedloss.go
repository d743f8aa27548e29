// Package layers implements the masked multinomial logistic loss as a GoMLX graph function.
//
// The CPU version, with the exact backward pass used by the original layers, is in package losses.
package layers

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/maskedloss/losses"
)

// LossFn has the signature of the GoMLX train.LossFn, so the losses here can be given to a trainer.
type LossFn func(labels, predictions []*Node) (loss *Node)

// MaskedMultinomialLogisticLoss returns the mean masked negative log-likelihood, without an ignore label.
//
// Args:
//   - labels: labels[0] holds the class indices, shaped [N, 1, spatial...], of any integer or float dtype
//     (float values are rounded). labels[1] holds the soft mask, shaped [N, 1, spatial...] with the same dtype
//     as the probabilities.
//   - predictions: predictions[0] holds the probabilities shaped [N, C, spatial...], of some float dtype.
//
// For each position with label l, the effective probability is P[l]*mask if l != 0, or P[0]*(1-mask) if
// l == 0. It is clamped to losses.LogFloor before taking the log. For dtypes where losses.LogFloor rounds
// to 0 (e.g. Float16), the smallest non-zero value of the dtype is used instead.
//
// Labels can't be checked when the graph is built: positions whose label (not ignored) is outside [0, C),
// or is NaN, make the loss NaN, so they are not mistaken for a very poor prediction.
//
// Gradients are computed by automatic differentiation, and they match losses.MaskedLogLossGradient
// wherever the effective probability and the mask are above losses.LogFloor.
//
// It returns a scalar with the dtype of the probabilities.
func MaskedMultinomialLogisticLoss(labels, predictions []*Node) *Node {
	return maskedLossFromSlices(labels, predictions, losses.Config{})
}

// MakeMaskedMultinomialLogisticLoss returns a MaskedMultinomialLogisticLoss configured with cfg. Positions
// with the ignore label (if set) don't contribute to the loss nor to the count of positions in the mean.
//
// It panics if cfg is invalid.
func MakeMaskedMultinomialLogisticLoss(cfg losses.Config) LossFn {
	if err := cfg.Validate(); err != nil {
		exceptions.Panicf("MakeMaskedMultinomialLogisticLoss: %v", err)
	}
	return func(labels, predictions []*Node) *Node {
		return maskedLossFromSlices(labels, predictions, cfg)
	}
}

// MaskedMultinomialLogisticLossFromContext calls MakeMaskedMultinomialLogisticLoss with the configuration
// given by the hyperparameters losses.ParamHasIgnoreLabel and losses.ParamIgnoreLabel.
func MaskedMultinomialLogisticLossFromContext(ctx *context.Context) LossFn {
	cfg, err := losses.ConfigFromContext(ctx)
	if err != nil {
		exceptions.Panicf("MaskedMultinomialLogisticLossFromContext: %v", err)
	}
	return MakeMaskedMultinomialLogisticLoss(cfg)
}

func maskedLossFromSlices(labels, predictions []*Node, cfg losses.Config) *Node {
	if len(labels) != 2 {
		exceptions.Panicf("masked multinomial logistic loss requires labels = [classes, mask], got %d labels", len(labels))
	}
	if len(predictions) != 1 {
		exceptions.Panicf("masked multinomial logistic loss requires predictions = [probabilities], got %d predictions", len(predictions))
	}
	return MaskedLogLoss(predictions[0], labels[0], labels[1], cfg)
}

// MaskedLogLoss builds the masked multinomial logistic loss for the given probabilities, labels and mask.
// See MaskedMultinomialLogisticLoss for details.
func MaskedLogLoss(probs, labels, mask *Node, cfg losses.Config) *Node {
	if !probs.DType().IsFloat() {
		exceptions.Panicf("invalid probabilities dtype %s, it must be float", probs.DType())
	}
	if probs.Rank() < 2 {
		exceptions.Panicf("probabilities must be shaped [N, C, spatial...], got shape %s", probs.Shape())
	}
	dims := probs.Shape().Dimensions
	singleChannel := slices.Clone(dims)
	singleChannel[1] = 1
	if !labels.DType().IsInt() && !labels.DType().IsFloat() {
		exceptions.Panicf("invalid labels dtype %s, it must be an int or float", labels.DType())
	}
	if err := labels.Shape().CheckDims(singleChannel...); err != nil {
		exceptions.Panicf("labels must be shaped %v, got shape %s", singleChannel, labels.Shape())
	}
	if mask.DType() != probs.DType() {
		exceptions.Panicf("mask dtype %s must match probabilities dtype %s", mask.DType(), probs.DType())
	}
	if err := mask.Shape().CheckDims(singleChannel...); err != nil {
		exceptions.Panicf("mask must be shaped %v, got shape %s", singleChannel, mask.Shape())
	}

	g := probs.Graph()
	dtype := probs.DType()
	var validLabel *Node
	if labels.DType().IsFloat() {
		validLabel = Equal(labels, labels) // False for NaN.
		labels = Round(labels)
	}
	labels = ConvertDType(labels, dtypes.Int32)

	// Probability of the labeled class, classes along axis 1.
	classes := Iota(g, shapes.Make(dtypes.Int32, dims...), 1)
	isLabel := Equal(classes, BroadcastToDims(labels, dims...))
	labelProbs := InsertAxes(ReduceSum(Where(isLabel, probs, ZerosLike(probs)), 1), 1)

	// Foreground is weighted by the mask, background (label 0) by its complement.
	isBackground := Equal(labels, ScalarZero(g, dtypes.Int32))
	weights := Where(isBackground, OneMinus(mask), mask)
	effective := Max(Mul(labelProbs, weights), logFloor(g, dtype))
	nll := Neg(Log(effective))

	// Labels outside [0, C) match no class.
	nan := Scalar(g, dtype, math.NaN())
	matches := InsertAxes(ReduceSum(ConvertDType(isLabel, dtype), 1), 1)
	nll = Where(GreaterThan(matches, ScalarZero(g, dtype)), nll, nan)

	if !cfg.HasIgnoreLabel {
		if validLabel != nil {
			nll = Where(validLabel, nll, nan)
		}
		return ReduceAllMean(nll)
	}
	// Ignored labels may be outside [0, C), the NaN is dropped with them.
	counted := NotEqual(labels, Scalar(g, dtypes.Int32, float64(cfg.IgnoreLabel)))
	nll = Where(counted, nll, ZerosLike(nll))
	if validLabel != nil {
		nll = Where(validLabel, nll, nan)
	}
	count := ReduceAllSum(ConvertDType(counted, dtype))
	count = Max(count, ScalarOne(g, dtype)) // Avoid division by 0 if all positions are ignored.
	return Div(ReduceAllSum(nll), count)
}

// logFloor returns losses.LogFloor as a scalar of the given dtype, or the smallest non-zero value of dtype
// if losses.LogFloor is not representable in it.
func logFloor(g *Graph, dtype dtypes.DType) *Node {
	switch dtype {
	case dtypes.Float32, dtypes.Float64:
		return Scalar(g, dtype, losses.LogFloor)
	default:
		return Const(g, dtype.SmallestNonZeroValueForDType())
	}
}
