package losses

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaskedLogLossGradientConfig is created with MaskedLogLossGradient and once configured, can be executed
// with Done.
type MaskedLogLossGradientConfig struct {
	probs, labels, mask *tensors.Tensor
	lossGrad            float64
	cfg                 Config

	propagateProbs, propagateLabels, propagateMask bool

	probsGrad, maskGrad *tensors.Tensor
	parallel            bool
}

// MaskedLogLossGradient returns the gradients of MaskedLogLoss with respect to the probabilities and
// the mask, given the upstream gradient lossGrad of the loss.
//
// For every position not ignored, with label l:
//
//	probsGrad[i, l, j] = -lossGrad / count / max(probs[i, l, j], LogFloor)
//	maskGrad[i, 0, j]  = -lossGrad / count / m          if l != 0
//	maskGrad[i, 0, j]  = -lossGrad / count / (m - 1)    if l == 0
//
// where m = max(mask[i, 0, j], LogFloor). Everything else is 0.
//
// Notice that probsGrad uses the raw probability, not the masked one used in the forward pass. This is the
// gradient of the unmasked multinomial logistic loss, and it matches the derivative of the masked loss only
// while the effective probability stays above LogFloor. It is kept this way for compatibility with models
// trained with it.
//
// By default gradients for both probs and mask are computed, see PropagateDown.
// Call MaskedLogLossGradientConfig.Done to perform the operation.
func MaskedLogLossGradient(probs, labels, mask *tensors.Tensor, lossGrad float64) *MaskedLogLossGradientConfig {
	return &MaskedLogLossGradientConfig{
		probs:          probs,
		labels:         labels,
		mask:           mask,
		lossGrad:       lossGrad,
		propagateProbs: true,
		propagateMask:  true,
		parallel:       true,
	}
}

// WithConfig sets the loss configuration, replacing any previous IgnoreLabel.
func (c *MaskedLogLossGradientConfig) WithConfig(cfg Config) *MaskedLogLossGradientConfig {
	c.cfg = cfg
	return c
}

// IgnoreLabel excludes positions with the given label from the gradients. It must be > 0.
func (c *MaskedLogLossGradientConfig) IgnoreLabel(label int) *MaskedLogLossGradientConfig {
	c.cfg.HasIgnoreLabel = true
	c.cfg.IgnoreLabel = label
	return c
}

// PropagateDown selects which gradients are computed. Gradients not requested are returned filled with zeros.
//
// Labels are not differentiable: setting labels to true makes Done fail with ErrLabelGradient.
func (c *MaskedLogLossGradientConfig) PropagateDown(probs, labels, mask bool) *MaskedLogLossGradientConfig {
	c.propagateProbs = probs
	c.propagateLabels = labels
	c.propagateMask = mask
	return c
}

// Into makes Done write the gradients into the given tensors, instead of allocating new ones.
// probsGrad must have the same shape as probs, and maskGrad the same shape as mask.
// Either can be nil, in which case it is allocated.
func (c *MaskedLogLossGradientConfig) Into(probsGrad, maskGrad *tensors.Tensor) *MaskedLogLossGradientConfig {
	c.probsGrad = probsGrad
	c.maskGrad = maskGrad
	return c
}

// Parallel sets whether samples are processed concurrently. Default is true.
func (c *MaskedLogLossGradientConfig) Parallel(parallel bool) *MaskedLogLossGradientConfig {
	c.parallel = parallel
	return c
}

// Done computes the gradients as configured.
//
// Both returned gradients are always fully written: zeros where the gradient is not requested and for
// ignored positions.
func (c *MaskedLogLossGradientConfig) Done() (probsGrad, maskGrad *tensors.Tensor, err error) {
	if c.propagateLabels {
		return nil, nil, errors.WithStack(ErrLabelGradient)
	}
	if err = c.cfg.Validate(); err != nil {
		return nil, nil, err
	}
	l, err := negotiateShapes(c.probs.Shape(), c.labels.Shape(), c.mask.Shape())
	if err != nil {
		return nil, nil, err
	}
	probsGrad, maskGrad = c.probsGrad, c.maskGrad
	if probsGrad == nil {
		probsGrad = tensors.FromShape(c.probs.Shape())
	}
	if maskGrad == nil {
		maskGrad = tensors.FromShape(c.mask.Shape())
	}
	err = backward(l, c.cfg, c.parallel, c.lossGrad, c.propagateProbs, c.propagateMask,
		c.probs, c.labels, c.mask, probsGrad, maskGrad)
	if err != nil {
		return nil, nil, err
	}
	return probsGrad, maskGrad, nil
}

// backward writes the gradients into probsGrad and maskGrad, for inputs already validated against the layout l.
func backward(l layout, cfg Config, parallel bool, lossGrad float64, propagateProbs, propagateMask bool,
	probs, labels, mask, probsGrad, maskGrad *tensors.Tensor) error {
	if !probsGrad.Shape().Equal(probs.Shape()) {
		return errors.Wrapf(ErrShapeMismatch, "probabilities gradient (%s) must be shaped as probabilities (%s)",
			probsGrad.Shape(), probs.Shape())
	}
	if !maskGrad.Shape().Equal(mask.Shape()) {
		return errors.Wrapf(ErrShapeMismatch, "mask gradient (%s) must be shaped as mask (%s)",
			maskGrad.Shape(), mask.Shape())
	}

	// Labels are checked before any gradient is written.
	labelValues, err := decodeLabels(labels)
	if err != nil {
		return err
	}
	if _, err := checkLabels(l, cfg, parallel, labelValues); err != nil {
		return err
	}

	switch probs.DType() {
	case dtypes.Float32:
		return backwardTensors[float32](l, cfg, parallel, lossGrad, propagateProbs, propagateMask,
			probs, mask, labelValues, probsGrad, maskGrad)
	case dtypes.Float64:
		return backwardTensors[float64](l, cfg, parallel, lossGrad, propagateProbs, propagateMask,
			probs, mask, labelValues, probsGrad, maskGrad)
	default:
		return errors.Errorf("unsupported probabilities dtype %s", probs.DType())
	}
}

func backwardTensors[T Float](l layout, cfg Config, parallel bool, lossGrad float64, propagateProbs, propagateMask bool,
	probs, mask *tensors.Tensor, labels []int, probsGrad, maskGrad *tensors.Tensor) (err error) {
	tensors.ConstFlatData[T](probs, func(flatProbs []T) {
		tensors.ConstFlatData[T](mask, func(flatMask []T) {
			tensors.MutableFlatData[T](probsGrad, func(flatProbsGrad []T) {
				tensors.MutableFlatData[T](maskGrad, func(flatMaskGrad []T) {
					clear(flatProbsGrad)
					clear(flatMaskGrad)
					if propagateProbs {
						err = probsGradientImpl(l, cfg, parallel, lossGrad, flatProbs, labels, flatProbsGrad)
						if err != nil {
							return
						}
					}
					if propagateMask {
						err = maskGradientImpl(l, cfg, parallel, lossGrad, flatMask, labels, flatMaskGrad)
					}
				})
			})
		})
	})
	return
}

func probsGradientImpl[T Float](l layout, cfg Config, parallel bool, lossGrad float64, probs []T, labels []int, probsGrad []T) error {
	total, err := foldSamples(l.numSamples, parallel, func(sample int) (partial, error) {
		var p partial
		for position := range l.innerSize {
			label := labels[l.positionIndex(sample, position)]
			counted, err := classify(label, l.numClasses, cfg)
			if err != nil {
				return partial{}, errors.WithMessagef(err, "sample %d, position %d", sample, position)
			}
			if !counted {
				continue
			}
			idx := l.probIndex(sample, label, position)
			probsGrad[idx] = T(1 / max(float64(probs[idx]), LogFloor))
			p.count++
		}
		return p, nil
	})
	if err != nil {
		return err
	}
	scaleGradient(probsGrad, -lossGrad/total.normalizer())
	klog.V(2).Infof("MaskedLogLossGradient: probabilities gradient over %d positions", total.count)
	return nil
}

func maskGradientImpl[T Float](l layout, cfg Config, parallel bool, lossGrad float64, mask []T, labels []int, maskGrad []T) error {
	total, err := foldSamples(l.numSamples, parallel, func(sample int) (partial, error) {
		var p partial
		for position := range l.innerSize {
			idx := l.positionIndex(sample, position)
			label := labels[idx]
			counted, err := classify(label, l.numClasses, cfg)
			if err != nil {
				return partial{}, errors.WithMessagef(err, "sample %d, position %d", sample, position)
			}
			if !counted {
				continue
			}
			m := max(float64(mask[idx]), LogFloor)
			if label != 0 {
				maskGrad[idx] = T(1 / m)
			} else {
				maskGrad[idx] = T(1 / (m - 1))
			}
			p.count++
		}
		return p, nil
	})
	if err != nil {
		return err
	}
	scaleGradient(maskGrad, -lossGrad/total.normalizer())
	klog.V(2).Infof("MaskedLogLossGradient: mask gradient over %d positions", total.count)
	return nil
}

// scaleGradient multiplies every element of grad by scale.
func scaleGradient[T Float](grad []T, scale float64) {
	for ii, value := range grad {
		grad[ii] = T(float64(value) * scale)
	}
}
