// Package losses implements the masked multinomial logistic loss, and its gradients, on CPU.
//
// The loss takes per-class probabilities shaped [N, C, spatial...], integer class labels shaped
// [N, 1, spatial...] and a soft mask shaped [N, 1, spatial...]. The mask weights the probability of the
// labeled class: for foreground labels (label != 0) the effective probability is P*M, for the background
// (label == 0) it is P*(1-M). The loss is the mean negative log of the effective probabilities over all
// positions not marked with the ignore label.
//
// No graphs or backends are used, the computation runs directly over the tensors' local data.
// See package layers for the equivalent graph loss.
package losses

import (
	"math"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LogFloor is the smallest value fed to a logarithm or to a reciprocal, in both the forward and backward passes.
const LogFloor = 1e-20

// MaskedLogLossConfig is created with MaskedLogLoss and once configured, can be executed with Done.
type MaskedLogLossConfig struct {
	probs, labels, mask *tensors.Tensor
	cfg                 Config
	parallel            bool
}

// MaskedLogLoss returns the mean masked negative log-likelihood of the labels.
//
// Args:
//   - probs: probabilities shaped [N, C, spatial...], Float32 or Float64.
//   - labels: class indices shaped [N, 1, spatial...]. Either a float dtype (values are rounded) or Int32/Int64.
//   - mask: soft mask shaped [N, 1, spatial...], same dtype as probs. Usually in [0, 1].
//
// It returns a configuration that can be optionally configured. Call MaskedLogLossConfig.Done to perform
// the operation. The inputs are not modified.
func MaskedLogLoss(probs, labels, mask *tensors.Tensor) *MaskedLogLossConfig {
	return &MaskedLogLossConfig{
		probs:    probs,
		labels:   labels,
		mask:     mask,
		parallel: true,
	}
}

// WithConfig sets the loss configuration, replacing any previous IgnoreLabel.
func (c *MaskedLogLossConfig) WithConfig(cfg Config) *MaskedLogLossConfig {
	c.cfg = cfg
	return c
}

// IgnoreLabel excludes positions with the given label from the loss. It must be > 0.
func (c *MaskedLogLossConfig) IgnoreLabel(label int) *MaskedLogLossConfig {
	c.cfg.HasIgnoreLabel = true
	c.cfg.IgnoreLabel = label
	return c
}

// Parallel sets whether samples are processed concurrently. Default is true.
// The result is the same either way.
func (c *MaskedLogLossConfig) Parallel(parallel bool) *MaskedLogLossConfig {
	c.parallel = parallel
	return c
}

// Done computes the loss as configured.
//
// If every position is ignored, the loss is 0.
// It returns an error if the configuration or the shapes are invalid, or if a label (not ignored) is not
// a valid class index.
func (c *MaskedLogLossConfig) Done() (float64, error) {
	if err := c.cfg.Validate(); err != nil {
		return 0, err
	}
	l, err := negotiateShapes(c.probs.Shape(), c.labels.Shape(), c.mask.Shape())
	if err != nil {
		return 0, err
	}
	return forward(l, c.cfg, c.parallel, c.probs, c.labels, c.mask)
}

// forward computes the loss for inputs already validated against the layout l.
func forward(l layout, cfg Config, parallel bool, probs, labels, mask *tensors.Tensor) (loss float64, err error) {
	labelValues, err := decodeLabels(labels)
	if err != nil {
		return 0, err
	}
	var total partial
	switch probs.DType() {
	case dtypes.Float32:
		tensors.ConstFlatData[float32](probs, func(flatProbs []float32) {
			tensors.ConstFlatData[float32](mask, func(flatMask []float32) {
				total, err = forwardImpl(l, cfg, parallel, flatProbs, flatMask, labelValues)
			})
		})
	case dtypes.Float64:
		tensors.ConstFlatData[float64](probs, func(flatProbs []float64) {
			tensors.ConstFlatData[float64](mask, func(flatMask []float64) {
				total, err = forwardImpl(l, cfg, parallel, flatProbs, flatMask, labelValues)
			})
		})
	default:
		return 0, errors.Errorf("unsupported probabilities dtype %s", probs.DType())
	}
	if err != nil {
		return 0, err
	}
	loss = total.loss / total.normalizer()
	if klog.V(2).Enabled() {
		klog.Infof("MaskedLogLoss: %d of %d positions counted, loss=%g", total.count, l.numSamples*l.innerSize, loss)
	}
	return loss, nil
}

func forwardImpl[T Float](l layout, cfg Config, parallel bool, probs, mask []T, labels []int) (partial, error) {
	return foldSamples(l.numSamples, parallel, func(sample int) (partial, error) {
		var p partial
		for position := range l.innerSize {
			posIdx := l.positionIndex(sample, position)
			label := labels[posIdx]
			counted, err := classify(label, l.numClasses, cfg)
			if err != nil {
				return partial{}, errors.WithMessagef(err, "sample %d, position %d", sample, position)
			}
			if !counted {
				continue
			}
			p.loss -= math.Log(effectiveProbability(float64(probs[l.probIndex(sample, label, position)]), float64(mask[posIdx]), label))
			p.count++
		}
		return p, nil
	})
}

// effectiveProbability weights the probability of the labeled class by the mask (foreground) or by its
// complement (background, label 0), clamped to LogFloor.
func effectiveProbability(prob, mask float64, label int) float64 {
	if label == 0 {
		mask = 1 - mask
	}
	return max(prob*mask, LogFloor)
}
