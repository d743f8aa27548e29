package losses

import (
	"math"
	"runtime"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Float types supported by the CPU implementation.
type Float interface{ float32 | float64 }

// classify decides whether a position with the given label takes part in the loss (and its gradients).
//
// Ignored positions are not counted and their label is not range-checked, so an ignore label outside
// of [0, numClasses) is valid. Any other label must be in [0, numClasses), otherwise an error wrapping
// ErrLabelOutOfRange is returned.
func classify(label, numClasses int, cfg Config) (counted bool, err error) {
	if cfg.ignored(label) {
		return false, nil
	}
	if label < 0 || label >= numClasses {
		return false, errors.Wrapf(ErrLabelOutOfRange, "label %d not in [0, %d)", label, numClasses)
	}
	return true, nil
}

// decodeLabels converts the labels tensor to class indices. Float labels are rounded to the nearest integer.
//
// Float labels that can't be a class index (NaN, Inf or beyond the int32 range) return an error wrapping
// ErrLabelOutOfRange with the offending value.
func decodeLabels(labels *tensors.Tensor) (decoded []int, err error) {
	switch labels.DType() {
	case dtypes.Float32:
		tensors.ConstFlatData[float32](labels, func(flat []float32) { decoded, err = roundLabels(flat) })
	case dtypes.Float64:
		tensors.ConstFlatData[float64](labels, func(flat []float64) { decoded, err = roundLabels(flat) })
	case dtypes.Int32:
		tensors.ConstFlatData[int32](labels, func(flat []int32) { decoded = widenLabels(flat) })
	case dtypes.Int64:
		tensors.ConstFlatData[int64](labels, func(flat []int64) { decoded = widenLabels(flat) })
	}
	return
}

func roundLabels[T Float](flat []T) ([]int, error) {
	decoded := make([]int, len(flat))
	for ii, value := range flat {
		rounded := math.Round(float64(value))
		if math.IsNaN(rounded) || math.Abs(rounded) > math.MaxInt32 {
			return nil, errors.Wrapf(ErrLabelOutOfRange, "label %g (flat index %d) is not a class index", float64(value), ii)
		}
		decoded[ii] = int(rounded)
	}
	return decoded, nil
}

func widenLabels[T int32 | int64](flat []T) []int {
	decoded := make([]int, len(flat))
	for ii, value := range flat {
		decoded[ii] = int(value)
	}
	return decoded
}

// checkLabels returns an error if any counted label is out of range, and otherwise the number of counted positions.
func checkLabels(l layout, cfg Config, parallel bool, labels []int) (int, error) {
	total, err := foldSamples(l.numSamples, parallel, func(sample int) (partial, error) {
		var p partial
		for position := range l.innerSize {
			counted, err := classify(labels[l.positionIndex(sample, position)], l.numClasses, cfg)
			if err != nil {
				return partial{}, errors.WithMessagef(err, "sample %d, position %d", sample, position)
			}
			if counted {
				p.count++
			}
		}
		return p, nil
	})
	return total.count, err
}

// partial result of the fold over one sample.
type partial struct {
	loss  float64
	count int
}

// normalizer returns the divisor of the loss and of the gradients: the count, but at least 1.
func (p partial) normalizer() float64 {
	return float64(max(1, p.count))
}

// foldSamples calls fn for each sample and sums the partial results.
//
// If parallel is set, samples are processed concurrently (at most GOMAXPROCS at a time). fn must only write
// to memory owned by its sample. Partials are always summed in sample order, so the result doesn't depend
// on scheduling.
func foldSamples(numSamples int, parallel bool, fn func(sample int) (partial, error)) (partial, error) {
	partials := make([]partial, numSamples)
	if !parallel || numSamples <= 1 || runtime.GOMAXPROCS(0) <= 1 {
		for sample := range numSamples {
			p, err := fn(sample)
			if err != nil {
				return partial{}, err
			}
			partials[sample] = p
		}
	} else {
		var eg errgroup.Group
		eg.SetLimit(runtime.GOMAXPROCS(0))
		for sample := range numSamples {
			eg.Go(func() error {
				p, err := fn(sample)
				partials[sample] = p
				return err
			})
		}
		if err := eg.Wait(); err != nil {
			return partial{}, err
		}
	}

	var total partial
	for _, p := range partials {
		total.loss += p.loss
		total.count += p.count
	}
	return total, nil
}
