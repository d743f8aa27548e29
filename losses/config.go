package losses

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

var (
	// ParamHasIgnoreLabel is the hyperparameter (bool) that enables the ignore label.
	// It defaults to false.
	ParamHasIgnoreLabel = "masked_log_loss_has_ignore_label"

	// ParamIgnoreLabel is the hyperparameter (int) with the label value to be excluded from the loss.
	// It is only used if ParamHasIgnoreLabel is set, in which case it must be > 0.
	ParamIgnoreLabel = "masked_log_loss_ignore_label"
)

// Config of the masked multinomial logistic loss.
type Config struct {
	// HasIgnoreLabel enables skipping positions whose label is IgnoreLabel.
	HasIgnoreLabel bool

	// IgnoreLabel is the sentinel label excluded from the loss and its gradients.
	// Positions with this label are not counted in the normalizer.
	IgnoreLabel int
}

// Validate returns an error (wrapping ErrInvalidConfig) if the configuration can't be used.
func (c Config) Validate() error {
	if c.HasIgnoreLabel && c.IgnoreLabel <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "ignore label index should be larger than 0, got %d", c.IgnoreLabel)
	}
	return nil
}

// ignored reports whether positions with the given label are skipped.
func (c Config) ignored(label int) bool {
	return c.HasIgnoreLabel && label == c.IgnoreLabel
}

// ConfigFromContext builds a Config from the hyperparameters ParamHasIgnoreLabel and ParamIgnoreLabel.
//
// It returns an error if the resulting configuration is invalid.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	cfg := Config{
		HasIgnoreLabel: context.GetParamOr(ctx, ParamHasIgnoreLabel, false),
		IgnoreLabel:    context.GetParamOr(ctx, ParamIgnoreLabel, 0),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.WithMessagef(err, "invalid hyperparameters %q/%q", ParamHasIgnoreLabel, ParamIgnoreLabel)
	}
	return cfg, nil
}
