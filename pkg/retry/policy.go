// Package retry runs operations under a retry policy with classified
// error kinds and immediate, linear or exponential backoff.
package retry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

// ErrInvalidPolicy is returned by Policy.Validate.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	StrategyImmediate   Strategy = "IMMEDIATE"
	StrategyLinear      Strategy = "LINEAR"
	StrategyExponential Strategy = "EXPONENTIAL"
)

// jitterSpread is the relative perturbation applied when jitter is on.
const jitterSpread = 0.1

// Policy configures retries for one kind of operation.
type Policy struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	Strategy   Strategy      `json:"strategy" yaml:"strategy" mapstructure:"strategy"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
	Jitter     bool          `json:"jitter" yaml:"jitter" mapstructure:"jitter"`
}

// DefaultPolicy returns three exponential retries starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Strategy:   StrategyExponential,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Jitter:     true,
	}
}

// NoRetry returns a policy that runs an operation exactly once.
func NoRetry() Policy {
	return Policy{Strategy: StrategyImmediate}
}

// Validate rejects negative values and unknown strategies. An empty
// strategy defaults to exponential and a zero max delay to no cap.
func (p *Policy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return cferrors.Validation("max_retries must not be negative", fmt.Errorf("%w: max_retries=%d", ErrInvalidPolicy, p.MaxRetries))
	case p.BaseDelay < 0:
		return cferrors.Validation("base_delay must not be negative", fmt.Errorf("%w: base_delay=%s", ErrInvalidPolicy, p.BaseDelay))
	case p.MaxDelay < 0:
		return cferrors.Validation("max_delay must not be negative", fmt.Errorf("%w: max_delay=%s", ErrInvalidPolicy, p.MaxDelay))
	}
	switch p.Strategy {
	case "":
		p.Strategy = StrategyExponential
	case StrategyImmediate, StrategyLinear, StrategyExponential:
	default:
		return cferrors.Validation("unknown retry strategy", fmt.Errorf("%w: strategy=%s", ErrInvalidPolicy, p.Strategy))
	}
	return nil
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyImmediate:
		return 0
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(attempt)
	default:
		shift := min(attempt-1, 62)
		d = p.BaseDelay << shift
		if d < 0 || (p.BaseDelay > 0 && d>>shift != p.BaseDelay) {
			d = time.Duration(1<<63 - 1)
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		factor := 1 - jitterSpread + rand.Float64()*2*jitterSpread // #nosec G404 non-crypto
		d = time.Duration(float64(d) * factor)
	}
	return d
}
