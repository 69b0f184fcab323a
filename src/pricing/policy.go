package pricing

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// TriggerPolicy holds the two independent gates a reading must pass before
// it may drive a trigger decision: freshness and certainty. Either can fail
// on its own; a very fresh but wide-band quote is as unusable as a tight
// but outdated one.
type TriggerPolicy struct {
	// MaxStaleness is the maximum accepted age since publish time.
	// A reading aged exactly MaxStaleness is still accepted.
	MaxStaleness time.Duration
	// MaxConfidenceBps is the maximum accepted confidence-to-price ratio
	// in basis points.
	MaxConfidenceBps int64
}

type Config struct {
	MaxStaleness     time.Duration `envconfig:"TRIGGER_MAX_STALENESS" default:"60s"`
	MaxConfidenceBps int64         `envconfig:"TRIGGER_MAX_CONFIDENCE_BPS" default:"100"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// DefaultPolicy returns the deployment-wide policy from the environment.
func DefaultPolicy() TriggerPolicy {
	cfg := GetConfig()
	return TriggerPolicy{
		MaxStaleness:     cfg.MaxStaleness,
		MaxConfidenceBps: cfg.MaxConfidenceBps,
	}
}

// Override returns a copy of the policy with any positive overrides applied.
func (p TriggerPolicy) Override(maxStaleness time.Duration, maxConfidenceBps int64) TriggerPolicy {
	out := p
	if maxStaleness > 0 {
		out.MaxStaleness = maxStaleness
	}
	if maxConfidenceBps > 0 {
		out.MaxConfidenceBps = maxConfidenceBps
	}
	return out
}
