package executors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	LoopPeriod  time.Duration `envconfig:"LOOP_PERIOD" default:"30s"`
	Concurrency int           `envconfig:"SWEEP_CONCURRENCY" default:"8"`
	LockTTL     time.Duration `envconfig:"SWEEP_LOCK_TTL" default:"2m"`
	// ProximityBps widens the trigger band used by the off-chain
	// pre-filter. A paid on-chain cycle only runs when the free stream
	// price is within this margin of a threshold (or no stream data
	// exists). 0 disables the pre-filter.
	ProximityBps int64 `envconfig:"SWEEP_PROXIMITY_BPS" default:"50"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
