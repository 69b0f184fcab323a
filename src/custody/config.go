package custody

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	BaseURL string        `envconfig:"CUSTODY_BASE_URL"`
	APIKey  string        `envconfig:"CUSTODY_API_KEY"`
	Timeout time.Duration `envconfig:"CUSTODY_TIMEOUT" default:"30s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
