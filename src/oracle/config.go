package oracle

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	BaseURL      string        `envconfig:"ORACLE_BASE_URL" default:"https://hermes.pyth.network"`
	FetchTimeout time.Duration `envconfig:"ORACLE_FETCH_TIMEOUT" default:"10s"`
	StreamPath   string        `envconfig:"ORACLE_STREAM_PATH" default:"/ws"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
