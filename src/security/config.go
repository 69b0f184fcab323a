package security

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// SealKey is the base64-encoded 32-byte key used to seal secrets at
	// rest (the ledger signer key, custody credentials).
	SealKey string `envconfig:"SECRET_SEAL_KEY"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
