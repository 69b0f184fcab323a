package ledger

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	RPCURL          string        `envconfig:"LEDGER_RPC_URL"`
	ContractAddress string        `envconfig:"LEDGER_PRICE_CONTRACT"`
	ChainID         int64         `envconfig:"LEDGER_CHAIN_ID" default:"1"`
	SignerKeySealed string        `envconfig:"LEDGER_SIGNER_KEY_SEALED"`
	CommitTimeout   time.Duration `envconfig:"LEDGER_COMMIT_TIMEOUT" default:"45s"`
	ReceiptPoll     time.Duration `envconfig:"LEDGER_RECEIPT_POLL" default:"2s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
