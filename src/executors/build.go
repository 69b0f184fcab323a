package executors

import (
	"fmt"

	"vaultexecutor/src/custody"
	"vaultexecutor/src/engine"
	"vaultexecutor/src/ledger"
	"vaultexecutor/src/oracle"
	"vaultexecutor/src/pricing"
	"vaultexecutor/src/repository"
	"vaultexecutor/src/security"
)

// BuildEngine constructs the execution engine with its production
// collaborators. Clients are built here, once, and injected; nothing in the
// engine reaches for ambient globals.
func BuildEngine() (*engine.Engine, oracle.Client, error) {
	oracleClient := oracle.NewHermesClient(oracle.GetConfig())

	ledgerCfg := ledger.GetConfig()
	if ledgerCfg.SignerKeySealed == "" {
		return nil, nil, fmt.Errorf("LEDGER_SIGNER_KEY_SEALED is not set")
	}
	signerKey, err := security.DecryptString(ledgerCfg.SignerKeySealed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unseal ledger signer key: %w", err)
	}

	chain, err := ledger.NewEVMLedger(ledgerCfg, signerKey)
	if err != nil {
		return nil, nil, err
	}

	payer := custody.NewHTTPClient(custody.GetConfig())

	eng := engine.New(
		oracleClient,
		chain,
		payer,
		repository.NewPositionRepository(),
		repository.NewExecutionEventRepository(),
		repository.NewVaultRepository(),
		pricing.DefaultPolicy(),
	)

	return eng, oracleClient, nil
}
