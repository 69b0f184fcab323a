package ledger

// EVM adapter for a Pyth-style price contract. The contract exposes
// getUpdateFee / updatePriceFeeds / getPriceNoOlderThan; committing a signed
// payload makes the contained prices readable on-chain with their publish
// time attached.

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	logger "github.com/sirupsen/logrus"

	"vaultexecutor/src/oracle"
)

const priceContractABIJSON = `[
{"inputs":[{"internalType":"bytes[]","name":"updateData","type":"bytes[]"}],"name":"getUpdateFee","outputs":[{"internalType":"uint256","name":"feeAmount","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"bytes[]","name":"updateData","type":"bytes[]"}],"name":"updatePriceFeeds","outputs":[],"stateMutability":"payable","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"id","type":"bytes32"},{"internalType":"uint256","name":"age","type":"uint256"}],"name":"getPriceNoOlderThan","outputs":[{"components":[{"internalType":"int64","name":"price","type":"int64"},{"internalType":"uint64","name":"conf","type":"uint64"},{"internalType":"int32","name":"expo","type":"int32"},{"internalType":"uint256","name":"publishTime","type":"uint256"}],"internalType":"struct Price","name":"price","type":"tuple"}],"stateMutability":"view","type":"function"}
]`

var priceContractABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(priceContractABIJSON))
	if err != nil {
		panic("failed to parse price contract ABI: " + err.Error())
	}
	priceContractABI = parsed
}

// onChainPrice mirrors the contract's price struct for ABI decoding.
type onChainPrice struct {
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime *big.Int
}

// ethBackend is the slice of the RPC client the ledger drives.
// *ethclient.Client satisfies it; tests substitute a fake chain.
type ethBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ ethBackend = (*ethclient.Client)(nil)

// EVMLedger implements Ledger against an EVM chain.
type EVMLedger struct {
	client   ethBackend
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address

	commitTimeout time.Duration
	receiptPoll   time.Duration
}

// NewEVMLedger dials the RPC endpoint and prepares the signing key.
// signerKeyHex is the already-unsealed hex private key.
func NewEVMLedger(cfg Config, signerKeyHex string) (*EVMLedger, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("ledger: rpc url not configured")
	}
	if cfg.ContractAddress == "" {
		return nil, errors.New("ledger: price contract address not configured")
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial rpc: %w", err)
	}

	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(signerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid signer key: %w", err)
	}

	commitTimeout := cfg.CommitTimeout
	if commitTimeout <= 0 {
		commitTimeout = 45 * time.Second
	}
	receiptPoll := cfg.ReceiptPoll
	if receiptPoll <= 0 {
		receiptPoll = 2 * time.Second
	}

	return &EVMLedger{
		client:        client,
		contract:      common.HexToAddress(cfg.ContractAddress),
		chainID:       big.NewInt(cfg.ChainID),
		key:           key,
		from:          ethcrypto.PubkeyToAddress(key.PublicKey),
		commitTimeout: commitTimeout,
		receiptPoll:   receiptPoll,
	}, nil
}

// QuoteFee asks the contract what the exact fee for this payload is.
// Exactly that amount is attached to the commit; the contract refunds any
// overpayment itself and rejects underpayment.
func (l *EVMLedger) QuoteFee(ctx context.Context, payload *oracle.UpdatePayload) (*big.Int, error) {
	data, err := priceContractABI.Pack("getUpdateFee", payload.Binary)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack getUpdateFee: %w", err)
	}

	res, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: getUpdateFee call: %w", err)
	}

	out, err := priceContractABI.Unpack("getUpdateFee", res)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack getUpdateFee: %w", err)
	}
	fee, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("ledger: unexpected getUpdateFee output")
	}
	return fee, nil
}

// CommitPrice submits the payload with the given fee attached and waits for
// the transaction to be mined. If the chain already holds data at least as
// fresh as the payload for every contained feed, no transaction is sent and
// the result reports AlreadyFresh.
func (l *EVMLedger) CommitPrice(ctx context.Context, payload *oracle.UpdatePayload, fee *big.Int) (CommitResult, error) {
	if l.alreadyFresh(ctx, payload) {
		return CommitResult{AlreadyFresh: true, FeePaid: big.NewInt(0), CommittedAt: time.Now().UTC()}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.commitTimeout)
	defer cancel()

	data, err := priceContractABI.Pack("updatePriceFeeds", payload.Binary)
	if err != nil {
		return CommitResult{}, fmt.Errorf("ledger: pack updatePriceFeeds: %w", err)
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.from)
	if err != nil {
		return CommitResult{}, fmt.Errorf("ledger: pending nonce: %w", err)
	}

	tipCap, err := l.client.SuggestGasTipCap(ctx)
	if err != nil {
		return CommitResult{}, fmt.Errorf("ledger: suggest tip cap: %w", err)
	}
	head, err := l.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("ledger: fetch head: %w", err)
	}
	// tip + 2*baseFee keeps the cap valid across a few blocks.
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  l.from,
		To:    &l.contract,
		Value: fee,
		Data:  data,
	})
	if err != nil {
		// An estimate revert over the attached value means the fee quote
		// went stale; surface it as the retryable fee error.
		return CommitResult{}, fmt.Errorf("%w: %v", ErrFeeRejected, err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &l.contract,
		Value:     fee,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return CommitResult{}, fmt.Errorf("ledger: sign commit tx: %w", err)
	}

	if err := l.client.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(err.Error(), "already known") {
			logger.WithField("tx", signed.Hash().Hex()).Debug("commit tx already in mempool")
		} else {
			return CommitResult{}, fmt.Errorf("ledger: send commit tx: %w", err)
		}
	}

	receipt, err := l.waitMined(ctx, signed.Hash())
	if err != nil {
		return CommitResult{}, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		// A racing committer may have landed a fresher update first, which
		// makes our commit revert. That is a no-op success by contract
		// semantics, as long as the data we need is now on-chain.
		if l.alreadyFresh(ctx, payload) {
			return CommitResult{
				TxHash:       signed.Hash().Hex(),
				FeePaid:      big.NewInt(0),
				AlreadyFresh: true,
				CommittedAt:  time.Now().UTC(),
			}, nil
		}
		return CommitResult{}, fmt.Errorf("%w: commit tx %s reverted", ErrFeeRejected, signed.Hash().Hex())
	}

	logger.WithFields(map[string]interface{}{
		"tx":  signed.Hash().Hex(),
		"fee": fee.String(),
	}).Info("price update committed on-chain")

	return CommitResult{
		TxHash:      signed.Hash().Hex(),
		FeePaid:     fee,
		CommittedAt: time.Now().UTC(),
	}, nil
}

// ReadPrice reads the committed price for a feed, rejecting anything older
// than maxAge.
func (l *EVMLedger) ReadPrice(ctx context.Context, feedID string, maxAge time.Duration) (oracle.PriceUpdate, error) {
	id, err := feedIDToBytes32(feedID)
	if err != nil {
		return oracle.PriceUpdate{}, err
	}

	age := big.NewInt(int64(maxAge / time.Second))
	data, err := priceContractABI.Pack("getPriceNoOlderThan", id, age)
	if err != nil {
		return oracle.PriceUpdate{}, fmt.Errorf("ledger: pack getPriceNoOlderThan: %w", err)
	}

	res, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: data}, nil)
	if err != nil {
		// The contract reverts when nothing fresh enough exists.
		if strings.Contains(strings.ToLower(err.Error()), "revert") {
			return oracle.PriceUpdate{}, ErrNotFresh
		}
		return oracle.PriceUpdate{}, fmt.Errorf("ledger: getPriceNoOlderThan call: %w", err)
	}
	if len(res) == 0 {
		return oracle.PriceUpdate{}, ErrNotFresh
	}

	out, err := priceContractABI.Unpack("getPriceNoOlderThan", res)
	if err != nil {
		return oracle.PriceUpdate{}, fmt.Errorf("ledger: unpack getPriceNoOlderThan: %w", err)
	}

	price := *abi.ConvertType(out[0], new(onChainPrice)).(*onChainPrice)

	return oracle.PriceUpdate{
		FeedID:        oracle.NormalizeFeedID(feedID),
		PriceMantissa: price.Price,
		ConfMantissa:  int64(price.Conf),
		Expo:          price.Expo,
		PublishTime:   price.PublishTime.Int64(),
	}, nil
}

// alreadyFresh reports whether the chain already has, for every feed in the
// payload, a price published at or after the payload's publish time.
func (l *EVMLedger) alreadyFresh(ctx context.Context, payload *oracle.UpdatePayload) bool {
	for _, u := range payload.Updates {
		onChain, err := l.ReadPrice(ctx, u.FeedID, 365*24*time.Hour)
		if err != nil || onChain.PublishTime < u.PublishTime {
			return false
		}
	}
	return len(payload.Updates) > 0
}

func (l *EVMLedger) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(l.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			logger.WithError(err).WithField("tx", hash.Hex()).Debug("receipt poll failed")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("ledger: commit tx %s not confirmed: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func feedIDToBytes32(feedID string) ([32]byte, error) {
	var id [32]byte
	raw := common.FromHex("0x" + oracle.NormalizeFeedID(feedID))
	if len(raw) != 32 {
		return id, fmt.Errorf("ledger: feed id %q is not 32 bytes", feedID)
	}
	copy(id[:], raw)
	return id, nil
}

// Compile-time interface check.
var _ Ledger = (*EVMLedger)(nil)
