package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"vaultexecutor/src/oracle"
)

// ErrNotFresh is returned by ReadPrice when the chain has no committed price
// for the feed within the requested age.
var ErrNotFresh = errors.New("ledger: no price fresh enough on-chain")

// ErrFeeRejected marks a commit the chain refused over the attached fee.
// Fee quotes can go stale between query and submission, so callers treat
// this as retryable.
var ErrFeeRejected = errors.New("ledger: commit rejected for insufficient fee")

// CommitResult describes the outcome of committing an update payload.
type CommitResult struct {
	// TxHash identifies the commit transaction. Empty when the commit was
	// a no-op because the chain already held data at least as fresh.
	TxHash string
	// FeePaid is the fee attached to the commit, in the chain's native
	// base unit. Zero for no-op commits.
	FeePaid *big.Int
	// AlreadyFresh is set when the payload did not need committing.
	AlreadyFresh bool
	// CommittedAt is the observed commit time.
	CommittedAt time.Time
}

// Ledger is the chain boundary the engine depends on: quote the commit fee,
// commit a signed payload, read back the committed price.
//
// CommitPrice must be idempotent from the caller's perspective: retrying
// the same payload never double-charges, and "already committed" is
// success, not failure.
type Ledger interface {
	QuoteFee(ctx context.Context, payload *oracle.UpdatePayload) (*big.Int, error)
	CommitPrice(ctx context.Context, payload *oracle.UpdatePayload, fee *big.Int) (CommitResult, error)
	ReadPrice(ctx context.Context, feedID string, maxAge time.Duration) (oracle.PriceUpdate, error)
}
