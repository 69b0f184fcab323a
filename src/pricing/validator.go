package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"vaultexecutor/src/oracle"
)

// RejectReason classifies why a raw tuple was refused. Rejections are policy
// outcomes, not errors: the caller records them and retries a later cycle.
type RejectReason string

const (
	RejectNone          RejectReason = ""
	RejectStale         RejectReason = "stale"
	RejectLowConfidence RejectReason = "low_confidence"
)

// ErrMalformedTuple means the tuple itself is unusable regardless of policy
// (negative confidence, zero price, publish time after the commit).
var ErrMalformedTuple = errors.New("pricing: malformed price tuple")

var bpsScale = decimal.NewFromInt(10000)

// Normalize converts a raw mantissa/exponent tuple into decimal form.
func Normalize(raw oracle.PriceUpdate) (price, conf decimal.Decimal) {
	price = decimal.New(raw.PriceMantissa, raw.Expo)
	conf = decimal.New(raw.ConfMantissa, raw.Expo)
	return price, conf
}

// Validate gates a raw tuple against the policy and, when accepted, returns
// the normalized reading. committedAt is the on-chain commit timestamp the
// reading was read back with.
//
// The two gates are checked in order: freshness first, then the confidence
// band. The staleness boundary is inclusive: age == MaxStaleness passes.
func Validate(raw oracle.PriceUpdate, policy TriggerPolicy, now, committedAt time.Time) (PriceReading, RejectReason, error) {
	if raw.ConfMantissa < 0 {
		return PriceReading{}, RejectNone, fmt.Errorf("%w: negative confidence %d", ErrMalformedTuple, raw.ConfMantissa)
	}
	if raw.PriceMantissa == 0 {
		return PriceReading{}, RejectNone, fmt.Errorf("%w: zero price", ErrMalformedTuple)
	}
	if !committedAt.IsZero() && raw.PublishedAt().After(committedAt) {
		return PriceReading{}, RejectNone, fmt.Errorf("%w: published %s after commit %s",
			ErrMalformedTuple, raw.PublishedAt().Format(time.RFC3339), committedAt.Format(time.RFC3339))
	}

	age := now.Sub(raw.PublishedAt())
	if age > policy.MaxStaleness {
		return PriceReading{}, RejectStale, nil
	}

	price, conf := Normalize(raw)

	// conf/|price|*10000 > maxBps, cross-multiplied so the comparison is
	// exact rather than subject to division rounding.
	maxBps := decimal.NewFromInt(policy.MaxConfidenceBps)
	if conf.Mul(bpsScale).GreaterThan(price.Abs().Mul(maxBps)) {
		return PriceReading{}, RejectLowConfidence, nil
	}

	reading := PriceReading{
		FeedID:      raw.FeedID,
		Price:       price,
		Confidence:  conf,
		Expo:        raw.Expo,
		PublishedAt: raw.PublishedAt(),
		CommittedAt: committedAt,
	}
	return reading, RejectNone, nil
}
