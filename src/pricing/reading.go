package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceReading is a single validated observation of an asset's price,
// normalized out of its mantissa/exponent wire form. Readings are produced
// fresh for each evaluation cycle and never mutated.
type PriceReading struct {
	FeedID      string
	Price       decimal.Decimal
	Confidence  decimal.Decimal
	Expo        int32
	PublishedAt time.Time
	CommittedAt time.Time
}

// ConfidenceRatioBps reports the confidence band as basis points of the
// absolute price.
func (r PriceReading) ConfidenceRatioBps() decimal.Decimal {
	if r.Price.IsZero() {
		return decimal.Zero
	}
	return r.Confidence.Div(r.Price.Abs()).Mul(decimal.NewFromInt(10000))
}
