package oracle

import "time"

// PriceUpdate is one raw (price, confidence, exponent, publish-time) tuple
// as reported by the oracle network. Both price and confidence are kept as
// mantissa + exponent; normalization happens in the pricing package.
type PriceUpdate struct {
	FeedID        string
	PriceMantissa int64
	ConfMantissa  int64
	Expo          int32
	PublishTime   int64
}

// PublishedAt converts the unix publish time to a time.Time.
func (u PriceUpdate) PublishedAt() time.Time {
	return time.Unix(u.PublishTime, 0).UTC()
}

// UpdatePayload is a fetched oracle response: the opaque signed blobs that
// get committed on-chain, plus the parsed tuples they prove.
type UpdatePayload struct {
	// Binary holds the signed update blobs exactly as returned by the
	// oracle, ready to be submitted to the ledger.
	Binary [][]byte
	// Updates are the parsed tuples, one per requested feed.
	Updates []PriceUpdate
}

// UpdateFor returns the parsed tuple for the given feed id, if present.
func (p *UpdatePayload) UpdateFor(feedID string) (PriceUpdate, bool) {
	for _, u := range p.Updates {
		if u.FeedID == feedID {
			return u, true
		}
	}
	return PriceUpdate{}, false
}
