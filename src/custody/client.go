package custody

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// ErrPayoutRejected marks a deterministic refusal by the custody layer
// (e.g. insufficient vault balance). Retrying cannot help; the position
// must be frozen for operator review.
var ErrPayoutRejected = errors.New("custody: payout rejected")

// Custody instructs the custody layer to pay out. Payout must be safely
// retryable given a stable idempotency key.
type Custody interface {
	Payout(ctx context.Context, req PayoutRequest) (string, error)
}

// PayoutRequest carries everything custody needs to settle one position.
type PayoutRequest struct {
	VaultID    uint            `json:"vault_id"`
	PositionID uint            `json:"position_id"`
	Amount     decimal.Decimal `json:"amount"`
	Recipient  string          `json:"recipient"`
	// Nonce is the execution nonce; custody deduplicates on it.
	Nonce string `json:"-"`
}

type payoutResponse struct {
	SettlementRef string `json:"settlement_ref"`
	Error         string `json:"error,omitempty"`
}

// HTTPClient implements Custody over the custody service's REST API.
type HTTPClient struct {
	http *resty.Client
}

// NewHTTPClient builds the custody client. Transport retries stay bounded
// and only fire for transport errors and 5xx; everything else is decided
// by the caller.
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(8*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	if cfg.APIKey != "" {
		httpClient.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &HTTPClient{http: httpClient}
}

// Payout sends the payout instruction. The execution nonce travels as the
// Idempotency-Key header, so replaying the same instruction returns the
// original settlement reference instead of paying twice.
func (c *HTTPClient) Payout(ctx context.Context, req PayoutRequest) (string, error) {
	if req.Nonce == "" {
		return "", errors.New("custody: payout without execution nonce")
	}

	var out payoutResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.Nonce).
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post("/v1/payouts")
	if err != nil {
		return "", fmt.Errorf("custody: payout request: %w", err)
	}

	switch {
	case resp.StatusCode() == 200 || resp.StatusCode() == 201:
		// Fall through to the settlement ref check below.
	case resp.StatusCode() == 409:
		// Idempotent replay: custody already settled this nonce and
		// returns the original reference.
		logger.WithFields(map[string]interface{}{
			"position_id": req.PositionID,
			"nonce":       req.Nonce,
		}).Info("payout replayed, reusing original settlement")
	case resp.StatusCode() >= 500:
		return "", fmt.Errorf("custody: payout HTTP %d: %s", resp.StatusCode(), out.Error)
	default:
		return "", fmt.Errorf("%w: HTTP %d: %s", ErrPayoutRejected, resp.StatusCode(), out.Error)
	}

	if out.SettlementRef == "" {
		return "", fmt.Errorf("custody: payout response missing settlement ref")
	}
	return out.SettlementRef, nil
}

// Compile-time interface check.
var _ Custody = (*HTTPClient)(nil)
