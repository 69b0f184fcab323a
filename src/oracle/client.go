package oracle

// Pull client for a Hermes-style price service. The oracle only produces
// signed updates on demand; nothing is pushed on-chain for us.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

const (
	latestUpdatesPath = "/v2/updates/price/latest"

	defaultRetryAttempts   = 3
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 4 * time.Second
)

// ErrMalformedResponse marks a response that came back 2xx but cannot be
// trusted (empty, undecodable, or missing requested feeds). The whole fetch
// must be retried; salvaging partial data from an unverified payload is not
// safe.
var ErrMalformedResponse = errors.New("oracle: malformed update response")

// Client fetches signed price updates from the oracle network.
type Client interface {
	FetchUpdate(ctx context.Context, feedIDs []string) (*UpdatePayload, error)
}

// HermesClient implements Client over the oracle's REST API.
type HermesClient struct {
	http *resty.Client
}

// NewHermesClient builds a client with bounded internal retry for transport
// level failures.
func NewHermesClient(cfg Config) *HermesClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(defaultRetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == 429
		})

	return &HermesClient{http: httpClient}
}

// latestUpdatesResponse mirrors the oracle's wire format.
type latestUpdatesResponse struct {
	Binary struct {
		Encoding string   `json:"encoding"`
		Data     []string `json:"data"`
	} `json:"binary"`
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// FetchUpdate pulls a signed update payload for the given feed ids.
func (c *HermesClient) FetchUpdate(ctx context.Context, feedIDs []string) (*UpdatePayload, error) {
	if len(feedIDs) == 0 {
		return nil, errors.New("oracle: no feed ids requested")
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetQueryParam("encoding", "hex").
		SetQueryParam("parsed", "true")

	for _, id := range feedIDs {
		req.QueryParam.Add("ids[]", id)
	}

	resp, err := req.Get(latestUpdatesPath)
	if err != nil {
		return nil, fmt.Errorf("oracle: fetch update: %w", err)
	}

	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("oracle: fetch update HTTP %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	payload, err := decodeLatestUpdates(resp.Body(), feedIDs)
	if err != nil {
		logger.WithError(err).WithField("feed_ids", feedIDs).Error("oracle response rejected")
		return nil, err
	}

	return payload, nil
}

func decodeLatestUpdates(body []byte, feedIDs []string) (*UpdatePayload, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}

	var raw latestUpdatesResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if len(raw.Binary.Data) == 0 || len(raw.Parsed) == 0 {
		return nil, fmt.Errorf("%w: missing binary or parsed data", ErrMalformedResponse)
	}

	payload := &UpdatePayload{}

	for _, chunk := range raw.Binary.Data {
		blob, err := hex.DecodeString(strings.TrimPrefix(chunk, "0x"))
		if err != nil || len(blob) == 0 {
			return nil, fmt.Errorf("%w: undecodable binary chunk", ErrMalformedResponse)
		}
		payload.Binary = append(payload.Binary, blob)
	}

	for _, p := range raw.Parsed {
		price, err := strconv.ParseInt(p.Price.Price, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad price mantissa %q", ErrMalformedResponse, p.Price.Price)
		}
		conf, err := strconv.ParseInt(p.Price.Conf, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad conf mantissa %q", ErrMalformedResponse, p.Price.Conf)
		}

		payload.Updates = append(payload.Updates, PriceUpdate{
			FeedID:        NormalizeFeedID(p.ID),
			PriceMantissa: price,
			ConfMantissa:  conf,
			Expo:          p.Price.Expo,
			PublishTime:   p.Price.PublishTime,
		})
	}

	// The payload must cover every requested feed; a partial answer is as
	// untrustworthy as a malformed one.
	for _, id := range feedIDs {
		if _, ok := payload.UpdateFor(NormalizeFeedID(id)); !ok {
			return nil, fmt.Errorf("%w: feed %s missing from response", ErrMalformedResponse, id)
		}
	}

	return payload, nil
}

// NormalizeFeedID lowercases a feed id and strips any 0x prefix so ids
// compare equal regardless of how the caller wrote them.
func NormalizeFeedID(id string) string {
	return strings.ToLower(strings.TrimPrefix(id, "0x"))
}
