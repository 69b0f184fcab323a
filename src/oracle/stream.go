package oracle

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"
)

// Stream keeps an in-memory cache of the latest off-chain price per feed by
// subscribing to the oracle's websocket endpoint.
//
// Stream prices are unverified and are never used for trigger decisions.
// They exist so the scheduler can skip paying an on-chain commit fee for
// positions that are nowhere near their thresholds. Every execution still
// goes through the committed, validated on-chain reading.
type Stream struct {
	wsURL   string
	feedIDs []string

	mu     sync.RWMutex
	latest map[string]PriceUpdate

	dial func(ctx context.Context, urlStr string) (*websocket.Conn, error)
}

// NewStream builds a stream subscriber for the given feed ids.
func NewStream(cfg Config, feedIDs []string) (*Stream, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, err
	}

	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	case "http":
		base.Scheme = "ws"
	}
	base.Path = cfg.StreamPath

	normalized := make([]string, 0, len(feedIDs))
	for _, id := range feedIDs {
		normalized = append(normalized, NormalizeFeedID(id))
	}

	return &Stream{
		wsURL:   base.String(),
		feedIDs: normalized,
		latest:  map[string]PriceUpdate{},
		dial: func(ctx context.Context, urlStr string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, nil)
			return conn, err
		},
	}, nil
}

// Latest returns the most recent off-chain update seen for a feed.
func (s *Stream) Latest(feedID string) (PriceUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.latest[NormalizeFeedID(feedID)]
	return u, ok
}

// Run subscribes and consumes updates until the context is cancelled,
// reconnecting with backoff on any failure.
func (s *Stream) Run(ctx context.Context) {
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.consume(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("oracle stream disconnected, will reconnect")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

type streamMessage struct {
	Type      string `json:"type"`
	PriceFeed *struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"price_feed"`
}

func (s *Stream) consume(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := s.dial(dialCtx, s.wsURL)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]any{
		"type": "subscribe",
		"ids":  s.feedIDs,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.PriceFeed == nil {
			continue
		}

		price, err := strconv.ParseInt(msg.PriceFeed.Price.Price, 10, 64)
		if err != nil {
			continue
		}
		conf, err := strconv.ParseInt(msg.PriceFeed.Price.Conf, 10, 64)
		if err != nil {
			continue
		}

		update := PriceUpdate{
			FeedID:        NormalizeFeedID(msg.PriceFeed.ID),
			PriceMantissa: price,
			ConfMantissa:  conf,
			Expo:          msg.PriceFeed.Price.Expo,
			PublishTime:   msg.PriceFeed.Price.PublishTime,
		}

		s.mu.Lock()
		s.latest[update.FeedID] = update
		s.mu.Unlock()
	}
}
