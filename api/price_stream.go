package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/cache"
)

const DefaultMarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

// PricePoint is the last known top of book for a token
type PricePoint struct {
	Mid     decimal.Decimal `json:"mid"`
	BestBid decimal.Decimal `json:"best_bid"`
	BestAsk decimal.Decimal `json:"best_ask"`
	At      time.Time       `json:"at"`
}

// PriceStreamOptions configures a PriceStream
type PriceStreamOptions struct {
	URL          string
	MaxAge       time.Duration // a midpoint older than this is ignored, default 30s
	MaxTokens    int           // default 5000
	PingInterval time.Duration // default 10s
	ReconnectMin time.Duration // default 1s
	ReconnectMax time.Duration // default 30s
	Logger       *zap.Logger
}

// PriceStream keeps midpoints for subscribed tokens from the CLOB market channel.
// Values live in a bounded cache whose TTL is MaxAge, so stale prices fall out.
type PriceStream struct {
	opts   PriceStreamOptions
	log    *zap.Logger
	prices *cache.BoundedCache[string, PricePoint]

	mu     sync.Mutex // guards assets, conn and writes to conn
	assets map[string]struct{}
	conn   *websocket.Conn

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type marketEvent struct {
	EventType    string        `json:"event_type"`
	AssetID      string        `json:"asset_id"`
	Bids         []bookLevel   `json:"bids"`
	Asks         []bookLevel   `json:"asks"`
	PriceChanges []priceChange `json:"price_changes"`
}

type priceChange struct {
	AssetID string `json:"asset_id"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// NewPriceStream creates an idle stream; call Start to connect
func NewPriceStream(opts PriceStreamOptions) *PriceStream {
	if opts.URL == "" {
		opts.URL = DefaultMarketWSURL
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 30 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 5000
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 10 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriceStream{
		opts: opts,
		log:  logger.Named("price_stream"),
		prices: cache.New(cache.Options[string, PricePoint]{
			Name:            "midpoints",
			MaxSize:         opts.MaxTokens,
			TTL:             opts.MaxAge,
			CleanupInterval: opts.MaxAge,
			Logger:          logger,
		}),
		assets: make(map[string]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Midpoint returns a fresh midpoint for tokenID
func (s *PriceStream) Midpoint(tokenID string) (decimal.Decimal, bool) {
	p, ok := s.prices.Get(tokenID)
	if !ok || !p.Mid.IsPositive() {
		return decimal.Zero, false
	}
	return p.Mid, true
}

// Subscribe adds tokens to the subscription set. New tokens are sent right away
// when connected, and on every reconnect.
func (s *PriceStream) Subscribe(tokenIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []string
	for _, id := range tokenIDs {
		if id == "" {
			continue
		}
		if _, ok := s.assets[id]; !ok {
			s.assets[id] = struct{}{}
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 || s.conn == nil {
		return nil
	}
	return s.writeSubscribeLocked(fresh)
}

// Start connects in the background and keeps reconnecting until Stop or ctx ends
func (s *PriceStream) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.prices.Start(ctx)
		s.wg.Add(1)
		go s.run(ctx)
	})
}

// Stop closes the connection and waits for the reader
func (s *PriceStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	s.prices.Stop()
}

func (s *PriceStream) run(ctx context.Context) {
	defer s.wg.Done()
	backoff := s.opts.ReconnectMin

	for {
		err := s.session(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}
		s.log.Warn("price stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > s.opts.ReconnectMax {
			backoff = s.opts.ReconnectMax
		}
		if err == nil {
			backoff = s.opts.ReconnectMin
		}
	}
}

// session runs one connection until it fails
func (s *PriceStream) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, s.opts.URL, http.Header{})
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return errors.Wrap(err, "dial market channel")
	}

	s.mu.Lock()
	s.conn = conn
	assets := make([]string, 0, len(s.assets))
	for id := range s.assets {
		assets = append(assets, id)
	}
	if len(assets) > 0 {
		if err := s.writeSubscribeLocked(assets); err != nil {
			s.conn = nil
			s.mu.Unlock()
			conn.Close()
			return err
		}
	}
	s.mu.Unlock()
	s.log.Info("price stream connected", zap.Int("tokens", len(assets)))

	done := make(chan struct{})
	defer func() {
		close(done)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()
	go s.pinger(conn, done)

	readTimeout := 3 * s.opts.PingInterval
	conn.SetReadLimit(5 << 20)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read market channel")
		}
		s.handleMessage(data)
	}
}

func (s *PriceStream) pinger(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *PriceStream) writeSubscribeLocked(assets []string) error {
	msg, err := json.Marshal(map[string]interface{}{
		"type":       "market",
		"assets_ids": assets,
	})
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return errors.Wrap(s.conn.WriteMessage(websocket.TextMessage, msg), "subscribe")
}

// handleMessage accepts a single event or an array of events
func (s *PriceStream) handleMessage(data []byte) {
	if len(data) == 0 || data[0] == 'P' { // PONG
		return
	}
	var events []marketEvent
	if data[0] == '[' {
		if err := json.Unmarshal(data, &events); err != nil {
			s.log.Debug("unparseable market message", zap.Error(err))
			return
		}
	} else {
		var ev marketEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Debug("unparseable market message", zap.Error(err))
			return
		}
		events = append(events, ev)
	}

	now := time.Now()
	for _, ev := range events {
		switch ev.EventType {
		case "book":
			bid := bestLevel(ev.Bids, true)
			ask := bestLevel(ev.Asks, false)
			s.update(ev.AssetID, bid, ask, now)
		case "price_change":
			for _, pc := range ev.PriceChanges {
				bid, _ := decimal.NewFromString(pc.BestBid)
				ask, _ := decimal.NewFromString(pc.BestAsk)
				s.update(pc.AssetID, bid, ask, now)
			}
		}
	}
}

func (s *PriceStream) update(assetID string, bid, ask decimal.Decimal, now time.Time) {
	if assetID == "" || !bid.IsPositive() || !ask.IsPositive() || ask.LessThan(bid) {
		return
	}
	s.prices.Set(assetID, PricePoint{
		Mid:     bid.Add(ask).Div(decimal.NewFromInt(2)),
		BestBid: bid,
		BestAsk: ask,
		At:      now,
	})
}

// bestLevel returns the highest bid or lowest ask
func bestLevel(levels []bookLevel, highest bool) decimal.Decimal {
	best := decimal.Zero
	for _, l := range levels {
		p, err := decimal.NewFromString(l.Price)
		if err != nil || !p.IsPositive() {
			continue
		}
		if best.IsZero() || (highest && p.GreaterThan(best)) || (!highest && p.LessThan(best)) {
			best = p
		}
	}
	return best
}
