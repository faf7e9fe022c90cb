// Package feed delivers candidate trades from the scanner.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/alerts"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
)

const (
	DefaultQueueKey = "copybot:candidates"
	deadLetterTTL   = 7 * 24 * time.Hour
)

// RedisFeed pops JSON-encoded candidate trades off a Redis list the scanner
// pushes to. Payloads that do not decode are moved to <key>:dead.
type RedisFeed struct {
	client  redis.Cmdable
	key     string
	block   time.Duration
	backoff time.Duration
	buffer  int
	log     *zap.Logger
}

type Options struct {
	Key     string        // default copybot:candidates
	Block   time.Duration // BLPOP timeout, default 5s
	Backoff time.Duration // pause after a redis error, default 1s
	Buffer  int           // channel capacity, default 100
	Logger  *zap.Logger
}

func NewRedisFeed(client redis.Cmdable, opts Options) *RedisFeed {
	if opts.Key == "" {
		opts.Key = DefaultQueueKey
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 100
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RedisFeed{
		client:  client,
		key:     opts.Key,
		block:   opts.Block,
		backoff: opts.Backoff,
		buffer:  opts.Buffer,
		log:     opts.Logger.Named("feed").With(zap.String("queue", opts.Key)),
	}
}

// DeadLetterKey is where undecodable payloads end up
func (f *RedisFeed) DeadLetterKey() string {
	return f.key + ":dead"
}

// Subscribe returns a channel of candidates. The channel is closed when ctx is cancelled.
func (f *RedisFeed) Subscribe(ctx context.Context) (<-chan models.CandidateTrade, error) {
	if err := f.client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	out := make(chan models.CandidateTrade, f.buffer)
	go func() {
		defer close(out)
		f.log.Info("candidate feed started")
		for {
			if ctx.Err() != nil {
				return
			}
			res, err := f.client.BLPop(ctx, f.block, f.key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				f.log.Warn("candidate pop failed", zap.Error(err))
				select {
				case <-time.After(f.backoff):
				case <-ctx.Done():
					return
				}
				continue
			}
			// BLPOP returns [key, value]
			if len(res) != 2 {
				continue
			}
			c, ok := f.decode(ctx, res[1])
			if !ok {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *RedisFeed) decode(ctx context.Context, payload string) (models.CandidateTrade, bool) {
	var c models.CandidateTrade
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		f.log.Warn("undecodable candidate moved to dead letter", zap.String("error", alerts.SanitizeError(err)))
		if err := f.client.RPush(ctx, f.DeadLetterKey(), payload).Err(); err != nil {
			f.log.Error("dead letter write failed", zap.Error(err))
		} else {
			f.client.Expire(ctx, f.DeadLetterKey(), deadLetterTTL)
		}
		return c, false
	}
	if side, err := models.ParseSide(string(c.Side)); err == nil {
		c.Side = side
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	return c, true
}

// Publish pushes one candidate, for tests and replay tooling
func (f *RedisFeed) Publish(ctx context.Context, c models.CandidateTrade) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return f.client.RPush(ctx, f.key, b).Err()
}
