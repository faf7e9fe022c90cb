// publish_candidate pushes one candidate trade onto the feed queue, for
// replaying a scanner event by hand.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/config"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/feed"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/models"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/syncer"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $COPYBOT_CONFIG)")
	tx := flag.String("tx", "", "transaction hash")
	wallet := flag.String("wallet", "", "source wallet")
	market := flag.String("market", "", "condition id")
	side := flag.String("side", "BUY", "BUY or SELL")
	amount := flag.String("amount", "", "copied amount")
	price := flag.String("price", "", "copied price")
	confidence := flag.Float64("confidence", 1, "confidence in [0,1]")
	outcome := flag.String("outcome", "", "outcome, e.g. Yes")
	token := flag.String("token", "", "token id, resolved from the market when empty")
	strategy := flag.String("strategy", "", "strategy tag")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Redis.Addr == "" {
		log.Fatal("redis.addr is not configured")
	}

	s, err := models.ParseSide(*side)
	if err != nil {
		log.Fatal(err)
	}
	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		log.Fatalf("amount: %v", err)
	}
	px, err := decimal.NewFromString(*price)
	if err != nil {
		log.Fatalf("price: %v", err)
	}
	c := models.CandidateTrade{
		TxHash:        *tx,
		Timestamp:     time.Now().UTC(),
		WalletAddress: *wallet,
		ConditionID:   *market,
		Side:          s,
		Amount:        amt,
		Price:         px,
		Confidence:    *confidence,
		TokenID:       *token,
		Outcome:       *outcome,
		Strategy:      *strategy,
	}
	// the executor would reject it anyway, fail early
	if err := syncer.ValidateCandidate(c); err != nil {
		log.Fatalf("candidate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := feed.NewRedisFeed(rdb, feed.Options{Key: cfg.Feed.QueueKey}).Publish(ctx, c); err != nil {
		log.Fatalf("publish: %v", err)
	}
	log.Printf("queued %s %s on %s", s, amt, cfg.Feed.QueueKey)
}
