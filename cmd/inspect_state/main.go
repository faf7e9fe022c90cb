// inspect_state prints the persisted circuit breaker state and, when a
// journal is configured, the open positions and latest executions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/alerts"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/config"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/risk"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/storage"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $COPYBOT_CONFIG)")
	wallet := flag.String("wallet", "", "breaker wallet, required for the redis backend")
	limit := flag.Int("n", 20, "executions to list")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, closeStore, err := openStateStore(cfg, *wallet)
	if err != nil {
		log.Fatalf("state store: %v", err)
	}
	defer closeStore()

	state, found, err := store.Load(ctx)
	if err != nil {
		log.Fatalf("load breaker state: %v", err)
	}
	fmt.Println("--- circuit breaker ---")
	if !found {
		fmt.Println("no state persisted yet")
	} else {
		printState(state)
	}

	if cfg.Postgres.DSN == "" {
		return
	}
	pg, err := storage.NewPostgres(ctx, storage.PoolConfig{DSN: cfg.Postgres.DSN, MaxConns: 2})
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pg.Close()

	open, err := pg.ListOpenPositions(ctx)
	if err != nil {
		log.Printf("list open positions: %v", err)
	} else {
		fmt.Printf("\n--- open positions (%d) ---\n", len(open))
		for _, p := range open {
			fmt.Printf("%s  %s  amount=%s entry=%s age=%s\n",
				p.CreatedAt.Format(time.RFC3339), p.Key, p.Amount, p.EntryPrice, time.Since(p.CreatedAt).Round(time.Second))
		}
	}

	execs, err := pg.ListExecutions(ctx, *limit)
	if err != nil {
		log.Printf("list executions: %v", err)
		return
	}
	fmt.Printf("\n--- last %d executions ---\n", len(execs))
	for _, e := range execs {
		kind := "open"
		if e.Closing {
			kind = "close"
		}
		fmt.Printf("%s  %-5s %-8s %-4s %s  amount=%s price=%s %s\n",
			e.CreatedAt.Format(time.RFC3339), kind, e.Status, e.Side,
			alerts.MarketFragment(e.ConditionID), e.Amount, e.Price, alerts.SanitizeText(e.Reason))
	}
}

func openStateStore(cfg *config.Config, wallet string) (risk.StateStore, func(), error) {
	switch cfg.State.Backend {
	case "redis":
		if wallet == "" {
			wallet = cfg.State.Wallet
		}
		if wallet == "" {
			return nil, nil, fmt.Errorf("-wallet is required for the redis backend")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		return risk.NewRedisStateStore(rdb, strings.ToLower(wallet)), func() { _ = rdb.Close() }, nil
	case "file":
		fs, err := risk.NewFileStateStore(cfg.State.Path)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("backend %q keeps nothing on disk", cfg.State.Backend)
	}
}

func printState(s risk.State) {
	view := struct {
		Wallet              string        `json:"wallet"`
		Active              bool          `json:"active"`
		Reason              string        `json:"reason,omitempty"`
		Kind                risk.TripKind `json:"kind,omitempty"`
		DailyLoss           string        `json:"daily_loss"`
		ConsecutiveFailures int           `json:"consecutive_failures"`
		ActivatedAt         time.Time     `json:"activated_at"`
		CooldownEndsAt      time.Time     `json:"cooldown_ends_at"`
		DayOpen             time.Time     `json:"day_open"`
		TripsToday          int           `json:"trips_today"`
		UpdatedAt           time.Time     `json:"updated_at"`
	}{
		Wallet:              alerts.MaskAddress(s.Wallet),
		Active:              s.Active,
		Reason:              s.Reason,
		Kind:                s.Kind,
		DailyLoss:           s.DailyLoss.String(),
		ConsecutiveFailures: s.ConsecutiveFailures,
		ActivatedAt:         s.ActivatedAt,
		CooldownEndsAt:      s.CooldownEndsAt(),
		DayOpen:             s.DayOpen,
		TripsToday:          s.TripsToday,
		UpdatedAt:           s.UpdatedAt,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(view)
}
