// check_exchange verifies the signing key against the CLOB without trading:
// API credentials, collateral balance and, with -market, the market and its price.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/alerts"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/api"
	"github.com/winder87-stack/-polymarket-copy-bot-sub001/config"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $COPYBOT_CONFIG)")
	market := flag.String("market", "", "condition id to look up")
	outcome := flag.String("outcome", "Yes", "outcome whose price to fetch")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: no .env file found")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	auth, err := api.NewAuthFromEnv(cfg.Exchange.ChainID)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	log.Printf("signer %s", alerts.MaskAddress(auth.GetAddress().Hex()))

	clob, err := api.NewClobClient(auth, api.ClobOptions{
		BaseURL:        cfg.Exchange.ClobURL,
		ChainID:        cfg.Exchange.ChainID,
		RequestTimeout: cfg.Exchange.RequestTimeout,
		Funder:         cfg.Exchange.FunderAddress,
		SignatureType:  cfg.Exchange.SignatureType,
	})
	if err != nil {
		log.Fatalf("clob client: %v", err)
	}
	if cfg.Exchange.FunderAddress != "" {
		log.Printf("funder %s, signature type %d", alerts.MaskAddress(cfg.Exchange.FunderAddress), cfg.Exchange.SignatureType)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := clob.DeriveAPICreds(ctx); err != nil {
		log.Fatalf("api creds: %s", alerts.SanitizeError(err))
	}
	log.Printf("api credentials OK")

	bal, err := clob.GetBalance(ctx)
	switch {
	case err != nil:
		log.Printf("balance: %s", alerts.SanitizeError(err))
	case bal == nil:
		log.Printf("balance unavailable")
	default:
		log.Printf("balance %s USDC", bal.StringFixed(2))
	}

	if *market == "" {
		return
	}
	info, err := clob.GetMarket(ctx, *market)
	if err != nil {
		log.Fatalf("market: %s", alerts.SanitizeError(err))
	}
	log.Printf("market %s tradable=%v neg_risk=%v tick=%s min_size=%s",
		alerts.MarketFragment(*market), info.Tradable(), info.NegRisk, info.TickSize(), info.MinimumOrderSize)
	for _, tok := range info.Tokens {
		log.Printf("  outcome %-6s token %s", tok.Outcome, alerts.MarketFragment(tok.TokenID))
	}

	tok, ok := info.ResolveToken(*outcome, "")
	if !ok {
		log.Fatalf("outcome %q not found", *outcome)
	}
	price, err := clob.GetCurrentPrice(ctx, tok.TokenID)
	if err != nil || price == nil {
		log.Fatalf("price: %s", alerts.SanitizeError(err))
	}
	log.Printf("%s midpoint %s", *outcome, price)
}
