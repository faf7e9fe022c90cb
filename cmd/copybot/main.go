package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/winder87-stack/-polymarket-copy-bot-sub001/config"
)

func main() {
	// a missing .env is fine, real deployments inject env directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[main] .env not loaded: %v", err)
	}

	app := fx.New(
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		config.Module(),
		observabilityModule(),
		exchangeModule(),
		riskModule(),
		executorModule(),
		httpModule(),
	)
	if err := app.Err(); err != nil {
		log.Fatal(err)
	}
	app.Run()
}

// appContext lives from OnStart until OnStop. fx's start context only covers startup.
type appContext struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newAppContext(lc fx.Lifecycle) *appContext {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.StopHook(cancel))
	return &appContext{ctx: ctx, cancel: cancel}
}
