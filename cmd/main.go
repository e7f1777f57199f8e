package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"catalog-assistant/internal/app"
	"catalog-assistant/internal/config"
	"catalog-assistant/internal/logging"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logging.SetDefault(logger)
	ctx = logging.With(ctx, logger)

	// ---- Wiring ----
	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Error("failed to build catalog assistant", "err", err)
		os.Exit(1)
	}
	a.StartBackground(ctx)

	lambda.Start(a.Handler.Handle)
}
