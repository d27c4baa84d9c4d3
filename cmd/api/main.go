package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jun/metavault/internal/app"
	"github.com/jun/metavault/internal/config"
	"github.com/jun/metavault/internal/logging"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("loading configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger, err := logging.New(os.Stdout, cfg.Logging.Level, "json")
	if err != nil {
		slog.Error("configuring logger", slog.Any("error", err))
		os.Exit(1)
	}

	application, err := app.New(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error("initialising application", slog.Any("error", err))
		os.Exit(1)
	}
	lambda.Start(application.HandleRequest)
}
