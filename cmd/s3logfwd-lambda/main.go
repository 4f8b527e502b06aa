// Command s3logfwd-lambda is the SQS-triggered Lambda function that forwards
// the events of newly written S3 objects.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/eunmann/s3-log-forwarder/internal/handler"
	"github.com/eunmann/s3-log-forwarder/internal/logctx"
	"github.com/eunmann/s3-log-forwarder/pkg/config"
	"github.com/eunmann/s3-log-forwarder/pkg/logging"
)

func main() {
	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logging.Init(settings.Debug(), settings.LogHuman)
	logctx.SetDefaultLogger(*logging.L())

	ctx := logctx.WithLogger(context.Background(), *logging.L())
	h, err := handler.Bootstrap(ctx, settings)
	if err != nil {
		logging.L().Error().Err(err).Msg("setup failed")
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
