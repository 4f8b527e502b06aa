package handler

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eunmann/s3-log-forwarder/internal/logctx"
	"github.com/eunmann/s3-log-forwarder/pkg/config"
	"github.com/eunmann/s3-log-forwarder/pkg/metrics"
	"github.com/eunmann/s3-log-forwarder/pkg/s3fetch"
)

// Bootstrap builds a Handler from the runtime settings: it loads the AWS
// configuration, downloads the forwarder file named by S3_CONFIG_FILE and
// connects the continuation queue.
func Bootstrap(ctx context.Context, settings config.Settings) (*Handler, error) {
	if settings.ConfigFile == "" {
		return nil, errors.New("empty S3_CONFIG_FILE")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3fetch.NewClientWithConfig(awsCfg)
	downloader := s3fetch.NewDownloader(client.S3(), s3fetch.DefaultDownloaderConfig())

	log := logctx.FromContext(ctx)
	log.Info().Str("config_file", settings.ConfigFile).Msg("loading config")
	cfg, err := config.Load(ctx, settings.ConfigFile, downloader)
	if err != nil {
		return nil, err
	}

	opts := []Option{WithMetrics(metrics.New(prometheus.DefaultRegisterer))}
	if settings.ContinueURL != "" {
		opts = append(opts, WithQueue(NewSQSQueue(awsCfg, settings.ContinueURL)))
	} else {
		log.Warn().Msg("SQS_CONTINUE_URL is empty; objects interrupted by the deadline will be retried from their notification")
	}

	log.Info().
		Int("inputs", len(cfg.Inputs)).
		Dur("grace_period", settings.GracePeriod).
		Int("chunk_size", settings.ChunkSize).
		Msg("handler ready")
	return New(cfg, settings, client, opts...), nil
}
