package config

import (
	"context"
	"fmt"

	"github.com/eunmann/s3-log-forwarder/internal/logctx"
	"github.com/eunmann/s3-log-forwarder/pkg/expand"
	"github.com/eunmann/s3-log-forwarder/pkg/filter"
	"github.com/eunmann/s3-log-forwarder/pkg/jsonclass"
	"github.com/eunmann/s3-log-forwarder/pkg/metrics"
	"github.com/eunmann/s3-log-forwarder/pkg/multiline"
	"github.com/eunmann/s3-log-forwarder/pkg/pipeline"
	"github.com/eunmann/s3-log-forwarder/pkg/shipper"
)

// CompileFilter builds the include/exclude filter, or nil when the input
// has no rules.
func (in *Input) CompileFilter(opts ...filter.Option) (*filter.Filter, error) {
	if len(in.Include) == 0 && len(in.Exclude) == 0 {
		return nil, nil
	}
	return filter.New(in.Include, in.Exclude, opts...)
}

// CompileMultiline builds the multiline spec, or nil when the input has no
// multiline block.
func (in *Input) CompileMultiline() (*multiline.Spec, error) {
	if in.Multiline == nil {
		return nil, nil
	}
	return multiline.Compile(in.Multiline.MultilineConfig())
}

// PipelineOptions compiles the input into driver options. Filter failures
// are logged through the logger in ctx.
func (in *Input) PipelineOptions(ctx context.Context, s Settings) (pipeline.Options, error) {
	log := logctx.FromContext(ctx)
	f, err := in.CompileFilter(filter.WithErrorHandler(func(err error) {
		log.Warn().Err(err).Str("input", in.ID).Msg("filter failed; event accepted")
	}))
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("compile filter: %w", err)
	}
	ml, err := in.CompileMultiline()
	if err != nil {
		return pipeline.Options{}, fmt.Errorf("compile multiline: %w", err)
	}

	opts := pipeline.Options{
		JSON: jsonclass.Config{
			ContentType:   jsonclass.ContentType(in.JSONContentType),
			SizeThreshold: in.JSONCircuitBreakerBytes,
		},
		Multiline:    ml,
		Filter:       f,
		ChunkSize:    s.ChunkSize,
		MaxLineBytes: s.MaxLineBytes,
	}
	if in.ExpandEventListFromField != "" {
		opts.Expander = expand.New(in.ExpandEventListFromField, s.FieldResolver, in.ID, nil)
	}
	return opts, nil
}

// BuildOutputs creates the input's outputs.
func (in *Input) BuildOutputs(m *metrics.Metrics) (*shipper.Composite, error) {
	comp := shipper.NewComposite()
	for _, out := range in.Outputs {
		switch {
		case out.Elasticsearch != nil:
			a := out.Elasticsearch
			cfg := shipper.ElasticsearchConfig{
				CloudID:         a.CloudID,
				Username:        a.Username,
				Password:        a.Password,
				APIKey:          a.APIKey,
				DataStream:      shipper.DataStream{Dataset: a.Dataset, Namespace: a.Namespace},
				Index:           a.Index,
				BatchMaxActions: a.BatchMaxActions,
			}
			if a.URL != "" {
				cfg.Addresses = []string{a.URL}
			}
			es, err := shipper.NewElasticsearch(cfg, shipper.WithMetrics(m))
			if err != nil {
				comp.Close()
				return nil, fmt.Errorf("build elasticsearch output: %w", err)
			}
			comp.Add(es)
		case out.Parquet != nil:
			p, err := shipper.NewParquet(out.Parquet.Path, out.Parquet.RowGroup)
			if err != nil {
				comp.Close()
				return nil, fmt.Errorf("build parquet output: %w", err)
			}
			comp.Add(p)
		default:
			comp.Close()
			return nil, fmt.Errorf("%w: output %q was not validated", ErrInvalidConfig, out.Type)
		}
	}
	return comp, nil
}
