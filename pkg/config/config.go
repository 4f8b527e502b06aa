// Package config loads the forwarder configuration: the YAML file that maps
// inputs to outputs, and the runtime settings read from the environment.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eunmann/s3-log-forwarder/internal/logctx"
	"github.com/eunmann/s3-log-forwarder/pkg/jsonclass"
	"github.com/eunmann/s3-log-forwarder/pkg/multiline"
)

// Input types.
const InputSQS = "sqs"

// Output types.
const (
	OutputElasticsearch = "elasticsearch"
	OutputParquet       = "parquet"
)

// Config is the parsed forwarder file.
type Config struct {
	Inputs []Input `yaml:"inputs"`
}

// Input describes how objects announced by one trigger are read and where
// their events go.
type Input struct {
	Type string `yaml:"type"`
	ID   string `yaml:"id"`

	JSONContentType          string   `yaml:"json_content_type"`
	JSONCircuitBreakerBytes  int64    `yaml:"json_circuit_breaker_bytes"`
	ExpandEventListFromField string   `yaml:"expand_event_list_from_field"`
	Include                  []string `yaml:"include"`
	Exclude                  []string `yaml:"exclude"`

	Multiline *Multiline `yaml:"multiline"`
	Outputs   []Output   `yaml:"outputs"`
}

// Multiline is the YAML form of multiline.Config.
type Multiline struct {
	Type         string `yaml:"type"`
	CountLines   int    `yaml:"count_lines"`
	Pattern      string `yaml:"pattern"`
	Match        string `yaml:"match"`
	Negate       bool   `yaml:"negate"`
	FlushPattern string `yaml:"flush_pattern"`
	MaxLines     int    `yaml:"max_lines"`
	MaxBytes     int    `yaml:"max_bytes"`
}

// Output is one destination. Args is decoded according to Type.
type Output struct {
	Type string    `yaml:"type"`
	Args yaml.Node `yaml:"args"`

	Elasticsearch *ElasticsearchArgs `yaml:"-"`
	Parquet       *ParquetArgs       `yaml:"-"`
}

// ElasticsearchArgs are the arguments of an elasticsearch output.
type ElasticsearchArgs struct {
	URL             string `yaml:"elasticsearch_url"`
	CloudID         string `yaml:"cloud_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	APIKey          string `yaml:"api_key"`
	Dataset         string `yaml:"dataset"`
	Namespace       string `yaml:"namespace"`
	Index           string `yaml:"es_index_or_datastream_name"`
	BatchMaxActions int    `yaml:"batch_max_actions"`
}

// ParquetArgs are the arguments of a parquet output.
type ParquetArgs struct {
	Path     string `yaml:"path"`
	RowGroup int    `yaml:"row_group_rows"`
}

// Fetcher downloads an s3:// URI.
type Fetcher interface {
	FetchURI(ctx context.Context, uri string) ([]byte, error)
}

// Load reads the forwarder file from an s3:// URI through fetch, or from a
// local path.
func Load(ctx context.Context, location string, fetch Fetcher) (*Config, error) {
	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(location, "s3://") {
		if fetch == nil {
			return nil, fmt.Errorf("load config %s: no s3 fetcher", location)
		}
		data, err = fetch.FetchURI(ctx, location)
	} else {
		data, err = os.ReadFile(location)
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", location, err)
	}
	return Parse(ctx, data)
}

// Parse decodes and validates a forwarder file. Settings that are ignored
// in favour of others are logged as warnings.
func Parse(ctx context.Context, data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %w", ErrInvalidConfig, err)
	}
	if err := cfg.validate(ctx); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Input returns the input with the given type and id.
func (c *Config) Input(typ, id string) (*Input, error) {
	for i := range c.Inputs {
		if c.Inputs[i].Type == typ && c.Inputs[i].ID == id {
			return &c.Inputs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrUnknownInput, typ, id)
}

func (c *Config) validate(ctx context.Context) error {
	if len(c.Inputs) == 0 {
		return fmt.Errorf("%w: no inputs", ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	for i := range c.Inputs {
		in := &c.Inputs[i]
		if in.Type != InputSQS {
			return fmt.Errorf("%w: input %d: type must be %s, got %q", ErrInvalidConfig, i, InputSQS, in.Type)
		}
		if in.ID == "" {
			return fmt.Errorf("%w: input %d: missing id", ErrInvalidConfig, i)
		}
		if seen[in.Type+"/"+in.ID] {
			return fmt.Errorf("%w: duplicated input %s", ErrInvalidConfig, in.ID)
		}
		seen[in.Type+"/"+in.ID] = true

		ictx := logctx.WithInput(ctx, in.ID)
		if err := in.validate(ictx); err != nil {
			return fmt.Errorf("%w: input %s: %w", ErrInvalidConfig, in.ID, err)
		}
	}
	return nil
}

func (in *Input) validate(ctx context.Context) error {
	if _, err := jsonclass.ParseContentType(in.JSONContentType); err != nil {
		return err
	}
	if in.JSONCircuitBreakerBytes < 0 {
		return fmt.Errorf("negative json_circuit_breaker_bytes %d", in.JSONCircuitBreakerBytes)
	}
	if _, err := in.CompileFilter(); err != nil {
		return err
	}
	if _, err := in.CompileMultiline(); err != nil {
		return err
	}

	if len(in.Outputs) == 0 {
		return fmt.Errorf("no outputs")
	}
	types := make(map[string]bool)
	for i := range in.Outputs {
		out := &in.Outputs[i]
		if types[out.Type] {
			return fmt.Errorf("duplicated output %s", out.Type)
		}
		types[out.Type] = true
		if err := out.decode(ctx); err != nil {
			return fmt.Errorf("output %s: %w", out.Type, err)
		}
	}
	return nil
}

func (o *Output) decode(ctx context.Context) error {
	switch o.Type {
	case OutputElasticsearch:
		var args ElasticsearchArgs
		if err := o.Args.Decode(&args); err != nil {
			return fmt.Errorf("decode args: %w", err)
		}
		if err := args.validate(ctx); err != nil {
			return err
		}
		o.Elasticsearch = &args
	case OutputParquet:
		var args ParquetArgs
		if err := o.Args.Decode(&args); err != nil {
			return fmt.Errorf("decode args: %w", err)
		}
		if args.Path == "" {
			return fmt.Errorf("missing path")
		}
		o.Parquet = &args
	default:
		return fmt.Errorf("type must be one of %s, %s", OutputElasticsearch, OutputParquet)
	}
	return nil
}

func (a *ElasticsearchArgs) validate(ctx context.Context) error {
	log := logctx.FromContext(ctx)

	if a.URL == "" && a.CloudID == "" {
		return fmt.Errorf("elasticsearch_url or cloud_id must be set")
	}
	if a.URL != "" && a.CloudID != "" {
		log.Warn().Msg("both elasticsearch_url and cloud_id set: using cloud_id")
		a.URL = ""
	}
	if a.Username == "" && a.APIKey == "" {
		return fmt.Errorf("username and password or api_key must be set")
	}
	if a.Username != "" && a.APIKey != "" {
		log.Warn().Msg("both api_key and username and password set: using api_key")
		a.Username = ""
		a.Password = ""
	}
	if a.Username != "" && a.Password == "" {
		return fmt.Errorf("password must be set when using username")
	}
	if a.Dataset == "" {
		log.Warn().Msg("no dataset set: using generic")
		a.Dataset = "generic"
	}
	if a.Namespace == "" {
		log.Warn().Msg("no namespace set: using default")
		a.Namespace = "default"
	}
	if a.BatchMaxActions < 0 {
		return fmt.Errorf("negative batch_max_actions %d", a.BatchMaxActions)
	}
	return nil
}

// MultilineConfig converts the YAML block.
func (m *Multiline) MultilineConfig() multiline.Config {
	cfg := multiline.Config{
		Kind:     multiline.Kind(m.Type),
		MaxLines: m.MaxLines,
		MaxBytes: m.MaxBytes,
	}
	switch cfg.Kind {
	case multiline.KindCount:
		cfg.Count = multiline.CountConfig{Lines: m.CountLines}
	case multiline.KindPattern:
		cfg.Pattern = multiline.PatternConfig{
			Pattern:      m.Pattern,
			Match:        multiline.Match(m.Match),
			Negate:       m.Negate,
			FlushPattern: m.FlushPattern,
		}
	case multiline.KindWhile:
		cfg.While = multiline.WhileConfig{Pattern: m.Pattern, Negate: m.Negate}
	}
	return cfg
}
