package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/eunmann/s3-log-forwarder/internal/logctx"
	"github.com/eunmann/s3-log-forwarder/pkg/jsonclass"
	"github.com/eunmann/s3-log-forwarder/pkg/multiline"
)

const validYAML = `
inputs:
  - type: sqs
    id: arn:aws:sqs:eu-west-1:123456789012:logs
    json_content_type: ndjson
    json_circuit_breaker_bytes: 1048576
    expand_event_list_from_field: Records
    include: ["ERROR", "WARN"]
    exclude: ["healthcheck"]
    multiline:
      type: pattern
      pattern: '^\s'
      match: after
    outputs:
      - type: elasticsearch
        args:
          elasticsearch_url: https://es.example.com:9200
          username: elastic
          password: secret
          dataset: aws.cloudtrail
          namespace: prod
          batch_max_actions: 500
      - type: parquet
        args:
          path: /tmp/out.parquet
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse(context.Background(), []byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	in, err := cfg.Input(InputSQS, "arn:aws:sqs:eu-west-1:123456789012:logs")
	if err != nil {
		t.Fatal(err)
	}
	if len(in.Outputs) != 2 {
		t.Fatalf("got %d outputs", len(in.Outputs))
	}
	es := in.Outputs[0].Elasticsearch
	if es == nil || es.URL != "https://es.example.com:9200" || es.Dataset != "aws.cloudtrail" || es.BatchMaxActions != 500 {
		t.Errorf("elasticsearch args = %+v", es)
	}
	if p := in.Outputs[1].Parquet; p == nil || p.Path != "/tmp/out.parquet" {
		t.Errorf("parquet args = %+v", p)
	}

	opts, err := in.PipelineOptions(context.Background(), Settings{ChunkSize: 4096})
	if err != nil {
		t.Fatal(err)
	}
	if opts.JSON.ContentType != jsonclass.ContentNDJSON || opts.JSON.SizeThreshold != 1048576 {
		t.Errorf("json config = %+v", opts.JSON)
	}
	if opts.Expander == nil || opts.Expander.Field() != "Records" {
		t.Error("expander not configured")
	}
	if opts.Multiline == nil || opts.Multiline.Kind() != multiline.KindPattern {
		t.Error("multiline not configured")
	}
	if opts.Filter == nil || !opts.Filter.Accept([]byte("ERROR x")) || opts.Filter.Accept([]byte("ERROR healthcheck")) {
		t.Error("filter not configured")
	}
	if opts.ChunkSize != 4096 {
		t.Errorf("ChunkSize = %d", opts.ChunkSize)
	}

	if _, err := cfg.Input(InputSQS, "other"); !errors.Is(err, ErrUnknownInput) {
		t.Errorf("unknown input err = %v", err)
	}
}

func TestPipelineOptionsFieldResolver(t *testing.T) {
	in := &Input{
		Type:                     InputSQS,
		ID:                       "queue-a",
		ExpandEventListFromField: "events",
	}
	var scopes []string
	s := Settings{FieldResolver: func(scope, field string) string {
		scopes = append(scopes, scope)
		return "detail." + field
	}}

	opts, err := in.PipelineOptions(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	rec := jsonclass.Record{Content: []byte(`{"events":[1],"detail":{"events":[1,2,3]}}`), JSON: true}
	it, ok, err := opts.Expander.Expand(rec, 0)
	if err != nil || !ok {
		t.Fatalf("Expand: ok=%v err=%v", ok, err)
	}
	if it.Len() != 3 {
		t.Errorf("expanded %d elements, want 3 from the resolved path", it.Len())
	}
	if diff := cmp.Diff([]string{"queue-a"}, scopes); diff != "" {
		t.Errorf("resolver scopes mismatch (-want +got):\n%s", diff)
	}
}

func TestParseInvalid(t *testing.T) {
	output := `
    outputs:
      - type: elasticsearch
        args: {elasticsearch_url: "http://es", api_key: k}`
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"not yaml", "inputs: [", "parse yaml"},
		{"no inputs", "inputs: []", "no inputs"},
		{"bad input type", "inputs:\n  - type: kinesis\n    id: a" + output, "type must be sqs"},
		{"missing id", "inputs:\n  - type: sqs" + output, "missing id"},
		{"duplicated input", "inputs:\n  - type: sqs\n    id: a" + output + "\n  - type: sqs\n    id: a" + output, "duplicated input"},
		{"no outputs", "inputs:\n  - type: sqs\n    id: a", "no outputs"},
		{"bad output type", "inputs:\n  - type: sqs\n    id: a\n    outputs:\n      - type: kafka", "type must be one of"},
		{"duplicated output", "inputs:\n  - type: sqs\n    id: a" + output + `
      - type: elasticsearch
        args: {elasticsearch_url: "http://es", api_key: k}`, "duplicated output"},
		{"no address", "inputs:\n  - type: sqs\n    id: a\n    outputs:\n      - type: elasticsearch\n        args: {api_key: k}", "elasticsearch_url or cloud_id"},
		{"no auth", "inputs:\n  - type: sqs\n    id: a\n    outputs:\n      - type: elasticsearch\n        args: {cloud_id: c}", "api_key must be set"},
		{"no password", "inputs:\n  - type: sqs\n    id: a\n    outputs:\n      - type: elasticsearch\n        args: {cloud_id: c, username: u}", "password must be set"},
		{"parquet without path", "inputs:\n  - type: sqs\n    id: a\n    outputs:\n      - type: parquet\n        args: {}", "missing path"},
		{"bad content type", "inputs:\n  - type: sqs\n    id: a\n    json_content_type: xml" + output, "unknown json content type"},
		{"bad include", "inputs:\n  - type: sqs\n    id: a\n    include: ['(']" + output, "compile include"},
		{"bad multiline", "inputs:\n  - type: sqs\n    id: a\n    multiline: {type: count}" + output, "invalid multiline config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(context.Background(), []byte(tt.yaml))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestParsePrecedenceWarnings(t *testing.T) {
	var buf bytes.Buffer
	ctx := logctx.WithLogger(context.Background(), zerolog.New(&buf))

	cfg, err := Parse(ctx, []byte(`
inputs:
  - type: sqs
    id: a
    outputs:
      - type: elasticsearch
        args:
          elasticsearch_url: http://es
          cloud_id: deployment:abc
          username: u
          password: p
          api_key: key
`))
	if err != nil {
		t.Fatal(err)
	}
	es := cfg.Inputs[0].Outputs[0].Elasticsearch
	if es.URL != "" || es.CloudID != "deployment:abc" {
		t.Errorf("cloud_id did not win: %+v", es)
	}
	if es.Username != "" || es.Password != "" || es.APIKey != "key" {
		t.Errorf("api_key did not win: %+v", es)
	}
	if es.Dataset != "generic" || es.Namespace != "default" {
		t.Errorf("defaults = %s/%s", es.Dataset, es.Namespace)
	}

	out := buf.String()
	for _, want := range []string{"using cloud_id", "using api_key", "using generic", "using default"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, `"input":"a"`) {
		t.Errorf("warnings lack the input field:\n%s", out)
	}
}

type fakeFetcher map[string][]byte

func (f fakeFetcher) FetchURI(ctx context.Context, uri string) ([]byte, error) {
	data, ok := f[uri]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	fetch := fakeFetcher{"s3://cfg-bucket/forwarder.yml": []byte(validYAML)}
	if _, err := Load(ctx, "s3://cfg-bucket/forwarder.yml", fetch); err != nil {
		t.Errorf("s3 load: %v", err)
	}
	if _, err := Load(ctx, "s3://cfg-bucket/missing.yml", fetch); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing s3 object: %v", err)
	}

	path := filepath.Join(t.TempDir(), "forwarder.yml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(ctx, path, nil); err != nil {
		t.Errorf("file load: %v", err)
	}
}

func TestBuildOutputs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.parquet")
	cfg, err := Parse(context.Background(), []byte(`
inputs:
  - type: sqs
    id: a
    outputs:
      - type: elasticsearch
        args: {elasticsearch_url: "http://localhost:9200", api_key: k}
      - type: parquet
        args: {path: "`+path+`"}
`))
	if err != nil {
		t.Fatal(err)
	}
	comp, err := cfg.Inputs[0].BuildOutputs(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer comp.Close()
	if comp.Len() != 2 {
		t.Errorf("Len = %d, want 2", comp.Len())
	}
}

func TestLoadSettings(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s, err := LoadSettings()
		if err != nil {
			t.Fatal(err)
		}
		if s.ChunkSize != 1024*1024 || s.GracePeriod != 2*time.Minute || s.LogLevel != "info" || s.Debug() {
			t.Errorf("defaults = %+v", s)
		}
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("S3_CONFIG_FILE", "s3://bucket/config.yml")
		t.Setenv("SQS_CONTINUE_URL", "https://sqs.eu-west-1.amazonaws.com/1/continue")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("LOG_HUMAN", "true")
		t.Setenv("CHUNK_SIZE", "65536")
		t.Setenv("COMPLETION_GRACE_PERIOD", "90s")

		s, err := LoadSettings()
		if err != nil {
			t.Fatal(err)
		}
		want := Settings{
			ConfigFile:  "s3://bucket/config.yml",
			ContinueURL: "https://sqs.eu-west-1.amazonaws.com/1/continue",
			LogLevel:    "debug",
			LogHuman:    true,
			ChunkSize:   65536,
			GracePeriod: 90 * time.Second,
		}
		if diff := cmp.Diff(want, s); diff != "" {
			t.Errorf("settings mismatch (-want +got):\n%s", diff)
		}
		if !s.Debug() {
			t.Error("Debug() = false")
		}
	})

	t.Run("invalid", func(t *testing.T) {
		t.Setenv("CHUNK_SIZE", "0")
		if _, err := LoadSettings(); err == nil {
			t.Error("zero chunk size accepted")
		}
	})
}
