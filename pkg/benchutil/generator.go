// Package benchutil provides synthetic log objects for benchmarks and testing.
package benchutil

import (
	"bytes"
	"fmt"
	"math/rand"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Shape selects the layout of a generated object.
type Shape string

const (
	ShapePlain      Shape = "plain"
	ShapeStackTrace Shape = "stacktrace"
	ShapeNDJSON     Shape = "ndjson"
	ShapeCloudTrail Shape = "cloudtrail"
)

// StackTracePattern marks the first line of each ShapeStackTrace event;
// with match after it joins the indented lines that follow.
const StackTracePattern = `^\S`

// CloudTrailField is the field ShapeCloudTrail nests its events under.
const CloudTrailField = "Records"

// GeneratorConfig configures synthetic data generation.
type GeneratorConfig struct {
	// NumEvents is the number of events in the object.
	NumEvents int
	// Shape is the object layout.
	Shape Shape
	// CRLF terminates lines with \r\n instead of \n.
	CRLF bool
	// Gzip compresses the object.
	Gzip bool
	// Seed for reproducible generation. 0 = use default seed.
	Seed int64
}

// DefaultConfig returns a plain-text configuration.
func DefaultConfig(numEvents int) GeneratorConfig {
	return GeneratorConfig{
		NumEvents: numEvents,
		Shape:     ShapePlain,
		Seed:      BenchmarkSeed,
	}
}

// Object is a generated object. Events counts the events it yields once
// stack traces are joined with StackTracePattern and CloudTrail documents
// are expanded on CloudTrailField.
type Object struct {
	Data   []byte
	Events int
	// Raw is the uncompressed size.
	Raw int
}

// Generator generates synthetic log objects.
type Generator struct {
	cfg  GeneratorConfig
	rng  *rand.Rand
	base time.Time
}

// NewGenerator creates a new data generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = BenchmarkSeed
	}
	return &Generator{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(seed)),
		base: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Generate builds one object.
func (g *Generator) Generate() (Object, error) {
	var buf bytes.Buffer
	switch g.cfg.Shape {
	case ShapeCloudTrail:
		g.writeCloudTrail(&buf)
	default:
		for i := 0; i < g.cfg.NumEvents; i++ {
			g.writeEvent(&buf, i)
		}
	}

	obj := Object{Data: buf.Bytes(), Events: g.cfg.NumEvents, Raw: buf.Len()}
	if !g.cfg.Gzip {
		return obj, nil
	}
	var packed bytes.Buffer
	zw := gzip.NewWriter(&packed)
	if _, err := zw.Write(obj.Data); err != nil {
		return Object{}, fmt.Errorf("compress object: %w", err)
	}
	if err := zw.Close(); err != nil {
		return Object{}, fmt.Errorf("compress object: %w", err)
	}
	obj.Data = packed.Bytes()
	return obj, nil
}

// MustGenerate is Generate for benchmark setup.
func (g *Generator) MustGenerate() Object {
	obj, err := g.Generate()
	if err != nil {
		panic(err)
	}
	return obj
}

func (g *Generator) newline(buf *bytes.Buffer) {
	if g.cfg.CRLF {
		buf.WriteString("\r\n")
		return
	}
	buf.WriteByte('\n')
}

func (g *Generator) timestamp(i int) string {
	return g.base.Add(time.Duration(i) * 137 * time.Millisecond).Format(time.RFC3339Nano)
}

var (
	levels   = []string{"INFO", "INFO", "INFO", "DEBUG", "WARN", "ERROR"}
	services = []string{"api", "billing", "auth", "worker", "scheduler"}
	actions  = []string{"GetObject", "PutObject", "ListBuckets", "AssumeRole", "DescribeInstances"}
)

func (g *Generator) writeEvent(buf *bytes.Buffer, i int) {
	level := levels[g.rng.Intn(len(levels))]
	svc := services[g.rng.Intn(len(services))]
	switch g.cfg.Shape {
	case ShapeNDJSON:
		fmt.Fprintf(buf, `{"@timestamp":%q,"level":%q,"service":%q,"request_id":"%08x","latency_ms":%d}`,
			g.timestamp(i), level, svc, g.rng.Uint32(), g.rng.Intn(2000))
		g.newline(buf)
	case ShapeStackTrace:
		fmt.Fprintf(buf, "%s %s [%s] request %08x failed", g.timestamp(i), level, svc, g.rng.Uint32())
		g.newline(buf)
		for d := 0; d < 1+g.rng.Intn(4); d++ {
			fmt.Fprintf(buf, "\tat %s.handler%d(%s.go:%d)", svc, d, svc, 10+g.rng.Intn(400))
			g.newline(buf)
		}
	default:
		fmt.Fprintf(buf, "%s %s [%s] handled request %08x in %dms", g.timestamp(i), level, svc, g.rng.Uint32(), g.rng.Intn(2000))
		g.newline(buf)
	}
}

func (g *Generator) writeCloudTrail(buf *bytes.Buffer) {
	buf.WriteString(`{"` + CloudTrailField + `":[`)
	for i := 0; i < g.cfg.NumEvents; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(buf, `{"eventVersion":"1.08","eventTime":%q,"eventSource":"s3.amazonaws.com","eventName":%q,"awsRegion":"us-east-1","requestID":"%016x"}`,
			g.timestamp(i), actions[g.rng.Intn(len(actions))], g.rng.Uint64())
	}
	buf.WriteString(`]}`)
	g.newline(buf)
}
