package benchutil

// Shared constants for benchmarks across packages.

// BenchmarkSeed is the default seed for reproducible benchmark data generation.
const BenchmarkSeed = 42

// Standard benchmark sizes, in events per object.
var BenchmarkSizes = []int{1000, 10000, 100000}

// ScalingSizes are larger sizes for comprehensive scaling tests.
// Used with S3LOGFWD_LONG_BENCH=1 environment variable.
var ScalingSizes = []int{250000, 1000000}

// Shapes are the standard object layouts for benchmarking:
//   - plain: one text line per event
//   - stacktrace: text events followed by indented continuation lines
//   - ndjson: one JSON object per line
//   - cloudtrail: a single JSON document with a Records array
var Shapes = []Shape{ShapePlain, ShapeStackTrace, ShapeNDJSON, ShapeCloudTrail}
