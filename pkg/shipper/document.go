package shipper

import (
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/eunmann/s3-log-forwarder/pkg/pipeline"
	"github.com/eunmann/s3-log-forwarder/pkg/s3fetch"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Document is one event ready to ship, with the identity of the object it
// was read from.
type Document struct {
	ID        string
	Timestamp time.Time
	Message   string
	Offset    int64
	EndOffset int64
	Object    s3fetch.ObjectRef

	// NotificationIndex and RecordIndex locate the object in the
	// invocation: the SQS message and the S3 record inside its body.
	NotificationIndex int
	RecordIndex       int
}

// NewDocument builds the document for ev.
func NewDocument(obj s3fetch.ObjectRef, ev pipeline.Event, now time.Time) *Document {
	return &Document{
		ID:        ID(obj.BucketARN, obj.Key, ev.Begin),
		Timestamp: now.UTC(),
		Message:   string(ev.Payload),
		Offset:    ev.Begin,
		EndOffset: ev.End,
		Object:    obj,
	}
}

// DataStream names the data stream documents are enriched for.
type DataStream struct {
	Dataset   string
	Namespace string
}

// Defaults for DataStream.
const (
	DefaultDataset   = "generic"
	DefaultNamespace = "default"
)

// WithDefaults fills empty fields.
func (s DataStream) WithDefaults() DataStream {
	if s.Dataset == "" {
		s.Dataset = DefaultDataset
	}
	if s.Namespace == "" {
		s.Namespace = DefaultNamespace
	}
	return s
}

// Index is the data stream name, logs-<dataset>-<namespace>.
func (s DataStream) Index() string {
	return "logs-" + s.Dataset + "-" + s.Namespace
}

// Tags are the tags added to every enriched document.
func (s DataStream) Tags() []string {
	return []string{"preserve_original_event", "forwarded", strings.ReplaceAll(s.Dataset, ".", "-")}
}

type body struct {
	Timestamp  string          `json:"@timestamp"`
	Message    string          `json:"message"`
	Log        bodyLog         `json:"log"`
	AWS        bodyAWS         `json:"aws"`
	Cloud      bodyCloud       `json:"cloud"`
	DataStream *bodyDataStream `json:"data_stream,omitempty"`
	Event      *bodyEvent      `json:"event,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
}

type bodyLog struct {
	Offset int64        `json:"offset"`
	File   bodyFilePath `json:"file"`
}

type bodyFilePath struct {
	Path string `json:"path"`
}

type bodyAWS struct {
	S3 bodyS3 `json:"s3"`
}

type bodyS3 struct {
	Bucket bodyBucket `json:"bucket"`
	Object bodyObject `json:"object"`
}

type bodyBucket struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

type bodyObject struct {
	Key string `json:"key"`
}

type bodyCloud struct {
	Provider string `json:"provider"`
	Region   string `json:"region,omitempty"`
}

type bodyDataStream struct {
	Type      string `json:"type"`
	Dataset   string `json:"dataset"`
	Namespace string `json:"namespace"`
}

type bodyEvent struct {
	Dataset  string `json:"dataset"`
	Original string `json:"original"`
}

// body returns the indexed form of d. A nil stream leaves out the data
// stream enrichment.
func (d *Document) body(stream *DataStream) body {
	b := body{
		Timestamp: d.Timestamp.UTC().Format(timestampLayout),
		Message:   d.Message,
		Log: bodyLog{
			Offset: d.Offset,
			File:   bodyFilePath{Path: s3fetch.ObjectURL(d.Object)},
		},
		AWS: bodyAWS{S3: bodyS3{
			Bucket: bodyBucket{Name: d.Object.Bucket, ARN: d.Object.BucketARN},
			Object: bodyObject{Key: d.Object.Key},
		}},
		Cloud: bodyCloud{Provider: "aws", Region: d.Object.Region},
	}
	if stream != nil {
		b.DataStream = &bodyDataStream{Type: "logs", Dataset: stream.Dataset, Namespace: stream.Namespace}
		b.Event = &bodyEvent{Dataset: stream.Dataset, Original: d.Message}
		b.Tags = stream.Tags()
	}
	return b
}

// MarshalJSON encodes d without data stream enrichment.
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.body(nil))
}
