package handler

import (
	"fmt"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fastjson"

	"github.com/eunmann/s3-log-forwarder/pkg/pipeline"
	"github.com/eunmann/s3-log-forwarder/pkg/s3fetch"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Cursor fields carried by continued S3 records.
const (
	fieldLastBeginning = "last_beginning_offset"
	fieldLastEnding    = "last_ending_offset"
	fieldLastExpanded  = "last_expanded_offset"
)

// Notification is the body of one SQS message: an S3 event notification.
type Notification struct {
	Records []Record `json:"Records"`
}

// Record is one S3 record of a notification, with the resume cursor a
// continuation adds.
type Record struct {
	events.S3EventRecord

	LastBeginningOffset int64 `json:"last_beginning_offset,omitempty"`
	LastEndingOffset    int64 `json:"last_ending_offset,omitempty"`
	LastExpandedOffset  int   `json:"last_expanded_offset,omitempty"`
}

// ParseNotification decodes an SQS message body.
func ParseNotification(body string) (*Notification, error) {
	var n Notification
	if err := json.UnmarshalFromString(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidNotification, err)
	}
	if len(n.Records) == 0 {
		return nil, fmt.Errorf("%w: no records", ErrInvalidNotification)
	}
	return &n, nil
}

// Object returns the reference of the object the record announces. The key
// is URL-decoded.
func (r Record) Object() (s3fetch.ObjectRef, error) {
	arn := r.S3.Bucket.Arn
	if arn == "" || r.S3.Object.Key == "" {
		return s3fetch.ObjectRef{}, fmt.Errorf("%w: missing bucket arn or object key", ErrInvalidNotification)
	}

	bucket := r.S3.Bucket.Name
	if bucket == "" {
		var err error
		if bucket, err = s3fetch.ParseBucketIdentifier(arn); err != nil {
			return s3fetch.ObjectRef{}, fmt.Errorf("%w: %w", ErrInvalidNotification, err)
		}
	}

	key, err := s3fetch.UnescapeKey(r.S3.Object.Key)
	if err != nil {
		return s3fetch.ObjectRef{}, fmt.Errorf("%w: %w", ErrInvalidNotification, err)
	}

	return s3fetch.ObjectRef{
		BucketARN: arn,
		Bucket:    bucket,
		Key:       key,
		Region:    r.AWSRegion,
	}, nil
}

// Cursor returns the resume cursor the record carries.
func (r Record) Cursor() pipeline.Cursor {
	return pipeline.Cursor{
		LastBeginningOffset: r.LastBeginningOffset,
		LastEndingOffset:    r.LastEndingOffset,
		ResumeElement:       r.LastExpandedOffset,
	}
}

// ContinuationBody rewrites body so it holds only the records from index
// from onward, the first of them carrying cur. All other fields of the
// notification are kept as they were.
func ContinuationBody(body string, from int, cur pipeline.Cursor) (string, error) {
	var p fastjson.Parser
	v, err := p.Parse(body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidNotification, err)
	}
	rv := v.Get("Records")
	if rv == nil {
		return "", fmt.Errorf("%w: no records", ErrInvalidNotification)
	}
	recs, err := rv.Array()
	if err != nil {
		return "", fmt.Errorf("%w: records: %w", ErrInvalidNotification, err)
	}
	if from < 0 || from >= len(recs) {
		return "", fmt.Errorf("%w: record %d out of %d", ErrInvalidNotification, from, len(recs))
	}

	var a fastjson.Arena
	first := recs[from]
	if first.Type() != fastjson.TypeObject {
		return "", fmt.Errorf("%w: record %d is not an object", ErrInvalidNotification, from)
	}
	first.Set(fieldLastBeginning, a.NewNumberString(strconv.FormatInt(cur.LastBeginningOffset, 10)))
	first.Set(fieldLastEnding, a.NewNumberString(strconv.FormatInt(cur.LastEndingOffset, 10)))
	if cur.ResumeElement > 0 {
		first.Set(fieldLastExpanded, a.NewNumberInt(cur.ResumeElement))
	} else {
		first.Del(fieldLastExpanded)
	}

	rest := a.NewArray()
	for i, rec := range recs[from:] {
		rest.SetArrayItem(i, rec)
	}
	v.Set("Records", rest)
	return string(v.MarshalTo(nil)), nil
}
