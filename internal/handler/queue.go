package handler

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// OriginalSourceAttribute is the message attribute naming the input a
// continuation message belongs to.
const OriginalSourceAttribute = "originalEventSourceARN"

// Queue receives continuation messages.
type Queue interface {
	Send(ctx context.Context, body string, attrs map[string]string) error
}

// SQSQueue sends continuation messages to an SQS queue.
type SQSQueue struct {
	client *sqs.Client
	url    string
}

var _ Queue = (*SQSQueue)(nil)

// NewSQSQueue creates a queue for url.
func NewSQSQueue(cfg aws.Config, url string) *SQSQueue {
	return &SQSQueue{client: sqs.NewFromConfig(cfg), url: url}
}

// URL returns the queue URL.
func (q *SQSQueue) URL() string {
	return q.url
}

// Send sends body with attrs as string message attributes.
func (q *SQSQueue) Send(ctx context.Context, body string, attrs map[string]string) error {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(body),
	}
	if len(attrs) > 0 {
		in.MessageAttributes = make(map[string]types.MessageAttributeValue, len(attrs))
		for k, v := range attrs {
			in.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}
	if _, err := q.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("send continuation to %s: %w", q.url, err)
	}
	return nil
}
