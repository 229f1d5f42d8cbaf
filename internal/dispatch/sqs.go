package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// maxSQSDelay is the largest per-message delay SQS accepts.
const maxSQSDelay = 15 * time.Minute

// SQSPublisher dispatches ticks to an SQS queue. On a FIFO queue the account
// is the message group and the tick id the deduplication id, so at most one
// copy of a successor is delivered and ticks for one account stay ordered.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	now      func() time.Time
	// RetryDelay postpones retry ticks. Standard queues delay delivery;
	// FIFO queues cannot, so the consumer holds back a tick whose NotBefore
	// has not passed.
	RetryDelay time.Duration
}

// NewSQSPublisher creates a new SQSPublisher.
func NewSQSPublisher(client SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		now:      time.Now,
	}
}

// DispatchTick sends the tick message to SQS.
func (p *SQSPublisher) DispatchTick(ctx context.Context, msg TickMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg = withRetryDelay(msg, p.RetryDelay, p.now())

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if p.fifo {
		input.MessageGroupId = aws.String(msg.AccountID)
		if msg.ID != "" {
			input.MessageDeduplicationId = aws.String(msg.ID)
		}
	} else if msg.Reason == ReasonRetry && p.RetryDelay > 0 {
		input.DelaySeconds = int32(min(p.RetryDelay, maxSQSDelay) / time.Second)
	}

	_, err = p.client.SendMessage(ctx, input)
	return err
}
