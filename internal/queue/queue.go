// Package queue wraps Amazon SQS as the message bus for C2: the image and
// region queues described in SPEC_FULL.md §4.2. The wrapper shape (a small
// struct holding a constructed SDK client, constructed from config, with
// context-aware methods; Open logs the resolved queue) follows the
// teacher's S3Client in s3.go.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/mumuon/model-runner/internal/awsutil"
)

// Message is one dequeued message: a body and an opaque receipt handle
// used to Finish or Reset the lease.
type Message struct {
	Body          string
	ReceiptHandle string
}

// Queue wraps one SQS queue.
type Queue struct {
	client *sqs.Client
	url    string
	name   string
}

// Open resolves queueName to its SQS URL and returns a ready Queue.
func Open(ctx context.Context, region, queueName string) (*Queue, error) {
	cfg, err := awsutil.LoadConfig(ctx, region, "")
	if err != nil {
		return nil, err
	}
	client := sqs.NewFromConfig(cfg)

	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
	if err != nil {
		return nil, fmt.Errorf("resolve queue url %s: %w", queueName, err)
	}

	slog.Info("queue opened", "name", queueName, "url", aws.ToString(out.QueueUrl))
	return &Queue{client: client, url: aws.ToString(out.QueueUrl), name: queueName}, nil
}

// Send enqueues body as a new message.
func (q *Queue) Send(ctx context.Context, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", q.name, err)
	}
	return nil
}

// Receive long-polls for up to maxMessages, leasing each for
// visibilityTimeout.
func (q *Queue) Receive(ctx context.Context, maxMessages int32, visibilityTimeout time.Duration) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   int32(visibilityTimeout.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.name, err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return messages, nil
}

// Finish deletes a successfully processed message, ending its lease for
// good.
func (q *Queue) Finish(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("finish on %s: %w", q.name, err)
	}
	return nil
}

// Reset releases a message back to the queue, visible again after delay
// (0 makes it immediately visible). The region listener uses it to return
// a region request whose processing failed.
func (q *Queue) Reset(ctx context.Context, msg Message, delay time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(msg.ReceiptHandle),
		VisibilityTimeout: int32(delay.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("reset on %s: %w", q.name, err)
	}
	return nil
}

// Name returns the queue's logical name, used for log fields.
func (q *Queue) Name() string { return q.name }
