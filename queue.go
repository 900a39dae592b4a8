package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
)

type SQSClientInterface interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ListQueues(ctx context.Context, params *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Queue is what the poll loop needs from the remote queue.
type Queue interface {
	Fetch(ctx context.Context, maxMessages, waitSeconds int32) ([]RawMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// ErrorKind tells the poll loop how to react to a failed queue operation.
type ErrorKind int

const (
	KindOperationFailed ErrorKind = iota
	KindNetworkUnreachable
)

func (k ErrorKind) String() string {
	if k == KindNetworkUnreachable {
		return "network_unreachable"
	}
	return "operation_failed"
}

var ErrQueueNotFound = errors.New("queue not found")

type QueueError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of a queue error. Anything unrecognised is an
// operation failure so the caller retries rather than crashes.
func KindOf(err error) ErrorKind {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindOperationFailed
}

func classifyError(op string, err error) error {
	kind := KindOperationFailed
	if isNetworkUnreachable(err) {
		kind = KindNetworkUnreachable
	}
	return &QueueError{Kind: kind, Op: op, Err: err}
}

func isNetworkUnreachable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

// QueueClient binds an SQS client to a single resolved queue.
type QueueClient struct {
	sqsClient SQSClientInterface
	queueURL  string
	logger    zerolog.Logger
}

// ResolveQueue looks the queue up by name and falls back to searching every
// visible queue for one whose name contains it. Some IAM setups deny
// GetQueueUrl but allow ListQueues.
func ResolveQueue(ctx context.Context, client SQSClientInterface, name string, logger zerolog.Logger) (*QueueClient, error) {
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err == nil && aws.ToString(out.QueueUrl) != "" {
		return &QueueClient{sqsClient: client, queueURL: aws.ToString(out.QueueUrl), logger: logger}, nil
	}

	logger.Debug().Err(err).Str("queue_name", name).Msg("Could not get queue by name, searching all queues")

	var matches []string
	paginator := sqs.NewListQueuesPaginator(client, &sqs.ListQueuesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list queues: %w", err)
		}
		for _, url := range page.QueueUrls {
			if strings.Contains(path.Base(url), name) {
				matches = append(matches, url)
			}
		}
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no queue name contains %q", ErrQueueNotFound, name)
	}
	if len(matches) > 1 {
		logger.Warn().
			Str("queue_name", name).
			Strs("matches", matches).
			Str("selected", matches[0]).
			Msg("Multiple queues match name, using the first one listed")
	}

	return &QueueClient{sqsClient: client, queueURL: matches[0], logger: logger}, nil
}

func (qc *QueueClient) URL() string {
	return qc.queueURL
}

func (qc *QueueClient) Fetch(ctx context.Context, maxMessages, waitSeconds int32) ([]RawMessage, error) {
	result, err := qc.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(qc.queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     waitSeconds,
	})
	if err != nil {
		return nil, classifyError("receive", err)
	}

	messages := make([]RawMessage, 0, len(result.Messages))
	for _, m := range result.Messages {
		messages = append(messages, RawMessage{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return messages, nil
}

// Delete removes one delivery. A handle that is already gone counts as deleted.
func (qc *QueueClient) Delete(ctx context.Context, receiptHandle string) error {
	_, err := qc.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(qc.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err == nil {
		return nil
	}

	var invalid *types.ReceiptHandleIsInvalid
	var notInflight *types.MessageNotInflight
	if errors.As(err, &invalid) || errors.As(err, &notInflight) {
		qc.logger.Debug().Err(err).Msg("Receipt handle no longer valid, treating as deleted")
		return nil
	}
	return classifyError("delete", err)
}

func (qc *QueueClient) LogQueueStats(ctx context.Context) {
	result, err := qc.sqsClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(qc.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})

	if err != nil {
		qc.logger.Error().Err(err).Msg("Failed to fetch queue stats")
		return
	}

	available := result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	inFlight := result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)]
	delayed := result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed)]

	qc.logger.Debug().
		Str("queue_url", qc.queueURL).
		Str("available", available).
		Str("in_flight", inFlight).
		Str("delayed", delayed).
		Msg("SQS queue stats")
}
