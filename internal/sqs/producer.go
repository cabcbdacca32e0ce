// Package sqs queues due posts for the platform posting workers.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/apperr"
	"github.com/lalithlochan/postflow/internal/platform"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// API is the subset of the SQS client the producer uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Envelope is the message body placed on the queue.
type Envelope struct {
	Request    platform.PublishRequest `json:"request"`
	EnqueuedAt int64                   `json:"enqueued_at"`
}

// Producer implements platform.Publisher by queueing the request.
type Producer struct {
	client   API
	queueURL string
	fifo     bool
	now      func() time.Time
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return NewProducerWithClient(sqs.NewFromConfig(awsCfg), cfg.QueueURL, logger), nil
}

// NewProducerWithClient creates a producer around an existing client.
func NewProducerWithClient(client API, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		now:      time.Now,
		logger:   logger,
	}
}

// Publish queues the request. On FIFO queues the claim id deduplicates
// repeated sends of the same attempt and the post id orders attempts.
func (p *Producer) Publish(ctx context.Context, req platform.PublishRequest) error {
	body, err := json.Marshal(Envelope{Request: req, EnqueuedAt: p.now().UnixNano()})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"post_id": {DataType: aws.String("String"), StringValue: aws.String(req.PostID.String())},
			"team_id": {DataType: aws.String("String"), StringValue: aws.String(req.TeamID.String())},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(req.PostID.String())
		input.MessageDeduplicationId = aws.String(req.ClaimID.String())
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("post_id", req.PostID.String()),
		)
		return apperr.Wrap(apperr.KindTransport, "sqs publish", err)
	}

	p.logger.Info("post queued for publishing",
		zap.String("post_id", req.PostID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
