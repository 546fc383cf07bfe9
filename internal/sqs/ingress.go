// Package sqs provides an optional SQS ingress for deployments where
// upstream services publish domain events through AWS instead of the
// Redis stream.
package sqs

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Handler processes one raw event body. A nil return deletes the
// message; an error leaves it for redelivery after visibility timeout.
type Handler func(ctx context.Context, body []byte) error

// Ingress long-polls an SQS queue for event envelopes. Messages are
// deleted only after the handler commits, mirroring the Redis queue's
// ack-after-commit behavior.
type Ingress struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

func NewIngress(ctx context.Context, cfg Config, logger *zap.Logger) (*Ingress, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs ingress initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Ingress{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Run polls until the context is cancelled.
func (i *Ingress) Run(ctx context.Context, handle Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := i.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(i.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   60,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i.logger.Warn("sqs receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, msg := range out.Messages {
			i.process(ctx, handle, msg)
		}
	}
}

func (i *Ingress) process(ctx context.Context, handle Handler, msg types.Message) {
	body := ""
	if msg.Body != nil {
		body = *msg.Body
	}
	if err := handle(ctx, []byte(body)); err != nil {
		i.logger.Warn("sqs event handling failed, leaving for redelivery",
			zap.Error(err))
		return
	}

	_, err := i.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(i.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		// Already committed; the duplicate redelivery is absorbed by
		// dedup keys downstream.
		i.logger.Warn("sqs delete failed", zap.Error(err))
	}
}
