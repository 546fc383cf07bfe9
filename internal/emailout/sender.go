// Package emailout mirrors urgent attention items to email via AWS SES.
// Delivery is best effort: failures are logged, never propagated.
package emailout

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskline/attentiond/internal/circuitbreaker"
	"github.com/taskline/attentiond/internal/db"
)

// Directory resolves a recipient's address.
type Directory interface {
	UserEmail(ctx context.Context, userID uuid.UUID) (string, error)
}

type sesAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type Config struct {
	Region string
	From   string
}

type Sender struct {
	client    sesAPI
	directory Directory
	from      string
	breaker   *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

func New(ctx context.Context, cfg Config, directory Directory, logger *zap.Logger) (*Sender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Sender{
		client:    ses.NewFromConfig(awsCfg),
		directory: directory,
		from:      cfg.From,
		breaker:   circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger),
		logger:    logger,
	}, nil
}

// NotifyUrgent emails the recipient about an urgent attention item.
func (s *Sender) NotifyUrgent(ctx context.Context, item *db.UpsertAttentionParams) {
	if item.Priority != db.PriorityUrgent {
		return
	}
	if !s.breaker.Allow() {
		s.logger.Debug("email skipped, circuit open",
			zap.String("user_id", item.UserID.String()))
		return
	}

	to, err := s.directory.UserEmail(ctx, item.UserID)
	if err != nil || to == "" {
		s.logger.Warn("email address lookup failed",
			zap.String("user_id", item.UserID.String()), zap.Error(err))
		return
	}

	body := item.Title
	if item.Body != nil && *item.Body != "" {
		body = body + "\n\n" + *item.Body
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String("[urgent] " + item.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.breaker.RecordFailure()
		s.logger.Warn("ses send failed",
			zap.String("user_id", item.UserID.String()), zap.Error(err))
		return
	}
	s.breaker.RecordSuccess()

	s.logger.Info("urgent item mirrored to email",
		zap.String("user_id", item.UserID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
}
