package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSAPI is the slice of the SNS client the senders use.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// NewSNSClient loads the default AWS config for the region.
func NewSNSClient(ctx context.Context, region string) (*sns.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return sns.NewFromConfig(awsCfg), nil
}

// SMSSender sends instant messages to phone numbers through SNS.
type SMSSender struct {
	client SNSAPI
	logger *zap.Logger
}

// NewSMSSender creates an SMS sender
func NewSMSSender(client SNSAPI, logger *zap.Logger) *SMSSender {
	return &SMSSender{client: client, logger: logger}
}

func (s *SMSSender) Channel() Channel { return ChannelSMS }

// Send publishes the message text to an E.164 phone number
func (s *SMSSender) Send(ctx context.Context, phone string, msg Message) error {
	if phone == "" {
		return ErrNoDestination
	}
	text := msg.Text()
	if text == "" {
		return fmt.Errorf("sms message is empty")
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(text),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// PushSender sends mobile push notifications to SNS platform endpoints.
type PushSender struct {
	client SNSAPI
	logger *zap.Logger
}

// NewPushSender creates a push sender
func NewPushSender(client SNSAPI, logger *zap.Logger) *PushSender {
	return &PushSender{client: client, logger: logger}
}

func (s *PushSender) Channel() Channel { return ChannelPush }

// Send publishes a per-platform payload to the endpoint ARN
func (s *PushSender) Send(ctx context.Context, endpointARN string, msg Message) error {
	if endpointARN == "" {
		return ErrNoDestination
	}

	payload, err := pushPayload(msg)
	if err != nil {
		return err
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(endpointARN),
		Message:          aws.String(payload),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return fmt.Errorf("sns push failed: %w", err)
	}

	s.logger.Info("push sent via SNS",
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// pushPayload builds the SNS json message structure with APNS and FCM
// bodies. Platform payloads are themselves JSON-encoded strings.
func pushPayload(msg Message) (string, error) {
	apns, err := json.Marshal(map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{"title": msg.Subject, "body": msg.Body},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal apns payload: %w", err)
	}
	gcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{"title": msg.Subject, "body": msg.Body},
		"data":         msg.TemplateData,
	})
	if err != nil {
		return "", fmt.Errorf("marshal gcm payload: %w", err)
	}

	out, err := json.Marshal(map[string]string{
		"default":      msg.Text(),
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
		"GCM":          string(gcm),
	})
	if err != nil {
		return "", fmt.Errorf("marshal push payload: %w", err)
	}
	return string(out), nil
}
