package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNS caps subjects at 100 characters.
const maxSubjectLen = 100

type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes alerts to a topic. Message attributes carry the type,
// severity and tenant so subscriptions can filter without parsing the body.
type SNSNotifier struct {
	client   snsPublisher
	topicArn string
	now      func() time.Time
	logger   *slog.Logger
}

func NewSNSNotifier(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
		now:      time.Now,
		logger:   slog.Default().With("component", "notifications"),
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	if notification.SentAt.IsZero() {
		notification.SentAt = n.now().UTC()
	}
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := notification.Subject()
	if len(subject) > maxSubjectLen {
		subject = subject[:maxSubjectLen]
	}

	attrs := map[string]snstypes.MessageAttributeValue{
		"Type":     stringAttr(string(notification.Type)),
		"Severity": stringAttr(string(notification.Type.Severity())),
	}
	if notification.TenantID != "" {
		attrs["TenantID"] = stringAttr(notification.TenantID)
	}
	if server, ok := notification.Data["server"].(string); ok && server != "" {
		attrs["ToolServer"] = stringAttr(server)
	}

	out, err := n.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(n.topicArn),
		Subject:           aws.String(subject),
		Message:           aws.String(string(message)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("publish %s notification: %w", notification.Type, err)
	}

	n.logger.Info("notification published",
		"type", notification.Type,
		"tenant_id", notification.TenantID,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

func stringAttr(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}
