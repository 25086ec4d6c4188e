package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSExporter sends one message per settled usage row. On a FIFO queue the
// tenant is the message group, so a consumer sees a tenant's charges in
// settlement order, and the usage id deduplicates retries.
type SQSExporter struct {
	client   sqsSender
	queueURL string
	fifo     bool
}

func NewSQSExporter(cfg aws.Config, queueURL string) *SQSExporter {
	return newSQSExporter(sqs.NewFromConfig(cfg), queueURL)
}

func newSQSExporter(client sqsSender, queueURL string) *SQSExporter {
	return &SQSExporter{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

func (e *SQSExporter) Export(ctx context.Context, event UsageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(e.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Kind":     stringAttr(string(event.Kind)),
			"TenantID": stringAttr(event.TenantID),
			"ModelID":  stringAttr(event.ModelID),
		},
	}
	if e.fifo {
		input.MessageGroupId = aws.String(event.TenantID)
		input.MessageDeduplicationId = aws.String(event.ID)
	}

	if _, err := e.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage event %s: %w", event.ID, err)
	}
	return nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}
