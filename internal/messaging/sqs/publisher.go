package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/messaging/kafka"
)

const defaultRegion = "us-east-1"

// API описывает подмножество клиента SQS, которое нужно паблишеру.
type API interface {
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
}

// ClientConfig описывает подключение к SQS. Endpoint задаётся для localstack.
type ClientConfig struct {
	Region   string
	Endpoint string
}

// NewClient загружает стандартную цепочку AWS credentials и создаёт клиента SQS.
func NewClient(ctx context.Context, cfg ClientConfig) (*awssqs.Client, error) {
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Publisher ретранслирует outbox-сообщения в очередь SQS.
// Тело сообщения совпадает с Kafka relay envelope, чтобы потребители не зависели от брокера.
type Publisher struct {
	client   API
	queueURL string
	fifo     bool
	now      func() time.Time
}

// NewPublisher возвращает паблишер, привязанный к очереди.
func NewPublisher(client API, queueURL string) *Publisher {
	return &Publisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Publisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("sqs outbox publisher is not initialized")
	}
	if p.queueURL == "" {
		return fmt.Errorf("sqs queue url is required")
	}

	envelope := kafka.NewRelayEnvelope(event, p.now())
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}

	input := &awssqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type":     stringAttribute(event.EventType),
			"aggregate_type": stringAttribute(event.AggregateType),
		},
	}
	if p.fifo {
		// FIFO: порядок внутри агрегата, дедупликация по id outbox-записи.
		input.MessageGroupId = aws.String(envelope.Key())
		input.MessageDeduplicationId = aws.String(event.ID)
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func stringAttribute(v string) sqstypes.MessageAttributeValue {
	if v == "" {
		v = "unknown"
	}
	return sqstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

var _ domain.OutboxPublisher = (*Publisher)(nil)
