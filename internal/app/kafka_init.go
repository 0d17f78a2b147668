package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/campusstore/internal/messaging/sqs"
)

const kafkaClientID = "campusstore"

// relay — внешний брокер для outbox: основной паблишер, DLQ и функция закрытия.
type relay struct {
	name      string
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	closeFn   func()
}

// initRelay выбирает брокер по конфигу. Без брокера возвращает nil, nil:
// уведомления тогда остаются в хабе и в таблице notifications.
func initRelay(ctx context.Context, cfg Config, logger *log.Entry) (*relay, error) {
	switch {
	case cfg.KafkaBrokers != "":
		producer, err := initKafkaProducer(cfg.kafkaBrokerList(), logger)
		if err != nil {
			return nil, err
		}
		r := &relay{
			name:      "kafka",
			publisher: kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
			closeFn:   func() { closeKafka(producer, logger) },
		}
		if cfg.KafkaDLQTopic != "" {
			r.dlq = kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic)
		}
		return r, nil
	case cfg.SQSQueueURL != "":
		client, err := sqs.NewClient(ctx, sqs.ClientConfig{Region: cfg.AWSRegion, Endpoint: cfg.SQSEndpoint})
		if err != nil {
			return nil, fmt.Errorf("create sqs client: %w", err)
		}
		r := &relay{
			name:      "sqs",
			publisher: sqs.NewPublisher(client, cfg.SQSQueueURL),
		}
		if cfg.SQSDLQQueueURL != "" {
			r.dlq = sqs.NewPublisher(client, cfg.SQSDLQQueueURL)
		}
		logger.WithField("queue_url", cfg.SQSQueueURL).Info("sqs relay initialized")
		return r, nil
	default:
		return nil, nil
	}
}

func (r *relay) close() {
	if r != nil && r.closeFn != nil {
		r.closeFn()
	}
}

// initKafkaProducer создаёт sync producer для списка брокеров.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers list is empty")
	}

	producer, err := kafka.NewProducer(brokers, kafkaClientID)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
