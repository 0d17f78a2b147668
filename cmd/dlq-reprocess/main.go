// Команда dlq-reprocess переотправляет уведомления из DLQ-топика обратно в основной.
// По умолчанию работает в dry-run и только печатает кандидатов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	brokersEnv         = "CAMPUS_KAFKA_BROKERS"
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
	eventTypes  map[string]struct{}
	maxAge      time.Duration
}

func (c config) validate() error {
	var errs []error
	if len(c.brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka brokers are required (-brokers or %s)", brokersEnv))
	}
	if strings.TrimSpace(c.sourceTopic) == "" {
		errs = append(errs, errors.New("source-topic is required"))
	}
	if strings.TrimSpace(c.targetTopic) == "" {
		errs = append(errs, errors.New("target-topic is required"))
	}
	if c.limit <= 0 {
		errs = append(errs, errors.New("limit must be > 0"))
	}
	if c.idleTimeout <= 0 {
		errs = append(errs, errors.New("idle-timeout must be > 0"))
	}
	if c.maxAge < 0 {
		errs = append(errs, errors.New("max-age must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c config) mode() string {
	if c.execute {
		return "execute"
	}
	return "dry-run"
}

// Узкие срезы sarama-интерфейсов, чтобы тесты обходились без брокера.
type (
	offsetClient interface {
		GetOffset(topic string, partition int32, time int64) (int64, error)
		Partitions(topic string) ([]int32, error)
		Close() error
	}
	partitionConsumer interface {
		Messages() <-chan *sarama.ConsumerMessage
		Errors() <-chan *sarama.ConsumerError
		Close() error
	}
	partitionConsumerSource interface {
		ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
		Close() error
	}
	replayProducer interface {
		SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
		Close() error
	}
)

// consumerSource приводит sarama.Consumer к partitionConsumerSource.
type consumerSource struct {
	sarama.Consumer
}

func (s consumerSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.Consumer.ConsumePartition(topic, partition, offset)
}

// kafkaConn держит соединения одного запуска. producer есть только в execute-режиме.
type kafkaConn struct {
	client   offsetClient
	consumer partitionConsumerSource
	producer replayProducer
}

func (k *kafkaConn) Close() {
	for _, c := range []io.Closer{k.producer, k.consumer, k.client} {
		if c != nil {
			_ = c.Close()
		}
	}
}

var connect = func(cfg config) (*kafkaConn, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	conn := &kafkaConn{client: client, consumer: consumerSource{consumer}}
	if !cfg.execute {
		return conn, nil
	}

	producer, err := sarama.NewSyncProducer(cfg.brokers, kafka.NewProducerConfig("campusstore-dlq-reprocess"))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	conn.producer = producer
	return conn, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}
	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

// readConfig разбирает флаги; брокеры без -brokers берутся из CAMPUS_KAFKA_BROKERS.
func readConfig(args []string, getenv func(string) string) (config, error) {
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)

	cfg := config{}
	brokers := fs.String("brokers", "", "comma-separated Kafka brokers (default $"+brokersEnv+")")
	events := fs.String("event-types", "", "replay only these events, comma-separated (e.g. low-stock-alert,new-order-alert)")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to read")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicNotifications, "topic to replay into")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max messages to scan across all partitions")
	fs.BoolVar(&cfg.execute, "execute", false, "publish replays; without it the run is a dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "start each partition limit messages before its end")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "give up on a partition after this much silence")
	fs.DurationVar(&cfg.maxAge, "max-age", 0, "skip dead letters older than this; 0 replays everything")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	raw := *brokers
	if strings.TrimSpace(raw) == "" {
		raw = getenv(brokersEnv)
	}
	cfg.brokers = splitList(raw)

	types, err := parseEventTypes(*events)
	if err != nil {
		return config{}, err
	}
	cfg.eventTypes = types

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// parseEventTypes разбирает -event-types. Пустая строка снимает фильтр.
func parseEventTypes(raw string) (map[string]struct{}, error) {
	names := splitList(raw)
	if len(names) == 0 {
		return nil, nil
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := knownEvents[name]; !ok {
			return nil, fmt.Errorf("unknown event type %q", name)
		}
		set[name] = struct{}{}
	}
	return set, nil
}

func splitList(raw string) []string {
	var out []string
	for _, chunk := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(chunk); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"limit":        cfg.limit,
		"mode":         cfg.mode(),
		"from_newest":  cfg.fromNewest,
		"event_types":  len(cfg.eventTypes),
		"max_age":      cfg.maxAge,
	}).Info("starting dlq replay")

	conn, err := connect(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	return runReplay(ctx, cfg, conn.client, conn.consumer, conn.producer)
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
