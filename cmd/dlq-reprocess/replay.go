package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/campusstore/internal/service/outbox"
)

// knownEvents перечисляет события, которые outbox кладёт в топик уведомлений.
var knownEvents = map[string]struct{}{
	domain.EventNewOrderAlert:     {},
	domain.EventAdminOrderUpdated: {},
	domain.EventLowStockAlert:     {},
	domain.EventUserDataRefresh:   {},
}

// skipReason объясняет, почему сообщение из DLQ не ушло на повтор.
type skipReason string

const (
	skipForeign   skipReason = "foreign"
	skipMalformed skipReason = "malformed"
	skipEventType skipReason = "event_type"
	skipExpired   skipReason = "expired"
	skipDuplicate skipReason = "duplicate"
)

type replayMessage struct {
	topic     string
	key       string
	value     []byte
	eventType string
	outboxID  string
	deadAt    time.Time
}

type replaySummary struct {
	processed int
	replayed  int
	skipped   map[skipReason]int
	byEvent   map[string]int
}

func newReplaySummary() *replaySummary {
	return &replaySummary{skipped: make(map[skipReason]int), byEvent: make(map[string]int)}
}

func (s *replaySummary) skip(reason skipReason) {
	s.processed++
	s.skipped[reason]++
}

func (s *replaySummary) replay(eventType string) {
	s.processed++
	s.replayed++
	s.byEvent[eventType]++
}

func (s *replaySummary) totalSkipped() int {
	total := 0
	for _, n := range s.skipped {
		total += n
	}
	return total
}

func (s *replaySummary) fields() log.Fields {
	fields := log.Fields{
		"processed": s.processed,
		"replayed":  s.replayed,
		"skipped":   s.totalSkipped(),
	}
	for reason, n := range s.skipped {
		fields["skipped_"+string(reason)] = n
	}
	for event, n := range s.byEvent {
		fields["replayed_"+event] = n
	}
	return fields
}

// replayer проходит DLQ по партициям и решает судьбу каждого сообщения.
// Один outbox id переотправляется не больше одного раза за запуск,
// даже если worker успел положить его в DLQ несколько раз.
type replayer struct {
	cfg      config
	client   offsetClient
	consumer partitionConsumerSource
	producer replayProducer
	now      func() time.Time
	seen     map[string]struct{}
	summary  *replaySummary
}

func newReplayer(cfg config, client offsetClient, consumer partitionConsumerSource, producer replayProducer) *replayer {
	return &replayer{
		cfg:      cfg,
		client:   client,
		consumer: consumer,
		producer: producer,
		now:      func() time.Time { return time.Now().UTC() },
		seen:     make(map[string]struct{}),
		summary:  newReplaySummary(),
	}
}

func runReplay(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, producer replayProducer) error {
	if client == nil || consumer == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && producer == nil {
		return fmt.Errorf("producer is required in execute mode")
	}

	r := newReplayer(cfg, client, consumer, producer)
	if err := r.run(ctx); err != nil {
		return err
	}

	log.WithFields(r.summary.fields()).WithField("mode", cfg.mode()).Info("dlq replay finished")
	return nil
}

func (r *replayer) run(ctx context.Context) error {
	partitions, err := r.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", r.cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", r.cfg.sourceTopic).Warn("source topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		remaining := r.cfg.limit - r.summary.processed
		if remaining <= 0 {
			break
		}
		if err := r.drainPartition(ctx, partition, remaining); err != nil {
			return err
		}
	}
	return nil
}

// window возвращает диапазон оффсетов [start, end) для сканирования партиции.
func (r *replayer) window(partition int32, limit int) (int64, int64, error) {
	oldest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}

	start := oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(limit), oldest)
	}
	return start, newest, nil
}

// drainPartition обрабатывает не больше limit сообщений партиции.
// Сканирование заканчивается на последнем оффсете, известном на старте, или по idle-timeout.
func (r *replayer) drainPartition(ctx context.Context, partition int32, limit int) error {
	start, end, err := r.window(partition, limit)
	if err != nil {
		return err
	}
	if end <= start {
		return nil
	}

	pc, err := r.consumer.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for handled := 0; handled < limit; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return nil
			}
			idle.Reset(r.cfg.idleTimeout)

			if err := r.handle(msg); err != nil {
				return err
			}
			handled++
			if msg.Offset+1 >= end {
				return nil
			}
		}
	}
	return nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage) error {
	logger := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	replay, ok, err := extractReplayMessage(msg, r.cfg.targetTopic)
	switch {
	case err != nil:
		logger.WithError(err).Warn("skip malformed dlq message")
		r.summary.skip(skipMalformed)
		return nil
	case !ok:
		r.summary.skip(skipForeign)
		return nil
	}

	if reason, admitted := r.admit(replay); !admitted {
		logger.WithFields(log.Fields{
			"outbox_id":  replay.outboxID,
			"event_type": replay.eventType,
			"reason":     reason,
		}).Debug("dlq message filtered")
		r.summary.skip(reason)
		return nil
	}

	if r.cfg.execute {
		if err := publishReplay(r.producer, replay); err != nil {
			return fmt.Errorf("publish replay message: %w", err)
		}
	} else {
		logger.WithFields(log.Fields{
			"target_topic": replay.topic,
			"key":          replay.key,
			"event_type":   replay.eventType,
		}).Info("dlq replay candidate")
	}
	r.summary.replay(replay.eventType)
	return nil
}

// admit применяет фильтры запуска. Дубликат проверяется последним,
// чтобы отфильтрованное сообщение не занимало outbox id.
func (r *replayer) admit(msg replayMessage) (skipReason, bool) {
	if len(r.cfg.eventTypes) > 0 {
		if _, ok := r.cfg.eventTypes[msg.eventType]; !ok {
			return skipEventType, false
		}
	}
	if r.cfg.maxAge > 0 && !msg.deadAt.IsZero() && r.now().Sub(msg.deadAt) > r.cfg.maxAge {
		return skipExpired, false
	}
	if _, dup := r.seen[msg.outboxID]; dup {
		return skipDuplicate, false
	}
	r.seen[msg.outboxID] = struct{}{}
	return "", true
}

func publishReplay(producer replayProducer, msg replayMessage) error {
	if producer == nil {
		return fmt.Errorf("producer is nil")
	}

	_, _, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic:     msg.topic,
		Key:       sarama.StringEncoder(msg.key),
		Value:     sarama.ByteEncoder(msg.value),
		Timestamp: time.Now().UTC(),
		Headers: []sarama.RecordHeader{
			{Key: []byte(kafka.HeaderEventType), Value: []byte(msg.eventType)},
		},
	})
	return err
}

// extractReplayMessage достаёт исходное outbox-событие из DLQ и заново упаковывает его
// в формат основного топика. ok=false означает, что сообщение не из outbox DLQ.
func extractReplayMessage(msg *sarama.ConsumerMessage, targetTopic string) (replayMessage, bool, error) {
	envelope, err := kafka.DecodeRelayEnvelope(msg.Value)
	if err != nil {
		return replayMessage{}, false, nil
	}

	deadLetter, err := outbox.DecodeDeadLetter(envelope.Payload)
	if err != nil {
		return replayMessage{}, false, err
	}
	if len(deadLetter.Payload) == 0 {
		return replayMessage{}, false, fmt.Errorf("dead letter %s does not contain original event payload", deadLetter.OutboxID)
	}

	replay := kafka.NewRelayEnvelope(deadLetter.Message(), time.Now().UTC())
	replay.AggregateID = firstNonEmpty(replay.AggregateID, envelope.AggregateID)
	replay.AggregateType = firstNonEmpty(replay.AggregateType, envelope.AggregateType)

	encoded, err := json.Marshal(replay)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	return replayMessage{
		topic:     targetTopic,
		key:       replay.Key(),
		value:     encoded,
		eventType: replay.EventType,
		outboxID:  deadLetter.OutboxID,
		deadAt:    deadLetter.DLQPublishedAt,
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
