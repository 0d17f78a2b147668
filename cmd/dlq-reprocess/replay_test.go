package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/messaging/kafka"
)

func replayCfg(execute bool) config {
	return config{
		sourceTopic: dlqTopic,
		targetTopic: mainTopic,
		limit:       10,
		execute:     execute,
		idleTimeout: 20 * time.Millisecond,
	}
}

// drain прогоняет одну партицию свежим replayer.
func drain(ctx context.Context, t *testing.T, cfg config, broker *fakeBroker, consumer *fakeConsumer, producer replayProducer, limit int) (*replaySummary, error) {
	t.Helper()
	r := newReplayer(cfg, broker, consumer, producer)
	err := r.drainPartition(ctx, 0, limit)
	return r.summary, err
}

func TestExtractReplayMessage_UnwrapsDeadLetter(t *testing.T) {
	deadAt := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	msg := &sarama.ConsumerMessage{Value: deadLetterOf(t, "outbox-1", "order-1", domain.EventNewOrderAlert, deadAt)}

	got, ok, err := extractReplayMessage(msg, mainTopic)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mainTopic, got.topic)
	assert.Equal(t, "order-1", got.key)
	assert.Equal(t, domain.EventNewOrderAlert, got.eventType)
	assert.Equal(t, "outbox-1", got.outboxID)
	assert.True(t, got.deadAt.Equal(deadAt))

	relayed, err := kafka.DecodeRelayEnvelope(got.value)
	require.NoError(t, err, "replay must be a relay envelope")
	assert.Equal(t, "outbox-1", relayed.ID)

	var notification domain.Envelope
	require.NoError(t, json.Unmarshal(relayed.Payload, &notification))
	assert.Equal(t, "order-1", notification.Payload.OrderID)
	assert.Equal(t, domain.ScopeAdmin, notification.Scope)
}

func TestExtractReplayMessage_Rejects(t *testing.T) {
	t.Run("not an envelope", func(t *testing.T) {
		_, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: []byte("plain text")}, mainTopic)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("envelope without original payload", func(t *testing.T) {
		raw, err := json.Marshal(map[string]any{
			"id":      "outbox-2",
			"payload": map[string]any{"outbox_id": "outbox-2"},
		})
		require.NoError(t, err)

		_, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: raw}, mainTopic)
		require.Error(t, err)
		assert.False(t, ok)
	})
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "x", firstNonEmpty("", "  ", "x", "y"))
	assert.Empty(t, firstNonEmpty("", " "))
}

func TestReplayer_Admit(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	r := newReplayer(config{
		eventTypes: map[string]struct{}{domain.EventLowStockAlert: {}, domain.EventNewOrderAlert: {}},
		maxAge:     time.Hour,
	}, nil, nil, nil)
	r.now = func() time.Time { return now }

	steps := []struct {
		name   string
		msg    replayMessage
		reason skipReason
		ok     bool
	}{
		{"fresh low stock", replayMessage{outboxID: "o-1", eventType: domain.EventLowStockAlert, deadAt: now.Add(-time.Minute)}, "", true},
		{"same outbox id again", replayMessage{outboxID: "o-1", eventType: domain.EventLowStockAlert, deadAt: now.Add(-time.Minute)}, skipDuplicate, false},
		{"event not selected", replayMessage{outboxID: "o-2", eventType: domain.EventUserDataRefresh, deadAt: now}, skipEventType, false},
		{"too old", replayMessage{outboxID: "o-3", eventType: domain.EventNewOrderAlert, deadAt: now.Add(-2 * time.Hour)}, skipExpired, false},
		{"unknown dead time", replayMessage{outboxID: "o-4", eventType: domain.EventNewOrderAlert}, "", true},
		{"filtered id stays free", replayMessage{outboxID: "o-3", eventType: domain.EventNewOrderAlert, deadAt: now}, "", true},
	}
	// Шаги зависят друг от друга через r.seen, поэтому без t.Run.
	for _, step := range steps {
		reason, ok := r.admit(step.msg)
		require.Equal(t, step.ok, ok, step.name)
		require.Equal(t, step.reason, reason, step.name)
	}
}

func TestPublishReplay(t *testing.T) {
	require.Error(t, publishReplay(nil, replayMessage{}))

	producer := &fakeProducer{}
	require.NoError(t, publishReplay(producer, replayMessage{
		topic: "topic", key: "k", value: []byte("v"), eventType: domain.EventLowStockAlert,
	}))

	sent := producer.last()
	require.NotNil(t, sent)
	assert.Equal(t, "topic", sent.Topic)
	require.Len(t, sent.Headers, 1)
	assert.Equal(t, kafka.HeaderEventType, string(sent.Headers[0].Key))
	assert.Equal(t, domain.EventLowStockAlert, string(sent.Headers[0].Value))
}

func TestDrainPartition_DryRunDoesNotPublish(t *testing.T) {
	broker := &fakeBroker{window: map[int32][2]int64{0: {0, 2}}}
	consumer := &fakeConsumer{streams: map[int32]partitionConsumer{
		0: finiteStream(&sarama.ConsumerMessage{Offset: 0, Value: deadLetter(t, "outbox-1", "order-1")}),
	}}

	stats, err := drain(context.Background(), t, replayCfg(false), broker, consumer, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.processed)
	assert.Equal(t, 1, stats.replayed)
	assert.Zero(t, stats.totalSkipped())
	assert.Equal(t, []consumeCall{{0, 0}}, consumer.calls)
}

func TestDrainPartition_ExecutePublishesToTarget(t *testing.T) {
	broker := &fakeBroker{window: map[int32][2]int64{0: {0, 2}}}
	consumer := &fakeConsumer{streams: map[int32]partitionConsumer{
		0: finiteStream(&sarama.ConsumerMessage{Offset: 0, Value: deadLetter(t, "outbox-1", "order-1")}),
	}}
	producer := &fakeProducer{}

	stats, err := drain(context.Background(), t, replayCfg(true), broker, consumer, producer, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.replayed)
	require.Len(t, producer.sent, 1)
	assert.Equal(t, mainTopic, producer.last().Topic)
}

func TestDrainPartition_FromNewestStartsNearEnd(t *testing.T) {
	broker := &fakeBroker{window: map[int32][2]int64{0: {3, 10}}}
	consumer := &fakeConsumer{streams: map[int32]partitionConsumer{
		0: finiteStream(&sarama.ConsumerMessage{Offset: 8, Value: deadLetter(t, "outbox-8", "order-8")}),
	}}
	cfg := replayCfg(false)
	cfg.fromNewest = true

	_, err := drain(context.Background(), t, cfg, broker, consumer, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []consumeCall{{0, 8}}, consumer.calls)
}

func TestDrainPartition_FromNewestClampsToOldest(t *testing.T) {
	broker := &fakeBroker{window: map[int32][2]int64{0: {5, 7}}}
	consumer := &fakeConsumer{streams: map[int32]partitionConsumer{0: finiteStream()}}
	cfg := replayCfg(false)
	cfg.fromNewest = true

	_, err := drain(context.Background(), t, cfg, broker, consumer, nil, 50)
	require.NoError(t, err)
	assert.Equal(t, []consumeCall{{0, 5}}, consumer.calls)
}

func TestDrainPartition_EmptyWindowSkipsConsume(t *testing.T) {
	broker := &fakeBroker{window: map[int32][2]int64{0: {4, 4}}}
	consumer := &fakeConsumer{}

	stats, err := drain(context.Background(), t, replayCfg(false), broker, consumer, nil, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.processed)
	assert.Empty(t, consumer.calls)
}

func TestDrainPartition_FiltersAndDeduplicates(t *testing.T) {
	now := time.Now().UTC()
	broker := &fakeBroker{window: map[int32][2]int64{0: {0, 5}}}
	consumer := &fakeConsumer{streams: map[int32]partitionConsumer{
		0: finiteStream(
			&sarama.ConsumerMessage{Offset: 0, Value: deadLetterOf(t, "outbox-1", "order-1", domain.EventLowStockAlert, now)},
			&sarama.ConsumerMessage{Offset: 1, Value: deadLetterOf(t, "outbox-1", "order-1", domain.EventLowStockAlert, now)},
			&sarama.ConsumerMessage{Offset: 2, Value: deadLetterOf(t, "outbox-2", "order-2", domain.EventUserDataRefresh, now)},
			&sarama.ConsumerMessage{Offset: 3, Value: deadLetterOf(t, "outbox-3", "order-3", domain.EventLowStockAlert, now.Add(-48*time.Hour))},
			&sarama.ConsumerMessage{Offset: 4, Value: []byte("not-json")},
		),
	}}
	producer := &fakeProducer{}
	cfg := replayCfg(true)
	cfg.eventTypes = map[string]struct{}{domain.EventLowStockAlert: {}}
	cfg.maxAge = 24 * time.Hour

	stats, err := drain(context.Background(), t, cfg, broker, consumer, producer, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.processed)
	assert.Equal(t, 1, stats.replayed)
	assert.Len(t, producer.sent, 1)
	assert.Equal(t, map[skipReason]int{skipDuplicate: 1, skipEventType: 1, skipExpired: 1, skipForeign: 1}, stats.skipped)
	assert.Equal(t, map[string]int{domain.EventLowStockAlert: 1}, stats.byEvent)

	fields := stats.fields()
	assert.Equal(t, 4, fields["skipped"])
	assert.Equal(t, 1, fields["replayed_low-stock-alert"])
}

func TestDrainPartition_Failures(t *testing.T) {
	window := map[int32][2]int64{0: {0, 2}}
	cfg := replayCfg(true)

	t.Run("offset lookup", func(t *testing.T) {
		broker := &fakeBroker{offsetErr: errors.New("offset")}
		_, err := drain(context.Background(), t, cfg, broker, &fakeConsumer{}, &fakeProducer{}, 1)
		require.Error(t, err)
	})

	t.Run("consume partition", func(t *testing.T) {
		broker := &fakeBroker{window: window}
		_, err := drain(context.Background(), t, cfg, broker, &fakeConsumer{err: errors.New("consume")}, &fakeProducer{}, 1)
		require.Error(t, err)
	})

	t.Run("consumer error channel", func(t *testing.T) {
		stream := &fakeStream{
			msgs: make(chan *sarama.ConsumerMessage),
			errs: make(chan *sarama.ConsumerError, 1),
		}
		stream.errs <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
		broker := &fakeBroker{window: window}
		consumer := &fakeConsumer{streams: map[int32]partitionConsumer{0: stream}}

		_, err := drain(context.Background(), t, cfg, broker, consumer, &fakeProducer{}, 1)
		require.ErrorContains(t, err, "consumer boom")
	})

	t.Run("malformed dead letter is skipped", func(t *testing.T) {
		broker := &fakeBroker{window: window}
		consumer := &fakeConsumer{streams: map[int32]partitionConsumer{
			0: finiteStream(&sarama.ConsumerMessage{Offset: 0, Value: []byte(`{"id":"x","payload":"not-an-object"}`)}),
		}}

		stats, err := drain(context.Background(), t, cfg, broker, consumer, &fakeProducer{}, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.skipped[skipMalformed])
	})

	t.Run("publish", func(t *testing.T) {
		broker := &fakeBroker{window: window}
		consumer := &fakeConsumer{streams: map[int32]partitionConsumer{
			0: finiteStream(&sarama.ConsumerMessage{Offset: 0, Value: deadLetter(t, "outbox-1", "order-1")}),
		}}

		_, err := drain(context.Background(), t, cfg, broker, consumer, &fakeProducer{err: errors.New("send fail")}, 1)
		require.ErrorContains(t, err, "send fail")
	})
}

func TestDrainPartition_StopsOnIdleAndCancel(t *testing.T) {
	broker := &fakeBroker{window: map[int32][2]int64{0: {0, 2}}}
	cfg := replayCfg(false)
	cfg.idleTimeout = 10 * time.Millisecond

	idle := &fakeConsumer{streams: map[int32]partitionConsumer{0: openStream()}}
	stats, err := drain(context.Background(), t, cfg, broker, idle, nil, 1)
	require.NoError(t, err, "idle timeout ends the partition quietly")
	assert.Zero(t, stats.processed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg.idleTimeout = time.Minute
	stuck := &fakeConsumer{streams: map[int32]partitionConsumer{0: openStream()}}
	_, err = drain(ctx, t, cfg, broker, stuck, nil, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunReplay_RequiresDependencies(t *testing.T) {
	cfg := replayCfg(false)
	require.Error(t, runReplay(context.Background(), cfg, nil, nil, nil))

	cfg.execute = true
	require.Error(t, runReplay(context.Background(), cfg, &fakeBroker{}, &fakeConsumer{}, nil), "execute mode needs a producer")
}

func TestRunReplay_LimitSpansPartitionsInOrder(t *testing.T) {
	broker := &fakeBroker{
		partitions: []int32{2, 0},
		window:     map[int32][2]int64{0: {0, 2}, 2: {0, 2}},
	}
	consumer := &fakeConsumer{streams: map[int32]partitionConsumer{
		0: finiteStream(&sarama.ConsumerMessage{Partition: 0, Offset: 0, Value: deadLetter(t, "outbox-1", "order-1")}),
		2: finiteStream(&sarama.ConsumerMessage{Partition: 2, Offset: 0, Value: deadLetter(t, "outbox-2", "order-2")}),
	}}
	cfg := replayCfg(false)
	cfg.limit = 1

	require.NoError(t, runReplay(context.Background(), cfg, broker, consumer, nil))
	assert.Equal(t, []consumeCall{{0, 0}}, consumer.calls, "limit reached after partition 0")
}

func TestRunReplay_PartitionsError(t *testing.T) {
	broker := &fakeBroker{partitionsErr: errors.New("partitions")}
	require.Error(t, runReplay(context.Background(), replayCfg(false), broker, &fakeConsumer{}, nil))
}

func TestRunReplay_DeduplicatesAcrossPartitions(t *testing.T) {
	broker := &fakeBroker{
		partitions: []int32{0, 1},
		window:     map[int32][2]int64{0: {0, 1}, 1: {0, 1}},
	}
	consumer := &fakeConsumer{streams: map[int32]partitionConsumer{
		0: finiteStream(&sarama.ConsumerMessage{Partition: 0, Offset: 0, Value: deadLetter(t, "outbox-7", "order-7")}),
		1: finiteStream(&sarama.ConsumerMessage{Partition: 1, Offset: 0, Value: deadLetter(t, "outbox-7", "order-7")}),
	}}
	producer := &fakeProducer{}

	require.NoError(t, runReplay(context.Background(), replayCfg(true), broker, consumer, producer))
	assert.Len(t, producer.sent, 1, "one replay per outbox id")
	assert.Len(t, consumer.calls, 2)
}
