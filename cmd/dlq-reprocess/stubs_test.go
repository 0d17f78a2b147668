package main

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/campusstore/internal/service/outbox"
)

const (
	dlqTopic  = "campusstore.notifications.dlq"
	mainTopic = "campusstore.notifications"
)

// deadLetter собирает DLQ-сообщение так, как его пишет outbox worker.
func deadLetter(t *testing.T, outboxID, orderID string) []byte {
	t.Helper()
	return deadLetterOf(t, outboxID, orderID, domain.EventNewOrderAlert, time.Now().UTC())
}

func deadLetterOf(t *testing.T, outboxID, orderID, event string, deadAt time.Time) []byte {
	t.Helper()

	notification, err := json.Marshal(domain.Envelope{
		ID:      "evt-" + outboxID,
		Scope:   domain.ScopeAdmin,
		Event:   event,
		Type:    domain.NotificationNewOrder,
		Payload: domain.NotificationPayload{OrderID: orderID},
	})
	require.NoError(t, err)

	dl, err := json.Marshal(outbox.DeadLetter{
		OutboxID:       outboxID,
		AggregateType:  "order",
		AggregateID:    orderID,
		EventType:      event,
		Payload:        notification,
		PublishError:   "broker unavailable",
		DLQPublishedAt: deadAt,
	})
	require.NoError(t, err)

	value, err := json.Marshal(kafka.NewRelayEnvelope(domain.OutboxMessage{
		ID:            outboxID,
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     event,
		Payload:       dl,
	}, time.Now().UTC()))
	require.NoError(t, err)
	return value
}

// fakeBroker держит оффсеты и заранее заполненные партиции.
type fakeBroker struct {
	partitions    []int32
	partitionsErr error
	window        map[int32][2]int64
	offsetErr     error
	closed        bool
}

func (b *fakeBroker) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if b.offsetErr != nil {
		return 0, b.offsetErr
	}
	w := b.window[partition]
	switch marker {
	case sarama.OffsetOldest:
		return w[0], nil
	case sarama.OffsetNewest:
		return w[1], nil
	}
	return 0, fmt.Errorf("unexpected offset marker %d", marker)
}

func (b *fakeBroker) Partitions(string) ([]int32, error) {
	return append([]int32(nil), b.partitions...), b.partitionsErr
}

func (b *fakeBroker) Close() error {
	b.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type fakeConsumer struct {
	streams map[int32]partitionConsumer
	err     error
	calls   []consumeCall
	closed  bool
}

func (c *fakeConsumer) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	c.calls = append(c.calls, consumeCall{partition, offset})
	if c.err != nil {
		return nil, c.err
	}
	pc, ok := c.streams[partition]
	if !ok {
		return nil, fmt.Errorf("no stream for partition %d", partition)
	}
	return pc, nil
}

func (c *fakeConsumer) Close() error {
	c.closed = true
	return nil
}

type fakeStream struct {
	msgs chan *sarama.ConsumerMessage
	errs chan *sarama.ConsumerError
}

func (s *fakeStream) Messages() <-chan *sarama.ConsumerMessage { return s.msgs }
func (s *fakeStream) Errors() <-chan *sarama.ConsumerError     { return s.errs }
func (s *fakeStream) Close() error                             { return nil }

// openStream возвращает поток без сообщений, который не закрывается сам.
func openStream() *fakeStream {
	return &fakeStream{msgs: make(chan *sarama.ConsumerMessage), errs: make(chan *sarama.ConsumerError)}
}

// finiteStream отдаёт сообщения и закрывается.
func finiteStream(msgs ...*sarama.ConsumerMessage) *fakeStream {
	s := &fakeStream{
		msgs: make(chan *sarama.ConsumerMessage, len(msgs)),
		errs: make(chan *sarama.ConsumerError),
	}
	for _, m := range msgs {
		s.msgs <- m
	}
	close(s.msgs)
	close(s.errs)
	return s
}

type fakeProducer struct {
	err    error
	sent   []*sarama.ProducerMessage
	closed bool
}

func (p *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	p.sent = append(p.sent, msg)
	if p.err != nil {
		return 0, 0, p.err
	}
	return 0, int64(len(p.sent)), nil
}

func (p *fakeProducer) Close() error {
	p.closed = true
	return nil
}

func (p *fakeProducer) last() *sarama.ProducerMessage {
	if len(p.sent) == 0 {
		return nil
	}
	return p.sent[len(p.sent)-1]
}
