package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/metrics"
	"github.com/vladislavdragonenkov/campusstore/internal/service/txretry"
)

const (
	defaultQueueSize      = 1024
	defaultWorkers        = 2
	defaultSinkTimeout    = 2 * time.Second
	breakerMaxFailures    = 5
	breakerResetTimeout   = 30 * time.Second
	sinkHub               = "hub"
	sinkBridge            = "bridge"
	resultDropped         = "dropped"
	resultFailed          = "failed"
	resultDelivered       = "delivered"
	resultBreakerRejected = "breaker_open"
)

// Sink описывает дополнительного получателя событий (хранилище уведомлений, outbox).
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env domain.Envelope) error
}

// Bridge переносит события между экземплярами сервиса.
type Bridge interface {
	Publish(ctx context.Context, env domain.Envelope) error
}

type guardedSink struct {
	sink    Sink
	breaker *txretry.CircuitBreaker
}

// Fanout — реализация domain.Notifier. Publish не блокирует: события уходят в очередь,
// которую разбирают воркеры Run. Ошибки доставки логируются и не возвращаются.
type Fanout struct {
	hub     *Hub
	bridge  Bridge
	breaker *txretry.CircuitBreaker
	sinks   []guardedSink

	queue       chan domain.Envelope
	workers     int
	sinkTimeout time.Duration

	metrics *metrics.StoreMetrics
	logger  *log.Entry
	now     func() time.Time
}

// Option настраивает Fanout.
type Option func(*Fanout)

// WithBridge включает межпроцессную доставку; локальный hub получает события через мост.
func WithBridge(b Bridge) Option {
	return func(f *Fanout) { f.bridge = b }
}

// WithSink добавляет получателя.
func WithSink(s Sink) Option {
	return func(f *Fanout) {
		if s != nil {
			f.sinks = append(f.sinks, guardedSink{sink: s})
		}
	}
}

func WithQueueSize(size int) Option {
	return func(f *Fanout) {
		if size > 0 {
			f.queue = make(chan domain.Envelope, size)
		}
	}
}

func WithWorkers(n int) Option {
	return func(f *Fanout) {
		if n > 0 {
			f.workers = n
		}
	}
}

func WithMetrics(m *metrics.StoreMetrics) Option {
	return func(f *Fanout) { f.metrics = m }
}

func WithLogger(logger *log.Entry) Option {
	return func(f *Fanout) { f.logger = logger }
}

// NewFanout создаёт рассылку событий.
func NewFanout(hub *Hub, opts ...Option) *Fanout {
	f := &Fanout{
		hub:         hub,
		queue:       make(chan domain.Envelope, defaultQueueSize),
		workers:     defaultWorkers,
		sinkTimeout: defaultSinkTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = log.WithField("component", "notify-fanout")
	}
	f.breaker = txretry.NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout, f.logger.WithField("sink", sinkBridge))
	for i := range f.sinks {
		f.sinks[i].breaker = txretry.NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout, f.logger.WithField("sink", f.sinks[i].sink.Name()))
	}
	return f
}

// Publish ставит событие в очередь. Переполненная очередь отбрасывает событие.
func (f *Fanout) Publish(scope domain.Scope, t domain.NotificationType, payload domain.NotificationPayload) {
	env := domain.Envelope{
		ID:        uuid.NewString(),
		Scope:     scope,
		Event:     domain.EventName(scope, t),
		Type:      t,
		Payload:   payload,
		Timestamp: f.now(),
	}

	select {
	case f.queue <- env:
	default:
		f.metrics.RecordNotification("queue", resultDropped)
		f.logger.WithFields(log.Fields{
			"event": env.Event,
			"scope": env.Scope,
		}).Warn("notification queue is full, event dropped")
	}
}

// Run разбирает очередь до отмены ctx.
func (f *Fanout) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < f.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-f.queue:
					f.dispatch(ctx, env)
				}
			}
		}()
	}
	wg.Wait()
}

func (f *Fanout) dispatch(ctx context.Context, env domain.Envelope) {
	if !f.publishBridge(ctx, env) {
		f.hub.Deliver(env)
	}

	for _, gs := range f.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, f.sinkTimeout)
		err := gs.breaker.Execute(gs.sink.Name(), func() error {
			return gs.sink.Deliver(sinkCtx, env)
		})
		cancel()
		f.record(gs.sink.Name(), env, err)
	}
}

// publishBridge возвращает true, если событие ушло через мост и придёт в hub подпиской.
func (f *Fanout) publishBridge(ctx context.Context, env domain.Envelope) bool {
	if f.bridge == nil {
		return false
	}
	bridgeCtx, cancel := context.WithTimeout(ctx, f.sinkTimeout)
	defer cancel()

	err := f.breaker.Execute(sinkBridge, func() error {
		return f.bridge.Publish(bridgeCtx, env)
	})
	f.record(sinkBridge, env, err)
	return err == nil
}

func (f *Fanout) record(sink string, env domain.Envelope, err error) {
	switch {
	case err == nil:
		f.metrics.RecordNotification(sink, resultDelivered)
	case errors.Is(err, txretry.ErrCircuitOpen):
		f.metrics.RecordNotification(sink, resultBreakerRejected)
	default:
		f.metrics.RecordNotification(sink, resultFailed)
		f.logger.WithError(err).WithFields(log.Fields{
			"sink":  sink,
			"event": env.Event,
			"scope": env.Scope,
		}).Warn("notification delivery failed")
	}
}

var _ domain.Notifier = (*Fanout)(nil)
