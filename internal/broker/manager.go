// Package broker owns the RabbitMQ connection: bounded connection retry,
// typed consumer registration, the ack/nack policy and reconnect
// supervision. No other package dials the broker.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sungwon/email-service/internal/metrics"
)

var (
	// ErrNotConnected is returned by operations that need an open connection.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrReconnectFailed is returned by Supervise when a reconnect round is
	// exhausted.
	ErrReconnectFailed = errors.New("broker: reconnect failed")
	// ErrClosed is returned when the manager was closed during an operation.
	ErrClosed = errors.New("broker: manager closed")
)

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the amqp091-go dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

type subscription struct {
	kind       Channel
	handler    Handler
	routingKey string
	queue      string

	tag  string
	stop context.CancelFunc
	done chan struct{}
}

// Manager holds one broker connection and channel and the consumers
// registered on it. It is safe for concurrent use.
type Manager struct {
	cfg  Config
	dial Dialer
	log  zerolog.Logger

	mu     sync.Mutex
	conn   Connection
	ch     AMQPChannel
	notify chan *amqp.Error
	// chClose and chCancel report the server closing the channel or
	// cancelling a consumer while the connection stays up.
	chClose  chan *amqp.Error
	chCancel chan string
	subs     map[Channel]*subscription
	closed   bool
}

// cancelBuffer holds server cancel notifications until Supervise reads
// them; amqp091-go blocks its reader while this buffer is full.
const cancelBuffer = 8

// New creates a Manager. It does not connect.
func New(cfg Config, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:  cfg,
		dial: DialAMQP,
		log:  log.With().Str("component", "broker").Logger(),
		subs: make(map[Channel]*subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect makes up to retries attempts to open the connection, waiting
// delay between attempts. Values of retries below 1 are treated as 1. It
// reports whether a connection is open on return.
func (m *Manager) Connect(ctx context.Context, retries int, delay time.Duration) bool {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
	return m.connect(ctx, retries, delay)
}

func (m *Manager) connect(ctx context.Context, retries int, delay time.Duration) bool {
	if retries < 1 {
		retries = 1
	}

	for attempt := 1; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			m.log.Warn().Int("attempt", attempt).Msg("broker connect cancelled")
			return false
		}

		m.log.Info().
			Int("attempt", attempt).
			Int("max_attempts", retries).
			Str("url", m.cfg.Redacted()).
			Msg("connecting to broker")

		err := m.open()
		if err == nil {
			metrics.BrokerConnectionAttemptsTotal.WithLabelValues("success").Inc()
			metrics.BrokerConnected.Set(1)
			m.log.Info().Int("attempt", attempt).Msg("connected to broker")
			return true
		}

		metrics.BrokerConnectionAttemptsTotal.WithLabelValues("failure").Inc()
		if errors.Is(err, ErrClosed) {
			return false
		}
		m.log.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", retries).
			Msg("broker connection attempt failed")

		if attempt == retries {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.log.Warn().Int("attempt", attempt).Msg("broker connect cancelled")
			return false
		case <-timer.C:
		}
	}

	m.log.Error().Int("max_attempts", retries).Msg("could not connect to broker")
	return false
}

// open performs one connection attempt. A partially opened connection is
// closed before returning an error.
func (m *Manager) open() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.healthyLocked() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	conn, err := m.dial(m.cfg.URL(), amqp.Config{
		Heartbeat:  m.cfg.Heartbeat,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": m.cfg.ConnectionName},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(m.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = ch.Close()
		_ = conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.ch = ch
	m.notify = conn.NotifyClose(make(chan *amqp.Error, 1))
	m.chClose = ch.NotifyClose(make(chan *amqp.Error, 1))
	m.chCancel = ch.NotifyCancel(make(chan string, cancelBuffer))
	return nil
}

// Healthy reports whether the connection and its channel are open.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthyLocked()
}

func (m *Manager) healthyLocked() bool {
	return m.conn != nil && m.ch != nil && !m.conn.IsClosed() && !m.ch.IsClosed()
}

// Declare creates the exchange for kind and the queue bound to routingKey.
// Subscribe declares automatically; publishers call Declare so messages
// sent before any consumer starts are retained.
func (m *Manager) Declare(kind Channel, routingKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthyLocked() {
		return ErrNotConnected
	}
	_, err := m.declareLocked(kind, routingKey, m.cfg.QueueName(routingKey))
	return err
}

func (m *Manager) declareLocked(kind Channel, routingKey, queue string) (string, error) {
	exchange := kind.Exchange()
	if err := m.ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	q, err := m.ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := m.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind queue %s to %s/%s: %w", q.Name, exchange, routingKey, err)
	}
	return q.Name, nil
}

// Subscribe registers handler for kind and starts consuming messages routed
// with routingKey. Subscribing the same kind again replaces the previous
// registration.
func (m *Manager) Subscribe(kind Channel, handler Handler, routingKey string) error {
	if handler == nil {
		return errors.New("broker: nil handler")
	}

	m.mu.Lock()
	if !m.healthyLocked() {
		m.mu.Unlock()
		return ErrNotConnected
	}
	prev, replacing := m.subs[kind]
	delete(m.subs, kind)
	ch := m.ch
	m.mu.Unlock()

	// The previous consumer drains without the lock so Healthy and Publish
	// stay responsive while in-flight handlers finish.
	if replacing {
		m.log.Info().
			Str("channel", kind.String()).
			Str("previous_routing_key", prev.routingKey).
			Str("routing_key", routingKey).
			Msg("replacing subscription")
		m.stopSubscription(ch, prev)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthyLocked() {
		return ErrNotConnected
	}
	if other, ok := m.subs[kind]; ok {
		// A concurrent Subscribe for the same kind won the race.
		m.cancelLocked(other)
	}

	sub := &subscription{
		kind:       kind,
		handler:    handler,
		routingKey: routingKey,
		queue:      m.cfg.QueueName(routingKey),
	}
	if err := m.startLocked(sub); err != nil {
		return err
	}
	m.subs[kind] = sub
	return nil
}

func (m *Manager) startLocked(sub *subscription) error {
	queue, err := m.declareLocked(sub.kind, sub.routingKey, sub.queue)
	if err != nil {
		return err
	}

	tag := fmt.Sprintf("%s-%s", sub.kind, uuid.NewString())
	deliveries, err := m.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	ctx, stop := context.WithCancel(context.Background())
	sub.tag = tag
	sub.stop = stop
	sub.done = make(chan struct{})

	workers := max(m.cfg.Workers, 1)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.work(ctx, sub, deliveries, i)
		}()
	}
	done := sub.done
	go func() {
		wg.Wait()
		close(done)
	}()

	m.log.Info().
		Str("channel", sub.kind.String()).
		Str("queue", queue).
		Str("routing_key", sub.routingKey).
		Str("consumer_tag", tag).
		Int("workers", workers).
		Msg("subscribed")
	return nil
}

// cancelLocked cancels sub's consumer without waiting for its workers.
func (m *Manager) cancelLocked(sub *subscription) {
	if sub.stop == nil {
		return
	}
	if err := m.ch.Cancel(sub.tag, false); err != nil {
		m.log.Debug().Err(err).Str("consumer_tag", sub.tag).Msg("cancel consumer failed")
	}
	sub.stop()
}

// stopSubscription cancels the consumer when ch is usable and waits for the
// workers to finish their in-flight message.
func (m *Manager) stopSubscription(ch AMQPChannel, sub *subscription) {
	if sub.stop == nil {
		return
	}
	if ch != nil {
		if err := ch.Cancel(sub.tag, false); err != nil {
			m.log.Debug().Err(err).Str("consumer_tag", sub.tag).Msg("cancel consumer failed")
		}
	}
	sub.stop()

	if m.cfg.ShutdownTimeout <= 0 {
		<-sub.done
		return
	}
	timer := time.NewTimer(m.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-sub.done:
	case <-timer.C:
		m.log.Warn().Str("consumer_tag", sub.tag).Msg("timed out waiting for in-flight messages")
	}
}

func (m *Manager) work(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				m.log.Debug().
					Str("consumer_tag", sub.tag).
					Int("worker", worker).
					Msg("delivery channel closed")
				return
			}
			m.dispatch(sub, d)
		}
	}
}

// dispatch runs the handler under the process timeout and settles the
// delivery: ack on success, nack with requeue on error.
func (m *Manager) dispatch(sub *subscription, d amqp.Delivery) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.cfg.ProcessTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), m.cfg.ProcessTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	msg := Message{
		ID:          d.MessageId,
		Body:        d.Body,
		RoutingKey:  d.RoutingKey,
		ContentType: d.ContentType,
		Redelivered: d.Redelivered,
	}
	log := m.log.With().
		Str("channel", sub.kind.String()).
		Str("message_id", d.MessageId).
		Uint64("delivery_tag", d.DeliveryTag).
		Logger()

	start := time.Now()
	err := invoke(ctx, sub.handler, msg)
	metrics.BrokerHandlerDuration.WithLabelValues(sub.kind.String()).Observe(time.Since(start).Seconds())

	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			metrics.BrokerDeliveriesTotal.WithLabelValues(sub.kind.String(), "ack_error").Inc()
			log.Error().Err(ackErr).Msg("failed to ack delivery")
			return
		}
		metrics.BrokerDeliveriesTotal.WithLabelValues(sub.kind.String(), "ack").Inc()
		return
	}

	log.Warn().Err(err).Bool("redelivered", d.Redelivered).Msg("handler failed, requeueing")
	if nackErr := d.Nack(false, true); nackErr != nil {
		metrics.BrokerDeliveriesTotal.WithLabelValues(sub.kind.String(), "ack_error").Inc()
		log.Error().Err(nackErr).Msg("failed to nack delivery")
		return
	}
	metrics.BrokerDeliveriesTotal.WithLabelValues(sub.kind.String(), "nack").Inc()
}

func invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

// Publish sends a persistent message on the exchange for kind. An empty
// msg.ID is replaced by a random UUID.
func (m *Manager) Publish(ctx context.Context, kind Channel, routingKey string, msg Message) error {
	m.mu.Lock()
	ch := m.ch
	healthy := m.healthyLocked()
	m.mu.Unlock()
	if !healthy {
		return ErrNotConnected
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	err := ch.PublishWithContext(ctx, kind.Exchange(), routingKey, false, false, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", kind.Exchange(), routingKey, err)
	}
	m.log.Debug().
		Str("channel", kind.String()).
		Str("routing_key", routingKey).
		Str("message_id", id).
		Msg("message published")
	return nil
}

// Supervise blocks until ctx ends or the manager is closed. When the
// connection drops, the server closes the channel, or the server cancels a
// consumer, it reopens the connection and re-subscribes every registration.
// It returns ErrReconnectFailed when a reconnect round is exhausted.
func (m *Manager) Supervise(ctx context.Context) error {
	for {
		m.mu.Lock()
		notify, chClose, chCancel, closed := m.notify, m.chClose, m.chCancel, m.closed
		m.mu.Unlock()

		if notify == nil {
			if closed {
				return nil
			}
			return ErrNotConnected
		}

		var event *zerolog.Event
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-notify:
			event = closeEvent(m.log.Error(), amqpErr, ok)
			event = event.Str("scope", "connection")
		case amqpErr, ok := <-chClose:
			event = closeEvent(m.log.Error(), amqpErr, ok)
			event = event.Str("scope", "channel")
		case tag, ok := <-chCancel:
			event = m.log.Error().Str("scope", "consumer")
			if ok {
				event = event.Str("consumer_tag", tag)
			}
		}

		if m.isClosed() {
			event.Discard()
			return nil
		}
		event.Msg("broker connection lost")
		metrics.BrokerConnected.Set(0)

		if err := m.reconnect(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			metrics.BrokerReconnectsTotal.WithLabelValues("failure").Inc()
			m.log.Error().Err(err).Msg("broker reconnect failed")
			if errors.Is(err, ErrReconnectFailed) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrReconnectFailed, err)
		}
		metrics.BrokerReconnectsTotal.WithLabelValues("success").Inc()
	}
}

func closeEvent(event *zerolog.Event, amqpErr *amqp.Error, ok bool) *zerolog.Event {
	if ok && amqpErr != nil {
		return event.Int("code", amqpErr.Code).Str("reason", amqpErr.Reason).Bool("server", amqpErr.Server)
	}
	return event
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) reconnect(ctx context.Context) error {
	m.mu.Lock()
	conn := m.conn
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.conn, m.ch = nil, nil
	m.notify, m.chClose, m.chCancel = nil, nil, nil
	m.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}
	for _, sub := range subs {
		m.stopSubscription(nil, sub)
	}

	if !m.connect(ctx, m.cfg.ConnectionRetries, m.cfg.RetryDelay) {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return ErrClosed
		}
		return ErrReconnectFailed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for kind, sub := range m.subs {
		if err := m.startLocked(sub); err != nil {
			return fmt.Errorf("resubscribe %s: %w", kind, err)
		}
	}
	m.log.Info().Int("subscriptions", len(m.subs)).Msg("broker reconnected")
	return nil
}

// Close cancels every consumer, waits for in-flight handlers, then closes
// the channel and the connection. It is safe to call more than once and
// before Connect.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	conn, ch := m.conn, m.ch
	subs := m.subs
	m.subs = make(map[Channel]*subscription)
	m.conn, m.ch = nil, nil
	m.notify, m.chClose, m.chCancel = nil, nil, nil
	m.mu.Unlock()

	if conn == nil && len(subs) == 0 {
		return nil
	}

	for _, sub := range subs {
		m.stopSubscription(ch, sub)
	}

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	metrics.BrokerConnected.Set(0)
	m.log.Info().Msg("broker connection closed")
	return errors.Join(errs...)
}
