package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeAcker records settlement of deliveries.
type fakeAcker struct {
	mu       sync.Mutex
	acked    []uint64
	nacked   []uint64
	requeued []bool
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeued = append(a.requeued, requeue)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) counts() (acked, nacked int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.nacked)
}

// fakeChannel implements AMQPChannel in memory.
type fakeChannel struct {
	mu         sync.Mutex
	qosErr     error
	consumeErr error
	prefetch   int
	exchanges  []string
	queues     []string
	bindings   [][3]string
	consumers  map[string]chan amqp.Delivery
	order      []string
	cancelled  []string
	published  []amqp.Publishing
	keys       []string
	closed     bool
	notifies   []chan *amqp.Error
	cancels    []chan string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{consumers: make(map[string]chan amqp.Delivery)}
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return c.qosErr
}

func (c *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, name)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, [3]string{name, key, exchange})
	return nil
}

func (c *fakeChannel) Consume(_, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	ch := make(chan amqp.Delivery, 16)
	c.consumers[consumer] = ch
	c.order = append(c.order, consumer)
	return ch, nil
}

func (c *fakeChannel) Cancel(consumer string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.consumers[consumer]; ok {
		close(ch)
		delete(c.consumers, consumer)
	}
	c.cancelled = append(c.cancelled, consumer)
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	return nil
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifies = append(c.notifies, receiver)
	return receiver
}

func (c *fakeChannel) NotifyCancel(receiver chan string) chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, receiver)
	return receiver
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close mirrors a client-initiated close: notify channels close without an error.
func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

// shutdownLocked closes consumers and notify channels, first sending err
// to close listeners when it is non-nil.
func (c *fakeChannel) shutdownLocked(err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeConsumersLocked()
	for _, n := range c.notifies {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
	for _, n := range c.cancels {
		close(n)
	}
}

// serverClose mirrors the server closing the channel with a channel
// exception while the connection stays up.
func (c *fakeChannel) serverClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownLocked(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED", Server: true})
}

// serverCancel mirrors the server cancelling every consumer, as when the
// queue is deleted. The channel stays open.
func (c *fakeChannel) serverCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tag, ch := range c.consumers {
		close(ch)
		delete(c.consumers, tag)
		for _, n := range c.cancels {
			select {
			case n <- tag:
			default:
			}
		}
	}
}

func (c *fakeChannel) cancelledCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cancelled)
}

func (c *fakeChannel) closeConsumersLocked() {
	for tag, ch := range c.consumers {
		close(ch)
		delete(c.consumers, tag)
	}
}

// deliver pushes d to the most recently started live consumer.
func (c *fakeChannel) deliver(t *testing.T, d amqp.Delivery) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.order) - 1; i >= 0; i-- {
		if ch, ok := c.consumers[c.order[i]]; ok {
			ch <- d
			return
		}
	}
	t.Fatal("no active consumer")
}

func (c *fakeChannel) activeConsumers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.consumers)
}

// fakeConn implements Connection in memory.
type fakeConn struct {
	mu         sync.Mutex
	ch         *fakeChannel
	channelErr error
	closed     bool
	notifies   []chan *amqp.Error
}

func (c *fakeConn) Channel() (AMQPChannel, error) {
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	return c.ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifies = append(c.notifies, receiver)
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close mirrors a client-initiated close: notify channels close without an error.
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, n := range c.notifies {
		close(n)
	}
	c.ch.mu.Lock()
	c.ch.shutdownLocked(nil)
	c.ch.mu.Unlock()
	return nil
}

// drop mirrors the server closing the connection.
func (c *fakeConn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	err := &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true}
	for _, n := range c.notifies {
		n <- err
		close(n)
	}
	c.ch.mu.Lock()
	c.ch.shutdownLocked(err)
	c.ch.mu.Unlock()
}

// fakeDialer hands out fakeConns, failing the first failFirst attempts or
// every attempt when fail is set.
type fakeDialer struct {
	mu         sync.Mutex
	attempts   int
	failFirst  int
	fail       bool
	channelErr error
	conns      []*fakeConn
	urls       []string
}

func (d *fakeDialer) dial(url string, _ amqp.Config) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	d.urls = append(d.urls, url)
	if d.fail || d.attempts <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	conn := &fakeConn{ch: newFakeChannel(), channelErr: d.channelErr}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.ConnectionRetries = 3
	cfg.Workers = 2
	cfg.ProcessTimeout = time.Second
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func newTestManager(t *testing.T, cfg Config, d *fakeDialer) *Manager {
	t.Helper()
	m := New(cfg, zerolog.Nop(), WithDialer(d.dial))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func connected(t *testing.T, cfg Config) (*Manager, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	m := newTestManager(t, cfg, d)
	require.True(t, m.Connect(context.Background(), 1, 0))
	return m, d
}
