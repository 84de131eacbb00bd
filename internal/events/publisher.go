package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher delivers events. Callers treat failures as non-fatal: an auth
// operation never fails because its event could not be published.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop drops every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

var (
	// ErrBufferFull is returned by AMQPPublisher.Publish when the outbound
	// buffer has no room; the event is dropped.
	ErrBufferFull = errors.New("events: publish buffer full")
	// ErrPublisherClosed is returned by Publish after Close.
	ErrPublisherClosed = errors.New("events: publisher closed")
)

const (
	defaultBuffer         = 256
	defaultDialTimeout    = 5 * time.Second
	defaultPublishTimeout = 5 * time.Second
	redialBackoff         = 5 * time.Second
)

// AMQPPublisher publishes events as persistent JSON messages to a durable
// queue through the default exchange. Publish only enqueues; a single
// background worker owns the connection, dials lazily with a bounded
// handshake and drops events while the broker is unreachable.
type AMQPPublisher struct {
	url            string
	queue          string
	logger         *slog.Logger
	dialTimeout    time.Duration
	publishTimeout time.Duration

	pending   chan Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by the worker goroutine
	conn       *amqp.Connection
	ch         *amqp.Channel
	nextDialAt time.Time
	now        func() time.Time
}

// PublisherOption configures an AMQPPublisher.
type PublisherOption func(*AMQPPublisher)

// WithBuffer sets how many events may wait for the worker.
func WithBuffer(n int) PublisherOption {
	return func(p *AMQPPublisher) {
		if n > 0 {
			p.pending = make(chan Event, n)
		}
	}
}

// WithDialTimeout bounds the TCP connect and AMQP handshake.
func WithDialTimeout(d time.Duration) PublisherOption {
	return func(p *AMQPPublisher) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// NewAMQPPublisher starts the publishing worker. Close stops it.
func NewAMQPPublisher(url, queue string, logger *slog.Logger, opts ...PublisherOption) *AMQPPublisher {
	p := &AMQPPublisher{
		url:            url,
		queue:          queue,
		logger:         logger,
		dialTimeout:    defaultDialTimeout,
		publishTimeout: defaultPublishTimeout,
		pending:        make(chan Event, defaultBuffer),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// Publish implements Publisher. It never blocks on the broker.
func (p *AMQPPublisher) Publish(_ context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	select {
	case <-p.stop:
		return ErrPublisherClosed
	default:
	}
	select {
	case p.pending <- ev:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops the worker after it flushed what it can over an already open
// channel, then shuts the connection down.
func (p *AMQPPublisher) Close() error {
	p.closeOnce.Do(func() { close(p.stop) })
	<-p.done
	return nil
}

func (p *AMQPPublisher) run() {
	defer close(p.done)
	defer p.reset()
	for {
		select {
		case <-p.stop:
			p.flush()
			return
		case ev := <-p.pending:
			p.send(ev, true)
		}
	}
}

// flush drains the buffer without dialling.
func (p *AMQPPublisher) flush() {
	for {
		select {
		case ev := <-p.pending:
			p.send(ev, false)
		default:
			return
		}
	}
}

func (p *AMQPPublisher) send(ev Event, dial bool) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("rabbitmq: marshal event failed", "err", err, "event", ev.Type)
		return
	}
	ch, err := p.channel(dial)
	if err != nil {
		p.logger.Warn("rabbitmq: event dropped", "err", err, "event", ev.Type)
		return
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Type:         string(ev.Type),
		Timestamp:    ev.OccurredAt,
		Body:         body,
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()
	if err := ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		pub,
	); err != nil {
		p.logger.Warn("rabbitmq: publish failed", "err", err, "event", ev.Type)
		p.reset()
	}
}

var errNotConnected = errors.New("not connected")

func (p *AMQPPublisher) channel(dial bool) (*amqp.Channel, error) {
	if p.ch != nil && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	if !dial {
		return nil, errNotConnected
	}
	if now := p.now(); now.Before(p.nextDialAt) {
		return nil, fmt.Errorf("broker unreachable, next dial in %s", p.nextDialAt.Sub(now).Round(time.Millisecond))
	}
	conn, err := dialAMQP(p.url, p.dialTimeout)
	if err != nil {
		p.nextDialAt = p.now().Add(redialBackoff)
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		p.nextDialAt = p.now().Add(redialBackoff)
		return nil, fmt.Errorf("channel open: %w", err)
	}
	// Durable so messages survive broker restarts.
	if _, err := declareQueue(ch, p.queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		p.nextDialAt = p.now().Add(redialBackoff)
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// dialAMQP connects with the TCP connect and the AMQP handshake both bounded
// by timeout. amqp.Dial alone waits up to 30s on a silent peer.
func dialAMQP(url string, timeout time.Duration) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
}

func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return q, fmt.Errorf("queue declare: %w", err)
	}
	return q, nil
}
