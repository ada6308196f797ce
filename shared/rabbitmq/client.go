package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrBrokerUnavailable is returned when the broker connection is down and a
// channel cannot be opened or used.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// ReportingExchange receives worker state snapshots and build log chunks.
const ReportingExchange = "worker.reporting"

// buildChannelPrefetch limits unacknowledged deliveries on the build channel
// to one. This is what serializes job processing per worker; it is not
// configurable.
const buildChannelPrefetch = 1

// Config holds RabbitMQ connection configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	// Queue is the durable build queue this client consumes from. The
	// companion reporting queue is derived from it.
	Queue string

	RetryAttempts int
	RetryInterval time.Duration
	Heartbeat     time.Duration

	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Client owns one AMQP connection and the two channels the worker needs: a
// build channel for consuming jobs and a reporting channel for state and log
// publishing. Channels are opened lazily and memoized; CloseAll is idempotent.
type Client struct {
	config *Config
	logger *slog.Logger

	mu          sync.Mutex
	conn        *amqp.Connection
	buildCh     *amqp.Channel
	reportCh    *amqp.Channel
	consumerTag string
	closed      bool
}

// NewClient connects to RabbitMQ with retry and returns a Client. No channels
// are opened yet.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		config: config,
		logger: logger,
	}

	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return c, nil
}

// connect establishes the connection with retry logic
func (c *Client) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			return nil
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
}

// OpenBuildChannel opens the build channel if it is not already open and
// applies the prefetch limit. Idempotent.
func (c *Client) OpenBuildChannel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buildCh != nil && !c.buildCh.IsClosed() {
		return nil
	}

	ch, err := c.openChannelLocked()
	if err != nil {
		return err
	}

	if err := ch.Qos(buildChannelPrefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	c.buildCh = ch
	c.logger.Debug("Build channel opened",
		slog.Int("prefetch_count", buildChannelPrefetch),
	)

	return nil
}

// OpenReportingChannel opens the reporting channel if it is not already open.
// Idempotent.
func (c *Client) OpenReportingChannel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reportCh != nil && !c.reportCh.IsClosed() {
		return nil
	}

	ch, err := c.openChannelLocked()
	if err != nil {
		return err
	}

	c.reportCh = ch
	c.logger.Debug("Reporting channel opened")

	return nil
}

// openChannelLocked opens a new channel on the connection. Caller holds mu.
func (c *Client) openChannelLocked() (*amqp.Channel, error) {
	if c.conn == nil || c.conn.IsClosed() {
		return nil, ErrBrokerUnavailable
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", ErrBrokerUnavailable, err)
	}

	return ch, nil
}

// ReportingQueue returns the name of the reporting queue companion to the
// build queue.
func (c *Client) ReportingQueue() string {
	return "reporting.jobs." + c.config.Queue
}

// DeclareQueues declares the durable build queue, the reporting exchange, and
// the companion reporting queue with its binding. Both channels must be open.
func (c *Client) DeclareQueues(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buildCh == nil || c.reportCh == nil {
		return fmt.Errorf("channels must be opened before declaring queues")
	}

	_, err := c.buildCh.QueueDeclare(
		c.config.Queue, // name
		true,           // durable
		false,          // auto-delete
		false,          // exclusive
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.config.Queue, err)
	}

	err = c.reportCh.ExchangeDeclare(
		ReportingExchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-delete
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", ReportingExchange, err)
	}

	reportingQueue := c.ReportingQueue()
	_, err = c.reportCh.QueueDeclare(
		reportingQueue, // name
		true,           // durable
		false,          // auto-delete
		false,          // exclusive
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", reportingQueue, err)
	}

	// "#" matches zero or more words, so the binding catches both the bare
	// reporting key and per-job log keys derived from it.
	err = c.reportCh.QueueBind(
		reportingQueue,      // queue name
		reportingQueue+".#", // binding key
		ReportingExchange,   // exchange
		false,               // no-wait
		nil,                 // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", reportingQueue, err)
	}

	c.logger.Info("Queues declared",
		slog.String("build_queue", c.config.Queue),
		slog.String("reporting_queue", reportingQueue),
	)

	return nil
}

// Handler processes one delivery. It owns the delivery's terminal operation.
type Handler func(ctx context.Context, d *Delivery)

// Subscribe starts consuming from the build queue with manual acknowledgment
// and dispatches deliveries to the handler from a dedicated goroutine. With
// prefetch = 1 the handler sees at most one delivery at a time.
func (c *Client) Subscribe(ctx context.Context, consumerTag string, handler Handler) error {
	c.mu.Lock()
	ch := c.buildCh
	if ch == nil || ch.IsClosed() {
		c.mu.Unlock()
		return fmt.Errorf("%w: build channel not open", ErrBrokerUnavailable)
	}
	c.consumerTag = consumerTag
	c.mu.Unlock()

	deliveries, err := ch.Consume(
		c.config.Queue, // queue
		consumerTag,    // consumer tag
		false,          // auto-ack
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Consumer started",
		slog.String("queue", c.config.Queue),
		slog.String("consumer_tag", consumerTag),
	)

	go c.dispatch(ctx, deliveries, handler)

	return nil
}

// dispatch feeds deliveries to the handler until the stream closes
func (c *Client) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) {
	for raw := range deliveries {
		handler(ctx, &Delivery{raw: raw})
	}

	c.logger.Info("Delivery stream closed",
		slog.String("queue", c.config.Queue),
	)
}

// CancelConsumer gracefully cancels the active consumer subscription. In-flight
// deliveries already handed to the handler are unaffected. Idempotent.
func (c *Client) CancelConsumer() error {
	c.mu.Lock()
	ch := c.buildCh
	tag := c.consumerTag
	c.consumerTag = ""
	c.mu.Unlock()

	if ch == nil || ch.IsClosed() || tag == "" {
		return nil
	}

	if err := ch.Cancel(tag, false); err != nil {
		return fmt.Errorf("failed to cancel consumer: %w", err)
	}

	c.logger.Info("Consumer cancelled",
		slog.String("consumer_tag", tag),
	)

	return nil
}

// ShutdownConsumer forcefully tears the consumer down by closing the build
// channel. Unacknowledged deliveries are returned to the queue by the broker.
func (c *Client) ShutdownConsumer() error {
	c.mu.Lock()
	ch := c.buildCh
	c.buildCh = nil
	c.consumerTag = ""
	c.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		return nil
	}

	if err := ch.Close(); err != nil {
		return fmt.Errorf("failed to close build channel: %w", err)
	}

	return nil
}

// PublishReport publishes a persistent message to the reporting exchange with
// the given routing key, retrying with exponential backoff.
func (c *Client) PublishReport(ctx context.Context, routingKey string, body []byte) error {
	c.mu.Lock()
	ch := c.reportCh
	c.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		return fmt.Errorf("%w: reporting channel not open", ErrBrokerUnavailable)
	}

	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := ch.PublishWithContext(
			ctx,
			ReportingExchange, // exchange
			routingKey,        // routing key
			false,             // mandatory
			false,             // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
			},
		)

		if err == nil {
			c.logger.Debug("Report published",
				slog.String("routing_key", routingKey),
				slog.Int("body_size", len(body)),
			)
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			backoffDelay := time.Duration(float64(baseDelay) * float64(uint(1)<<uint(attempt)))
			c.logger.Warn("Failed to publish report, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", err),
			)
			time.Sleep(backoffDelay)
		}
	}

	return fmt.Errorf("failed to publish report after %d attempts: %w", maxRetries+1, lastErr)
}

// CloseAll closes both channels. Channels that were never opened are
// tolerated; calling CloseAll twice is a no-op.
func (c *Client) CloseAll() error {
	c.mu.Lock()
	buildCh := c.buildCh
	reportCh := c.reportCh
	c.buildCh = nil
	c.reportCh = nil
	c.mu.Unlock()

	for _, ch := range []*amqp.Channel{buildCh, reportCh} {
		if ch == nil || ch.IsClosed() {
			continue
		}
		if err := ch.Close(); err != nil {
			c.logger.Error("Failed to close channel",
				slog.Any("error", err),
			)
		}
	}

	return nil
}

// Close closes the channels and the underlying connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.CloseAll()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Delivery is one message delivered from the build queue. Ack and NackRequeue
// are terminal: the first call settles the message, later calls fail.
type Delivery struct {
	raw     amqp.Delivery
	settled atomic.Bool
}

// Body returns the raw message payload
func (d *Delivery) Body() []byte {
	return d.raw.Body
}

// RoutingKey returns the routing key the message was published with
func (d *Delivery) RoutingKey() string {
	return d.raw.RoutingKey
}

// Redelivered reports whether the broker has delivered this message before
func (d *Delivery) Redelivered() bool {
	return d.raw.Redelivered
}

// Ack acknowledges the message
func (d *Delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return fmt.Errorf("message already settled")
	}
	return d.raw.Ack(false)
}

// NackRequeue rejects the message and asks the broker to redeliver it
func (d *Delivery) NackRequeue() error {
	if !d.settled.CompareAndSwap(false, true) {
		return fmt.Errorf("message already settled")
	}
	return d.raw.Nack(false, true)
}
