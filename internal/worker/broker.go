package worker

import (
	"context"

	"github.com/forgeci/build-worker/shared/rabbitmq"
)

// Delivery is one message delivered from the build queue. Ack and NackRequeue
// are terminal and callable exactly once.
type Delivery interface {
	Body() []byte
	RoutingKey() string
	Redelivered() bool
	Ack() error
	NackRequeue() error
}

// DeliveryHandler processes one delivery and owns its terminal operation
type DeliveryHandler func(ctx context.Context, d Delivery)

// Broker is the slice of the broker client the worker drives: channel
// lifecycle, queue declaration, and the consumer subscription.
type Broker interface {
	OpenBuildChannel() error
	OpenReportingChannel() error
	DeclareQueues(ctx context.Context) error
	ReportingQueue() string
	Subscribe(ctx context.Context, consumerTag string, handler DeliveryHandler) error
	CancelConsumer() error
	ShutdownConsumer() error
	CloseAll() error
}

// NewAMQPBroker adapts the shared RabbitMQ client to the Broker interface
func NewAMQPBroker(client *rabbitmq.Client) Broker {
	return &amqpBroker{Client: client}
}

type amqpBroker struct {
	*rabbitmq.Client
}

func (b *amqpBroker) Subscribe(ctx context.Context, consumerTag string, handler DeliveryHandler) error {
	return b.Client.Subscribe(ctx, consumerTag, func(ctx context.Context, d *rabbitmq.Delivery) {
		handler(ctx, d)
	})
}
