package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/thejerf/suture/v4"

	"tributary/internal/broker/kafka"
	"tributary/internal/broker/rabbitmq"
	"tributary/internal/broker/redis"
	"tributary/internal/domain"
	"tributary/internal/stream"
)

// Backend moves envelopes between processes. Values read from the backend
// are delivered into the runtime's topic node by the backend's services.
type Backend interface {
	Name() string
	Publish(ctx context.Context, msg domain.Message) error
	// Services returns the loops that feed the topic node.
	Services(topic *stream.Node) []suture.Service
	Describe() map[string]any
	Close() error
}

// deliverTo hands v to the topic node and waits until its subgraph is done.
func deliverTo(topic *stream.Node) func(context.Context, any) error {
	return func(ctx context.Context, v any) error {
		_, err := topic.Deliver(v).Wait(ctx)
		return err
	}
}

type localBackend struct {
	topic *stream.Node
}

func newLocalBackend(topic *stream.Node) *localBackend { return &localBackend{topic: topic} }

func (b *localBackend) Name() string { return ModeLocal }

func (b *localBackend) Publish(ctx context.Context, msg domain.Message) error {
	return deliverTo(b.topic)(ctx, msg.Map())
}

func (b *localBackend) Services(*stream.Node) []suture.Service { return nil }
func (b *localBackend) Describe() map[string]any               { return map[string]any{"backend": ModeLocal} }
func (b *localBackend) Close() error                           { return nil }

type redisBackend struct {
	topic *redis.Topic
}

func (b *redisBackend) Name() string { return ModeRedis }

func (b *redisBackend) Publish(ctx context.Context, msg domain.Message) error {
	_, err := b.topic.Publish(ctx, msg.Map())
	return err
}

func (b *redisBackend) Services(topic *stream.Node) []suture.Service {
	return []suture.Service{&loop{
		name: "bus-redis-reader",
		run: func(ctx context.Context) error {
			if err := b.topic.Run(ctx, deliverTo(topic)); err != nil {
				return fmt.Errorf("%w: %w", suture.ErrDoNotRestart, err)
			}
			return ctx.Err()
		},
	}}
}

func (b *redisBackend) Describe() map[string]any {
	cfg := b.topic.Config()
	return map[string]any{"backend": ModeRedis, "addr": cfg.Addr, "group": cfg.Group, "consumer": cfg.Consumer}
}

func (b *redisBackend) Close() error { return b.topic.Close() }

type kafkaBackend struct {
	topic   *kafka.Topic
	brokers []string
	group   string
}

func (b *kafkaBackend) Name() string { return ModeKafka }

func (b *kafkaBackend) Publish(ctx context.Context, msg domain.Message) error {
	return b.topic.Publish(ctx, msg)
}

func (b *kafkaBackend) Services(topic *stream.Node) []suture.Service {
	return []suture.Service{&loop{
		name: "bus-kafka-reader",
		run: func(ctx context.Context) error {
			if err := b.topic.Run(ctx, deliverTo(topic)); err != nil {
				return err
			}
			return ctx.Err()
		},
	}}
}

func (b *kafkaBackend) Describe() map[string]any {
	return map[string]any{"backend": ModeKafka, "brokers": b.brokers, "group": b.group}
}

func (b *kafkaBackend) Close() error { return b.topic.Close() }

type amqpBackend struct {
	topic *rabbitmq.Topic
}

func (b *amqpBackend) Name() string { return ModeAMQP }

func (b *amqpBackend) Publish(ctx context.Context, msg domain.Message) error {
	return b.topic.Publish(ctx, msg)
}

// Services reconnects before each run so a dropped connection is retried
// under the supervisor's backoff.
func (b *amqpBackend) Services(topic *stream.Node) []suture.Service {
	return []suture.Service{&loop{
		name: "bus-amqp-reader",
		run: func(ctx context.Context) error {
			if !b.topic.Connected() {
				_ = b.topic.Close()
				if err := b.topic.Connect(ctx); err != nil {
					return err
				}
			}
			if err := b.topic.Run(ctx, deliverTo(topic)); err != nil {
				_ = b.topic.Close()
				return err
			}
			return ctx.Err()
		},
	}}
}

func (b *amqpBackend) Describe() map[string]any {
	cfg := b.topic.Config()
	return map[string]any{"backend": ModeAMQP, "exchange": cfg.Topic, "queue": cfg.QueueName()}
}

func (b *amqpBackend) Close() error {
	err := b.topic.Close()
	if errors.Is(err, rabbitmq.ErrNotConnected) {
		return nil
	}
	return err
}

// loop adapts a blocking function to suture.Service.
type loop struct {
	name string
	run  func(ctx context.Context) error
}

func (l *loop) Serve(ctx context.Context) error { return l.run(ctx) }
func (l *loop) String() string                  { return l.name }
