package syncbus

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"
)

// KafkaBus implements Bus using a Kafka backend. Each topic maps to a Kafka
// topic with a single partition.
type KafkaBus struct {
	fanout
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer

	wireMu sync.Mutex
	wire   map[string]sarama.PartitionConsumer
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		client:   client,
		producer: producer,
		consumer: consumer,
		wire:     make(map[string]sarama.PartitionConsumer),
	}, nil
}

// kafkaTopic maps a bus topic onto the characters Kafka accepts in topic names.
func kafkaTopic(topic string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		case r == ':':
			return '.'
		default:
			return '_'
		}
	}, topic)
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: kafkaTopic(evt.Topic), Value: sarama.ByteEncoder(data)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	b.wireMu.Lock()
	ch, first := b.add(topic)
	if first {
		pc, err := b.consumer.ConsumePartition(kafkaTopic(topic), 0, sarama.OffsetNewest)
		if err != nil {
			b.remove(topic, ch)
			b.wireMu.Unlock()
			return nil, err
		}
		b.wire[topic] = pc
		go b.dispatch(topic, pc)
	}
	b.wireMu.Unlock()
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(topic string, pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		evt, err := decodeEvent(topic, msg.Value)
		if err != nil {
			slog.Warn("trylock: dropping malformed kafka event", "topic", msg.Topic, "error", err)
			continue
		}
		b.deliver(evt)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.wireMu.Lock()
	defer b.wireMu.Unlock()
	if _, last := b.remove(topic, ch); !last {
		return nil
	}
	pc, ok := b.wire[topic]
	if !ok {
		return nil
	}
	delete(b.wire, topic)
	return pc.Close()
}

// Close releases the producer, consumer and client.
func (b *KafkaBus) Close() error {
	_ = b.producer.Close()
	_ = b.consumer.Close()
	return b.client.Close()
}
