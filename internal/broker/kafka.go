// Package broker implements acctcore.BrokerProducer over the two
// primary-output transports message_broker_type selects: Kafka (this
// file) and AMQP (rabbitmq.go). The ring's own secondary/fallback
// transport is a separate AMQP consumer in internal/ringbuf and does
// not share this package. Writer construction and SASL wiring follow
// the project's usual Kafka sink shape, generalized to
// acctcore.BrokerMessage.
package broker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/user/acctcore"
)

// KafkaClient is the publication engine's broker client: reopened once
// per flush, with no long-lived producer connection held across
// flushes.
type KafkaClient struct {
	writer         *kafka.Writer
	transport      *kafka.Transport
	partitionKeyed bool
}

// KafkaConfig carries the connection parameters the engine needs to
// open a fresh client. PartitionKeyed (`kafka_partition_key`) selects
// the Hash balancer instead of LeastBytes. Partition (`kafka_partition`)
// is not read by NewKafkaClient and does not affect the balancer.
type KafkaConfig struct {
	Brokers        []string
	Username       string
	Password       string
	Partition      int
	PartitionKeyed bool
}

// NewKafkaClient opens a producer against the given brokers. A fixed
// topic is not required here: each Produce call carries its own topic,
// since topic resolution happens per-message (dynamic/round-robin) or
// once (static); the writer itself stays topic-agnostic via
// kafka.Writer's per-message Topic field.
func NewKafkaClient(cfg KafkaConfig) *KafkaClient {
	var transport *kafka.Transport
	if cfg.Username != "" {
		transport = &kafka.Transport{
			SASL: plain.Mechanism{
				Username: cfg.Username,
				Password: cfg.Password,
			},
		}
	}

	balancer := kafka.Balancer(&kafka.LeastBytes{})
	if cfg.PartitionKeyed {
		balancer = &kafka.Hash{}
	}

	return &KafkaClient{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               balancer,
			AllowAutoTopicCreation: true,
			Transport:              transport,
		},
		transport:      transport,
		partitionKeyed: cfg.PartitionKeyed,
	}
}

// Produce implements acctcore.BrokerProducer. When the client is
// configured for key-based partitioning (`kafka_partition_key`) and
// the caller did not supply a natural key, a random uuid stands in so
// the Hash balancer still spreads unkeyed traffic evenly across
// partitions.
func (k *KafkaClient) Produce(ctx context.Context, msg acctcore.BrokerMessage) error {
	key := msg.Key
	if k.partitionKeyed && len(key) == 0 {
		key = []byte(uuid.NewString())
	}
	kmsg := kafka.Message{
		Topic: msg.Topic,
		Key:   key,
		Value: msg.Value,
	}
	if msg.Partition > 0 {
		kmsg.Partition = msg.Partition
	}
	if err := k.writer.WriteMessages(ctx, kmsg); err != nil {
		return fmt.Errorf("broker: kafka publish to %s: %w", msg.Topic, err)
	}
	return nil
}

func (k *KafkaClient) Close() error {
	return k.writer.Close()
}
