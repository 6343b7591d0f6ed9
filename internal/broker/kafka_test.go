package broker

import (
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestNewKafkaClientEnablesSASLOnlyWithUsername(t *testing.T) {
	plain := NewKafkaClient(KafkaConfig{Brokers: []string{"localhost:9092"}})
	if plain.transport != nil {
		t.Fatalf("expected no SASL transport when username is empty")
	}

	authed := NewKafkaClient(KafkaConfig{Brokers: []string{"localhost:9092"}, Username: "u", Password: "p"})
	if authed.transport == nil {
		t.Fatalf("expected SASL transport when username is set")
	}
}

func TestNewKafkaClientUsesHashBalancerWhenPartitionKeyed(t *testing.T) {
	c := NewKafkaClient(KafkaConfig{Brokers: []string{"localhost:9092"}, PartitionKeyed: true})
	if _, ok := c.writer.Balancer.(*kafka.Hash); !ok {
		t.Fatalf("expected *kafka.Hash balancer when PartitionKeyed, got %T", c.writer.Balancer)
	}
}
