package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/chainride/internal/models"
)

// KafkaProducer mirrors normalized order events to a kafka topic for
// downstream consumers. Publishing is best-effort; the in-process
// subscribers are the authoritative path.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

// PublishOrderEvent writes one normalized event keyed by order id, so a
// single order's events land on one partition in order.
func (k *KafkaProducer) PublishOrderEvent(ev models.OrderEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := strconv.FormatUint(ev.OrderID, 10)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
