package notify

import (
	"context"
	"encoding/json"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

type kafkaNotifier struct {
	w *kafka.Writer
}

// NewKafka publishes notifications to a kafka topic. Writers are safe for
// concurrent use.
func NewKafka(brokers []string, topic string) Notifier {
	if len(brokers) == 0 {
		return NewNoop()
	}
	if topic == "" {
		topic = "pipeline.notifications"
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &kafkaNotifier{w: w}
}

func (n *kafkaNotifier) Notify(ctx context.Context, msg Message) error {
	b, _ := json.Marshal(msg)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return n.w.WriteMessages(ctx, kafka.Message{Key: []byte(msg.TenantID), Value: b})
}

func (n *kafkaNotifier) Close() error { return n.w.Close() }
