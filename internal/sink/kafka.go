package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"pricewatch/internal/feed"
	"pricewatch/internal/notify"
	"pricewatch/internal/prices"
)

// KafkaWriter abstracts the output stream
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TickEvent is the record written to the tick topic.
type TickEvent struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Percent   float64 `json:"percent"`
	Timestamp int64   `json:"timestamp"`
}

// KafkaSink publishes applied ticks and alert notifications, keyed by symbol
// so one symbol always lands on one partition.
type KafkaSink struct {
	writer     KafkaWriter
	tickTopic  string
	alertTopic string
	log        *zap.Logger
}

func NewKafkaSink(w KafkaWriter, tickTopic, alertTopic string, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{writer: w, tickTopic: tickTopic, alertTopic: alertTopic, log: logger}
}

// NewKafkaWriter builds an async writer with no default topic; every message
// carries its own. Delivery failures are logged from the completion callback.
func NewKafkaWriter(brokers []string, logger *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("kafka delivery failed", zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
	}
}

func (s *KafkaSink) OnTick(ctx context.Context, t feed.Tick, rec prices.Record) {
	if s.tickTopic == "" {
		return
	}
	payload, err := json.Marshal(TickEvent{
		Symbol:    rec.Symbol,
		Price:     t.Price,
		Volume:    t.Volume,
		Percent:   rec.Percent,
		Timestamp: t.Time.UnixMilli(),
	})
	if err != nil {
		s.log.Error("marshal tick", zap.Error(err))
		return
	}
	s.write(ctx, s.tickTopic, rec.Symbol, payload)
}

func (s *KafkaSink) Notify(ctx context.Context, n notify.Notification) {
	if s.alertTopic == "" {
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		s.log.Error("marshal notification", zap.Error(err))
		return
	}
	s.write(ctx, s.alertTopic, n.Symbol, payload)
}

func (s *KafkaSink) write(ctx context.Context, topic, key string, payload []byte) {
	err := s.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		s.log.Error("kafka write", zap.String("topic", topic), zap.String("key", key), zap.Error(err))
	}
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
