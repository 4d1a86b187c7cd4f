package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// Publisher 事件发布器接口
type Publisher interface {
	// Publish 发布事件
	Publish(ctx context.Context, event *Envelope) error

	// Close 关闭发布器
	Close() error
}

// Envelope 事件信封，统一JSON编码上Kafka。
// AggregateID作为分区键，同一聚合内的事件保序
type Envelope struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Source      string          `json:"source"`
	AggregateID string          `json:"aggregate_id"`
	UserID      string          `json:"user_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// PublisherConfig 发布器配置
type PublisherConfig struct {
	Brokers       []string
	Topic         string
	RetryMax      int
	RequiredAcks  sarama.RequiredAcks
	Compression   sarama.CompressionCodec
	FlushMessages int
	FlushMaxMs    int
}

// DefaultPublisherConfig 默认配置
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		Brokers:       []string{"localhost:9092"},
		Topic:         "task.events",
		RetryMax:      3,
		RequiredAcks:  sarama.WaitForLocal,
		Compression:   sarama.CompressionSnappy,
		FlushMessages: 100,
		FlushMaxMs:    100,
	}
}

// KafkaPublisher Kafka 事件发布器
type KafkaPublisher struct {
	producer sarama.SyncProducer
	config   *PublisherConfig
}

// NewKafkaPublisher 创建 Kafka 发布器
func NewKafkaPublisher(config *PublisherConfig) (*KafkaPublisher, error) {
	if config == nil {
		config = DefaultPublisherConfig()
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.RequiredAcks = config.RequiredAcks
	kafkaConfig.Producer.Compression = config.Compression
	kafkaConfig.Producer.Retry.Max = config.RetryMax
	kafkaConfig.Producer.Flush.Messages = config.FlushMessages
	kafkaConfig.Producer.Flush.MaxMessages = config.FlushMaxMs
	kafkaConfig.Version = sarama.V3_6_0_0

	producer, err := sarama.NewSyncProducer(config.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &KafkaPublisher{
		producer: producer,
		config:   config,
	}, nil
}

// Publish 发布事件
func (p *KafkaPublisher) Publish(ctx context.Context, event *Envelope) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.config.Topic,
		Key:   sarama.StringEncoder(event.AggregateID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.EventType)},
			{Key: []byte("source"), Value: []byte(event.Source)},
		},
		Timestamp: time.Now(),
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close 关闭发布器
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// MockPublisher 模拟发布器（用于测试）
type MockPublisher struct {
	Events []*Envelope
}

// NewMockPublisher 创建模拟发布器
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		Events: make([]*Envelope, 0),
	}
}

// Publish 发布事件
func (m *MockPublisher) Publish(ctx context.Context, event *Envelope) error {
	m.Events = append(m.Events, event)
	return nil
}

// Close 关闭
func (m *MockPublisher) Close() error {
	return nil
}
