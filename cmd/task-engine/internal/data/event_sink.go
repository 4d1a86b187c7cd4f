package data

import (
	"context"
	"encoding/json"
	"time"

	"knowledgehub/cmd/task-engine/internal/domain"
	"knowledgehub/pkg/events"

	"github.com/go-kratos/kratos/v2/log"
)

const sinkBufferSize = 256

// EventSink 把通知事件镜像到Kafka供下游审计和离线消费。
// 尽力而为：发布绝不阻塞任务路径，队列满或broker不可用时丢弃
type EventSink struct {
	publisher events.Publisher
	ch        chan *domain.NotificationEvent
	done      chan struct{}
	log       *log.Helper
}

// NewEventSink 创建Kafka事件镜像。publisher为nil时返回nil（未配置Kafka）
func NewEventSink(publisher events.Publisher, logger log.Logger) *EventSink {
	if publisher == nil {
		return nil
	}
	s := &EventSink{
		publisher: publisher,
		ch:        make(chan *domain.NotificationEvent, sinkBufferSize),
		done:      make(chan struct{}),
		log:       log.NewHelper(log.With(logger, "module", "event-sink")),
	}
	go s.drain()
	return s
}

// Publish 实现domain.Notifier，非阻塞入队
func (s *EventSink) Publish(event *domain.NotificationEvent) {
	select {
	case s.ch <- event:
	default:
		s.log.Warnf("event sink buffer full, dropping %s for task %s", event.Type, event.TaskID)
	}
}

// Close 停止后台发送
func (s *EventSink) Close() error {
	close(s.ch)
	<-s.done
	return s.publisher.Close()
}

func (s *EventSink) drain() {
	defer close(s.done)
	for event := range s.ch {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			s.log.Errorf("failed to encode event payload: %v", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.publisher.Publish(ctx, &events.Envelope{
			EventType:   string(event.Type),
			Source:      "task-engine",
			AggregateID: event.TaskID,
			UserID:      event.UserID,
			Timestamp:   event.Timestamp,
			Payload:     payload,
		})
		cancel()
		if err != nil {
			s.log.Errorf("failed to mirror event to kafka: %v", err)
		}
	}
}

// FanoutNotifier 把事件同时投递给所有下游Notifier（WebSocket Hub、Kafka镜像）
type FanoutNotifier struct {
	sinks []domain.Notifier
}

// NewFanoutNotifier 创建扇出通知器，nil成员自动跳过
func NewFanoutNotifier(sinks ...domain.Notifier) *FanoutNotifier {
	f := &FanoutNotifier{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish 实现domain.Notifier
func (f *FanoutNotifier) Publish(event *domain.NotificationEvent) {
	for _, s := range f.sinks {
		s.Publish(event)
	}
}
