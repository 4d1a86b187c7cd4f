package websocket

import (
	"time"

	"knowledgehub/cmd/task-engine/internal/domain"
)

// 出站消息类型
const (
	MessageTypeEvent   = "event"
	MessageTypeWelcome = "welcome"
)

// Message 出站消息信封
type Message struct {
	Type      string                    `json:"type"`
	Event     *domain.NotificationEvent `json:"event,omitempty"`
	ChannelID string                    `json:"channel_id,omitempty"`
	Timestamp int64                     `json:"timestamp"`
}

// NewEventMessage 事件消息
func NewEventMessage(event *domain.NotificationEvent) *Message {
	return &Message{
		Type:      MessageTypeEvent,
		Event:     event,
		Timestamp: time.Now().Unix(),
	}
}

// NewWelcomeMessage 连接建立后的首条消息
func NewWelcomeMessage(channelID string) *Message {
	return &Message{
		Type:      MessageTypeWelcome,
		ChannelID: channelID,
		Timestamp: time.Now().Unix(),
	}
}
