package websocket

import (
	"sync"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

const (
	// defaultBacklogSize 无在线连接时每用户积压的事件上限，超出丢弃最旧
	defaultBacklogSize = 50

	// channelBufferSize 每个在线连接的发送缓冲，写满即丢弃（慢消费者不
	// 得阻塞publish）
	channelBufferSize = 64
)

// Channel 一条到客户端的投递通道。一个用户可同时持有多条（多会话），
// 事件广播给该用户的所有通道而非负载均衡
type Channel struct {
	ID     string
	UserID string
	Send   chan *domain.NotificationEvent
}

// HubConfig Hub配置
type HubConfig struct {
	BacklogSize int
}

// Hub 通知分发中心
//
// Publish永不阻塞调用方：在线通道缓冲写满则丢弃该通道的事件，
// 无在线通道则进入有界积压，注册时先回放积压再接实时流。
// 单个publish调用序 + 通道FIFO缓冲保证同一任务的事件按发布序到达
type Hub struct {
	mu          sync.Mutex
	channels    map[string]map[string]*Channel // userID -> channelID -> channel
	backlog     map[string][]*domain.NotificationEvent
	backlogSize int
	log         *log.Helper
}

// NewHub 创建Hub
func NewHub(config *HubConfig, logger log.Logger) *Hub {
	if config == nil {
		config = &HubConfig{}
	}
	if config.BacklogSize <= 0 {
		config.BacklogSize = defaultBacklogSize
	}
	return &Hub{
		channels:    make(map[string]map[string]*Channel),
		backlog:     make(map[string][]*domain.NotificationEvent),
		backlogSize: config.BacklogSize,
		log:         log.NewHelper(log.With(logger, "module", "hub")),
	}
}

// Register 为用户开启一条投递通道，积压事件先行入队
func (h *Hub) Register(userID string) *Channel {
	// 缓冲容量覆盖积压上限，回放不丢
	ch := &Channel{
		ID:     uuid.New().String(),
		UserID: userID,
		Send:   make(chan *domain.NotificationEvent, h.backlogSize+channelBufferSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// 回放积压，缓冲容量保证全部放得下
	for _, event := range h.backlog[userID] {
		ch.Send <- event
	}
	delete(h.backlog, userID)

	if h.channels[userID] == nil {
		h.channels[userID] = make(map[string]*Channel)
	}
	h.channels[userID][ch.ID] = ch

	h.log.Infof("channel %s registered for user %s (%d live)", ch.ID, userID, len(h.channels[userID]))
	return ch
}

// Unregister 关闭通道，幂等
func (h *Hub) Unregister(ch *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userChannels, ok := h.channels[ch.UserID]
	if !ok {
		return
	}
	if _, ok := userChannels[ch.ID]; !ok {
		return
	}
	delete(userChannels, ch.ID)
	if len(userChannels) == 0 {
		delete(h.channels, ch.UserID)
	}
	close(ch.Send)
	h.log.Infof("channel %s unregistered for user %s", ch.ID, ch.UserID)
}

// Publish 投递事件给用户的全部在线通道；无在线通道则积压。
// 实现domain.Notifier，任何路径都不阻塞
func (h *Hub) Publish(event *domain.NotificationEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userChannels, ok := h.channels[event.UserID]
	if !ok || len(userChannels) == 0 {
		backlog := append(h.backlog[event.UserID], event)
		if len(backlog) > h.backlogSize {
			dropped := len(backlog) - h.backlogSize
			backlog = backlog[dropped:]
			droppedTotal.Add(float64(dropped))
		}
		h.backlog[event.UserID] = backlog
		return
	}

	for _, ch := range userChannels {
		select {
		case ch.Send <- event:
		default:
			// 慢消费者：丢弃而非阻塞，通道间故障隔离
			droppedTotal.Inc()
		}
	}
}

// LiveChannelCount 在线通道总数
func (h *Hub) LiveChannelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, userChannels := range h.channels {
		n += len(userChannels)
	}
	return n
}
