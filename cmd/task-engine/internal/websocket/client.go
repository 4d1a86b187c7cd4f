package websocket

import (
	"encoding/json"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/gorilla/websocket"
)

const (
	// writeWait 写入超时
	writeWait = 10 * time.Second

	// pongWait 客户端存活信号超时
	pongWait = 60 * time.Second

	// pingPeriod Ping周期（必须小于pongWait）
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize 客户端入站消息上限，协议里客户端只发存活信号
	maxMessageSize = 4 * 1024
)

// Client 一条WebSocket连接，桥接Hub通道与gorilla连接
type Client struct {
	channel *Channel
	conn    *websocket.Conn
	hub     *Hub
	log     *log.Helper
}

// NewClient 创建客户端
func NewClient(channel *Channel, conn *websocket.Conn, hub *Hub, logger log.Logger) *Client {
	return &Client{
		channel: channel,
		conn:    conn,
		hub:     hub,
		log:     log.NewHelper(log.With(logger, "module", "ws-client", "channel_id", channel.ID)),
	}
}

// ReadPump 读取循环：客户端只发送周期性存活信号，内容被丢弃，
// 连接断开时注销通道
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c.channel)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.log.Errorf("websocket read error: %v", err)
			}
			return
		}
		// 任何入站消息都当作存活信号
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// WritePump 写入循环：把通道里的事件推给客户端
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.channel.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub注销了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(NewEventMessage(event))
			if err != nil {
				c.log.Errorf("failed to encode event: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
