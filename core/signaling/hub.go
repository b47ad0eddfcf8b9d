// Package signaling 收听端 WebSocket 信令: 传输协商, 广播队列和正在播放.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"ChansonFM/core/provider"
	"ChansonFM/core/sfu"
	"ChansonFM/logger"
	"ChansonFM/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 256
	readLimit      = 64 << 10
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
)

// QueueSource 队列快照
type QueueSource interface {
	Snapshot() []model.TrackView
}

// NowPlayingSource 正在播放的曲目
type NowPlayingSource interface {
	NowPlaying() *model.TrackView
}

// StatusSource 提供者状态
type StatusSource interface {
	Status() provider.Status
}

// Client 一个收听端连接, 只在连接存续期间存在
type Client struct {
	ID          string
	ConnectedAt time.Time

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Hub 收听端连接集合. 所有广播经过这里.
type Hub struct {
	engine     sfu.Engine
	queue      QueueSource
	nowPlaying NowPlayingSource
	status     StatusSource

	mu        sync.RWMutex
	clients   map[string]*Client
	countSubs []func(int)
}

// NewHub creates a new listener hub.
func NewHub(engine sfu.Engine, queue QueueSource, nowPlaying NowPlayingSource, status StatusSource) *Hub {
	return &Hub{
		engine:     engine,
		queue:      queue,
		nowPlaying: nowPlaying,
		status:     status,
		clients:    make(map[string]*Client),
	}
}

// OnClientCount 注册在线人数变化的回调
func (h *Hub) OnClientCount(fn func(int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.countSubs = append(h.countSubs, fn)
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve 处理一个已升级的收听端连接, 阻塞到连接关闭
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) {
	c := &Client{
		ID:          uuid.New().String(),
		ConnectedAt: time.Now(),
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
	}

	c.sendJSON(welcomeMsg{Type: MsgTypeWelcome, ID: c.ID})
	count := h.register(c)
	logger.Info("[Signaling] client connected", logger.String("client", c.ID), logger.Int("total", count))
	h.broadcastClientCount(count)

	c.sendJSON(queueUpdate(h.queue.Snapshot()))
	if id, ok := h.engine.ActiveProducer(); ok {
		c.sendJSON(producerMsg{Type: MsgTypeProducerStarted, ProducerID: id})
	}
	if h.nowPlaying != nil {
		if track := h.nowPlaying.NowPlaying(); track != nil {
			c.sendJSON(nowPlayingMsg{Type: MsgTypeNowPlaying, Track: track})
		}
	}
	if h.status != nil {
		c.sendJSON(h.status.Status())
	}

	go c.writePump()
	c.readPump(ctx)

	count = h.unregister(c)
	h.engine.CloseClientResources(c.ID)
	logger.Info("[Signaling] client disconnected", logger.String("client", c.ID), logger.Int("total", count))
	h.broadcastClientCount(count)
}

func (h *Hub) register(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	return len(h.clients)
}

func (h *Hub) unregister(c *Client) int {
	h.mu.Lock()
	delete(h.clients, c.ID)
	n := len(h.clients)
	h.mu.Unlock()
	c.stop()
	return n
}

// broadcast 发给所有连接. 发送缓冲区满的连接直接断开.
func (h *Hub) broadcast(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal broadcast", logger.ErrorField(err))
		return
	}

	var slow []*Client
	h.mu.RLock()
	for _, c := range h.clients {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logger.Warn("[Signaling] send buffer full, dropping client", logger.String("client", c.ID))
		c.conn.Close()
	}
}

func (h *Hub) broadcastClientCount(count int) {
	h.broadcast(clientCountMsg{Type: MsgTypeClientCount, Count: count})

	h.mu.RLock()
	subs := append(([]func(int))(nil), h.countSubs...)
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(count)
	}
}

// PublishQueue 广播队列快照
func (h *Hub) PublishQueue(queue []model.TrackView) {
	h.broadcast(queueUpdate(queue))
}

// PublishNowPlaying 广播正在播放, nil 表示空闲
func (h *Hub) PublishNowPlaying(track *model.TrackView) {
	h.broadcast(nowPlayingMsg{Type: MsgTypeNowPlaying, Track: track})
}

// PublishProviderStatus 广播提供者状态
func (h *Hub) PublishProviderStatus(status provider.Status) {
	h.broadcast(status)
}

// PublishProducerEvent 广播输入创建和关闭
func (h *Hub) PublishProducerEvent(ev sfu.ProducerEvent) {
	switch ev.Type {
	case sfu.ProducerStarted:
		h.broadcast(producerMsg{Type: MsgTypeProducerStarted, ProducerID: ev.ProducerID})
	case sfu.ProducerClosed:
		h.broadcast(producerMsg{Type: MsgTypeProducerClosed, ProducerID: ev.ProducerID})
	}
}

// Close 断开所有连接
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
}

func (h *Hub) handle(ctx context.Context, c *Client, data []byte) {
	msg, err := DecodeInbound(data)
	if err != nil {
		c.sendError(errTextInvalidJSON)
		return
	}

	switch m := msg.(type) {
	case GetRTPCapabilities:
		caps := h.engine.Capabilities()
		if caps == nil {
			c.sendError(errTextRouterNotReady)
			return
		}
		c.sendJSON(capabilitiesMsg{Type: MsgTypeRTPCapabilities, Capabilities: caps})

	case CreateTransport:
		params, err := h.engine.CreateClientTransport(ctx, c.ID)
		if err != nil {
			logger.Error("failed to create transport", logger.String("client", c.ID), logger.ErrorField(err))
			c.sendError(errTextCreateTransport)
			return
		}
		c.sendJSON(transportCreatedMsg{Type: MsgTypeTransportCreated, Params: params})
		c.sendJSON(queueUpdate(h.queue.Snapshot()))

	case ConnectTransport:
		if err := h.engine.ConnectClientTransport(ctx, c.ID, m.DTLSParameters, m.ICEParameters); err != nil {
			logger.Error("failed to connect transport", logger.String("client", c.ID), logger.ErrorField(err))
			c.sendError(errTextConnectTransport)
			return
		}
		c.sendJSON(typeOnlyMsg{Type: MsgTypeTransportConnected})

	case Consume:
		if _, ok := h.engine.ActiveProducer(); !ok {
			c.sendError(errTextNoProducer)
			return
		}
		params, err := h.engine.Consume(ctx, c.ID, m.RTPCapabilities)
		switch {
		case errors.Is(err, sfu.ErrNoProducer):
			c.sendError(errTextNoProducer)
		case errors.Is(err, sfu.ErrCannotConsume):
			c.sendError(errTextCannotConsume)
		case err != nil:
			logger.Error("failed to consume", logger.String("client", c.ID), logger.ErrorField(err))
			c.sendError(errTextConsume)
		default:
			c.sendJSON(consumedMsg{Type: MsgTypeConsumed, Params: params})
		}

	case Unrecognized:
		logger.Warn("[Signaling] unknown message type", logger.String("client", c.ID), logger.String("type", m.Type))
		c.sendError(errTextUnknownType)
	}
}

// ========== Client 方法 ==========

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) sendJSON(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal message", logger.ErrorField(err))
		return
	}
	if !c.enqueue(data) {
		logger.Warn("[Signaling] send buffer full", logger.String("client", c.ID))
		c.conn.Close()
	}
}

func (c *Client) sendError(text string) {
	c.sendJSON(errorMsg{Type: MsgTypeError, Message: text})
}

func (c *Client) stop() {
	c.once.Do(func() { close(c.done) })
}

// readPump 读取消息循环, 同一连接的消息按顺序处理
func (c *Client) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn("websocket read error", logger.ErrorField(err), logger.String("client", c.ID))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.hub.handle(ctx, c, data)
	}
}

// writePump 写入消息循环
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
