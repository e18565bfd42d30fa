package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ferry-project/ferry/Ferry/internal/download"
	"github.com/ferry-project/ferry/Ferry/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
)

// Options tunes the manager loops
type Options struct {
	HeartbeatInterval    time.Duration // default 30s
	StatusInterval       time.Duration // default 60s
	SSEKeepaliveInterval time.Duration // default 15s
	// ActiveTasks reports the number of running downloads for system_status events
	ActiveTasks func() int
}

// Manager manages SSE and WebSocket connections and broadcasts events
type Manager struct {
	connections map[string]*Connection

	eventChan chan *Event
	opts      Options
	log       *logger.Logger
	upgrader  websocket.Upgrader

	mu sync.RWMutex
	wg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Connection is one subscribed client, SSE or WebSocket
type Connection struct {
	ID     string
	Kind   string // "sse" | "ws"
	Send   chan *Event
	closed bool
}

// NewManager creates a new event manager.
// allowedOrigins is checked on WebSocket upgrades; "*" allows any origin
// and an empty list only accepts same-origin requests.
func NewManager(opts Options, allowedOrigins []string, log *logger.Logger) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 60 * time.Second
	}
	if opts.SSEKeepaliveInterval <= 0 {
		opts.SSEKeepaliveInterval = 15 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		connections: make(map[string]*Connection),
		eventChan:   make(chan *Event, 256),
		opts:        opts,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return m
}

// originChecker returns nil for an empty list, which keeps gorilla's same-origin check
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// 非浏览器客户端不带 Origin
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Start starts the broadcast and heartbeat loops
func (m *Manager) Start() {
	m.wg.Add(3)
	go m.run()
	go m.heartbeatLoop()
	go m.systemStatusLoop()

	m.log.Info("事件推送管理器已启动")
}

// Stop closes every connection and waits for the loops
func (m *Manager) Stop() {
	m.log.Info("正在停止事件推送管理器...")

	m.cancel()

	m.mu.Lock()
	for id, conn := range m.connections {
		m.closeLocked(id, conn)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info("事件推送管理器已停止")
}

// Listener adapts the manager to the download orchestrator's listener
func (m *Manager) Listener() download.Listener {
	return func(ev download.Event) {
		m.Broadcast(NewTaskEvent(ev))
	}
}

// Broadcast queues an event for every connected client
func (m *Manager) Broadcast(event *Event) {
	select {
	case m.eventChan <- event:
	case <-m.ctx.Done():
		m.log.Debugf("无法广播事件 %s: 管理器已关闭", event.Type)
	}
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case event := <-m.eventChan:
			m.broadcastEvent(event)
		}
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if count := m.GetConnectionCount(); count > 0 {
				m.Broadcast(NewHeartbeatEvent())
				m.log.Debugf("发送心跳消息到 %d 个连接", count)
			}
		}
	}
}

func (m *Manager) systemStatusLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			count := m.GetConnectionCount()
			if count == 0 || m.opts.ActiveTasks == nil {
				continue
			}
			m.Broadcast(NewSystemStatusEvent(m.opts.ActiveTasks(), count))
		}
	}
}

// broadcastEvent hands the event to each connection; a full buffer drops the connection
func (m *Manager) broadcastEvent(event *Event) {
	var slow []string

	m.mu.RLock()
	for id, conn := range m.connections {
		if conn.closed {
			continue
		}
		select {
		case conn.Send <- event:
		default:
			slow = append(slow, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range slow {
		m.log.Warnf("连接 %s 的发送通道已满，关闭连接", id)
		m.closeConnection(id)
	}
}

func (m *Manager) addConnection(kind string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, fmt.Errorf("event manager stopped")
	}
	conn := &Connection{
		ID:   fmt.Sprintf("%s-%s", kind, uuid.New().String()[:8]),
		Kind: kind,
		Send: make(chan *Event, sendBufferSize),
	}
	m.connections[conn.ID] = conn
	return conn, nil
}

func (m *Manager) closeConnection(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.connections[id]; ok {
		m.closeLocked(id, conn)
	}
}

func (m *Manager) closeLocked(id string, conn *Connection) {
	if !conn.closed {
		conn.closed = true
		close(conn.Send)
	}
	delete(m.connections, id)
}

// HandleSSE streams events as Server-Sent Events until the client goes away
func (m *Manager) HandleSSE(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	conn, err := m.addConnection("sse")
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	defer func() {
		m.closeConnection(conn.ID)
		m.log.Infof("SSE 连接已断开: %s (剩余连接数: %d)", conn.ID, m.GetConnectionCount())
	}()
	m.log.Infof("SSE 连接已建立: %s (总连接数: %d)", conn.ID, m.GetConnectionCount())

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	c.SSEvent(string(EventTypeConnected), NewConnectedEvent(conn.ID).String())
	flusher.Flush()

	keepalive := time.NewTicker(m.opts.SSEKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-m.ctx.Done():
			return
		case event, ok := <-conn.Send:
			if !ok {
				return
			}
			c.SSEvent(string(event.Type), event.String())
			flusher.Flush()
		case <-keepalive.C:
			c.Writer.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}

// HandleWebSocket upgrades the request and pushes events as JSON text frames.
// Incoming messages are read only to track pongs and close frames.
func (m *Manager) HandleWebSocket(c *gin.Context) {
	ws, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.WithError(err).Warn("WebSocket 升级失败")
		return
	}

	conn, err := m.addConnection("ws")
	if err != nil {
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		ws.Close()
		return
	}
	m.log.Infof("WebSocket 连接已建立: %s (总连接数: %d)", conn.ID, m.GetConnectionCount())

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.writePump(ws, conn)
	}()
	m.readPump(ws)

	m.closeConnection(conn.ID)
	<-done
	m.log.Infof("WebSocket 连接已断开: %s (剩余连接数: %d)", conn.ID, m.GetConnectionCount())
}

func (m *Manager) writePump(ws *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	write := func(event *Event) error {
		data, err := event.ToJSON()
		if err != nil {
			return err
		}
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteMessage(websocket.TextMessage, data)
	}

	if err := write(NewConnectedEvent(conn.ID)); err != nil {
		return
	}

	for {
		select {
		case event, ok := <-conn.Send:
			if !ok {
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := write(event); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) readPump(ws *websocket.Conn) {
	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.WithError(err).Debug("WebSocket 连接异常关闭")
			}
			return
		}
	}
}

// GetConnectionCount returns the total number of connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}
