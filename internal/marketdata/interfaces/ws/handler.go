// Package ws 基于 WebSocket 的行情订阅接口
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wyfcoding/livetrading/internal/marketdata/hub"
	"github.com/wyfcoding/livetrading/pkg/logger"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 鉴权由外层负责，这里不限制来源
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage 订阅方发来的控制消息
type clientMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// wsConn 包装 websocket 连接，串行化并发写入
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Handler WebSocket 行情订阅入口
type Handler struct {
	hub *hub.Hub
}

func NewHandler(h *hub.Hub) *Handler {
	return &Handler{hub: h}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws/market", h.Serve)
}

// Serve 升级连接并进入控制消息读取循环
// 连接断开时自动注销订阅
func (h *Handler) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "WebSocket upgrade failed", "error", err)
		return
	}

	connID := uuid.New().String()
	userID := c.Query("user_id")
	wrapped := &wsConn{conn: conn}
	ctx := c.Request.Context()

	defer func() {
		h.hub.Unsubscribe(connID)
		conn.Close()
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn(ctx, "WebSocket read failed", "conn_id", connID, "error", err)
			}
			return
		}

		switch msg.Action {
		case "subscribe":
			h.hub.Subscribe(ctx, connID, userID, msg.Symbols, wrapped)
		case "unsubscribe":
			h.hub.Unsubscribe(connID)
		default:
			wrapped.SendJSON(gin.H{"type": "error", "message": "unknown action"})
		}
	}
}
