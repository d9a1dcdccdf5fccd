package push

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"raputa-gateway/internal/models"
	"raputa-gateway/internal/raputa"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeMessage 客户端订阅请求
type subscribeMessage struct {
	Action   string `json:"action"`
	DeviceID string `json:"deviceId"`
}

// client 一个已订阅的 WebSocket 连接, 写互斥保护并发推送
type client struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *client) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Hub 按设备分发实时数据的 WebSocket 集线器
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{} // deviceID -> 订阅连接
}

// NewHub 创建集线器
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]struct{})}
}

// HandleConn 升级连接并处理订阅。阻塞到连接断开。
func (h *Hub) HandleConn(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		raputa.LogError("WebSocket 升级失败", "err", err)
		return
	}
	defer ws.Close()

	c := &client{ws: ws}
	var subscribed []string
	defer func() {
		for _, deviceID := range subscribed {
			h.unsubscribe(deviceID, c)
		}
		raputa.LogInfo("WebSocket 断开", "devices", subscribed)
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				raputa.LogWarn("WebSocket 读取异常", "err", err)
			}
			return
		}

		var msg subscribeMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendJSON(map[string]any{"error": "无效的 JSON"})
			continue
		}

		switch msg.Action {
		case "subscribe":
			if msg.DeviceID == "" {
				c.sendJSON(map[string]any{"error": "deviceId 必填"})
				continue
			}
			h.subscribe(msg.DeviceID, c)
			subscribed = append(subscribed, msg.DeviceID)
			c.sendJSON(map[string]any{"type": "subscribed", "deviceId": msg.DeviceID})
			raputa.LogInfo("WebSocket 订阅", "deviceId", msg.DeviceID)

		case "unsubscribe":
			h.unsubscribe(msg.DeviceID, c)

		default:
			c.sendJSON(map[string]any{"error": "未知操作"})
		}
	}
}

func (h *Hub) subscribe(deviceID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[deviceID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[deviceID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unsubscribe(deviceID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[deviceID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, deviceID)
		}
	}
}

// SubscriberCount 某设备当前订阅数
func (h *Hub) SubscriberCount(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[deviceID])
}

// broadcast 向订阅该设备的所有连接发送, 失败的连接直接移除
func (h *Hub) broadcast(deviceID string, v any) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[deviceID]))
	for c := range h.clients[deviceID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.sendJSON(v); err != nil {
			raputa.LogWarn("推送失败, 移除订阅", "deviceId", deviceID, "err", err)
			h.unsubscribe(deviceID, c)
		}
	}
}

// PushImu 推送 IMU 实时数据
func (h *Hub) PushImu(deviceID string, ts int64, x, y, z int) {
	h.broadcast(deviceID, models.NewImuMessage(deviceID, ts, x, y, z))
}

// PushGas 推送 GAS 实时数据
func (h *Hub) PushGas(deviceID string, ts int64, flow int) {
	h.broadcast(deviceID, models.NewGasMessage(deviceID, ts, flow))
}

// PushAudio 推送音频幅值
func (h *Hub) PushAudio(deviceID string, ts int64, amplitude float32) {
	h.broadcast(deviceID, models.NewAudioMessage(deviceID, ts, amplitude))
}

// PushPrediction 推送推理结果
func (h *Hub) PushPrediction(deviceID string, result *models.PredictionResult) {
	h.broadcast(deviceID, map[string]any{
		"type":     "prediction",
		"deviceId": deviceID,
		"result":   result,
	})
}
