package server

import (
	"github.com/kataras/iris/v12"

	"raputa-gateway/internal/ingest"
	"raputa-gateway/internal/push"
	"raputa-gateway/internal/raputa"
)

// Handlers API 处理器
type Handlers struct {
	manager *ingest.Manager
	hub     *push.Hub
}

// NewHandlers 创建处理器
func NewHandlers(manager *ingest.Manager, hub *push.Hub) *Handlers {
	return &Handlers{manager: manager, hub: hub}
}

// StartRealtime 启动设备实时采集
// POST /api/v1/realtime/start
func (h *Handlers) StartRealtime(ctx iris.Context) {
	var req struct {
		DeviceID    string `json:"deviceId"`
		Host        string `json:"host"`
		PatientID   string `json:"patientId"`
		PatientName string `json:"patientName"`
		DeviceName  string `json:"deviceName"`
	}
	if err := ctx.ReadJSON(&req); err != nil {
		ctx.StatusCode(400)
		ctx.JSON(iris.Map{"error": "无效的 JSON"})
		return
	}
	if req.DeviceID == "" || req.Host == "" {
		ctx.StatusCode(400)
		ctx.JSON(iris.Map{"error": "deviceId 和 host 必填"})
		return
	}

	// 建连是阻塞操作, 异步派发, 调用方立即得到受理应答
	go func() {
		if err := h.manager.Start(req.DeviceID, req.Host, req.PatientID, req.PatientName, req.DeviceName); err != nil {
			raputa.LogError("启动采集失败", "deviceId", req.DeviceID, "err", err)
		}
	}()

	ctx.JSON(iris.Map{"success": true, "deviceId": req.DeviceID})
}

// StopRealtime 停止设备实时采集
// POST /api/v1/realtime/stop
func (h *Handlers) StopRealtime(ctx iris.Context) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if err := ctx.ReadJSON(&req); err != nil || req.DeviceID == "" {
		ctx.StatusCode(400)
		ctx.JSON(iris.Map{"error": "deviceId 必填"})
		return
	}

	ok := h.manager.Stop(req.DeviceID)
	ctx.JSON(iris.Map{"success": ok, "deviceId": req.DeviceID})
}

// GetStatus 查询设备会话状态
// GET /api/v1/realtime/status?deviceId=...
func (h *Handlers) GetStatus(ctx iris.Context) {
	deviceID := ctx.URLParam("deviceId")
	if deviceID == "" {
		ctx.StatusCode(400)
		ctx.JSON(iris.Map{"error": "缺少 deviceId 参数"})
		return
	}

	status, ok := h.manager.Status(deviceID)
	if !ok {
		ctx.JSON(iris.Map{"deviceId": deviceID, "connected": false})
		return
	}
	status["connected"] = true
	ctx.JSON(status)
}

// GetDevices 获取已连接设备列表
// GET /api/v1/realtime/devices
func (h *Handlers) GetDevices(ctx iris.Context) {
	ctx.JSON(iris.Map{"devices": h.manager.Devices()})
}

// SendControl 向设备下发采集使能/停止命令
// POST /api/v1/transfer/control
func (h *Handlers) SendControl(ctx iris.Context) {
	var req struct {
		DeviceID string `json:"deviceId"`
		Enable   bool   `json:"enable"`
	}
	if err := ctx.ReadJSON(&req); err != nil || req.DeviceID == "" {
		ctx.StatusCode(400)
		ctx.JSON(iris.Map{"error": "deviceId 必填"})
		return
	}

	if err := h.manager.SendControl(req.DeviceID, req.Enable); err != nil {
		ctx.StatusCode(500)
		ctx.JSON(iris.Map{"success": false, "error": err.Error()})
		return
	}
	ctx.JSON(iris.Map{"success": true})
}

// HandleWebSocket 实时推送订阅端点
// GET /api/v1/realtime/ws
func (h *Handlers) HandleWebSocket(ctx iris.Context) {
	h.hub.HandleConn(ctx.ResponseWriter(), ctx.Request())
}

// ==================== 路由注册 ====================

// RegisterRoutes 注册路由
func RegisterRoutes(app *iris.Application, h *Handlers) {
	v1 := app.Party("/api/v1")
	{
		v1.Post("/realtime/start", h.StartRealtime)
		v1.Post("/realtime/stop", h.StopRealtime)
		v1.Get("/realtime/status", h.GetStatus)
		v1.Get("/realtime/devices", h.GetDevices)
		v1.Get("/realtime/ws", h.HandleWebSocket)
		v1.Post("/transfer/control", h.SendControl)
	}
}
