package push

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"raputa-gateway/internal/models"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleConn))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func subscribe(t *testing.T, ws *websocket.Conn, deviceID string) {
	t.Helper()
	if err := ws.WriteJSON(map[string]string{"action": "subscribe", "deviceId": deviceID}); err != nil {
		t.Fatal(err)
	}
	var ack map[string]any
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack["type"] != "subscribed" {
		t.Fatalf("订阅确认 = %v", ack)
	}
}

func TestHubSubscribeAndPush(t *testing.T) {
	hub := NewHub()
	ws := dialHub(t, hub)
	subscribe(t, ws, "dev-1")

	if hub.SubscriberCount("dev-1") != 1 {
		t.Fatalf("订阅数 = %d, want 1", hub.SubscriberCount("dev-1"))
	}

	hub.PushImu("dev-1", 1703123456500, 1, 2, 3)

	var msg models.RealtimeMessage
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "imu" || msg.Timestamp != 1703123456500 || msg.Z != 3 {
		t.Errorf("msg = %+v", msg)
	}
}

func TestHubIsolatesDevices(t *testing.T) {
	hub := NewHub()
	ws := dialHub(t, hub)
	subscribe(t, ws, "dev-1")

	// 推给其他设备, 不应收到
	hub.PushGas("dev-2", 1, 42)
	hub.PushGas("dev-1", 2, 7)

	var msg models.RealtimeMessage
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "gas" || msg.Timestamp != 2 {
		t.Errorf("收到了错误设备的数据: %+v", msg)
	}
}

func TestHubDropsDeadSubscriber(t *testing.T) {
	hub := NewHub()
	ws := dialHub(t, hub)
	subscribe(t, ws, "dev-1")

	ws.Close()
	// 连接已断, 推送应移除订阅而不是报错
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount("dev-1") > 0 && time.Now().Before(deadline) {
		hub.PushAudio("dev-1", 1, 0.1)
		time.Sleep(10 * time.Millisecond)
	}
	if hub.SubscriberCount("dev-1") != 0 {
		t.Error("断开的订阅未被移除")
	}
}

func TestHubPushWithoutSubscribersIsNoop(t *testing.T) {
	hub := NewHub()
	hub.PushImu("ghost", 1, 0, 0, 0)
	hub.PushPrediction("ghost", &models.PredictionResult{})
}
