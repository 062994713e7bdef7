package broadcast

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestHub_DeliverToSubscriber(t *testing.T) {
	hub := NewHub(zap.NewNop())
	upgrader := websocket.Upgrader{}

	subReady := make(chan *Subscriber, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("升级失败: %v", err)
			return
		}
		subReady <- hub.Subscribe("s1", conn)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("拨号失败: %v", err)
	}
	defer client.Close()

	sub := <-subReady
	if hub.SubscriberCount("s1") != 1 {
		t.Fatalf("SubscriberCount=%d, want 1", hub.SubscriberCount("s1"))
	}

	hub.Deliver([]Message{{SessionID: "s1", Payload: []byte(`{"speed":42}`)}})
	// 其他会话的消息不会串投
	hub.Deliver([]Message{{SessionID: "other", Payload: []byte(`{"leak":1}`)}})

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("读消息失败: %v", err)
	}
	if string(data) != `{"speed":42}` {
		t.Fatalf("收到 %s", data)
	}

	hub.Unsubscribe(sub)
	if hub.SubscriberCount("s1") != 0 {
		t.Fatal("退订后计数应归零")
	}
}

func TestSubscriber_SendAfterCloseFails(t *testing.T) {
	hub := NewHub(zap.NewNop())
	upgrader := websocket.Upgrader{}

	subReady := make(chan *Subscriber, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		subReady <- hub.Subscribe("s1", conn)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("拨号失败: %v", err)
	}
	defer client.Close()

	sub := <-subReady
	sub.Close()
	if sub.Send([]byte(`{}`)) {
		t.Fatal("关闭后投递应失败")
	}

	// 幂等关闭不应 panic
	sub.Close()
	hub.CloseSession("s1")
}
