package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

const (
	// subscriberSendBuf 单订阅者发送缓冲（消息条数）
	subscriberSendBuf = 256
	// subscriberWriteTimeout 单次写超时
	subscriberWriteTimeout = 10 * time.Second
)

// Subscriber 一个已接入的观赛订阅者
// 每个连接一个写协程，对外只暴露非阻塞投递；
// 慢消费者被丢帧而不是拖垮释放调度。
type Subscriber struct {
	// ID 订阅者标识
	ID string
	// SessionID 订阅的会话
	SessionID string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	// dropped 因缓冲满被丢弃的消息数
	dropped atomic.Int64
}

// Send 非阻塞投递一条消息
// 返回 false 表示订阅者缓冲已满，消息被丢弃。
func (s *Subscriber) Send(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped 累计丢弃消息数
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Close 关闭订阅者连接（幂等）
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// writeLoop 订阅者连接的唯一写者
func (s *Subscriber) writeLoop(logger *zap.Logger) {
	defer s.Close()
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(subscriberWriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("订阅者写失败，断开",
					zap.String("subscriber", s.ID),
					zap.String("session", s.SessionID),
					zap.Error(err))
				return
			}
		}
	}
}

// Hub 按会话分组的订阅分发枢纽
type Hub struct {
	// logger 日志
	logger *zap.Logger
	// sessions 会话 -> (订阅者 ID -> 订阅者)
	sessions *xsync.Map[string, *xsync.Map[string, *Subscriber]]
	// delivered 累计投递成功消息数
	delivered atomic.Int64
	// slowDrops 累计慢消费者丢弃数
	slowDrops atomic.Int64
}

// NewHub 创建分发枢纽
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger.Named("hub"),
		sessions: xsync.NewMap[string, *xsync.Map[string, *Subscriber]](),
	}
}

// Subscribe 将一个 websocket 连接登记为会话订阅者
// 返回的订阅者已启动写协程；调用方负责连接的读侧。
func (h *Hub) Subscribe(sessionID string, conn *websocket.Conn) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, subscriberSendBuf),
		done:      make(chan struct{}),
	}

	subs, _ := h.sessions.LoadOrStore(sessionID, xsync.NewMap[string, *Subscriber]())
	subs.Store(sub.ID, sub)
	go sub.writeLoop(h.logger)

	h.logger.Info("订阅者接入",
		zap.String("subscriber", sub.ID),
		zap.String("session", sessionID))
	return sub
}

// Unsubscribe 移除并关闭订阅者
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if subs, ok := h.sessions.Load(sub.SessionID); ok {
		subs.Delete(sub.ID)
	}
	sub.Close()
	h.logger.Info("订阅者离开",
		zap.String("subscriber", sub.ID),
		zap.String("session", sub.SessionID))
}

// Deliver 将一批已释放消息投递给各自会话的订阅者
func (h *Hub) Deliver(msgs []Message) {
	for _, m := range msgs {
		subs, ok := h.sessions.Load(m.SessionID)
		if !ok {
			continue
		}
		subs.Range(func(_ string, sub *Subscriber) bool {
			if sub.Send(m.Payload) {
				h.delivered.Add(1)
			} else {
				h.slowDrops.Add(1)
			}
			return true
		})
	}
}

// Announce 绕过延迟队列，立即向会话全体订阅者投递控制消息
// 用于 broadcast:delay 确认等与观赛画面无关的元信息。
func (h *Hub) Announce(sessionID string, payload []byte) {
	subs, ok := h.sessions.Load(sessionID)
	if !ok {
		return
	}
	subs.Range(func(_ string, sub *Subscriber) bool {
		if !sub.Send(payload) {
			h.slowDrops.Add(1)
		}
		return true
	})
}

// CloseSession 关闭并移除会话的全部订阅者
func (h *Hub) CloseSession(sessionID string) {
	subs, ok := h.sessions.LoadAndDelete(sessionID)
	if !ok {
		return
	}
	subs.Range(func(_ string, sub *Subscriber) bool {
		sub.Close()
		return true
	})
}

// SubscriberCount 会话当前订阅者数
func (h *Hub) SubscriberCount(sessionID string) int {
	if subs, ok := h.sessions.Load(sessionID); ok {
		return subs.Size()
	}
	return 0
}

// DeliveredCount 累计投递成功消息数
func (h *Hub) DeliveredCount() int64 {
	return h.delivered.Load()
}

// SlowDropCount 累计慢消费者丢弃数
func (h *Hub) SlowDropCount() int64 {
	return h.slowDrops.Load()
}
