package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pitbox-relay/internal/broadcast"
	"pitbox-relay/internal/config"
	"pitbox-relay/internal/ingest"
	"pitbox-relay/internal/util/timeutil"
)

// Sink 入站消息受体
// 由处理管线实现；返回 false 表示消息被丢弃。
type Sink interface {
	Submit(data []byte, arrivedAtMs int64) bool
}

// Server 中继接入服务
// /ingest 接收中继客户端上行，/subscribe 提供延迟观赛订阅，
// /stats 与 /metrics 暴露观测面。
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger

	sink    Sink
	hub     *broadcast.Hub
	buffer  *broadcast.DelayBuffer
	ledgers *ingest.Ledgers

	statsHandler http.HandlerFunc
	upgrader     websocket.Upgrader
	httpSrv      *http.Server
}

// NewServer 创建中继接入服务
// 参数 statsHandler: /stats 端点处理器（观测面提供）
func NewServer(
	cfg config.ServerConfig,
	sink Sink,
	hub *broadcast.Hub,
	buffer *broadcast.DelayBuffer,
	ledgers *ingest.Ledgers,
	statsHandler http.HandlerFunc,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:          cfg,
		logger:       logger.Named("relay"),
		sink:         sink,
		hub:          hub,
		buffer:       buffer,
		ledgers:      ledgers,
		statsHandler: statsHandler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// 中继客户端与看板来自任意源
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/subscribe", s.handleSubscribe)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return s
}

// Start 启动监听，阻塞直到服务关闭
func (s *Server) Start() error {
	s.logger.Info("中继接入服务启动", zap.String("addr", s.cfg.ListenAddr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleIngest 中继客户端上行通道
// 读循环只做窥探路由与提交，完整校验与几何计算在处理通道内，
// 保证单个慢会话不会阻塞其它客户端的读取。
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("上行连接升级失败", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.ledgers.Transport.Push(ingest.TransportEvent{Kind: ingest.TransportConnect, Reason: remote})
	s.logger.Info("中继客户端接入", zap.String("remote", remote))

	readTimeout := time.Duration(s.cfg.ReadTimeoutMs) * time.Millisecond
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.ledgers.Transport.Push(ingest.TransportEvent{Kind: ingest.TransportDisconnect, Reason: remote})
			s.logger.Info("中继客户端断开", zap.String("remote", remote), zap.Error(err))
			return
		}
		s.sink.Submit(data, timeutil.NowMs())
	}
}

// handleSubscribe 观赛订阅通道
// 查询参数 session 指定会话；连接升级后登记到分发枢纽，
// 读侧只接受 broadcast:delay 延迟调整命令。
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "missing session parameter", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("订阅连接升级失败", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}

	sub := s.hub.Subscribe(sessionID, conn)
	defer s.hub.Unsubscribe(sub)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd DelayCommand
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type != "broadcast:delay" {
			continue
		}

		applied := s.buffer.SetDelay(sessionID, cmd.DelayMs)
		ack, err := json.Marshal(DelayAck{
			Type:      "broadcast:delay",
			SessionID: sessionID,
			DelayMs:   applied,
		})
		if err != nil {
			continue
		}
		// 确认广播给会话全体订阅者，让每个观众知道画面的实际滞后
		s.hub.Announce(sessionID, ack)
	}
}
