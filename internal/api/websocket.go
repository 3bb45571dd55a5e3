package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"task-processor/internal/task"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// UpdateMessage 是推送给 WebSocket 客户端的消息。
type UpdateMessage struct {
	Type string    `json:"type"`
	Task task.Task `json:"task"`
}

// handleWebSocket 升级连接并推送之后发生的全部任务事件。
// 客户端的 ping 帧由 gorilla 默认处理器回复 pong。
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket 升级失败", slog.Any("error", err))
		return
	}
	if !s.trackConn(conn) {
		_ = conn.Close()
		return
	}
	s.logger.Info("WebSocket 连接建立", slog.String("remote", conn.RemoteAddr().String()))

	sub := s.service.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		}
	}()

	s.pump(conn, sub, done)

	sub.Close()
	_ = conn.Close()
	<-done
	s.untrackConn(conn)
	s.logger.Info("WebSocket 连接关闭", slog.String("remote", conn.RemoteAddr().String()))
}

// pump 将订阅事件写入连接，直到客户端断开、订阅关闭或服务退出。
func (s *Server) pump(conn *websocket.Conn, sub *task.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case event, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(UpdateMessage{Type: "task_update", Task: event.Task}); err != nil {
				s.logger.Warn("WebSocket 写入失败", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) trackConn(conn *websocket.Conn) bool {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	select {
	case <-s.closing:
		return false
	default:
	}
	s.wsConns[conn] = struct{}{}
	s.wsWG.Add(1)
	return true
}

func (s *Server) untrackConn(conn *websocket.Conn) {
	s.wsMu.Lock()
	delete(s.wsConns, conn)
	s.wsMu.Unlock()
	s.wsWG.Done()
}

// ConnectionCount 返回在线的 WebSocket 连接数。
func (s *Server) ConnectionCount() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return len(s.wsConns)
}

// closeWebSockets 通知所有连接退出并等待其结束。
func (s *Server) closeWebSockets() {
	s.once.Do(func() {
		s.wsMu.Lock()
		close(s.closing)
		s.wsMu.Unlock()
	})
	s.wsWG.Wait()
}
