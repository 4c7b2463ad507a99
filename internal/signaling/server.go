package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxMessageSize = 1 << 20

func newUpgrader(checkOrigin func(r *http.Request) bool) websocket.Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
}

// ServeHTTP upgrades the request and relays frames until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.logger.Debug("signaling: upgrade failed", zap.Error(err))
		return
	}

	conn := newConnection(ws)
	if !h.attach(conn) {
		conn.Close(websocket.CloseGoingAway, "relay shutdown")
		return
	}
	conn.start()
	logger := h.logger.With(zap.String("conn", conn.ID))
	logger.Debug("signaling: client connected", zap.String("remote", r.RemoteAddr))
	defer func() {
		h.detach(conn)
		conn.Close(websocket.CloseNormalClosure, "bye")
		conn.wait()
		logger.Debug("signaling: client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	ctx := r.Context()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				logger.Debug("signaling: read", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("signaling: ignore malformed frame", zap.Error(err))
			continue
		}
		switch msg.Type {
		case TypeSubscribe:
			h.subscribe(ctx, conn, msg.Topics...)
		case TypeUnsubscribe:
			h.unsubscribe(conn, msg.Topics...)
		case TypePublish:
			if msg.Topic == "" || len(msg.Data) == 0 {
				continue
			}
			if err := h.Publish(ctx, msg.Topic, msg.Data); err != nil {
				logger.Warn("signaling: publish", zap.String("topic", msg.Topic), zap.Error(err))
			}
		case TypePing:
			if pong, err := json.Marshal(Message{Type: TypePong}); err == nil {
				_ = conn.Send(pong)
			}
		}
	}
}
