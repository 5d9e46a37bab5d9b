package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// wsConn adapts a gorilla websocket connection to the hub's Conn.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) WriteMessage(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(reason string) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	return c.ws.Close()
}

// Handler returns the HTTP handler that upgrades requests to websocket
// connections and pumps inbound frames into the hub.
func (h *Hub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Browser clients carry their token in the first message, not in
		// an Origin-bound cookie.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.V(1).Info("websocket upgrade failed", "error", err)
			return
		}
		if h.cfg.MaxMessageSize > 0 {
			ws.SetReadLimit(int64(h.cfg.MaxMessageSize))
		}

		clientID := h.Register(&wsConn{ws: ws})
		defer h.Disconnect(clientID, "connection closed")

		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			h.HandleMessage(clientID, raw)
		}
	})
}
