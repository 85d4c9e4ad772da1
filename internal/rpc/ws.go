package rpc

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luminarimud/i3-gateway/internal/auth"
	"github.com/luminarimud/i3-gateway/internal/session"
)

const (
	// writeWait bounds any single socket write.
	writeWait = 10 * time.Second

	// maxMessageSize caps one inbound JSON-RPC message on either
	// transport.
	maxMessageSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are game servers, not browsers; origin checks do not
	// apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn pairs a websocket with its client state. readPump is the only
// reader, writePump the only writer.
type wsConn struct {
	srv    *Server
	client *Client
	conn   *websocket.Conn
}

// handleWS upgrades one WebSocket client. An X-API-Key header is
// verified before the upgrade so a bad key fails with a plain 401
// instead of a post-upgrade error frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	var ident *auth.Identity
	if key := r.Header.Get("X-API-Key"); key != "" {
		var err error
		ident, err = s.handler.cfg.Auth.Verify(key, r.RemoteAddr)
		if err != nil {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("ws upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	client := newClient(s.handler, session.TransportWebSocket, r.RemoteAddr)
	wc := &wsConn{srv: s, client: client, conn: conn}
	if !s.register(client, wc.goAway) {
		conn.Close()
		return
	}
	s.handler.cfg.Metrics.RecordClientConnected(session.TransportWebSocket, 1)

	if ident != nil {
		s.handler.bindSession(s.baseContext(), client, ident)
	}

	go wc.writePump()
	wc.readPump()

	s.handler.Disconnected(client)
	s.unregister(client)
	s.handler.cfg.Metrics.RecordClientConnected(session.TransportWebSocket, -1)
}

// goAway is the registry's graceful close; the write pump turns the
// shutdown reason into a 1001 close frame.
func (wc *wsConn) goAway() {
	wc.client.Close("shutdown")
}

// readPump drives the connection: messages are handled sequentially so
// responses leave in request order. The read deadline is refreshed by
// pongs; a client that answers no ping inside ping_interval+ping_timeout
// is dead.
func (wc *wsConn) readPump() {
	defer wc.client.Close("connection closed")

	readWait := wc.srv.cfg.PingInterval + wc.srv.cfg.PingTimeout
	wc.conn.SetReadLimit(maxMessageSize)
	_ = wc.conn.SetReadDeadline(time.Now().Add(readWait))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	ctx := wc.srv.baseContext()
	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wc.srv.log.Printf("ws client %s: %v", wc.client.RemoteAddr(), err)
			}
			return
		}
		if sess := wc.client.Session(); sess != nil {
			sess.AddBytes(uint64(len(data)), 0)
		}
		if resp := wc.srv.handler.HandleMessage(ctx, wc.client, data); resp != nil {
			wc.client.enqueueResponse(resp)
		}
	}
}

// writePump owns all writes: responses, notifications, pings, and the
// final close frame.
func (wc *wsConn) writePump() {
	ticker := time.NewTicker(wc.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		wc.conn.Close()
	}()

	for {
		select {
		case msg := <-wc.client.out:
			if !wc.write(websocket.TextMessage, msg) {
				return
			}
			// Drain whatever queued while we held the writer.
			for i := len(wc.client.out); i > 0; i-- {
				if !wc.write(websocket.TextMessage, <-wc.client.out) {
					return
				}
			}

		case <-ticker.C:
			if !wc.write(websocket.PingMessage, nil) {
				return
			}

		case <-wc.client.Closed():
			// Flush queued replies, then say goodbye.
			for {
				select {
				case msg := <-wc.client.out:
					if !wc.write(websocket.TextMessage, msg) {
						return
					}
				default:
					code := websocket.CloseNormalClosure
					switch wc.client.CloseReason() {
					case "shutdown":
						code = websocket.CloseGoingAway
					case "slow_client":
						code = websocket.ClosePolicyViolation
					}
					_ = wc.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
					return
				}
			}
		}
	}
}

func (wc *wsConn) write(messageType int, payload []byte) bool {
	_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wc.conn.WriteMessage(messageType, payload); err != nil {
		wc.client.Close("write failed")
		return false
	}
	return true
}
