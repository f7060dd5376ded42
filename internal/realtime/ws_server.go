// ws_server.go
package realtime

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"board-realtime/internal/change"
)

var wsLogger = loggo.GetLogger("realtime.ws")

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

var recordSeparator = []byte{change.RecordSeparator}

// upgrader configures the parameters for upgrading an HTTP connection to a WebSocket connection.
var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// serveWs authenticates the handshake, upgrades it and starts the pumps.
// Authentication failure rejects the upgrade with 401.
func serveWs(ctx context.Context, hub *Hub, auth Authenticator, w http.ResponseWriter, r *http.Request) {
	identity, err := auth.Authenticate(r)
	if err != nil {
		wsLogger.Debugf("rejecting handshake from %s: %v", r.RemoteAddr, err)
		writeError(w, errors.Unauthorizedf("authentication failed"))
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsLogger.Warningf("failed to upgrade connection: %v", err)
		return
	}

	c := hub.Connect(ctx, identity, ws)
	go c.writePump()
	go c.readPump(ctx, hub)
}

// readPump parses incoming frames and hands them to the hub. It owns the
// read side of the socket and disconnects the connection when it ends.
func (c *Connection) readPump(ctx context.Context, hub *Hub) {
	defer func() {
		hub.Disconnect(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				wsLogger.Debugf("read from %s: %v", c.ID, err)
			}
			return
		}
		for _, raw := range change.SplitFrames(message) {
			c.handleFrame(ctx, hub, raw)
		}
	}
}

func (c *Connection) handleFrame(ctx context.Context, hub *Hub, raw []byte) {
	var req change.ClientFrame
	if err := json.Unmarshal(raw, &req); err != nil {
		hub.Reject(c, "", errors.NotValidf("frame"))
		return
	}
	key, err := change.ParseChannelKey(req.Channel)
	if err != nil {
		hub.Reject(c, req.Channel, err)
		return
	}
	switch req.Type {
	case change.FrameSubscribe:
		// Errors are reported to the client by Subscribe.
		_ = hub.Subscribe(ctx, c, key)
	case change.FrameUnsubscribe:
		hub.Unsubscribe(c, key)
	default:
		hub.Reject(c, req.Channel, errors.NotValidf("frame type %q", req.Type))
	}
}

// writePump sends queued frames to the socket, coalescing whatever is
// already queued into one message separated by the record separator.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch write queued messages to reduce syscalls.
			n := len(c.send)
			for range n {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write(recordSeparator)
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
