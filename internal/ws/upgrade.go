package ws

import (
	"net/http"
	"strings"
	"time"

	"pulse/internal/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options bounds one connection's pumps.
type Options struct {
	WriteWait     time.Duration
	PongWait      time.Duration
	MaxFrameBytes int64
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	return o
}

// NewUpgrader accepts any origin when origins is empty or contains "*".
func NewUpgrader(origins []string) *websocket.Upgrader {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// Serve runs the write pump in the background and the read pump on the
// calling goroutine. Every decoded frame is passed to handle in arrival
// order; Serve returns once the connection is gone and the client is closed.
func Serve(conn *websocket.Conn, c *Client, opts Options, handle func(*Frame), log *zap.Logger) {
	opts = opts.withDefaults()
	done := make(chan struct{})
	go func() {
		defer close(done)
		writePump(c, conn, opts)
	}()
	readPump(c, conn, opts, handle, log)
	c.Close()
	<-done
}

// writePump copies messages from the client's queue to the connection.
func writePump(c *Client, conn *websocket.Conn, opts Options) {
	ticker := time.NewTicker((opts.PongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func readPump(c *Client, conn *websocket.Conn, opts Options, handle func(*Frame), log *zap.Logger) {
	conn.SetReadLimit(opts.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		return nil
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", zap.String("connection_id", c.ID()), zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		f, err := Decode(raw)
		if err != nil {
			_ = c.Emit(domain.EventError, map[string]string{"error": "malformed frame", "code": domain.CodeValidation})
			continue
		}
		handle(f)
	}
}
