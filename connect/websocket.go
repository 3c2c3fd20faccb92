package connect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smnsjas/go-kernelproxy/framing"
	"github.com/smnsjas/go-kernelproxy/kernel"
	"github.com/smnsjas/go-kernelproxy/kernelhost"
	"go.uber.org/zap"
)

const closeGracePeriod = time.Second

// wsConn adapts a websocket connection to framing.MessageConn. A close frame from the
// peer is reported as io.EOF.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() (int, []byte, error) {
	mt, p, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	return mt, p, nil
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	return c.conn.WriteMessage(messageType, data)
}

// Close sends a close frame, then closes the connection.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	return errors.Join(err, c.conn.Close())
}

func (c *wsConn) frames() *framing.Messages {
	return framing.NewMessages(c, websocket.TextMessage)
}

// WebSocket connects to the kernel served at cfg.WebSocketURL. Websocket messages
// delimit envelopes, so cfg.Framing is not used.
func WebSocket(ctx context.Context, cfg Config, opts ...Option) (*kernel.Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.WebSocketURL == "" {
		return nil, fmt.Errorf("%w: websocket URL is required", ErrInvalidConfig)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, cfg.WebSocketURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", cfg.WebSocketURL, err)
	}

	ws := &wsConn{conn: conn}
	frames := ws.frames()
	return newProxy(ctx, cfg, frames, frames, ws, buildOptions(opts))
}

// WebSocketHandler serves k to every websocket client that connects.
func WebSocketHandler(cfg Config, k kernelhost.Kernel, opts ...Option) http.Handler {
	o := buildOptions(opts)
	upgrader := websocket.Upgrader{HandshakeTimeout: cfg.DialTimeout}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client.
			o.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		ws := &wsConn{conn: conn}
		frames := ws.frames()
		if err := serve(r.Context(), cfg, k, frames, frames, ws, o); err != nil {
			o.logger.Warn("websocket session ended", zap.Error(err))
		}
	})
}
