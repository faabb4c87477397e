// Package notify implements the duplex notification channel: a WebSocket
// endpoint that acknowledges every data message it receives.
package notify

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const AckPrefix = "Event received: "

// Channel serves one receive loop per upgraded connection. Connections share
// nothing but the active counter.
type Channel struct {
	logger *slog.Logger
	active atomic.Int64
}

func NewChannel(logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Channel{logger: logger}
}

// Active reports the number of open connections.
func (c *Channel) Active() int64 {
	return c.active.Load()
}

func Acknowledge(message []byte) []byte {
	out := make([]byte, 0, len(AckPrefix)+len(message))
	out = append(out, AckPrefix...)
	return append(out, message...)
}

func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c.active.Add(1)
	c.logger.Debug("websocket connected", "remote", r.RemoteAddr)
	defer func() {
		_ = conn.Close()
		c.active.Add(-1)
		c.logger.Debug("websocket disconnected", "remote", r.RemoteAddr)
	}()

	c.serve(conn)
}

// serve blocks until the peer closes or a read/write fails. Ping, pong and
// close frames are answered inside wsutil.ReadClientData.
func (c *Channel) serve(conn io.ReadWriter) {
	for {
		payload, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) && !errors.Is(err, io.EOF) {
				c.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		if err := wsutil.WriteServerMessage(conn, op, Acknowledge(payload)); err != nil {
			c.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}
