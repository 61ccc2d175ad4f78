package gateway

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/stream"
)

const (
	feedBufferSize   = 1 << 16
	feedWriteTimeout = 10 * time.Second
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: feedBufferSize,
	// The gateway is a local control surface; cross-origin browser
	// clients are expected during development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleFeed upgrades the connection to a websocket and relays delivery
// units from the stream as binary frames, one frame per read.
func (g *Gateway) handleFeed(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		g.writeError(w, errors.WrapInvalid(err, "Gateway", "handleFeed", "parse stream id"))
		return
	}

	st, ok := g.svc.Stream(id)
	if !ok {
		g.writeJSON(w, http.StatusNotFound,
			map[string]any{"error": "stream not found", "status": http.StatusNotFound})
		return
	}

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		g.logger.Warn("websocket upgrade failed", "stream", id, "error", err)
		return
	}
	defer conn.Close()

	g.logger.Info("feed attached", "stream", id, "remote", conn.RemoteAddr().String())
	g.relayFeed(r, st, conn)
	g.logger.Info("feed detached", "stream", id)
}

func (g *Gateway) relayFeed(r *http.Request, st *stream.Stream, conn *websocket.Conn) {
	// The request context is not canceled for hijacked connections, so the
	// drain goroutine cancels the read loop when the client goes away. It
	// also keeps close handshakes and pings processed.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, feedBufferSize)
	for {
		n, err := st.ReadBlocking(ctx, buf)
		switch {
		case err == nil:
		case stderrors.Is(err, errors.ErrStreamClosed):
			g.writeClose(conn, websocket.CloseGoingAway, "stream closed")
			return
		case stderrors.Is(err, errors.ErrNotEnabled):
			g.writeClose(conn, websocket.CloseGoingAway, "stream disabled")
			return
		case ctx.Err() != nil:
			return
		default:
			g.logger.Warn("feed read failed", "stream", st.ID(), "error", err)
			g.writeClose(conn, websocket.CloseInternalServerErr, "read failed")
			return
		}

		if err := conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout)); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
			return
		}
	}
}

func (g *Gateway) writeClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}
