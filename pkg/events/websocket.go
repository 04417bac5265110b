package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
)

const writeTimeout = 10 * time.Second

// ServeWS returns a gin handler that upgrades the connection and streams
// events. An optional ?session_id= query narrows the stream to one session.
func ServeWS(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := websocket.Accept(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("Websocket accept failed", "error", err)
			return
		}
		sessionID := c.Query("session_id")
		defer conn.Close(websocket.StatusNormalClosure, "")

		events, cancel := hub.Subscribe(sessionID)
		defer cancel()

		ctx := c.Request.Context()

		// Reader goroutine: we never expect client frames, but reading is
		// required to notice the close handshake.
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					return
				}
			}
		}()

		slog.Debug("Websocket subscriber connected", "session_id", sessionID)
		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(wctx, conn, e)
				wcancel()
				if err != nil {
					slog.Debug("Websocket write failed, dropping subscriber", "error", err)
					return
				}
			case <-readDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
