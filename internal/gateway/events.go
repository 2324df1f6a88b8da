// Live observer connections: SSE at /events, websocket at /ws.
//
// Both endpoints drain one hub subscriber queue. A connection that stops
// reading falls behind its queue and is pruned by the hub on the next
// broadcast; neither endpoint can block the publisher.
package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
)

// sseIdleKeepalive is the per-connection idle window. A comment frame goes
// out if no broadcast arrived within it, independent of the hub heartbeat.
const sseIdleKeepalive = 15 * time.Second

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	sub := g.Hub.Subscribe()
	defer g.Hub.Unsubscribe(sub)
	log.Debug().Str("sub", sub.ID).Msg("sse observer connected")

	idle := time.NewTimer(sseIdleKeepalive)
	defer idle.Stop()

	for {
		select {
		case msg, open := <-sub.C:
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			fl.Flush()
			idle.Reset(sseIdleKeepalive)
		case <-idle.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			fl.Flush()
			idle.Reset(sseIdleKeepalive)
		case <-r.Context().Done():
			return
		case <-g.Hub.Done():
			return
		}
	}
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	// Operator-local surface; cross-origin checks add nothing here.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	sub := g.Hub.Subscribe()
	defer g.Hub.Unsubscribe(sub)
	log.Debug().Str("sub", sub.ID).Msg("ws observer connected")

	ctx := r.Context()
	for {
		select {
		case msg, open := <-sub.C:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "hub closed")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-g.Hub.Done():
			conn.Close(websocket.StatusNormalClosure, "hub closed")
			return
		}
	}
}
