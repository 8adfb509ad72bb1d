package controlhttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-vault/internal/log"
)

// HandleSocket upgrades to a WebSocket and answers each text frame with one
// reply frame, in order, on the same connection.
func (api *API) HandleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		log.FromContext(r.Context()).Debug(r.Context(), "websocket upgrade failed", "reason", err.Error())
		return
	}
	api.track(conn)
	defer api.untrack(conn)

	// the request context outlives the hijack only until the handler returns
	ctx := context.WithoutCancel(r.Context())
	l := log.FromContext(ctx)
	l.Debug(ctx, "control socket opened")

	conn.SetReadLimit(api.opts.MaxMessageBytes)
	limiter := rate.NewLimiter(rate.Limit(api.opts.SocketMessagesPerSecond), api.opts.SocketBurst)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(api.opts.IdleTimeout))
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				l.Debug(ctx, "control socket closed", "reason", err.Error())
			}
			return
		}

		var reply Reply
		switch {
		case kind != websocket.TextMessage:
			api.count("ws", "malformed")
			reply = failure(ErrMalformed.Error())
		case !limiter.Allow():
			api.count("ws", "throttled")
			reply = failure("too many requests")
		default:
			msg, perr := parseMessage(data)
			if perr != nil {
				api.rejected(ctx, "ws", perr)
				reply = failure(publicParseError(perr))
			} else {
				reply = api.dispatch(ctx, "ws", msg)
			}
		}

		_ = conn.SetWriteDeadline(time.Now().Add(api.opts.WriteTimeout))
		if err := conn.WriteJSON(reply); err != nil {
			l.Debug(ctx, "control socket write failed", "reason", err.Error())
			return
		}
	}
}

func (api *API) track(c *websocket.Conn) {
	api.mu.Lock()
	api.conns[c] = struct{}{}
	n := len(api.conns)
	api.mu.Unlock()
	if api.metrics != nil {
		api.metrics.SetControlConnections(n)
	}
}

func (api *API) untrack(c *websocket.Conn) {
	api.mu.Lock()
	delete(api.conns, c)
	n := len(api.conns)
	api.mu.Unlock()
	_ = c.Close()
	if api.metrics != nil {
		api.metrics.SetControlConnections(n)
	}
}

// Close sends a going-away frame to every open socket and closes it.
// http.Server.Shutdown does not track hijacked connections, so the server
// registers this with RegisterOnShutdown.
func (api *API) Close() {
	api.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(api.conns))
	for c := range api.conns {
		conns = append(conns, c)
	}
	api.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "vault shutting down"), deadline)
		_ = c.Close()
	}
}

// Connections reports how many sockets are open.
func (api *API) Connections() int {
	api.mu.Lock()
	defer api.mu.Unlock()
	return len(api.conns)
}
