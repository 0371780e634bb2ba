package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/joestump/homegate/internal/stream"
	"github.com/joestump/homegate/internal/wire"
)

// auditRecent returns the latest access decisions, oldest first.
func (r *Router) auditRecent(c *call) *wire.Response {
	if r.deps.Events == nil {
		return wire.Error(http.StatusNotFound, "audit feed is not enabled")
	}
	limit, _, err := limitOffset(c.req, defaultPageSize)
	if err != nil {
		return wire.Error(http.StatusBadRequest, err.Error())
	}
	recent := r.deps.Events.Recent(limit)
	events := make([]json.RawMessage, 0, len(recent))
	for _, e := range recent {
		events = append(events, json.RawMessage(e))
	}
	return wire.JSON(http.StatusOK, map[string]any{"events": events})
}

// auditStream takes over the connection and relays access decisions as SSE
// frames until the client leaves or the gateway shuts down.
func (r *Router) auditStream(c *call) *wire.Response {
	if r.deps.Events == nil {
		return wire.Error(http.StatusNotFound, "audit feed is not enabled")
	}
	if c.conn == nil {
		return wire.Error(http.StatusBadRequest, "streaming needs a connection")
	}

	events, unsubscribe := r.deps.Events.Subscribe()
	defer unsubscribe()

	ctx, peer := stream.WatchPeer(c.ctx, c.conn)
	defer peer.Close() //nolint:errcheck

	if _, err := peer.Write(wire.StreamHeaders()); err != nil {
		return nil
	}
	go peer.Heartbeat(ctx, stream.DefaultHeartbeat)
	log.Debug().Str("client", c.identity()).Msg("audit stream opened")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := peer.Write(wire.Frame(event)); err != nil {
				return nil
			}
		}
	}
}
