package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/joestump/homegate/internal/llm"
	"github.com/joestump/homegate/internal/stream"
	"github.com/joestump/homegate/internal/wire"
)

// SessionHeader lets a client group its requests into one logged
// conversation.
const SessionHeader = "X-Session-Id"

func chatError(status int, msg, typ string) *wire.Response {
	return stream.ErrorResponse(status, msg, typ)
}

// chatCompletions answers buffered requests through the tool loop. A
// streamed request hands the connection to the translator, which owns it
// from then on, and nil is returned.
func (r *Router) chatCompletions(c *call) *wire.Response {
	if r.deps.Backends == nil {
		return chatError(http.StatusInternalServerError, "no backends configured", "server_error")
	}
	var req llm.ChatRequest
	if err := json.Unmarshal(c.req.Body, &req); err != nil {
		return chatError(http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error")
	}
	if len(req.Messages) == 0 {
		return chatError(http.StatusBadRequest, "messages must not be empty", "invalid_request_error")
	}
	if r.deps.Enricher != nil {
		r.deps.Enricher.Enrich(c.ctx, &req)
	}

	meta := stream.Meta{SessionID: c.req.Header(SessionHeader), Client: c.identity()}
	if req.Stream && c.conn != nil {
		r.deps.Translator.Serve(c.ctx, c.conn, &req, meta)
		return nil
	}

	start := time.Now()
	route, err := r.deps.Backends.Route(req.Model)
	if err != nil {
		return chatError(http.StatusInternalServerError, err.Error(), "invalid_request_error")
	}
	upstream := req.Clone()
	upstream.Model = route.Model
	upstream.Stream = false

	res, err := r.deps.Loop.Run(c.ctx, route.Backend, upstream, c.level)
	if err != nil {
		logHandlerError(c, err, "chat completion failed")
		return chatError(http.StatusInternalServerError, llm.ErrorMessage(err), "upstream_error")
	}
	completion := res.Completion
	if completion.Model == "" || completion.Model == route.Model {
		completion.Model = req.Model
	}

	msg := completion.Message()
	stream.Notify(c.ctx, r.deps.Observers, stream.Exchange{
		SessionID: meta.SessionID,
		Client:    meta.Client,
		Model:     req.Model,
		Backend:   route.Backend.Name(),
		Prompt:    req.LastUserText(),
		Reply:     msg.Content.String(),
		ToolCalls: msg.ToolCalls,
		Duration:  time.Since(start),
	})
	return wire.JSON(http.StatusOK, completion)
}

func (r *Router) models(c *call) *wire.Response {
	if r.deps.Backends == nil {
		return wire.JSON(http.StatusOK, llm.ModelList{Object: "list", Data: []llm.Model{}})
	}
	return wire.JSON(http.StatusOK, r.deps.Backends.ListModels(c.ctx))
}
