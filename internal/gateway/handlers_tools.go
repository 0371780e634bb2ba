package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/joestump/homegate/internal/llm"
	"github.com/joestump/homegate/internal/tools"
	"github.com/joestump/homegate/internal/wire"
)

// Capability timeouts.
const (
	SpeechTimeout     = 60 * time.Second
	TranscribeTimeout = 120 * time.Second
)

type searchRequest struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

func (r *Router) search(c *call) *wire.Response {
	if r.deps.Searcher == nil {
		return wire.Error(http.StatusInternalServerError, "web search is not configured")
	}
	var body searchRequest
	if resp := decodeBody(c, &body); resp != nil {
		return resp
	}
	if strings.TrimSpace(body.Query) == "" {
		return wire.Error(http.StatusBadRequest, "query is required")
	}
	results, err := r.deps.Searcher.Search(c.ctx, body.Query, body.Count)
	if err != nil {
		logHandlerError(c, err, "web search failed")
		return wire.Error(http.StatusInternalServerError, err.Error())
	}
	if results == nil {
		results = []tools.SearchResult{}
	}
	return wire.JSON(http.StatusOK, map[string]any{"query": body.Query, "results": results})
}

type fetchRequest struct {
	URL string `json:"url"`
}

func (r *Router) fetch(c *call) *wire.Response {
	fetcher := r.deps.Fetcher
	if fetcher == nil {
		fetcher = tools.NewFetcher()
	}
	var body fetchRequest
	if resp := decodeBody(c, &body); resp != nil {
		return resp
	}
	if body.URL == "" {
		return wire.Error(http.StatusBadRequest, "url is required")
	}
	page, err := fetcher.Fetch(c.ctx, body.URL)
	if err != nil {
		logHandlerError(c, err, "fetch failed")
		return wire.Error(http.StatusInternalServerError, err.Error())
	}
	return wire.JSON(http.StatusOK, page)
}

// forward relays the request body to the media backend unchanged.
func (r *Router) forward(c *call, path, contentType, fallbackType string, timeout time.Duration) *wire.Response {
	if r.deps.Media == nil {
		return chatError(http.StatusInternalServerError, "no backend configured for "+path, "server_error")
	}
	if len(c.req.Body) == 0 {
		return chatError(http.StatusBadRequest, "request body is required", "invalid_request_error")
	}
	if contentType == "" {
		contentType = "application/json"
	}
	body, ct, err := r.deps.Media.Forward(c.ctx, path, contentType, c.req.Body, timeout)
	if err != nil {
		logHandlerError(c, err, "forward failed")
		return chatError(http.StatusInternalServerError, llm.ErrorMessage(err), "upstream_error")
	}
	if ct == "" {
		ct = fallbackType
	}
	return wire.Binary(http.StatusOK, ct, body)
}

func (r *Router) images(c *call) *wire.Response {
	return r.forward(c, "/images/generations", "application/json", "application/json", tools.ImageTimeout)
}

func (r *Router) speech(c *call) *wire.Response {
	return r.forward(c, "/audio/speech", "application/json", "audio/mpeg", SpeechTimeout)
}

// transcribe passes the multipart form through with its boundary intact.
func (r *Router) transcribe(c *call) *wire.Response {
	return r.forward(c, "/audio/transcriptions", c.req.Header("Content-Type"), "application/json", TranscribeTimeout)
}
