package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/joestump/homegate/internal/db"
	"github.com/joestump/homegate/internal/wire"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// limitOffset reads the limit and offset query parameters.
func limitOffset(req *wire.Request, defaultLimit int) (limit, offset int, err error) {
	limit = defaultLimit
	if v := req.QueryValue("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v := req.QueryValue("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func (r *Router) noStore() *wire.Response {
	return wire.Error(http.StatusInternalServerError, "conversation store is not configured")
}

func (r *Router) sessions(c *call) *wire.Response {
	if r.deps.Store == nil {
		return r.noStore()
	}
	limit, offset, err := limitOffset(c.req, defaultPageSize)
	if err != nil {
		return wire.Error(http.StatusBadRequest, err.Error())
	}
	sessions, err := r.deps.Store.ListSessions(limit, offset)
	if err != nil {
		logHandlerError(c, err, "list sessions")
		return wire.Error(http.StatusInternalServerError, "database error")
	}
	resp := APISessionsResponse{Sessions: make([]APISession, 0, len(sessions)), Limit: limit, Offset: offset}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, toAPISession(s))
	}
	return wire.JSON(http.StatusOK, resp)
}

func (r *Router) messages(c *call) *wire.Response {
	if r.deps.Store == nil {
		return r.noStore()
	}
	sessionID := c.req.QueryValue("session_id")
	if sessionID == "" {
		return wire.Error(http.StatusBadRequest, "session_id is required")
	}
	limit, _, err := limitOffset(c.req, maxPageSize)
	if err != nil {
		return wire.Error(http.StatusBadRequest, err.Error())
	}
	msgs, err := r.deps.Store.ListMessages(sessionID, limit)
	if err != nil {
		logHandlerError(c, err, "list messages")
		return wire.Error(http.StatusInternalServerError, "database error")
	}
	resp := APIMessagesResponse{SessionID: sessionID, Messages: make([]APIMessage, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toAPIMessage(m))
	}
	return wire.JSON(http.StatusOK, resp)
}

func (r *Router) listMemories(c *call) *wire.Response {
	if r.deps.Store == nil {
		return r.noStore()
	}
	limit, offset, err := limitOffset(c.req, defaultPageSize)
	if err != nil {
		return wire.Error(http.StatusBadRequest, err.Error())
	}
	var category *string
	if v := c.req.QueryValue("category"); v != "" {
		category = &v
	}
	memories, err := r.deps.Store.ListMemories(category, limit, offset)
	if err != nil {
		logHandlerError(c, err, "list memories")
		return wire.Error(http.StatusInternalServerError, "database error")
	}
	resp := APIMemoriesResponse{Memories: make([]APIMemory, 0, len(memories))}
	for _, m := range memories {
		resp.Memories = append(resp.Memories, toAPIMemory(m))
	}
	return wire.JSON(http.StatusOK, resp)
}

type memoryRequest struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

func (r *Router) createMemory(c *call) *wire.Response {
	if r.deps.Store == nil {
		return r.noStore()
	}
	var body memoryRequest
	if resp := decodeBody(c, &body); resp != nil {
		return resp
	}
	body.Content = strings.TrimSpace(body.Content)
	if body.Content == "" {
		return wire.Error(http.StatusBadRequest, "content is required")
	}
	if body.Category == "" {
		body.Category = "general"
	}
	m := &db.Memory{Category: body.Category, Content: body.Content, Active: true}
	id, err := r.deps.Store.InsertMemory(m)
	if err != nil {
		logHandlerError(c, err, "insert memory")
		return wire.Error(http.StatusInternalServerError, "database error")
	}
	created, err := r.deps.Store.GetMemory(id)
	if err != nil || created == nil {
		m.ID = id
		created = m
	}
	return wire.JSON(http.StatusCreated, toAPIMemory(*created))
}

func memoryID(c *call) (int64, *wire.Response) {
	raw := strings.TrimPrefix(c.req.Path, "/v1/memory/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, wire.Error(http.StatusBadRequest, "memory id must be a positive integer")
	}
	return id, nil
}

func (r *Router) getMemory(c *call) *wire.Response {
	if r.deps.Store == nil {
		return r.noStore()
	}
	id, resp := memoryID(c)
	if resp != nil {
		return resp
	}
	m, err := r.deps.Store.GetMemory(id)
	if err != nil {
		logHandlerError(c, err, "get memory")
		return wire.Error(http.StatusInternalServerError, "database error")
	}
	if m == nil {
		return wire.Error(http.StatusNotFound, "memory not found")
	}
	return wire.JSON(http.StatusOK, toAPIMemory(*m))
}

func (r *Router) deleteMemory(c *call) *wire.Response {
	if r.deps.Store == nil {
		return r.noStore()
	}
	id, resp := memoryID(c)
	if resp != nil {
		return resp
	}
	ok, err := r.deps.Store.DeleteMemory(id)
	if err != nil {
		logHandlerError(c, err, "delete memory")
		return wire.Error(http.StatusInternalServerError, "database error")
	}
	if !ok {
		return wire.Error(http.StatusNotFound, "memory not found")
	}
	return wire.JSON(http.StatusOK, map[string]any{"deleted": id})
}
