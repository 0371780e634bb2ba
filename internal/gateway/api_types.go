package gateway

import (
	"encoding/json"

	"github.com/joestump/homegate/internal/db"
)

// APISessionsResponse wraps a page of sessions.
type APISessionsResponse struct {
	Sessions []APISession `json:"sessions"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
}

// APIMessagesResponse wraps the messages of one session.
type APIMessagesResponse struct {
	SessionID string       `json:"session_id"`
	Messages  []APIMessage `json:"messages"`
}

// APIMemoriesResponse wraps a page of memories.
type APIMemoriesResponse struct {
	Memories []APIMemory `json:"memories"`
}

// APISession is the JSON representation of a logged conversation.
type APISession struct {
	ID           string `json:"id"`
	Client       string `json:"client"`
	Model        string `json:"model"`
	Title        string `json:"title"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	MessageCount int    `json:"message_count"`
}

// APIMessage is the JSON representation of one logged turn.
type APIMessage struct {
	ID        int64           `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Model     string          `json:"model,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// APIMemory is the JSON representation of a remembered fact.
type APIMemory struct {
	ID        int64  `json:"id"`
	Category  string `json:"category"`
	Content   string `json:"content"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toAPISession(s db.Session) APISession {
	return APISession{
		ID:           s.ID,
		Client:       s.Client,
		Model:        s.Model,
		Title:        s.Title,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: s.MessageCount,
	}
}

func toAPIMessage(m db.Message) APIMessage {
	out := APIMessage{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		Model:     m.Model,
		CreatedAt: m.CreatedAt,
	}
	if m.ToolCalls != nil && json.Valid([]byte(*m.ToolCalls)) {
		out.ToolCalls = json.RawMessage(*m.ToolCalls)
	}
	return out
}

func toAPIMemory(m db.Memory) APIMemory {
	return APIMemory{
		ID:        m.ID,
		Category:  m.Category,
		Content:   m.Content,
		Active:    m.Active,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
