// Package memory connects chat traffic to the sqlite store: remembered facts
// are injected into outgoing requests, and completed exchanges are written
// to the conversation log.
package memory

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/joestump/homegate/internal/db"
	"github.com/joestump/homegate/internal/llm"
	"github.com/joestump/homegate/internal/stream"
)

const (
	defaultLimit = 20
	titleRunes   = 60
	header       = "Things you know about the user:"
)

// Store reads active memories.
type Store interface {
	GetActiveMemories(limit int) ([]db.Memory, error)
}

// Enricher adds remembered facts to chat requests before dispatch.
type Enricher struct {
	store Store
	limit int
}

// NewEnricher returns an Enricher injecting at most limit memories.
func NewEnricher(store Store, limit int) *Enricher {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Enricher{store: store, limit: limit}
}

// Enrich prepends active memories to req as system context. A leading
// system message with plain text is extended; otherwise a new system
// message is inserted first. Failures leave req untouched.
func (e *Enricher) Enrich(_ context.Context, req *llm.ChatRequest) {
	memories, err := e.store.GetActiveMemories(e.limit)
	if err != nil {
		log.Warn().Err(err).Msg("load memories")
		return
	}
	if len(memories) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(header)
	for _, m := range memories {
		sb.WriteString("\n- ")
		sb.WriteString(strings.TrimSpace(m.Content))
	}
	block := sb.String()

	if len(req.Messages) > 0 && req.Messages[0].Role == llm.RoleSystem && req.Messages[0].Content.Parts == nil {
		first := req.Messages[0]
		first.Content = llm.TextContent(first.Content.Text + "\n\n" + block)
		msgs := append([]llm.Message{first}, req.Messages[1:]...)
		req.Messages = msgs
		return
	}
	req.Messages = append([]llm.Message{{Role: llm.RoleSystem, Content: llm.TextContent(block)}}, req.Messages...)
}

// ConversationStore persists exchanges.
type ConversationStore interface {
	EnsureSession(s *db.Session) error
	InsertMessage(m *db.Message) (int64, error)
}

// Redactor scrubs secrets from logged text.
type Redactor interface {
	Redact(string) string
}

// Logger writes completed exchanges to the conversation log. It implements
// stream.Observer.
type Logger struct {
	store    ConversationStore
	redactor Redactor
}

// NewLogger returns a Logger. redactor may be nil.
func NewLogger(store ConversationStore, redactor Redactor) *Logger {
	return &Logger{store: store, redactor: redactor}
}

func (l *Logger) redact(s string) string {
	if l.redactor == nil {
		return s
	}
	return l.redactor.Redact(s)
}

// ObserveExchange stores the prompt and reply of ex. Errors are logged.
func (l *Logger) ObserveExchange(_ context.Context, ex stream.Exchange) {
	sessionID := ex.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	prompt := l.redact(ex.Prompt)
	logger := log.With().Str("session", sessionID).Logger()

	if err := l.store.EnsureSession(&db.Session{
		ID:     sessionID,
		Client: ex.Client,
		Model:  ex.Model,
		Title:  title(prompt),
	}); err != nil {
		logger.Warn().Err(err).Msg("log conversation")
		return
	}

	if prompt != "" {
		if _, err := l.store.InsertMessage(&db.Message{SessionID: sessionID, Role: llm.RoleUser, Content: prompt}); err != nil {
			logger.Warn().Err(err).Msg("log user message")
			return
		}
	}

	reply := &db.Message{SessionID: sessionID, Role: llm.RoleAssistant, Content: l.redact(ex.Reply), Model: ex.Model}
	if len(ex.ToolCalls) > 0 {
		if raw, err := json.Marshal(ex.ToolCalls); err == nil {
			s := l.redact(string(raw))
			reply.ToolCalls = &s
		}
	}
	if _, err := l.store.InsertMessage(reply); err != nil {
		logger.Warn().Err(err).Msg("log assistant message")
	}
}

func title(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	if utf8.RuneCountInString(prompt) <= titleRunes {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:titleRunes]) + "…"
}
