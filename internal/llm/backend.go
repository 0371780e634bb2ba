package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Format identifies the streaming wire protocol a backend speaks.
type Format int

const (
	// FormatOpenAI streams canonical chunks already.
	FormatOpenAI Format = iota
	// FormatBlock streams typed content-block events (Anthropic).
	FormatBlock
	// FormatParts streams whole candidate objects (Gemini).
	FormatParts
)

func (f Format) String() string {
	switch f {
	case FormatOpenAI:
		return "openai"
	case FormatBlock:
		return "block"
	case FormatParts:
		return "parts"
	}
	return "unknown"
}

// Backend is a local inference server or cloud vendor.
type Backend interface {
	Name() string
	Format() Format
	// Complete performs a buffered round trip.
	Complete(ctx context.Context, req *ChatRequest) (*ChatCompletion, error)
	// OpenStream starts a streaming request and returns the raw SSE body once
	// the upstream has answered with a success status. A non-success status
	// is returned as an *UpstreamError and nothing is left open.
	OpenStream(ctx context.Context, req *ChatRequest) (io.ReadCloser, error)
	// ListModels returns the models this backend offers.
	ListModels(ctx context.Context) ([]Model, error)
}

// Timeouts for upstream calls.
const (
	CompleteTimeout = 120 * time.Second
	StreamTimeout   = 300 * time.Second
)

// DefaultLocalPrefixes are model-name prefixes served by the local backend.
var DefaultLocalPrefixes = []string{"llama", "qwen", "mistral", "phi", "gemma", "deepseek"}

var openAIPrefixes = []string{"gpt-", "o1", "o3", "o4", "chatgpt-"}

// Route is the outcome of backend selection for one model name.
type Route struct {
	Backend Backend
	// Model is the name sent upstream, with any routing prefix removed.
	Model string
	// Stream is false when the backend was chosen as a fallback for an
	// unrecognised model; such requests are answered with a buffered round
	// trip even when the client asked for a stream.
	Stream bool
}

// Registry picks a backend by model-name prefix.
type Registry struct {
	Local         Backend
	OpenAI        Backend
	Anthropic     Backend
	Gemini        Backend
	LocalPrefixes []string
}

// Route selects the backend for model:
//
//	local/<name>, configured local prefixes, or ""  -> local
//	claude-*                                       -> Anthropic
//	gemini-*                                       -> Gemini
//	gpt-*, o1*, o3*, o4*, chatgpt-*                -> OpenAI
//
// Anything else falls back to a non-streaming round trip on the local
// backend.
func (r *Registry) Route(model string) (Route, error) {
	lower := strings.ToLower(model)

	if name, ok := strings.CutPrefix(model, "local/"); ok {
		return r.pick(r.Local, "local", name, true)
	}
	switch {
	case strings.HasPrefix(lower, "claude-"):
		return r.pick(r.Anthropic, "anthropic", model, true)
	case strings.HasPrefix(lower, "gemini-"):
		return r.pick(r.Gemini, "gemini", model, true)
	case hasAnyPrefix(lower, openAIPrefixes):
		return r.pick(r.OpenAI, "openai", model, true)
	case model == "" || hasAnyPrefix(lower, r.localPrefixes()):
		return r.pick(r.Local, "local", model, true)
	}
	return r.pick(r.Local, "local", model, false)
}

func (r *Registry) pick(b Backend, name, model string, stream bool) (Route, error) {
	if b == nil {
		return Route{}, fmt.Errorf("%w %q: %s backend is not configured", ErrUnknownBackend, model, name)
	}
	return Route{Backend: b, Model: model, Stream: stream}, nil
}

func (r *Registry) localPrefixes() []string {
	if len(r.LocalPrefixes) == 0 {
		return DefaultLocalPrefixes
	}
	return r.LocalPrefixes
}

// Backends returns every configured backend, local first.
func (r *Registry) Backends() []Backend {
	var out []Backend
	for _, b := range []Backend{r.Local, r.OpenAI, r.Anthropic, r.Gemini} {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// ListModels merges the model lists of all configured backends. Local
// models carry the "local/" prefix; a backend that fails to answer is
// skipped.
func (r *Registry) ListModels(ctx context.Context) ModelList {
	list := ModelList{Object: "list", Data: []Model{}}
	seen := make(map[string]bool)
	for _, b := range r.Backends() {
		models, err := b.ListModels(ctx)
		if err != nil {
			log.Debug().Err(err).Str("backend", b.Name()).Msg("skipping backend in model list")
			continue
		}
		for _, m := range models {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			list.Data = append(list.Data, m)
		}
	}
	return list
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// NewCompletionID returns a fresh "chatcmpl-" identifier.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.New().String()
}

// NewToolCallID returns a fresh "call_" identifier for backends that do not
// assign their own.
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
