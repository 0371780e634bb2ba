package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAI talks to any OpenAI-compatible chat completions API: the local
// inference server (Ollama, llama.cpp, LM Studio) or the OpenAI cloud.
type OpenAI struct {
	name    string
	baseURL string
	apiKey  string
	local   bool

	client       *http.Client
	streamClient *http.Client
}

// NewOpenAI returns a cloud OpenAI backend. baseURL includes the version
// path, e.g. "https://api.openai.com/v1".
func NewOpenAI(baseURL, apiKey string) *OpenAI {
	return newOpenAI("openai", baseURL, apiKey, false)
}

// NewLocal returns the local inference backend. Its models are listed with
// a "local/" prefix, and it falls back to Ollama's /api/tags when the server
// has no /models endpoint.
func NewLocal(baseURL, apiKey string) *OpenAI {
	return newOpenAI("local", baseURL, apiKey, true)
}

func newOpenAI(name, baseURL, apiKey string, local bool) *OpenAI {
	return &OpenAI{
		name:         name,
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		local:        local,
		client:       newHTTPClient(CompleteTimeout),
		streamClient: newHTTPClient(StreamTimeout),
	}
}

func (o *OpenAI) Name() string   { return o.name }
func (o *OpenAI) Format() Format { return FormatOpenAI }

// Complete sends a non-streaming chat completion request.
func (o *OpenAI) Complete(ctx context.Context, req *ChatRequest) (*ChatCompletion, error) {
	body := *req
	body.Stream = false
	resp, err := o.post(ctx, o.client, &body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	var out ChatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &UpstreamError{Backend: o.name, Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if out.ID == "" {
		out.ID = NewCompletionID()
	}
	if out.Object == "" {
		out.Object = "chat.completion"
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return &out, nil
}

// OpenStream starts a streaming chat completion request.
func (o *OpenAI) OpenStream(ctx context.Context, req *ChatRequest) (io.ReadCloser, error) {
	body := *req
	body.Stream = true
	resp, err := o.post(ctx, o.streamClient, &body)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (o *OpenAI) post(ctx context.Context, client *http.Client, req *ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportFailure(o.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, upstreamFailure(o.name, resp)
	}
	return resp, nil
}

// ListModels queries GET /models. For the local backend it falls back to
// Ollama's native /api/tags.
func (o *OpenAI) ListModels(ctx context.Context) ([]Model, error) {
	var list ModelList
	err := o.getJSON(ctx, o.baseURL+"/models", &list)
	if err != nil && o.local {
		return o.ollamaTags(ctx)
	}
	if err != nil {
		return nil, err
	}

	var out []Model
	for _, m := range list.Data {
		if !o.local && !hasAnyPrefix(strings.ToLower(m.ID), openAIPrefixes) {
			continue
		}
		out = append(out, o.model(m.ID, m.Created, m.OwnedBy))
	}
	return out, nil
}

// ollamaTags lists models via Ollama's /api/tags, which lives at the server
// root rather than under /v1.
func (o *OpenAI) ollamaTags(ctx context.Context) ([]Model, error) {
	var tags struct {
		Models []struct {
			Name       string    `json:"name"`
			ModifiedAt time.Time `json:"modified_at"`
		} `json:"models"`
	}
	root := strings.TrimSuffix(o.baseURL, "/v1")
	if err := o.getJSON(ctx, root+"/api/tags", &tags); err != nil {
		return nil, err
	}
	out := make([]Model, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, o.model(m.Name, m.ModifiedAt.Unix(), "ollama"))
	}
	return out, nil
}

func (o *OpenAI) model(id string, created int64, owner string) Model {
	if o.local {
		id = "local/" + id
	}
	if owner == "" {
		owner = o.name
	}
	return Model{ID: id, Object: "model", Created: created, OwnedBy: owner}
}

func (o *OpenAI) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return transportFailure(o.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return upstreamFailure(o.name, resp)
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// Forward POSTs body verbatim to path under the backend's base URL and
// returns the response body and content type. It serves the endpoints that
// need no translation: image generation, speech, and transcription. A
// non-success status is returned as an *UpstreamError.
func (o *OpenAI) Forward(ctx context.Context, path, contentType string, body []byte, timeout time.Duration) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, "", transportFailure(o.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", upstreamFailure(o.name, resp)
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", transportFailure(o.name, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
