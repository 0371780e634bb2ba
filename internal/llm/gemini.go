package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultGeminiURL = "https://generativelanguage.googleapis.com"

// Gemini is the candidate/parts backend, spoken over the REST API.
type Gemini struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	streamClient *http.Client
}

// NewGemini returns a Gemini backend. An empty baseURL uses the public API.
func NewGemini(baseURL, apiKey string) *Gemini {
	if baseURL == "" {
		baseURL = defaultGeminiURL
	}
	return &Gemini{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		client:       newHTTPClient(CompleteTimeout),
		streamClient: newHTTPClient(StreamTimeout),
	}
}

func (g *Gemini) Name() string   { return "gemini" }
func (g *Gemini) Format() Format { return FormatParts }

// GeminiRequest is the generateContent request body.
type GeminiRequest struct {
	Contents          []GeminiContent         `json:"contents"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	Tools             []GeminiTool            `json:"tools,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

// GeminiContent is one conversation turn.
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart is one element of a turn. Exactly one field is set.
type GeminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *GeminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *GeminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionResponse `json:"functionResponse,omitempty"`
}

type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type GeminiFunctionResponse struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type GeminiTool struct {
	FunctionDeclarations []GeminiFunctionDeclaration `json:"functionDeclarations"`
}

type GeminiFunctionDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type GeminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// GeminiResponse is one generateContent response, or one streamed event.
type GeminiResponse struct {
	Candidates    []GeminiCandidate `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

// Complete calls models/{model}:generateContent.
func (g *Gemini) Complete(ctx context.Context, req *ChatRequest) (*ChatCompletion, error) {
	resp, err := g.post(ctx, g.client, req, "generateContent", "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	var gr GeminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, &UpstreamError{Backend: g.Name(), Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}

	text, calls := gr.Flatten()
	finish := FinishStop
	if len(calls) > 0 {
		finish = FinishToolCalls
	} else if len(gr.Candidates) > 0 && gr.Candidates[0].FinishReason == "MAX_TOKENS" {
		finish = FinishLength
	}
	out := &ChatCompletion{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Message:      Message{Role: RoleAssistant, Content: TextContent(text), ToolCalls: calls},
			FinishReason: finish,
		}},
	}
	if u := gr.UsageMetadata; u != nil {
		out.Usage = &Usage{PromptTokens: u.PromptTokenCount, CompletionTokens: u.CandidatesTokenCount, TotalTokens: u.TotalTokenCount}
	}
	return out, nil
}

// OpenStream calls models/{model}:streamGenerateContent?alt=sse.
func (g *Gemini) OpenStream(ctx context.Context, req *ChatRequest) (io.ReadCloser, error) {
	resp, err := g.post(ctx, g.streamClient, req, "streamGenerateContent", "alt=sse")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Flatten concatenates the first candidate's text parts and converts its
// function calls, assigning each a generated id.
func (gr *GeminiResponse) Flatten() (string, []ToolCall) {
	if len(gr.Candidates) == 0 {
		return "", nil
	}
	var text strings.Builder
	var calls []ToolCall
	for _, p := range gr.Candidates[0].Content.Parts {
		if p.Text != "" {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			args := string(p.FunctionCall.Args)
			if args == "" || args == "null" {
				args = "{}"
			}
			calls = append(calls, ToolCall{
				ID:       NewToolCallID(),
				Type:     "function",
				Function: FunctionCall{Name: p.FunctionCall.Name, Arguments: args},
			})
		}
	}
	return text.String(), calls
}

func (g *Gemini) post(ctx context.Context, client *http.Client, req *ChatRequest, method, query string) (*http.Response, error) {
	payload, err := json.Marshal(toGemini(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s", g.baseURL, url.PathEscape(req.Model), method)
	q := url.Values{"key": {g.apiKey}}
	if query != "" {
		endpoint += "?" + query + "&" + q.Encode()
	} else {
		endpoint += "?" + q.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportFailure(g.Name(), redactKey(err, g.apiKey))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, upstreamFailure(g.Name(), resp)
	}
	return resp, nil
}

// ListModels lists models supporting generateContent.
func (g *Gemini) ListModels(ctx context.Context) ([]Model, error) {
	endpoint := g.baseURL + "/v1beta/models?" + url.Values{"key": {g.apiKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, transportFailure(g.Name(), redactKey(err, g.apiKey))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamFailure(g.Name(), resp)
	}
	defer resp.Body.Close() //nolint:errcheck

	var list struct {
		Models []struct {
			Name                       string   `json:"name"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	var out []Model
	for _, m := range list.Models {
		id := strings.TrimPrefix(m.Name, "models/")
		if !strings.HasPrefix(id, "gemini-") {
			continue
		}
		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" {
				out = append(out, Model{ID: id, Object: "model", OwnedBy: "google"})
				break
			}
		}
	}
	return out, nil
}

// toGemini converts a canonical request. Assistant turns become "model"
// turns and tool results become functionResponse parts named after the call
// they answer.
func toGemini(req *ChatRequest) *GeminiRequest {
	out := &GeminiRequest{}
	callNames := make(map[string]string)

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			if text := m.Content.String(); text != "" {
				if out.SystemInstruction == nil {
					out.SystemInstruction = &GeminiContent{}
				}
				out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, GeminiPart{Text: text})
			}
		case RoleAssistant:
			turn := GeminiContent{Role: "model"}
			if text := m.Content.String(); text != "" {
				turn.Parts = append(turn.Parts, GeminiPart{Text: text})
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				args := json.RawMessage("{}")
				if json.Valid([]byte(tc.Function.Arguments)) {
					args = json.RawMessage(tc.Function.Arguments)
				}
				turn.Parts = append(turn.Parts, GeminiPart{FunctionCall: &GeminiFunctionCall{Name: tc.Function.Name, Args: args}})
			}
			out.appendTurn(turn)
		case RoleTool:
			name := callNames[m.ToolCallID]
			if name == "" {
				name = m.Name
			}
			out.appendTurn(GeminiContent{Role: "user", Parts: []GeminiPart{{
				FunctionResponse: &GeminiFunctionResponse{
					Name:     name,
					Response: map[string]any{"content": m.Content.String()},
				},
			}}})
		default:
			out.appendTurn(GeminiContent{Role: "user", Parts: geminiUserParts(m.Content)})
		}
	}

	if len(req.Tools) > 0 {
		var decls []GeminiFunctionDeclaration
		for _, t := range req.Tools {
			decl := GeminiFunctionDeclaration{Name: t.Function.Name, Description: t.Function.Description}
			if len(t.Function.Parameters) > 0 {
				var schema any
				if err := json.Unmarshal(t.Function.Parameters, &schema); err == nil {
					decl.Parameters = cleanSchema(schema)
				}
			}
			decls = append(decls, decl)
		}
		out.Tools = []GeminiTool{{FunctionDeclarations: decls}}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &GeminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return out
}

// appendTurn merges consecutive turns of the same role.
func (r *GeminiRequest) appendTurn(turn GeminiContent) {
	if len(turn.Parts) == 0 {
		return
	}
	if n := len(r.Contents); n > 0 && r.Contents[n-1].Role == turn.Role {
		r.Contents[n-1].Parts = append(r.Contents[n-1].Parts, turn.Parts...)
		return
	}
	r.Contents = append(r.Contents, turn)
}

func geminiUserParts(c Content) []GeminiPart {
	if c.Parts == nil {
		if c.Text == "" {
			return nil
		}
		return []GeminiPart{{Text: c.Text}}
	}
	var parts []GeminiPart
	for _, p := range c.Parts {
		switch {
		case p.Type == "text" && p.Text != "":
			parts = append(parts, GeminiPart{Text: p.Text})
		case p.Type == "image_url" && p.ImageURL != nil:
			if mediaType, data, ok := parseDataURI(p.ImageURL.URL); ok {
				parts = append(parts, GeminiPart{InlineData: &GeminiInlineData{MimeType: mediaType, Data: data}})
			} else {
				parts = append(parts, GeminiPart{Text: "[image: " + p.ImageURL.URL + "]"})
			}
		}
	}
	return parts
}

// cleanSchema drops JSON Schema keywords the Gemini API rejects.
func cleanSchema(v any) any {
	switch s := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(s))
		for k, val := range s {
			switch k {
			case "$schema", "additionalProperties", "$id", "$ref", "definitions", "$defs", "default", "examples":
				continue
			}
			out[k] = cleanSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(s))
		for i, val := range s {
			out[i] = cleanSchema(val)
		}
		return out
	}
	return v
}

// redactKey strips the API key from transport errors, which quote the URL.
func redactKey(err error, key string) error {
	if key == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), key, "REDACTED"))
}
