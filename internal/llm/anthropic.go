package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	anthropicVersion      = "2023-06-01"
	defaultAnthropicURL   = "https://api.anthropic.com"
	defaultAnthropicLimit = 4096
)

// Anthropic is the block-event backend. Buffered completions and model
// listing go through the SDK; streams are read as raw SSE so the gateway can
// translate each event as it arrives.
type Anthropic struct {
	client       anthropic.Client
	baseURL      string
	apiKey       string
	streamClient *http.Client
}

// NewAnthropic returns an Anthropic backend. An empty baseURL uses the public
// API.
func NewAnthropic(baseURL, apiKey string) *Anthropic {
	if baseURL == "" {
		baseURL = defaultAnthropicURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Anthropic{
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL+"/"),
			option.WithMaxRetries(0),
			option.WithRequestTimeout(CompleteTimeout),
		),
		baseURL:      baseURL,
		apiKey:       apiKey,
		streamClient: newHTTPClient(StreamTimeout),
	}
}

func (a *Anthropic) Name() string   { return "anthropic" }
func (a *Anthropic) Format() Format { return FormatBlock }

// Complete sends a buffered Messages request.
func (a *Anthropic) Complete(ctx context.Context, req *ChatRequest) (*ChatCompletion, error) {
	params, err := toAnthropic(req)
	if err != nil {
		return nil, err
	}
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.wrapError(err)
	}

	var text strings.Builder
	var calls []ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}

	finish := FinishStop
	switch string(msg.StopReason) {
	case "tool_use":
		finish = FinishToolCalls
	case "max_tokens":
		finish = FinishLength
	}

	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &ChatCompletion{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Message: Message{
				Role:      RoleAssistant,
				Content:   TextContent(text.String()),
				ToolCalls: calls,
			},
			FinishReason: finish,
		}},
		Usage: &Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

// OpenStream posts the same Messages body with "stream": true.
func (a *Anthropic) OpenStream(ctx context.Context, req *ChatRequest) (io.ReadCloser, error) {
	params, err := toAnthropic(req)
	if err != nil {
		return nil, err
	}
	payload, err := withStream(params)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Api-Key", a.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := a.streamClient.Do(httpReq)
	if err != nil {
		return nil, transportFailure(a.Name(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, upstreamFailure(a.Name(), resp)
	}
	return resp.Body, nil
}

// ListModels lists the models the API key can use.
func (a *Anthropic) ListModels(ctx context.Context) ([]Model, error) {
	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, a.wrapError(err)
	}
	out := make([]Model, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, Model{ID: m.ID, Object: "model", Created: m.CreatedAt.Unix(), OwnedBy: "anthropic"})
	}
	return out, nil
}

func (a *Anthropic) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		msg := ExtractErrorMessage([]byte(apiErr.RawJSON()))
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		return &UpstreamError{Backend: a.Name(), Status: apiErr.StatusCode, Message: msg}
	}
	return transportFailure(a.Name(), err)
}

// toAnthropic converts a canonical request to Messages API parameters.
// System messages move to the system field, tool results become tool_result
// blocks in a user turn, and consecutive turns of the same role are merged.
func toAnthropic(req *ChatRequest) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: defaultAnthropicLimit,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	for _, m := range req.Messages {
		var role anthropic.MessageParamRole
		var blocks []anthropic.ContentBlockParamUnion

		switch m.Role {
		case RoleSystem:
			if text := m.Content.String(); text != "" {
				params.System = append(params.System, anthropic.TextBlockParam{Text: text})
			}
			continue
		case RoleTool:
			role = anthropic.MessageParamRoleUser
			blocks = append(blocks, anthropic.NewToolResultBlock(m.ToolCallID, m.Content.String(), false))
		case RoleAssistant:
			role = anthropic.MessageParamRoleAssistant
			if text := m.Content.String(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, argumentsValue(tc.Function.Arguments), tc.Function.Name))
			}
		default:
			role = anthropic.MessageParamRoleUser
			blocks = userBlocks(m.Content)
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(params.Messages); n > 0 && params.Messages[n-1].Role == role {
			params.Messages[n-1].Content = append(params.Messages[n-1].Content, blocks...)
			continue
		}
		params.Messages = append(params.Messages, anthropic.MessageParam{Role: role, Content: blocks})
	}
	if len(params.Messages) == 0 {
		return params, errors.New("anthropic: request has no user or assistant messages")
	}

	for _, t := range req.Tools {
		schema, err := inputSchema(t.Function.Parameters)
		if err != nil {
			return params, fmt.Errorf("tool %s: %w", t.Function.Name, err)
		}
		tool := &anthropic.ToolParam{Name: t.Function.Name, InputSchema: schema}
		if t.Function.Description != "" {
			tool.Description = anthropic.String(t.Function.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: tool})
	}
	return params, nil
}

func userBlocks(c Content) []anthropic.ContentBlockParamUnion {
	if c.Parts == nil {
		if c.Text == "" {
			return nil
		}
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(c.Text)}
	}
	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range c.Parts {
		switch {
		case p.Type == "text" && p.Text != "":
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
		case p.Type == "image_url" && p.ImageURL != nil:
			if mediaType, data, ok := parseDataURI(p.ImageURL.URL); ok {
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			} else {
				blocks = append(blocks, anthropic.NewTextBlock("[image: "+p.ImageURL.URL+"]"))
			}
		}
	}
	return blocks
}

func inputSchema(raw json.RawMessage) (anthropic.ToolInputSchemaParam, error) {
	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &schema); err != nil {
			return anthropic.ToolInputSchemaParam{}, fmt.Errorf("parameters: %w", err)
		}
	}
	if schema.Properties == nil {
		schema.Properties = map[string]any{}
	}
	return anthropic.ToolInputSchemaParam{Properties: schema.Properties, Required: schema.Required}, nil
}

// argumentsValue returns tool-call arguments as raw JSON when they parse,
// otherwise an empty object.
func argumentsValue(args string) any {
	if args != "" && json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	return map[string]any{}
}

// withStream marshals params and sets "stream": true on the result.
func withStream(params anthropic.MessageNewParams) ([]byte, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	body["stream"] = json.RawMessage("true")
	return json.Marshal(body)
}

// parseDataURI splits "data:image/png;base64,AAAA" into its media type and
// payload.
func parseDataURI(uri string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return "", "", false
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, enc, _ := strings.Cut(meta, ";")
	if enc != "base64" || mediaType == "" {
		return "", "", false
	}
	return mediaType, data, true
}
