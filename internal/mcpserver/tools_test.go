package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/joestump/homegate/internal/access"
	"github.com/joestump/homegate/internal/tools"
)

type fakeTool struct {
	name string
	min  access.Level
	got  json.RawMessage
	err  error
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake " + f.name }
func (f *fakeTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)
}
func (f *fakeTool) MinLevel() access.Level { return f.min }
func (f *fakeTool) Execute(_ context.Context, _ access.Level, args json.RawMessage) (string, error) {
	f.got = args
	if f.err != nil {
		return "", f.err
	}
	return "ok:" + f.name, nil
}

func newTestServer(level access.Level, ts ...*fakeTool) *Server {
	reg := tools.NewRegistry()
	for _, t := range ts {
		reg.Register(t)
	}
	return NewServer(reg, level, "test")
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", result.Content[0])
	}
	return text.Text
}

func callTool(t *testing.T, s *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	for _, st := range s.serverTools() {
		if st.Tool.Name != name {
			continue
		}
		result, err := st.Handler(context.Background(), mcp.CallToolRequest{
			Params: mcp.CallToolParams{Name: name, Arguments: args},
		})
		if err != nil {
			t.Fatalf("handler error: %v", err)
		}
		return result
	}
	t.Fatalf("tool %q not exposed", name)
	return nil
}

func TestToolsFilteredByLevel(t *testing.T) {
	search := &fakeTool{name: "web_search", min: access.ChatOnly}
	read := &fakeTool{name: "read_file", min: access.ReadFiles}
	run := &fakeTool{name: "run_command", min: access.Execute}

	s := newTestServer(access.ReadFiles, search, read, run)
	got := make(map[string]bool)
	for _, st := range s.serverTools() {
		got[st.Tool.Name] = true
	}
	if !got["web_search"] || !got["read_file"] {
		t.Errorf("expected chat and read tools, got %v", got)
	}
	if got["run_command"] {
		t.Error("run_command should not be exposed at read level")
	}

	if n := len(newTestServer(access.Off, search).serverTools()); n != 0 {
		t.Errorf("off level exposed %d tools", n)
	}
}

func TestToolSchemaPassedThrough(t *testing.T) {
	s := newTestServer(access.ChatOnly, &fakeTool{name: "web_search", min: access.ChatOnly})
	st := s.serverTools()[0]
	if st.Tool.Description != "fake web_search" {
		t.Errorf("description = %q", st.Tool.Description)
	}
	if len(st.Tool.RawInputSchema) == 0 {
		t.Error("expected raw input schema")
	}
}

func TestCallToolPassesArguments(t *testing.T) {
	ft := &fakeTool{name: "web_search", min: access.ChatOnly}
	s := newTestServer(access.ChatOnly, ft)

	result := callTool(t, s, "web_search", map[string]any{"q": "weather"})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, result))
	}
	if got := resultText(t, result); got != "ok:web_search" {
		t.Errorf("text = %q", got)
	}
	var args map[string]string
	if err := json.Unmarshal(ft.got, &args); err != nil {
		t.Fatalf("tool received invalid JSON %q: %v", ft.got, err)
	}
	if args["q"] != "weather" {
		t.Errorf("args = %v", args)
	}
}

func TestCallToolWithoutArguments(t *testing.T) {
	ft := &fakeTool{name: "web_search", min: access.ChatOnly}
	s := newTestServer(access.ChatOnly, ft)

	callTool(t, s, "web_search", nil)
	if string(ft.got) != "{}" {
		t.Errorf("args = %q, want {}", ft.got)
	}
}

func TestCallToolErrorBecomesErrorResult(t *testing.T) {
	ft := &fakeTool{name: "read_file", min: access.ChatOnly, err: errors.New("path outside sandbox")}
	s := newTestServer(access.ChatOnly, ft)

	result := callTool(t, s, "read_file", map[string]any{"path": "/etc/shadow"})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if got := resultText(t, result); got != "path outside sandbox" {
		t.Errorf("text = %q", got)
	}
}

func TestMCPServerBuilds(t *testing.T) {
	s := newTestServer(access.ChatOnly, &fakeTool{name: "web_search", min: access.ChatOnly})
	if s.MCPServer() == nil {
		t.Fatal("MCPServer returned nil")
	}
}
