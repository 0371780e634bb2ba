package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/joestump/homegate/internal/llm"
)

// frames returns the data payloads of an SSE body, skipping any HTTP head.
func frames(t *testing.T, out string) []string {
	t.Helper()
	if i := strings.Index(out, "\r\n\r\n"); i >= 0 && strings.HasPrefix(out, "HTTP/") {
		out = out[i+4:]
	}
	var payloads []string
	for _, block := range strings.Split(out, "\n\n") {
		if p, ok := strings.CutPrefix(block, "data: "); ok {
			payloads = append(payloads, p)
		}
	}
	return payloads
}

func decodeChunks(t *testing.T, payloads []string) []llm.Chunk {
	t.Helper()
	var chunks []llm.Chunk
	for _, p := range payloads {
		if p == "[DONE]" {
			continue
		}
		var c llm.Chunk
		if err := json.Unmarshal([]byte(p), &c); err != nil {
			t.Fatalf("decode chunk %q: %v", p, err)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func finishReasons(chunks []llm.Chunk) []string {
	var out []string
	for _, c := range chunks {
		if len(c.Choices) > 0 && c.Choices[0].FinishReason != nil {
			out = append(out, *c.Choices[0].FinishReason)
		}
	}
	return out
}

func sse(events ...string) string {
	var b strings.Builder
	for _, ev := range events {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(ev), &head)
		if head.Type != "" {
			fmt.Fprintf(&b, "event: %s\n", head.Type)
		}
		fmt.Fprintf(&b, "data: %s\n\n", ev)
	}
	return b.String()
}

var toolStream = []string{
	`{"type":"message_start","message":{"id":"msg_1","role":"assistant","content":[]}}`,
	`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"calc","input":{}}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"a\":"}}`,
	`{"type":"ping"}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"1}"}}`,
	`{"type":"content_block_stop","index":0}`,
	`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
	`{"type":"message_stop"}`,
}

func TestBlockFragmentReassembly(t *testing.T) {
	var out bytes.Buffer
	tr, err := block(newEventReader(strings.NewReader(sse(toolStream...))), newEmitter(&out, "claude-x"))
	if err != nil {
		t.Fatalf("block: %v", err)
	}

	payloads := frames(t, out.String())
	if payloads[len(payloads)-1] != "[DONE]" {
		t.Fatalf("stream must end with [DONE], got %q", payloads[len(payloads)-1])
	}
	chunks := decodeChunks(t, payloads)

	var args strings.Builder
	announced := false
	for _, c := range chunks {
		for _, tc := range c.Choices[0].Delta.ToolCalls {
			if tc.Index != 0 {
				t.Fatalf("unexpected tool index %d", tc.Index)
			}
			if tc.ID == "toolu_1" {
				announced = true
				if tc.Function.Name != "calc" || tc.Function.Arguments != "" {
					t.Errorf("announcement = %+v", tc)
				}
				continue
			}
			if tc.ID != "" || tc.Function.Name != "" {
				t.Errorf("fragment chunk should carry only arguments, got %+v", tc)
			}
			args.WriteString(tc.Function.Arguments)
		}
	}
	if !announced {
		t.Fatal("tool call was never announced")
	}
	if args.String() != `{"a":1}` || !json.Valid([]byte(args.String())) {
		t.Fatalf("reassembled arguments = %q", args.String())
	}
	if got := finishReasons(chunks); len(got) != 2 || got[0] != "tool_calls" || got[1] != "tool_calls" {
		t.Errorf("finish reasons = %v", got)
	}
	if len(tr.toolCalls) != 1 || tr.toolCalls[0].Function.Arguments != `{"a":1}` {
		t.Errorf("transcript tool calls = %+v", tr.toolCalls)
	}
}

func TestBlockTextThenTwoTools(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"both."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t_a","name":"a"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"t_b","name":"b"}}`,
		`{"type":"content_block_stop","index":2}`,
		`{"type":"message_stop"}`,
	}
	var out bytes.Buffer
	tr, err := block(newEventReader(strings.NewReader(sse(events...))), newEmitter(&out, "claude-x"))
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if tr.text.String() != "Checking both." {
		t.Errorf("text = %q", tr.text.String())
	}
	ids := map[string]int{}
	for _, c := range decodeChunks(t, frames(t, out.String())) {
		for _, tc := range c.Choices[0].Delta.ToolCalls {
			if tc.ID != "" {
				ids[tc.ID] = tc.Index
			}
		}
	}
	if ids["t_a"] != 0 || ids["t_b"] != 1 {
		t.Errorf("tool indexes = %v, want t_a:0 t_b:1", ids)
	}
}

func TestBlockPlainTextFinishesWithStop(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	}
	var out bytes.Buffer
	if _, err := block(newEventReader(strings.NewReader(sse(events...))), newEmitter(&out, "claude-x")); err != nil {
		t.Fatal(err)
	}
	chunks := decodeChunks(t, frames(t, out.String()))
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk should announce the role, got %+v", chunks[0])
	}
	if got := finishReasons(chunks); len(got) != 1 || got[0] != "stop" {
		t.Errorf("finish reasons = %v", got)
	}
}

func TestBlockStopReasonWithoutToolBlock(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{}}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		`{"type":"message_stop"}`,
	}
	var out bytes.Buffer
	if _, err := block(newEventReader(strings.NewReader(sse(events...))), newEmitter(&out, "claude-x")); err != nil {
		t.Fatal(err)
	}
	// message_stop still decides from whether a tool block was seen.
	got := finishReasons(decodeChunks(t, frames(t, out.String())))
	if len(got) != 2 || got[0] != "tool_calls" || got[1] != "stop" {
		t.Errorf("finish reasons = %v", got)
	}
}

func TestBlockTruncatedStreamStillFinishes(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		want   string
	}{
		{
			name: "text",
			events: []string{
				`{"type":"message_start","message":{}}`,
				`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"cut"}}`,
			},
			want: "stop",
		},
		{
			name:   "tool call",
			events: toolStream[:len(toolStream)-2],
			want:   "tool_calls",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if _, err := block(newEventReader(strings.NewReader(sse(tt.events...))), newEmitter(&out, "claude-x")); err != nil {
				t.Fatal(err)
			}
			payloads := frames(t, out.String())
			if payloads[len(payloads)-1] != "[DONE]" {
				t.Fatalf("stream not terminated: %v", payloads)
			}
			got := finishReasons(decodeChunks(t, payloads))
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("finish reasons = %v, want [%s]", got, tt.want)
			}
		})
	}
}

func TestBlockErrorEvent(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{}}`,
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
	}
	var out bytes.Buffer
	_, err := block(newEventReader(strings.NewReader(sse(events...))), newEmitter(&out, "claude-x"))
	if err == nil || llm.ErrorMessage(err) != "Overloaded" {
		t.Fatalf("err = %v, want Overloaded", err)
	}
}

func TestPartsStream(t *testing.T) {
	body := "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"Hel\"},{\"text\":\"lo\"}]}}]}\r\n\r\n" +
		"data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"functionCall\":{\"name\":\"web_search\",\"args\":{\"query\":\"go\"}}}]}}]}\r\n\r\n" +
		"data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"functionCall\":{\"name\":\"web_fetch\",\"args\":{\"url\":\"x\"}}}]},\"finishReason\":\"STOP\"}]}\r\n\r\n"
	var out bytes.Buffer
	tr, err := parts(newEventReader(strings.NewReader(body)), newEmitter(&out, "gemini-2.0-flash"))
	if err != nil {
		t.Fatalf("parts: %v", err)
	}
	payloads := frames(t, out.String())
	if payloads[len(payloads)-1] != "[DONE]" {
		t.Fatal("missing [DONE]")
	}
	chunks := decodeChunks(t, payloads)
	if chunks[1].Choices[0].Delta.Content != "Hello" {
		t.Errorf("text parts should be concatenated, got %q", chunks[1].Choices[0].Delta.Content)
	}
	tc := chunks[2].Choices[0].Delta.ToolCalls[0]
	if tc.Index != 0 || tc.Function.Name != "web_search" || tc.Function.Arguments != `{"query":"go"}` || !strings.HasPrefix(tc.ID, "call_") {
		t.Errorf("tool call chunk = %+v", tc)
	}
	if idx := chunks[3].Choices[0].Delta.ToolCalls[0].Index; idx != 1 {
		t.Errorf("second tool call index = %d, want 1", idx)
	}
	if got := finishReasons(chunks); len(got) != 1 || got[0] != "stop" {
		t.Errorf("finish reasons = %v", got)
	}
	if tr.text.String() != "Hello" || len(tr.toolCalls) != 2 {
		t.Errorf("transcript = %q %+v", tr.text.String(), tr.toolCalls)
	}
}

func TestPassthroughForwardsVerbatim(t *testing.T) {
	c1 := `{"id":"up-1","object":"chat.completion.chunk","model":"llama3","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"},"finish_reason":null}]}`
	c2 := `{"id":"up-1","object":"chat.completion.chunk","model":"llama3","choices":[{"index":0,"delta":{"content":" there"},"finish_reason":"stop"}]}`
	body := ": keep-alive\n\ndata: " + c1 + "\n\ndata: " + c2 + "\n\n"

	var out bytes.Buffer
	tr, err := passthrough(newEventReader(strings.NewReader(body)), newEmitter(&out, "local/llama3"))
	if err != nil {
		t.Fatal(err)
	}
	want := "data: " + c1 + "\n\ndata: " + c2 + "\n\ndata: [DONE]\n\n"
	if out.String() != want {
		t.Errorf("output:\n%s\nwant:\n%s", out.String(), want)
	}
	if tr.text.String() != "Hi there" {
		t.Errorf("accumulated text = %q", tr.text.String())
	}
}

func TestPassthroughSingleDone(t *testing.T) {
	body := "data: {\"choices\":[]}\n\ndata: [DONE]\n\n"
	var out bytes.Buffer
	if _, err := passthrough(newEventReader(strings.NewReader(body)), newEmitter(&out, "m")); err != nil {
		t.Fatal(err)
	}
	if strings.Count(out.String(), "[DONE]") != 1 {
		t.Errorf("expected exactly one [DONE], got %q", out.String())
	}
}

// serve runs Translator.Serve over a pipe and returns everything the client
// received.
func serve(t *testing.T, tr *Translator, req *llm.ChatRequest) string {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Serve(context.Background(), server, req, Meta{Client: "10.0.0.9", SessionID: "s1"})
	}()
	out, _ := io.ReadAll(client)
	_ = client.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	return string(out)
}

func chatRequest(model string) *llm.ChatRequest {
	return &llm.ChatRequest{
		Model:    model,
		Stream:   true,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: llm.TextContent("hello")}},
	}
}

func TestServeAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("upstream request should ask for a stream: %v", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sse(
			`{"type":"message_start","message":{}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hey"}}`,
			`{"type":"message_stop"}`,
		))
	}))
	defer srv.Close()

	observed := make(chan Exchange, 1)
	tr := New(&llm.Registry{Anthropic: llm.NewAnthropic(srv.URL, "k")},
		ObserverFunc(func(_ context.Context, ex Exchange) { observed <- ex }))

	out := serve(t, tr, chatRequest("claude-sonnet-4-5"))
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") || !strings.Contains(out, "text/event-stream") {
		t.Fatalf("unexpected head: %q", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatalf("stream not terminated: %q", out)
	}

	select {
	case ex := <-observed:
		if ex.Reply != "Hey" || ex.Prompt != "hello" || ex.Backend != "anthropic" || ex.SessionID != "s1" {
			t.Errorf("exchange = %+v", ex)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer not called")
	}
}

func TestServeUpstreamRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	tr := New(&llm.Registry{OpenAI: llm.NewOpenAI(srv.URL, "k")})
	out := serve(t, tr, chatRequest("gpt-4o"))
	if !strings.HasPrefix(out, "HTTP/1.1 500 ") {
		t.Fatalf("expected a plain 500 response, got %q", out)
	}
	if strings.Contains(out, "text/event-stream") {
		t.Fatal("no stream should start when the upstream rejects the request")
	}
	if !strings.Contains(out, "slow down") {
		t.Errorf("upstream message not surfaced: %q", out)
	}
}

func TestServeMidStreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, sse(
			`{"type":"message_start","message":{}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"par"}}`,
			`{"type":"error","error":{"type":"api_error","message":"upstream exploded"}}`,
		))
	}))
	defer srv.Close()

	tr := New(&llm.Registry{Anthropic: llm.NewAnthropic(srv.URL, "k")})
	payloads := frames(t, serve(t, tr, chatRequest("claude-x")))
	if len(payloads) < 2 || payloads[len(payloads)-1] != "[DONE]" {
		t.Fatalf("payloads = %v", payloads)
	}
	var env llm.ErrorResponse
	if err := json.Unmarshal([]byte(payloads[len(payloads)-2]), &env); err != nil || env.Error.Message != "upstream exploded" {
		t.Errorf("error frame = %q", payloads[len(payloads)-2])
	}
}

func TestServeUnknownModelFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req llm.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("fallback must use a buffered request")
		}
		_, _ = io.WriteString(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"buffered answer"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	tr := New(&llm.Registry{Local: llm.NewLocal(srv.URL, "")})
	payloads := frames(t, serve(t, tr, chatRequest("some-custom-model")))
	if len(payloads) != 2 || payloads[1] != "[DONE]" {
		t.Fatalf("expected one chunk and [DONE], got %v", payloads)
	}
	chunks := decodeChunks(t, payloads)
	if chunks[0].Choices[0].Delta.Content != "buffered answer" || chunks[0].Model != "some-custom-model" {
		t.Errorf("chunk = %+v", chunks[0])
	}
}

func TestServeClientDisconnectCancelsUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := New(&llm.Registry{OpenAI: llm.NewOpenAI(srv.URL, "k")})
	tr.heartbeat = 20 * time.Millisecond
	client, server := net.Pipe()
	go tr.Serve(context.Background(), server, chatRequest("gpt-4o"), Meta{})

	buf := make([]byte, 4096)
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("read head: %v", err)
	}
	_ = client.Close()

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not cancelled after the client left")
	}
}

func TestServeHalfClosedClientStillReceivesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(50 * time.Millisecond)
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hello\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close() //nolint:errcheck

	tr := New(&llm.Registry{OpenAI: llm.NewOpenAI(srv.URL, "k")})
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tr.Serve(context.Background(), conn, chatRequest("gpt-4o"), Meta{})
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close() //nolint:errcheck
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	raw, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(raw)
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected head: %q", out)
	}
	if !strings.Contains(out, "hello") || !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("half-closed client lost the stream: %q", out)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
