package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Response is built once by a handler and serialised once by the acceptor.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Header returns the named response header using a case-insensitive lookup.
func (r *Response) Header(name string) string {
	return lookup(r.Headers, name)
}

// Serialize renders the response as HTTP/1.1 bytes. Content-Length always
// reflects the body; Connection and Access-Control-Allow-Origin are added
// when the handler did not set them.
func Serialize(r *Response) []byte {
	headers := make(map[string]string, len(r.Headers)+3)
	for k, v := range r.Headers {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		headers[k] = v
	}
	headers["Content-Length"] = strconv.Itoa(len(r.Body))
	if lookup(headers, "Connection") == "" {
		headers["Connection"] = "close"
	}
	if lookup(headers, "Access-Control-Allow-Origin") == "" {
		headers["Access-Control-Allow-Origin"] = "*"
	}

	var buf bytes.Buffer
	buf.Grow(128 + len(r.Body))
	writeStatusLine(&buf, r.Status)
	writeHeaders(&buf, headers)
	buf.Write(r.Body)
	return buf.Bytes()
}

// StreamHeaders is the response head sent before the first SSE frame. It
// carries no Content-Length; the stream ends when the connection closes.
func StreamHeaders() []byte {
	var buf bytes.Buffer
	writeStatusLine(&buf, http.StatusOK)
	writeHeaders(&buf, map[string]string{
		"Content-Type":                 "text/event-stream",
		"Cache-Control":                "no-cache",
		"Connection":                   "keep-alive",
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Headers": "Authorization, Content-Type",
		"X-Accel-Buffering":            "no",
	})
	return buf.Bytes()
}

// Frame wraps one JSON payload as an SSE data event.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	return append(out, "\n\n"...)
}

// Done is the terminal SSE event of every chat stream.
func Done() []byte {
	return []byte("data: [DONE]\n\n")
}

// JSON builds a response with v encoded as the body.
func JSON(status int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return Error(http.StatusInternalServerError, "failed to encode response")
	}
	return &Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}

// Error builds the gateway's standard {"error": "..."} body.
func Error(status int, msg string) *Response {
	return JSON(status, map[string]string{"error": msg})
}

// Text builds a plain text response.
func Text(status int, body string) *Response {
	return &Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:    []byte(body),
	}
}

// HTML builds an HTML page response.
func HTML(status int, body []byte) *Response {
	return &Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "text/html; charset=utf-8"},
		Body:    body,
	}
}

// Binary builds a response with an arbitrary content type, such as audio.
func Binary(status int, contentType string, body []byte) *Response {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": contentType},
		Body:    body,
	}
}

// Preflight answers a CORS OPTIONS request.
func Preflight() *Response {
	return &Response{
		Status: http.StatusNoContent,
		Headers: map[string]string{
			"Access-Control-Allow-Origin":  "*",
			"Access-Control-Allow-Methods": "GET, POST, DELETE, OPTIONS",
			"Access-Control-Allow-Headers": "Authorization, Content-Type",
			"Access-Control-Max-Age":       "86400",
		},
	}
}

func writeStatusLine(buf *bytes.Buffer, status int) {
	text := http.StatusText(status)
	if text == "" {
		text = "Status"
	}
	fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\n", status, text)
}

func writeHeaders(buf *bytes.Buffer, headers map[string]string) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, "%s: %s\r\n", k, headers[k])
	}
	buf.WriteString("\r\n")
}
