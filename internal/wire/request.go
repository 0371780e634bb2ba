// Package wire parses raw HTTP/1.1 request bytes read off a socket and
// serialises responses back to bytes, including the SSE framing used by
// streamed chat completions.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ErrMalformed is returned when a buffer cannot be parsed as an HTTP request.
var ErrMalformed = errors.New("malformed request")

// maxChunkSize bounds a single chunk of a chunked body.
const maxChunkSize = 1 << 30

// Request is one parsed HTTP request. It is not modified after Parse.
type Request struct {
	Method  string
	Path    string
	Query   string
	Headers map[string]string
	Body    []byte
}

// Header returns the value of the named header using a case-insensitive lookup.
func (r *Request) Header(name string) string {
	return lookup(r.Headers, name)
}

// QueryValue returns the first value of key in the query string.
func (r *Request) QueryValue(key string) string {
	values, err := url.ParseQuery(r.Query)
	if err != nil {
		return ""
	}
	return values.Get(key)
}

// BearerToken returns the token from an "Authorization: Bearer" header, or "".
func (r *Request) BearerToken() string {
	auth := r.Header("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// Bytes re-serialises the request. Parse(r.Bytes()) yields an equivalent
// request. Headers are written in sorted order and Content-Length is
// rewritten to match the body.
func (r *Request) Bytes() []byte {
	var buf bytes.Buffer
	target := r.Path
	if r.Query != "" {
		target += "?" + r.Query
	}
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", r.Method, target)

	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		if strings.EqualFold(k, "Content-Length") || strings.EqualFold(k, "Transfer-Encoding") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, r.Headers[k])
	}
	if len(r.Body) > 0 {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(r.Body))
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}

// Parse splits raw request bytes into a Request. The body is whatever
// follows the blank line; a chunked body is decoded.
func Parse(data []byte) (*Request, error) {
	head, body, ok := splitHead(data)
	if !ok {
		return nil, fmt.Errorf("%w: no header terminator", ErrMalformed)
	}

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	parts := strings.Fields(lines[0])
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: bad request line %q", ErrMalformed, lines[0])
	}

	req := &Request{
		Method:  strings.ToUpper(parts[0]),
		Headers: make(map[string]string, len(lines)-1),
	}
	req.Path, req.Query, _ = strings.Cut(parts[1], "?")
	if !strings.HasPrefix(req.Path, "/") {
		return nil, fmt.Errorf("%w: bad request target %q", ErrMalformed, parts[1])
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		req.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	if isChunked(req.Headers) {
		decoded, complete, err := decodeChunked(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !complete {
			return nil, fmt.Errorf("%w: truncated chunked body", ErrMalformed)
		}
		body = decoded
	}
	if len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req, nil
}

// IsComplete reports whether data holds a whole request: the headers have
// arrived and either the method carries no body, the declared
// Content-Length has been satisfied, or a chunked body has terminated. A
// body method without Content-Length is treated as complete, and so is a
// chunked body that can never decode, leaving Parse to reject it.
func IsComplete(data []byte) bool {
	head, body, ok := splitHead(data)
	if !ok {
		return false
	}
	lineEnd := bytes.IndexByte(head, '\n')
	if lineEnd < 0 {
		lineEnd = len(head)
	}
	method, _, _ := strings.Cut(strings.TrimSpace(string(head[:lineEnd])), " ")
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS", "DELETE":
		return true
	}

	headers := make(map[string]string)
	for _, line := range strings.Split(string(head[lineEnd:]), "\n") {
		k, v, found := strings.Cut(strings.TrimSpace(line), ":")
		if found {
			headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}

	if isChunked(headers) {
		_, complete, err := decodeChunked(body)
		return complete || err != nil
	}
	cl := lookup(headers, "Content-Length")
	if cl == "" {
		return true
	}
	n, err := strconv.Atoi(cl)
	if err != nil || n < 0 {
		return true
	}
	return len(body) >= n
}

// ContentLength returns the declared Content-Length of a partially received
// request, or -1 when it is not known yet.
func ContentLength(data []byte) int {
	head, _, ok := splitHead(data)
	if !ok {
		return -1
	}
	for _, line := range strings.Split(string(head), "\n") {
		k, v, found := strings.Cut(strings.TrimSpace(line), ":")
		if found && strings.EqualFold(strings.TrimSpace(k), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return -1
			}
			return n
		}
	}
	return -1
}

func splitHead(data []byte) (head, body []byte, ok bool) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i], data[i+4:], true
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return data[:i], data[i+2:], true
	}
	return nil, nil, false
}

func isChunked(headers map[string]string) bool {
	return strings.Contains(strings.ToLower(lookup(headers, "Transfer-Encoding")), "chunked")
}

// decodeChunked decodes a chunked transfer-encoded body. complete is false
// until the zero-size terminating chunk has been received; err reports a
// size line that no further data can fix.
func decodeChunked(data []byte) (body []byte, complete bool, err error) {
	var out []byte
	for {
		lineEnd := bytes.Index(data, []byte("\r\n"))
		if lineEnd < 0 {
			return nil, false, nil
		}
		sizeField, _, _ := strings.Cut(string(data[:lineEnd]), ";")
		size, perr := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		switch {
		case perr != nil || size < 0:
			return nil, false, fmt.Errorf("bad chunk size %q", sizeField)
		case size > maxChunkSize:
			return nil, false, fmt.Errorf("chunk of %d bytes exceeds limit", size)
		}
		data = data[lineEnd+2:]
		if size == 0 {
			return out, true, nil
		}
		if size > int64(len(data))-2 {
			return nil, false, nil
		}
		out = append(out, data[:size]...)
		data = data[size+2:]
	}
}

func lookup(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
