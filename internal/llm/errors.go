package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrUnknownBackend is returned when no configured backend serves a model.
var ErrUnknownBackend = errors.New("no backend configured for model")

// MaxErrorBody bounds how much of a failed upstream response is read.
const MaxErrorBody = 8 << 10

// UpstreamError is a non-success response or transport failure from a
// backend. Status is zero for transport failures.
type UpstreamError struct {
	Backend string
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Backend, e.Message)
	}
	return fmt.Sprintf("%s: upstream returned %d: %s", e.Backend, e.Status, e.Message)
}

// ExtractErrorMessage pulls a human-readable message out of the JSON error
// bodies vendors return:
//
//	{"error": {"message": "..."}}
//	{"error": "..."}
//	{"message": "..."}
//	{"detail": "..."}
//
// It returns "" when none of these shapes match.
func ExtractErrorMessage(body []byte) string {
	var shape struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return ""
	}
	if len(shape.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(shape.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var s string
		if err := json.Unmarshal(shape.Error, &s); err == nil && s != "" {
			return s
		}
	}
	if shape.Message != "" {
		return shape.Message
	}
	if len(shape.Detail) > 0 {
		var s string
		if err := json.Unmarshal(shape.Detail, &s); err == nil {
			return s
		}
		return string(shape.Detail)
	}
	return ""
}

// upstreamFailure drains at most MaxErrorBody bytes of a failed response and
// converts it to an *UpstreamError. The body is closed.
func upstreamFailure(backend string, resp *http.Response) error {
	defer resp.Body.Close() //nolint:errcheck
	body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBody))
	msg := ExtractErrorMessage(body)
	if msg == "" {
		msg = strings.TrimSpace(http.StatusText(resp.StatusCode))
	}
	return &UpstreamError{Backend: backend, Status: resp.StatusCode, Message: msg}
}

// transportFailure wraps a network error from a backend.
func transportFailure(backend string, err error) error {
	return &UpstreamError{Backend: backend, Message: err.Error()}
}

// ErrorMessage returns the message to show a client for err.
func ErrorMessage(err error) string {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Message
	}
	return err.Error()
}
