package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joestump/homegate/api"
	"github.com/joestump/homegate/internal/access"
	"github.com/joestump/homegate/internal/pairing"
	"github.com/joestump/homegate/internal/wire"
)

func renderChatPage(defaultModel string) ([]byte, error) {
	tmpl, err := template.New("chat").Parse(api.ChatPage)
	if err != nil {
		return nil, fmt.Errorf("parse chat page: %w", err)
	}
	gm := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var help bytes.Buffer
	if err := gm.Convert(api.ChatHelp, &help); err != nil {
		return nil, fmt.Errorf("render chat help: %w", err)
	}
	if defaultModel == "" {
		defaultModel = "local/llama3.2"
	}
	var page bytes.Buffer
	err = tmpl.Execute(&page, map[string]any{
		"Help":         template.HTML(help.String()), //nolint:gosec // rendered from an embedded file
		"DefaultModel": defaultModel,
	})
	if err != nil {
		return nil, fmt.Errorf("execute chat page: %w", err)
	}
	return page.Bytes(), nil
}

func (r *Router) health(c *call) *wire.Response {
	return wire.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "homegate",
		"version": r.deps.Version,
		"uptime":  int64(time.Since(r.started).Seconds()),
	})
}

func (r *Router) chat(*call) *wire.Response {
	return wire.HTML(http.StatusOK, r.chatPage)
}

func (r *Router) openAPI(*call) *wire.Response {
	return wire.Binary(http.StatusOK, "application/yaml", api.OpenAPISpec)
}

func levelBody(l access.Level) map[string]any {
	return map[string]any{"level": int(l), "name": l.String()}
}

func (r *Router) level(c *call) *wire.Response {
	return wire.JSON(http.StatusOK, levelBody(c.level))
}

func (r *Router) pairStart(c *call) *wire.Response {
	if r.deps.Pairing == nil {
		return wire.Error(http.StatusNotFound, "pairing is not enabled")
	}
	p, err := r.deps.Pairing.Start(c.client)
	if errors.Is(err, pairing.ErrTooManyPending) {
		return wire.Error(http.StatusTooManyRequests, err.Error())
	}
	if err != nil {
		logHandlerError(c, err, "start pairing")
		return wire.Error(http.StatusInternalServerError, "could not start pairing")
	}
	return wire.JSON(http.StatusOK, p)
}

type verifyRequest struct {
	PairingID  string `json:"pairing_id"`
	Code       string `json:"code"`
	DeviceName string `json:"device_name"`
}

func (r *Router) pairVerify(c *call) *wire.Response {
	if r.deps.Pairing == nil {
		return wire.Error(http.StatusNotFound, "pairing is not enabled")
	}
	var body verifyRequest
	if resp := decodeBody(c, &body); resp != nil {
		return resp
	}
	if body.PairingID == "" || body.Code == "" {
		return wire.Error(http.StatusBadRequest, "pairing_id and code are required")
	}
	token, deviceID, err := r.deps.Pairing.Verify(body.PairingID, body.Code, body.DeviceName, c.client)
	switch {
	case errors.Is(err, pairing.ErrUnknownPairing), errors.Is(err, pairing.ErrBadCode):
		r.record(c, access.Off, false, err.Error())
		return wire.Error(http.StatusUnauthorized, err.Error())
	case err != nil:
		logHandlerError(c, err, "verify pairing")
		return wire.Error(http.StatusInternalServerError, "could not complete pairing")
	}
	r.record(c, access.Off, true, "paired device "+deviceID)
	return wire.JSON(http.StatusOK, map[string]string{"token": token, "device_id": deviceID})
}

type levelRequest struct {
	Level json.RawMessage `json:"level"`
}

// controlLevel changes the global level. It sits before the kill switch so
// that Off can be undone. Paired devices may only lower the level.
func (r *Router) controlLevel(c *call) *wire.Response {
	var body levelRequest
	if resp := decodeBody(c, &body); resp != nil {
		return resp
	}
	if len(body.Level) == 0 {
		return wire.Error(http.StatusBadRequest, "level is required")
	}
	raw := string(body.Level)
	if s, err := strconv.Unquote(raw); err == nil {
		raw = s
	}
	next, err := access.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		return wire.Error(http.StatusBadRequest, err.Error())
	}

	current := r.deps.Level.Get()
	if c.device != "" && next > current {
		detail := fmt.Sprintf("device may not raise level %s to %s", current, next)
		return r.deny(c, next, http.StatusForbidden, detail)
	}
	prev := r.deps.Level.Set(next)
	r.record(c, next, true, fmt.Sprintf("level %s -> %s", prev, next))
	log.Warn().Str("client", c.identity()).Str("from", prev.String()).Str("to", next.String()).Msg("access level changed")

	resp := levelBody(next)
	resp["previous"] = prev.String()
	return wire.JSON(http.StatusOK, resp)
}

// decodeBody unmarshals the request body into v, returning a 400 response
// when it cannot.
func decodeBody(c *call, v any) *wire.Response {
	if len(c.req.Body) == 0 {
		return wire.Error(http.StatusBadRequest, "request body is required")
	}
	if err := json.Unmarshal(c.req.Body, v); err != nil {
		return wire.Error(http.StatusBadRequest, "invalid JSON body: "+err.Error())
	}
	return nil
}
