// Package api holds the static assets the gateway serves: the chat page,
// its markdown help text, and the OpenAPI description of the HTTP surface.
package api

import _ "embed"

// ChatPage is the html/template for the browser chat page served at /chat.
//
//go:embed chat.html
var ChatPage string

// ChatHelp is rendered to HTML with goldmark and inlined into ChatPage.
//
//go:embed chat.md
var ChatHelp []byte

// OpenAPISpec describes every gateway route, served at /v1/openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
