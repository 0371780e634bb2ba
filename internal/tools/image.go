package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joestump/homegate/internal/access"
)

// ImageTimeout bounds one image generation call.
const ImageTimeout = 120 * time.Second

// Forwarder posts a body to an OpenAI-compatible endpoint.
type Forwarder interface {
	Forward(ctx context.Context, path, contentType string, body []byte, timeout time.Duration) ([]byte, string, error)
}

// GenerateImage is the generate_image tool. It calls the images endpoint
// of an OpenAI-compatible backend and returns the image URLs.
type GenerateImage struct {
	backend Forwarder
	model   string
}

func NewGenerateImage(backend Forwarder, model string) *GenerateImage {
	return &GenerateImage{backend: backend, model: model}
}

func (g *GenerateImage) Name() string           { return "generate_image" }
func (g *GenerateImage) Description() string    { return "Generate an image from a text prompt and return its URL" }
func (g *GenerateImage) MinLevel() access.Level { return access.ChatOnly }
func (g *GenerateImage) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "Description of the image"},
			"size": {"type": "string", "description": "Image size such as 1024x1024"}
		},
		"required": ["prompt"]
	}`)
}

func (g *GenerateImage) Execute(ctx context.Context, _ access.Level, args json.RawMessage) (string, error) {
	var params struct {
		Prompt string `json:"prompt"`
		Size   string `json:"size"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return "", err
	}
	if params.Prompt == "" {
		return "", errors.New("prompt is required")
	}
	if params.Size == "" {
		params.Size = "1024x1024"
	}

	req := map[string]any{"prompt": params.Prompt, "n": 1, "size": params.Size}
	if g.model != "" {
		req["model"] = g.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	data, _, err := g.backend.Forward(ctx, "/images/generations", "application/json", body, ImageTimeout)
	if err != nil {
		return "", fmt.Errorf("generate image: %w", err)
	}

	var resp struct {
		Data []struct {
			URL           string `json:"url"`
			B64JSON       string `json:"b64_json"`
			RevisedPrompt string `json:"revised_prompt"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parse image response: %w", err)
	}
	var lines []string
	for _, img := range resp.Data {
		switch {
		case img.URL != "":
			lines = append(lines, img.URL)
		case img.B64JSON != "":
			lines = append(lines, "data:image/png;base64,"+img.B64JSON)
		}
	}
	if len(lines) == 0 {
		return "", errors.New("no image returned")
	}
	return strings.Join(lines, "\n"), nil
}
