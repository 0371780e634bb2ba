package stream

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/joestump/homegate/internal/llm"
)

// parts translates a Gemini stream. Each event is a whole candidate: text
// parts become one content delta and function calls are emitted complete,
// since this backend never fragments arguments. Gemini has no terminal
// event, so a single "stop" chunk follows the end of the body.
func parts(er *eventReader, e *emitter) (*transcript, error) {
	t := &transcript{}
	started := false
	nextIndex := 0

	for {
		ev, err := er.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return t, err
		}

		var envelope struct {
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(ev.data, &envelope) == nil && envelope.Error != nil {
			return t, &llm.UpstreamError{Backend: "gemini", Message: envelope.Error.Message}
		}
		var gr llm.GeminiResponse
		if err := json.Unmarshal(ev.data, &gr); err != nil {
			continue
		}

		if !started {
			started = true
			e.role()
		}
		text, calls := gr.Flatten()
		if text != "" {
			t.text.WriteString(text)
			e.text(text)
		}
		for _, tc := range calls {
			t.toolCalls = append(t.toolCalls, tc)
			e.toolCall(llm.ToolCallDelta{
				Index:    nextIndex,
				ID:       tc.ID,
				Type:     "function",
				Function: llm.FunctionDelta{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
			nextIndex++
		}
		if e.err != nil {
			return t, nil
		}
	}

	e.finish(llm.FinishStop)
	e.terminate()
	return t, nil
}
