package stream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/joestump/homegate/internal/llm"
)

// transcript is what a finished stream produced, for observers.
type transcript struct {
	text      strings.Builder
	toolCalls []llm.ToolCall
}

// passthrough forwards an OpenAI-compatible stream. Every data payload is
// written downstream unchanged; content deltas are decoded on the side so
// the reply text can be logged.
func passthrough(er *eventReader, e *emitter) (*transcript, error) {
	t := &transcript{}
	calls := make(map[int]*llm.ToolCall)
	var order []int

	for {
		ev, err := er.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return t, err
		}
		if isDone(ev.data) {
			break
		}

		e.raw(ev.data)
		if e.err != nil {
			return t, nil
		}

		var c llm.Chunk
		if json.Unmarshal(ev.data, &c) != nil {
			continue
		}
		for _, choice := range c.Choices {
			t.text.WriteString(choice.Delta.Content)
			for _, d := range choice.Delta.ToolCalls {
				tc, ok := calls[d.Index]
				if !ok {
					tc = &llm.ToolCall{Type: "function"}
					calls[d.Index] = tc
					order = append(order, d.Index)
				}
				if d.ID != "" {
					tc.ID = d.ID
				}
				if d.Function.Name != "" {
					tc.Function.Name = d.Function.Name
				}
				tc.Function.Arguments += d.Function.Arguments
			}
		}
	}

	for _, i := range order {
		t.toolCalls = append(t.toolCalls, *calls[i])
	}
	e.terminate()
	return t, nil
}
