package stream

import (
	"encoding/json"
	"io"
	"time"

	"github.com/joestump/homegate/internal/llm"
	"github.com/joestump/homegate/internal/wire"
)

// emitter writes canonical SSE frames to the downstream connection. After
// the first failed write every call is a no-op and err reports the failure.
type emitter struct {
	w       io.Writer
	id      string
	model   string
	created int64
	err      error
	finished bool
	done     bool
}

func newEmitter(w io.Writer, model string) *emitter {
	return &emitter{
		w:       w,
		id:      llm.NewCompletionID(),
		model:   model,
		created: time.Now().Unix(),
	}
}

func (e *emitter) write(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

// raw forwards an upstream payload as-is.
func (e *emitter) raw(payload []byte) {
	e.write(wire.Frame(payload))
}

func (e *emitter) chunk(delta llm.Delta, finish string) {
	c := llm.Chunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []llm.ChunkChoice{{Delta: delta}},
	}
	if finish != "" {
		c.Choices[0].FinishReason = &finish
	}
	payload, err := json.Marshal(c)
	if err != nil {
		e.err = err
		return
	}
	e.raw(payload)
}

func (e *emitter) role() {
	e.chunk(llm.Delta{Role: llm.RoleAssistant}, "")
}

func (e *emitter) text(s string) {
	e.chunk(llm.Delta{Content: s}, "")
}

func (e *emitter) toolCall(tc llm.ToolCallDelta) {
	e.chunk(llm.Delta{ToolCalls: []llm.ToolCallDelta{tc}}, "")
}

func (e *emitter) finish(reason string) {
	e.finished = true
	e.chunk(llm.Delta{}, reason)
}

// failure reports a mid-stream error in the OpenAI error envelope. The
// response status is already sent, so this is the only signal left.
func (e *emitter) failure(msg string) {
	payload, err := json.Marshal(llm.ErrorResponse{Error: llm.ErrorDetail{Message: msg, Type: "upstream_error"}})
	if err != nil {
		return
	}
	e.raw(payload)
}

// terminate writes [DONE] once.
func (e *emitter) terminate() {
	if e.done {
		return
	}
	e.done = true
	e.write(wire.Done())
}
