package stream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/joestump/homegate/internal/llm"
)

// blockEvent is the union of the typed events an Anthropic stream carries.
// Fields absent from a given event type decode to their zero values.
type blockEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// toolSlot is the tool call currently being streamed.
type toolSlot struct {
	id   string
	name string
	args strings.Builder
}

// blockSession translates one Anthropic block-event stream. Tool calls get
// sequential canonical indexes in the order their blocks start; argument
// fragments are forwarded as they arrive and only concatenated here for the
// transcript.
type blockSession struct {
	e           *emitter
	t           *transcript
	toolIndex   int
	open        bool
	sawToolCall bool
	slots       []*toolSlot
}

func newBlockSession(e *emitter) *blockSession {
	return &blockSession{e: e, t: &transcript{}}
}

// block runs the state machine over the whole upstream body.
func block(er *eventReader, e *emitter) (*transcript, error) {
	s := newBlockSession(e)
	for {
		ev, err := er.Next()
		if errors.Is(err, io.EOF) {
			s.finishEarly()
			break
		}
		if err != nil {
			return s.transcript(), err
		}
		stop, err := s.handle(ev.data)
		if err != nil {
			return s.transcript(), err
		}
		if stop || e.err != nil {
			break
		}
	}
	e.terminate()
	return s.transcript(), nil
}

// finishEarly closes a stream that ended without message_stop so the
// client still sees a finish reason before [DONE].
func (s *blockSession) finishEarly() {
	if s.e.finished {
		return
	}
	if s.sawToolCall {
		s.e.finish(llm.FinishToolCalls)
	} else {
		s.e.finish(llm.FinishStop)
	}
}

// handle applies one event. It reports stop after message_stop.
func (s *blockSession) handle(data []byte) (stop bool, err error) {
	var ev blockEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return false, nil
	}

	switch ev.Type {
	case "message_start":
		s.e.role()

	case "content_block_start":
		if ev.ContentBlock.Type != "tool_use" {
			if ev.ContentBlock.Text != "" {
				s.t.text.WriteString(ev.ContentBlock.Text)
				s.e.text(ev.ContentBlock.Text)
			}
			return false, nil
		}
		s.open = true
		s.sawToolCall = true
		s.slots = append(s.slots, &toolSlot{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name})
		s.e.toolCall(llm.ToolCallDelta{
			Index:    s.toolIndex,
			ID:       ev.ContentBlock.ID,
			Type:     "function",
			Function: llm.FunctionDelta{Name: ev.ContentBlock.Name, Arguments: ""},
		})

	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			s.t.text.WriteString(ev.Delta.Text)
			s.e.text(ev.Delta.Text)
		case "input_json_delta":
			if !s.open {
				return false, nil
			}
			s.slots[len(s.slots)-1].args.WriteString(ev.Delta.PartialJSON)
			s.e.toolCall(llm.ToolCallDelta{
				Index:    s.toolIndex,
				Function: llm.FunctionDelta{Arguments: ev.Delta.PartialJSON},
			})
		}

	case "content_block_stop":
		if s.open {
			s.toolIndex++
			s.open = false
		}

	case "message_delta":
		if ev.Delta.StopReason == "tool_use" {
			s.e.finish(llm.FinishToolCalls)
		}

	case "message_stop":
		if s.sawToolCall {
			s.e.finish(llm.FinishToolCalls)
		} else {
			s.e.finish(llm.FinishStop)
		}
		return true, nil

	case "error":
		msg := ev.Error.Message
		if msg == "" {
			msg = ev.Error.Type
		}
		return true, &llm.UpstreamError{Backend: "anthropic", Message: msg}
	}
	return false, nil
}

func (s *blockSession) transcript() *transcript {
	s.t.toolCalls = s.t.toolCalls[:0]
	for _, slot := range s.slots {
		s.t.toolCalls = append(s.t.toolCalls, llm.ToolCall{
			ID:       slot.id,
			Type:     "function",
			Function: llm.FunctionCall{Name: slot.name, Arguments: slot.args.String()},
		})
	}
	return s.t
}
