// Package stream answers streaming chat completions. It opens the upstream
// stream for the selected backend and re-emits every vendor format as
// canonical chat.completion.chunk events on the client's connection.
package stream

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/joestump/homegate/internal/llm"
	"github.com/joestump/homegate/internal/wire"
)

// Exchange is one completed request/reply pair handed to observers.
type Exchange struct {
	SessionID string
	Client    string
	Model     string
	Backend   string
	Prompt    string
	Reply     string
	ToolCalls []llm.ToolCall
	Streamed  bool
	Duration  time.Duration
}

// Observer is told about every completed exchange. Observers run detached
// from the request and must not assume the client is still connected.
type Observer interface {
	ObserveExchange(ctx context.Context, ex Exchange)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ex Exchange)

func (f ObserverFunc) ObserveExchange(ctx context.Context, ex Exchange) { f(ctx, ex) }

// Notify fans ex out to observers on a goroutine detached from ctx's
// cancellation. Exchanges with no reply text are dropped.
func Notify(ctx context.Context, observers []Observer, ex Exchange) {
	if ex.Reply == "" || len(observers) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		for _, o := range observers {
			o.ObserveExchange(ctx, ex)
		}
	}()
}

// Meta identifies who a stream is for.
type Meta struct {
	SessionID string
	Client    string
}

// Translator owns streamed chat completions from upstream request to the
// final [DONE].
type Translator struct {
	registry  *llm.Registry
	observers []Observer
	heartbeat time.Duration
}

// New returns a Translator selecting backends from registry.
func New(registry *llm.Registry, observers ...Observer) *Translator {
	return &Translator{registry: registry, observers: observers, heartbeat: DefaultHeartbeat}
}

// Serve answers req on conn and closes conn when done. Nothing is written
// until the upstream has accepted the request, so an upstream failure
// still gets an ordinary JSON error response. Once the event stream has
// started, failures are reported as an error frame followed by [DONE].
// A client that has gone away cancels the upstream read; one that only
// half-closed its side keeps receiving the stream.
func (t *Translator) Serve(ctx context.Context, conn net.Conn, req *llm.ChatRequest, meta Meta) {
	start := time.Now()
	ctx, peer := WatchPeer(ctx, conn)
	defer peer.Close() //nolint:errcheck

	route, err := t.registry.Route(req.Model)
	if err != nil {
		writeResponse(peer, ErrorResponse(http.StatusInternalServerError, err.Error(), "invalid_request_error"))
		return
	}
	upstream := req.Clone()
	upstream.Model = route.Model

	logger := log.With().Str("client", meta.Client).Str("model", req.Model).Str("backend", route.Backend.Name()).Logger()

	var tr *transcript
	if !route.Stream {
		tr, err = t.fallback(ctx, peer, route.Backend, upstream, req.Model)
		if err != nil {
			logger.Warn().Err(err).Msg("fallback completion failed")
			return
		}
	} else {
		body, err := route.Backend.OpenStream(ctx, upstream)
		if err != nil {
			logger.Warn().Err(err).Msg("upstream stream rejected")
			writeResponse(peer, ErrorResponse(http.StatusInternalServerError, llm.ErrorMessage(err), "upstream_error"))
			return
		}
		defer body.Close() //nolint:errcheck

		if _, err := peer.Write(wire.StreamHeaders()); err != nil {
			return
		}
		go peer.Heartbeat(ctx, t.heartbeat)
		e := newEmitter(peer, req.Model)
		tr, err = translate(route.Backend.Format(), newEventReader(body), e)
		switch {
		case e.err != nil || ctx.Err() != nil:
			logger.Debug().Msg("client went away mid-stream")
		case err != nil:
			logger.Warn().Err(err).Msg("upstream failed mid-stream")
			e.failure(llm.ErrorMessage(err))
			e.terminate()
		}
	}

	ex := Exchange{
		SessionID: meta.SessionID,
		Client:    meta.Client,
		Model:     req.Model,
		Backend:   route.Backend.Name(),
		Prompt:    req.LastUserText(),
		Streamed:  true,
		Duration:  time.Since(start),
	}
	if tr != nil {
		ex.Reply = tr.text.String()
		ex.ToolCalls = tr.toolCalls
	}
	logger.Info().Dur("duration", ex.Duration).Int("reply_bytes", len(ex.Reply)).Msg("stream complete")
	Notify(ctx, t.observers, ex)
}

func translate(format llm.Format, er *eventReader, e *emitter) (*transcript, error) {
	switch format {
	case llm.FormatBlock:
		return block(er, e)
	case llm.FormatParts:
		return parts(er, e)
	default:
		return passthrough(er, e)
	}
}

// fallback answers a streaming request with a buffered round trip, wrapped
// as a single chunk followed by [DONE].
func (t *Translator) fallback(ctx context.Context, w io.Writer, b llm.Backend, req *llm.ChatRequest, model string) (*transcript, error) {
	resp, err := b.Complete(ctx, req)
	if err != nil {
		writeResponse(w, ErrorResponse(http.StatusInternalServerError, llm.ErrorMessage(err), "upstream_error"))
		return nil, err
	}
	msg := resp.Message()
	finish := llm.FinishStop
	if len(resp.Choices) > 0 && resp.Choices[0].FinishReason != "" {
		finish = resp.Choices[0].FinishReason
	}

	if _, err := w.Write(wire.StreamHeaders()); err != nil {
		return nil, err
	}
	e := newEmitter(w, model)
	delta := llm.Delta{Role: llm.RoleAssistant, Content: msg.Content.String()}
	for i, tc := range msg.ToolCalls {
		delta.ToolCalls = append(delta.ToolCalls, llm.ToolCallDelta{
			Index:    i,
			ID:       tc.ID,
			Type:     "function",
			Function: llm.FunctionDelta{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	e.chunk(delta, finish)
	e.terminate()

	tr := &transcript{toolCalls: msg.ToolCalls}
	tr.text.WriteString(msg.Content.String())
	return tr, e.err
}

// ErrorResponse builds an OpenAI-style error response.
func ErrorResponse(status int, msg, typ string) *wire.Response {
	return wire.JSON(status, llm.ErrorResponse{Error: llm.ErrorDetail{Message: msg, Type: typ}})
}

func writeResponse(w io.Writer, resp *wire.Response) {
	if _, err := w.Write(wire.Serialize(resp)); err != nil {
		log.Debug().Err(err).Msg("write error response")
	}
}
