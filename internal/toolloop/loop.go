// Package toolloop answers buffered chat completions whose replies call
// built-in tools. It executes the calls, feeds the results back to the
// backend and repeats until the model answers without tool calls or the
// round limit is reached.
package toolloop

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/joestump/homegate/internal/access"
	"github.com/joestump/homegate/internal/llm"
)

const (
	// DefaultMaxRounds is the number of backend calls one request may make.
	DefaultMaxRounds = 5
	parallelCalls    = 4
)

// Completer is a backend answering buffered chat completions.
type Completer interface {
	Complete(ctx context.Context, req *llm.ChatRequest) (*llm.ChatCompletion, error)
}

// Executor runs built-in tools.
type Executor interface {
	IsBuiltin(name string) bool
	Definitions(level access.Level) []llm.Tool
	Execute(ctx context.Context, level access.Level, name, args string) (string, error)
}

// Result is the final completion and how it was reached.
type Result struct {
	Completion *llm.ChatCompletion
	Rounds     int
	Executed   []llm.ToolCall
}

// Loop runs the tool-call rounds for one request at a time; it holds no
// per-request state and is safe for concurrent use.
type Loop struct {
	exec      Executor
	maxRounds int
}

// New returns a Loop. maxRounds <= 0 uses DefaultMaxRounds.
func New(exec Executor, maxRounds int) *Loop {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Loop{exec: exec, maxRounds: maxRounds}
}

// Run sends req to backend with the built-in tools level grants merged in.
// A reply whose tool calls are all built-in is executed and the backend is
// called again with the results. A reply calling any tool the caller
// supplied is returned unmodified. When the round limit is reached the
// last reply is returned as-is.
func (l *Loop) Run(ctx context.Context, backend Completer, req *llm.ChatRequest, level access.Level) (*Result, error) {
	conv := req.Clone()
	callerTools := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		callerTools[t.Function.Name] = true
	}
	conv.Tools = MergeDefinitions(conv.Tools, l.exec.Definitions(level))

	res := &Result{}
	for res.Rounds < l.maxRounds {
		resp, err := backend.Complete(ctx, conv)
		res.Rounds++
		if err != nil {
			return nil, err
		}
		res.Completion = resp

		msg := resp.Message()
		if len(msg.ToolCalls) == 0 || !l.allBuiltin(msg.ToolCalls, callerTools) {
			return res, nil
		}
		if res.Rounds == l.maxRounds {
			log.Warn().Int("rounds", res.Rounds).Str("model", req.Model).Msg("tool round limit reached")
			return res, nil
		}

		results := l.executeAll(ctx, level, msg.ToolCalls)
		conv.Messages = append(conv.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
		})
		for i, tc := range msg.ToolCalls {
			conv.Messages = append(conv.Messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
				Content:    llm.TextContent(results[i]),
			})
		}
		res.Executed = append(res.Executed, msg.ToolCalls...)
	}
	return res, nil
}

func (l *Loop) allBuiltin(calls []llm.ToolCall, callerTools map[string]bool) bool {
	for _, tc := range calls {
		name := tc.Function.Name
		if callerTools[name] || !l.exec.IsBuiltin(name) {
			return false
		}
	}
	return true
}

// executeAll runs calls concurrently. Results keep the order of calls; a
// failed call yields an "error: ..." result instead of aborting the round.
func (l *Loop) executeAll(ctx context.Context, level access.Level, calls []llm.ToolCall) []string {
	results := make([]string, len(calls))
	var g errgroup.Group
	g.SetLimit(parallelCalls)
	for i, tc := range calls {
		g.Go(func() error {
			out, err := l.exec.Execute(ctx, level, tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				log.Debug().Err(err).Str("tool", tc.Function.Name).Msg("tool call failed")
				out = fmt.Sprintf("error: %v", err)
			}
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// MergeDefinitions appends the built-in definitions whose names the caller
// did not already declare.
func MergeDefinitions(callerTools, builtin []llm.Tool) []llm.Tool {
	seen := make(map[string]bool, len(callerTools))
	for _, t := range callerTools {
		seen[t.Function.Name] = true
	}
	out := callerTools
	for _, t := range builtin {
		if seen[t.Function.Name] {
			continue
		}
		seen[t.Function.Name] = true
		out = append(out, t)
	}
	return out
}
