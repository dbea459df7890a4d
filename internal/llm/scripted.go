package llm

import (
	"context"
	"sync"
)

// Step is one scripted reply: a response or an error.
type Step struct {
	Response *Response
	Err      error
}

// ScriptedGenerator replays Steps in order and records every request. Once the
// script is exhausted the last step repeats. It is safe for concurrent use.
type ScriptedGenerator struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	requests []Request
}

// NewScripted builds a generator from steps.
func NewScripted(steps ...Step) *ScriptedGenerator {
	return &ScriptedGenerator{steps: steps}
}

// Reply is shorthand for a text-only step.
func Reply(content string) Step {
	return Step{Response: &Response{Content: content}}
}

// Fail is shorthand for a failing step.
func Fail(err error) Step {
	return Step{Err: err}
}

// CallTools is shorthand for a step requesting tool calls.
func CallTools(calls ...ToolCall) Step {
	return Step{Response: &Response{ToolCalls: calls}}
}

func (s *ScriptedGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.steps) == 0 {
		return nil, ErrNoChoices
	}
	idx := s.next
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	} else {
		s.next++
	}
	step := s.steps[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	cp := *step.Response
	return &cp, nil
}

// Requests returns a copy of the recorded requests.
func (s *ScriptedGenerator) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls returns how many requests were made.
func (s *ScriptedGenerator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
