package llm

import (
	"context"
	"fmt"
	"strings"
)

// EchoGenerator is the offline provider. Report prompts get an empty body so
// the caller's template fallback takes over; anything else gets a short
// acknowledgement of the last user message. It never requests tools.
type EchoGenerator struct{}

func (EchoGenerator) Generate(_ context.Context, req Request) (*Response, error) {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if last == "" {
		return nil, ErrNoChoices
	}
	for _, m := range req.Messages {
		if m.Role == RoleSystem && strings.Contains(strings.ToLower(m.Content), "report") {
			return &Response{Model: "echo"}, nil
		}
	}
	return &Response{Content: fmt.Sprintf("You said: %s", last), Model: "echo"}, nil
}
