package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ScriptedInvoker replays canned stage responses in order. Each stage has
// its own queue; an empty queue is an error so tests fail loudly when a
// stage is called more often than scripted.
type ScriptedInvoker struct {
	mu      sync.Mutex
	queues  map[string][]scriptedStep
	Calls   map[string]int
	Prompts map[string][]string
}

type scriptedStep struct {
	raw json.RawMessage
	err error
}

func NewScripted() *ScriptedInvoker {
	return &ScriptedInvoker{
		queues:  make(map[string][]scriptedStep),
		Calls:   make(map[string]int),
		Prompts: make(map[string][]string),
	}
}

// Respond queues a JSON response for a stage.
func (s *ScriptedInvoker) Respond(stage, body string) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[stage] = append(s.queues[stage], scriptedStep{raw: json.RawMessage(body)})
	return s
}

// Fail queues an error for a stage.
func (s *ScriptedInvoker) Fail(stage string, err error) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[stage] = append(s.queues[stage], scriptedStep{err: err})
	return s
}

func (s *ScriptedInvoker) Invoke(ctx context.Context, stage, prompt string) (json.RawMessage, Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls[stage]++
	s.Prompts[stage] = append(s.Prompts[stage], prompt)

	q := s.queues[stage]
	if len(q) == 0 {
		return nil, Usage{}, fmt.Errorf("scripted invoker: no response queued for stage %s", stage)
	}
	step := q[0]
	s.queues[stage] = q[1:]
	if step.err != nil {
		return nil, Usage{LatencyMs: 1}, step.err
	}
	return step.raw, Usage{Tokens: 10, LatencyMs: 1}, nil
}
