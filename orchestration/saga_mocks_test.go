package orchestration

import (
	"context"
	"sync"

	"github.com/itsneelabh/gosaga/core"
)

// fakeInvoker scripts per-tool outcomes in FIFO order and records every
// call. An unscripted tool succeeds with an empty output.
type fakeInvoker struct {
	mu        sync.Mutex
	responses map[string][]invokeOutcome
	calls     []invocation
}

type invocation struct {
	Tool   string
	Params map[string]interface{}
}

type invokeOutcome struct {
	result *ToolResult
	err    error
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{responses: make(map[string][]invokeOutcome)}
}

func (f *fakeInvoker) respond(tool string, result *ToolResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[tool] = append(f.responses[tool], invokeOutcome{result: result, err: err})
}

func (f *fakeInvoker) Invoke(ctx context.Context, tool string, params map[string]interface{}) (*ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	copied := make(map[string]interface{}, len(params))
	for k, v := range params {
		copied[k] = v
	}
	f.calls = append(f.calls, invocation{Tool: tool, Params: copied})

	queue := f.responses[tool]
	if len(queue) == 0 {
		return &ToolResult{Success: true, Output: map[string]interface{}{}}, nil
	}
	next := queue[0]
	f.responses[tool] = queue[1:]
	return next.result, next.err
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeInvoker) callsFor(tool string) []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []invocation
	for _, call := range f.calls {
		if call.Tool == tool {
			out = append(out, call)
		}
	}
	return out
}

func (f *fakeInvoker) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	order := make([]string, len(f.calls))
	for i, call := range f.calls {
		order[i] = call.Tool
	}
	return order
}

var _ ToolInvoker = (*fakeInvoker)(nil)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) eventsOf(eventType EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

var _ EventPublisher = (*capturePublisher)(nil)

// scriptedAI returns canned completions in order and records prompts.
type scriptedAI struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
}

func (a *scriptedAI) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.prompts = append(a.prompts, prompt)
	if a.err != nil {
		return nil, a.err
	}
	if len(a.responses) == 0 {
		return &core.AIResponse{Content: "{}"}, nil
	}
	content := a.responses[0]
	a.responses = a.responses[1:]
	return &core.AIResponse{
		Content: content,
		Usage:   core.TokenUsage{PromptTokens: 50, CompletionTokens: 20, TotalTokens: 70},
	}, nil
}

var _ core.AIClient = (*scriptedAI)(nil)
