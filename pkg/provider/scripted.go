package provider

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pario-ai/arena/pkg/models"
)

// Script describes the behaviour of a Scripted adapter.
type Script struct {
	// Tokens are emitted in order, one per Next.
	Tokens []string
	// Echo emits the words of the last request message instead of Tokens.
	Echo bool
	// Delay is waited before each increment.
	Delay time.Duration
	// StartErr fails StartCall itself.
	StartErr error
	// Err is returned after all tokens were emitted.
	Err error
	// Hang blocks after the last token until the call is cancelled.
	Hang bool
	// Usage overrides the reported usage.
	Usage *models.Usage
}

// Scripted is an in-process adapter that plays back a Script. It stands in
// for real backends in tests and local demos.
type Scripted struct {
	name   string
	model  string
	script Script

	mu        sync.Mutex
	requests  []Request
	cancelled atomic.Int32
}

// NewScripted creates a Scripted adapter.
func NewScripted(name string, script Script) *Scripted {
	return &Scripted{name: name, model: name + "-scripted", script: script}
}

func (s *Scripted) Name() string  { return s.name }
func (s *Scripted) Model() string { return s.model }

// Requests returns every request StartCall received.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Cancelled returns how many calls observed cancellation of their context.
func (s *Scripted) Cancelled() int {
	return int(s.cancelled.Load())
}

// StartCall records req and returns a call playing the script.
func (s *Scripted) StartCall(ctx context.Context, req Request) (Call, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.script.StartErr != nil {
		return nil, s.script.StartErr
	}

	tokens := append([]string(nil), s.script.Tokens...)
	if s.script.Echo && len(req.Messages) > 0 {
		for _, w := range strings.Fields(req.Messages[len(req.Messages)-1].Content) {
			tokens = append(tokens, w+" ")
		}
	}

	input := 0
	for _, m := range req.Messages {
		input += len(strings.Fields(m.Content))
	}
	return &scriptedCall{owner: s, ctx: ctx, tokens: tokens, input: input}, nil
}

type scriptedCall struct {
	owner  *Scripted
	ctx    context.Context
	tokens []string
	input  int
	pos    int
}

func (c *scriptedCall) wait(d time.Duration) error {
	if d <= 0 {
		if err := c.ctx.Err(); err != nil {
			c.owner.cancelled.Add(1)
			return err
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		c.owner.cancelled.Add(1)
		return c.ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *scriptedCall) Next() (string, error) {
	script := c.owner.script
	if c.pos < len(c.tokens) {
		if err := c.wait(script.Delay); err != nil {
			return "", err
		}
		tok := c.tokens[c.pos]
		c.pos++
		return tok, nil
	}
	if script.Err != nil {
		return "", script.Err
	}
	if script.Hang {
		<-c.ctx.Done()
		c.owner.cancelled.Add(1)
		return "", c.ctx.Err()
	}
	return "", io.EOF
}

func (c *scriptedCall) Usage() models.Usage {
	if u := c.owner.script.Usage; u != nil {
		return *u
	}
	return models.Usage{InputTokens: c.input, OutputTokens: c.pos}
}

func (c *scriptedCall) Close() error { return nil }
