package mux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/models"
	"github.com/pario-ai/arena/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.MuxConfig {
	return config.MuxConfig{GracePeriod: 200 * time.Millisecond, BufferSize: 8}
}

func scriptedSource(a *provider.Scripted, timeout time.Duration) Source {
	return Source{
		Name:    a.Name(),
		Timeout: timeout,
		Start: func(ctx context.Context) (provider.Call, error) {
			return a.StartCall(ctx, provider.Request{Messages: []provider.Message{{Role: "user", Content: "q"}}})
		},
	}
}

func collect(t *testing.T, ch <-chan models.Envelope) []models.Envelope {
	t.Helper()
	var out []models.Envelope
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("merged stream did not close")
			return nil
		}
	}
}

func bySource(envs []models.Envelope) map[string][]models.Envelope {
	m := make(map[string][]models.Envelope)
	for _, e := range envs {
		if e.Kind == models.KindHeartbeat {
			continue
		}
		m[e.Source] = append(m[e.Source], e)
	}
	return m
}

func assertWellFormed(t *testing.T, envs []models.Envelope) {
	t.Helper()
	for src, list := range bySource(envs) {
		require.NotEmpty(t, list, src)
		for i, e := range list {
			assert.Equal(t, i, e.Seq, "%s: sequence must start at 0 and be gap-free", src)
			if i < len(list)-1 {
				assert.False(t, e.Kind.Terminal(), "%s: terminal before end of stream", src)
			}
		}
		assert.True(t, list[len(list)-1].Kind.Terminal(), "%s: missing terminal", src)
	}
}

func tokens(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "t"
	}
	return out
}

func TestRunMergesSources(t *testing.T) {
	a := provider.NewScripted("a", provider.Script{Tokens: tokens(5), Delay: time.Millisecond})
	b := provider.NewScripted("b", provider.Script{Tokens: tokens(9)})

	m := New(testConfig())
	envs := collect(t, m.Run(context.Background(), []Source{scriptedSource(a, 0), scriptedSource(b, 0)}))

	assertWellFormed(t, envs)
	got := bySource(envs)
	require.Len(t, got["a"], 6)
	require.Len(t, got["b"], 10)
	assert.Equal(t, models.KindDone, got["a"][5].Kind)
	require.NotNil(t, got["b"][9].Usage)
	assert.Equal(t, 9, got["b"][9].Usage.OutputTokens)
}

func TestFastFailureDoesNotAbortSibling(t *testing.T) {
	a := provider.NewScripted("a", provider.Script{Err: provider.StatusError("a", 429, nil)})
	b := provider.NewScripted("b", provider.Script{Tokens: tokens(40), Delay: time.Millisecond})

	m := New(testConfig())
	envs := collect(t, m.Run(context.Background(), []Source{scriptedSource(a, 0), scriptedSource(b, 0)}))

	assertWellFormed(t, envs)
	got := bySource(envs)
	require.Len(t, got["a"], 1)
	assert.Equal(t, models.KindError, got["a"][0].Kind)
	assert.Equal(t, models.CauseRateLimited, got["a"][0].Cause)
	require.Len(t, got["b"], 41)
	assert.Equal(t, models.KindDone, got["b"][40].Kind)
}

func TestStartFailure(t *testing.T) {
	a := provider.NewScripted("a", provider.Script{StartErr: errors.New("dial refused")})
	m := New(testConfig())
	envs := collect(t, m.Run(context.Background(), []Source{scriptedSource(a, 0)}))

	require.Len(t, envs, 1)
	assert.Equal(t, models.KindError, envs[0].Kind)
	assert.Equal(t, models.CauseUpstreamError, envs[0].Cause)
	assert.Equal(t, 0, envs[0].Seq)
}

func TestSourceTimeout(t *testing.T) {
	a := provider.NewScripted("a", provider.Script{Tokens: tokens(2), Hang: true})
	b := provider.NewScripted("b", provider.Script{Tokens: tokens(3)})

	m := New(testConfig())
	envs := collect(t, m.Run(context.Background(), []Source{scriptedSource(a, 30*time.Millisecond), scriptedSource(b, 0)}))

	assertWellFormed(t, envs)
	got := bySource(envs)
	require.Len(t, got["a"], 3)
	assert.Equal(t, models.KindError, got["a"][2].Kind)
	assert.Equal(t, models.CauseTimeout, got["a"][2].Cause)
	assert.Equal(t, models.KindDone, got["b"][3].Kind)
}

func TestConsumerCancellationPropagates(t *testing.T) {
	a := provider.NewScripted("a", provider.Script{Tokens: tokens(1), Hang: true})
	b := provider.NewScripted("b", provider.Script{Tokens: tokens(100), Delay: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	m := New(testConfig())
	ch := m.Run(ctx, []Source{scriptedSource(a, 0), scriptedSource(b, 0)})

	first := <-ch
	assert.Equal(t, models.KindToken, first.Kind)
	cancel()

	envs := append([]models.Envelope{first}, collect(t, ch)...)
	assertWellFormed(t, envs)
	for src, list := range bySource(envs) {
		last := list[len(list)-1]
		assert.Equal(t, models.KindError, last.Kind, src)
		assert.Equal(t, models.CauseCancelled, last.Cause, src)
	}
	assert.Equal(t, 1, a.Cancelled())
	assert.Equal(t, 1, b.Cancelled())
}

// stuckCall ignores cancellation entirely.
type stuckCall struct{ release chan struct{} }

func (c *stuckCall) Next() (string, error) {
	<-c.release
	return "", errors.New("released")
}
func (c *stuckCall) Usage() models.Usage { return models.Usage{} }
func (c *stuckCall) Close() error        { return nil }

func TestGracePeriodAbandonsStragglers(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stuck := Source{Name: "stuck", Start: func(ctx context.Context) (provider.Call, error) {
		return &stuckCall{release: release}, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig()
	cfg.GracePeriod = 20 * time.Millisecond
	envs := collect(t, New(cfg).Run(ctx, []Source{stuck}))

	require.Len(t, envs, 1)
	assert.Equal(t, models.KindError, envs[0].Kind)
	assert.Equal(t, models.CauseCancelled, envs[0].Cause)
}

func TestHeartbeatOnIdleSource(t *testing.T) {
	a := provider.NewScripted("a", provider.Script{Tokens: tokens(1), Delay: 120 * time.Millisecond})

	cfg := testConfig()
	cfg.IdleInterval = 20 * time.Millisecond
	envs := collect(t, New(cfg).Run(context.Background(), []Source{scriptedSource(a, 0)}))

	heartbeats := 0
	for _, e := range envs {
		if e.Kind == models.KindHeartbeat {
			heartbeats++
			assert.Equal(t, "a", e.Source)
		}
	}
	assert.Positive(t, heartbeats)
	assertWellFormed(t, envs)
	assert.Len(t, bySource(envs)["a"], 2, "heartbeats are not numbered")
}

type panicCall struct{}

func (panicCall) Next() (string, error) { panic("adapter bug") }
func (panicCall) Usage() models.Usage   { return models.Usage{} }
func (panicCall) Close() error          { return nil }

func TestPanickingSourceTerminates(t *testing.T) {
	src := Source{Name: "p", Start: func(ctx context.Context) (provider.Call, error) { return panicCall{}, nil }}
	envs := collect(t, New(testConfig()).Run(context.Background(), []Source{src}))

	require.Len(t, envs, 1)
	assert.Equal(t, models.KindError, envs[0].Kind)
}

func TestRunWithoutSources(t *testing.T) {
	envs := collect(t, New(testConfig()).Run(context.Background(), nil))
	assert.Empty(t, envs)
}
