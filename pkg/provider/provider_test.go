package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, call Call) ([]string, error) {
	t.Helper()
	var out []string
	for {
		tok, err := call.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, tok)
	}
}

func TestOpenAIStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-gpt", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body["model"])
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	a := NewOpenAI("gpt", upstream.URL, "sk-gpt", "gpt-4o", 0, nil)
	call, err := a.StartCall(context.Background(), Request{System: "be brief", Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	defer call.Close()

	toks, err := drain(t, call)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, toks)
	assert.Equal(t, models.Usage{InputTokens: 7, OutputTokens: 2}, call.Usage())
}

func TestOpenAIStreamWithoutDone(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []string
		wantErr bool
	}{
		{
			name: "finish_reason seen",
			chunks: []string{
				`{"choices":[{"delta":{"content":"Hi"}}]}`,
				`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			},
		},
		{
			name: "cut mid answer",
			chunks: []string{
				`{"choices":[{"delta":{"content":"Hi"}}]}`,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				for _, c := range tt.chunks {
					fmt.Fprintf(w, "data: %s\n\n", c)
				}
			}))
			defer upstream.Close()

			a := NewOpenAI("gpt", upstream.URL, "k", "m", 0, nil)
			call, err := a.StartCall(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
			require.NoError(t, err)
			defer call.Close()

			toks, err := drain(t, call)
			assert.Equal(t, []string{"Hi"}, toks)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var pe *Error
			require.True(t, errors.As(err, &pe), "got %v", err)
			assert.Equal(t, models.CauseInvalidResponse, pe.Cause)
		})
	}
}

func TestOpenAIRateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer upstream.Close()

	a := NewOpenAI("gpt", upstream.URL, "k", "m", 0, nil)
	_, err := a.StartCall(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)

	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, models.CauseRateLimited, pe.Cause)
	assert.True(t, pe.Transient())

	cause, outcome := Classify(err)
	assert.Equal(t, models.CauseRateLimited, cause)
	assert.Equal(t, models.OutcomeError, outcome)
}

func TestOpenAIMalformedChunk(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json\n\n")
	}))
	defer upstream.Close()

	a := NewOpenAI("gpt", upstream.URL, "k", "m", 0, nil)
	call, err := a.StartCall(context.Background(), Request{})
	require.NoError(t, err)
	defer call.Close()

	_, err = drain(t, call)
	cause, _ := Classify(err)
	assert.Equal(t, models.CauseInvalidResponse, cause)
}

func TestAnthropicStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		events := []string{
			`{"type":"message_start","message":{"model":"claude","usage":{"input_tokens":11,"output_tokens":1}}}`,
			`{"type":"content_block_start","index":0}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Bon"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"jour"}}`,
			`{"type":"message_delta","usage":{"output_tokens":3}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	defer upstream.Close()

	a := NewAnthropic("claude", upstream.URL, "sk-ant", "claude-sonnet", 0, nil)
	call, err := a.StartCall(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	defer call.Close()

	toks, err := drain(t, call)
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", strings.Join(toks, ""))
	assert.Equal(t, models.Usage{InputTokens: 11, OutputTokens: 3}, call.Usage())
}

func TestAnthropicTruncatedStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"partial\"}}\n\n")
	}))
	defer upstream.Close()

	a := NewAnthropic("claude", upstream.URL, "k", "m", 0, nil)
	call, err := a.StartCall(context.Background(), Request{})
	require.NoError(t, err)
	defer call.Close()

	toks, err := drain(t, call)
	assert.Equal(t, []string{"partial"}, toks)
	cause, _ := Classify(err)
	assert.Equal(t, models.CauseInvalidResponse, cause)
}

func TestClassify(t *testing.T) {
	cause, outcome := Classify(context.DeadlineExceeded)
	assert.Equal(t, models.CauseTimeout, cause)
	assert.Equal(t, models.OutcomeTimeout, outcome)

	cause, outcome = Classify(fmt.Errorf("wrapped: %w", context.Canceled))
	assert.Equal(t, models.CauseCancelled, cause)
	assert.Equal(t, models.OutcomeCancelled, outcome)

	cause, outcome = Classify(StatusError("p", http.StatusGatewayTimeout, nil))
	assert.Equal(t, models.CauseTimeout, cause)
	assert.Equal(t, models.OutcomeTimeout, outcome)

	cause, _ = Classify(errors.New("boom"))
	assert.Equal(t, models.CauseUpstreamError, cause)

	assert.False(t, StatusError("p", http.StatusBadRequest, nil).Transient())
}

func TestScriptedCancellation(t *testing.T) {
	s := NewScripted("slow", Script{Tokens: []string{"a", "b"}, Delay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	call, err := s.StartCall(ctx, Request{})
	require.NoError(t, err)

	cancel()
	_, err = call.Next()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.Cancelled())
}

func TestScriptedEcho(t *testing.T) {
	s := NewScripted("echo", Script{Echo: true})
	call, err := s.StartCall(context.Background(), Request{Messages: []Message{{Role: "user", Content: "one two"}}})
	require.NoError(t, err)

	toks, err := drain(t, call)
	require.NoError(t, err)
	assert.Equal(t, []string{"one ", "two "}, toks)
	assert.Equal(t, models.Usage{InputTokens: 2, OutputTokens: 2}, call.Usage())
	assert.Len(t, s.Requests(), 1)
}

func TestRegistryResolve(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{
		{Name: "gpt", URL: "http://localhost"},
		{Name: "claude", Type: "anthropic", URL: "http://localhost"},
	}
	cfg.Tiers = []config.TierConfig{{Name: models.TierStandard, Providers: []string{"claude", "gpt"}}}

	r, err := NewRegistry(cfg, nil)
	require.NoError(t, err)

	adapters, err := r.Resolve(models.TierStandard)
	require.NoError(t, err)
	require.Len(t, adapters, 2)
	assert.Equal(t, "claude", adapters[0].Name())
	assert.IsType(t, &Anthropic{}, adapters[0])
	assert.IsType(t, &OpenAI{}, adapters[1])

	_, err = r.Resolve(models.TierExpert)
	assert.Error(t, err)
}

func TestRegistryUnknownType(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{{Name: "x", Type: "carrier-pigeon"}}
	_, err := NewRegistry(cfg, nil)
	assert.Error(t, err)
}
