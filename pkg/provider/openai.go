package provider

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/pario-ai/arena/pkg/models"
	"github.com/tidwall/gjson"
)

// OpenAI streams from an OpenAI-compatible /v1/chat/completions endpoint.
type OpenAI struct {
	name      string
	url       string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

// NewOpenAI creates an adapter for an OpenAI-compatible backend.
func NewOpenAI(name, url, apiKey, model string, maxTokens int, client *http.Client) *OpenAI {
	return &OpenAI{name: name, url: url, apiKey: apiKey, model: model, maxTokens: maxTokens, client: client}
}

func (o *OpenAI) Name() string  { return o.name }
func (o *OpenAI) Model() string { return o.model }

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream"`
	StreamOptions map[string]bool `json:"stream_options,omitempty"`
}

// StartCall opens the upstream stream.
func (o *OpenAI) StartCall(ctx context.Context, req Request) (Call, error) {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.maxTokens
	}

	body := openAIRequest{
		Model:         o.model,
		Messages:      messages,
		MaxTokens:     maxTokens,
		Stream:        true,
		StreamOptions: map[string]bool{"include_usage": true},
	}
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}

	resp, err := doUpstreamStreamRequest(ctx, o.client, o.name, o.url, "/v1/chat/completions", headers, body)
	if err != nil {
		return nil, err
	}
	return &openAICall{provider: o.name, body: resp.Body, sse: newSSEReader(resp.Body)}, nil
}

type openAICall struct {
	provider string
	body     io.ReadCloser
	sse      *sseReader
	usage    models.Usage
	finished bool
	done     bool
}

func (c *openAICall) Next() (string, error) {
	for {
		if c.done {
			return "", io.EOF
		}
		data, err := c.sse.next()
		if errors.Is(err, io.EOF) {
			// Some backends close without sending [DONE]; a finish_reason
			// still marks the answer complete.
			if !c.finished {
				return "", InvalidResponse(c.provider, errors.New("stream ended before finish_reason"))
			}
			c.done = true
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if data == "[DONE]" {
			c.done = true
			return "", io.EOF
		}
		if !gjson.Valid(data) {
			return "", InvalidResponse(c.provider, errors.New("malformed stream chunk"))
		}

		chunk := gjson.Parse(data)
		if e := chunk.Get("error"); e.Exists() {
			return "", &Error{Provider: c.provider, Kind: KindTransient, Cause: models.CauseUpstreamError, Message: e.Get("message").String()}
		}
		if u := chunk.Get("usage"); u.IsObject() {
			c.usage.InputTokens = int(u.Get("prompt_tokens").Int())
			c.usage.OutputTokens = int(u.Get("completion_tokens").Int())
		}
		if chunk.Get("choices.0.finish_reason").String() != "" {
			c.finished = true
		}
		if text := chunk.Get("choices.0.delta.content").String(); text != "" {
			return text, nil
		}
	}
}

func (c *openAICall) Usage() models.Usage { return c.usage }

func (c *openAICall) Close() error { return c.body.Close() }
