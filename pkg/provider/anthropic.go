package provider

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/pario-ai/arena/pkg/models"
	"github.com/tidwall/gjson"
)

const anthropicVersion = "2023-06-01"

// Anthropic streams from an Anthropic /v1/messages endpoint.
type Anthropic struct {
	name      string
	url       string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

// NewAnthropic creates an adapter for the Anthropic messages API.
func NewAnthropic(name, url, apiKey, model string, maxTokens int, client *http.Client) *Anthropic {
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &Anthropic{name: name, url: url, apiKey: apiKey, model: model, maxTokens: maxTokens, client: client}
}

func (a *Anthropic) Name() string  { return a.name }
func (a *Anthropic) Model() string { return a.model }

type anthropicRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	System    string    `json:"system,omitempty"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
}

// StartCall opens the upstream stream.
func (a *Anthropic) StartCall(ctx context.Context, req Request) (Call, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.maxTokens
	}
	body := anthropicRequest{
		Model:     a.model,
		Messages:  req.Messages,
		System:    req.System,
		MaxTokens: maxTokens,
		Stream:    true,
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}

	resp, err := doUpstreamStreamRequest(ctx, a.client, a.name, a.url, "/v1/messages", headers, body)
	if err != nil {
		return nil, err
	}
	return &anthropicCall{provider: a.name, body: resp.Body, sse: newSSEReader(resp.Body)}, nil
}

type anthropicCall struct {
	provider string
	body     io.ReadCloser
	sse      *sseReader
	usage    models.Usage
	done     bool
}

func (c *anthropicCall) Next() (string, error) {
	for {
		if c.done {
			return "", io.EOF
		}
		data, err := c.sse.next()
		if errors.Is(err, io.EOF) {
			return "", InvalidResponse(c.provider, errors.New("stream ended before message_stop"))
		}
		if err != nil {
			return "", err
		}
		if !gjson.Valid(data) {
			return "", InvalidResponse(c.provider, errors.New("malformed stream event"))
		}

		evt := gjson.Parse(data)
		switch evt.Get("type").String() {
		case "message_start":
			c.usage.InputTokens = int(evt.Get("message.usage.input_tokens").Int())
			c.usage.OutputTokens = int(evt.Get("message.usage.output_tokens").Int())
		case "content_block_delta":
			if text := evt.Get("delta.text").String(); text != "" {
				return text, nil
			}
		case "message_delta":
			if out := evt.Get("usage.output_tokens"); out.Exists() {
				c.usage.OutputTokens = int(out.Int())
			}
		case "message_stop":
			c.done = true
			return "", io.EOF
		case "error":
			e := &Error{Provider: c.provider, Kind: KindTransient, Cause: models.CauseUpstreamError, Message: evt.Get("error.message").String()}
			if evt.Get("error.type").String() == "rate_limit_error" {
				e.Cause = models.CauseRateLimited
			}
			return "", e
		}
	}
}

func (c *anthropicCall) Usage() models.Usage { return c.usage }

func (c *anthropicCall) Close() error { return c.body.Close() }
