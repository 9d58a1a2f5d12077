package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// doUpstreamStreamRequest posts body to an upstream provider and returns the
// raw streaming response. The caller owns resp.Body on success; on a non-200
// status the body is drained into a StatusError and closed.
func doUpstreamStreamRequest(ctx context.Context, client *http.Client, provider, providerURL, path string, headers map[string]string, body any) (*http.Response, error) {
	target, err := url.Parse(providerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(target.String(), "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, StatusError(provider, resp.StatusCode, raw)
	}
	return resp, nil
}

// sseReader yields the payload of each "data:" line of an SSE body.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseReader{scanner: scanner}
}

// next returns the next data payload, or io.EOF at end of body.
func (s *sseReader) next() (string, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		return data, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("reading stream: %w", err)
	}
	return "", io.EOF
}
