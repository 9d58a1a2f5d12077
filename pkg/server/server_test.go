package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/guard"
	"github.com/pario-ai/arena/pkg/ledger"
	"github.com/pario-ai/arena/pkg/mux"
	"github.com/pario-ai/arena/pkg/orchestrator"
	"github.com/pario-ai/arena/pkg/provider"
	"github.com/pario-ai/arena/pkg/store"
)

type testServer struct {
	*Server
	ledger *ledger.SQLiteLedger
}

func setupServer(t *testing.T, adapters ...provider.Adapter) *testServer {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.AdminKey = "admin-secret"
	cfg.Providers = []config.ProviderConfig{{Name: "alpha", Type: "scripted"}, {Name: "beta", Type: "scripted"}}
	cfg.Tiers = []config.TierConfig{{Name: "standard", Providers: []string{"alpha", "beta"}, CallTimeout: time.Second, TurnDeadline: 2 * time.Second}}
	cfg.Multiplexer.IdleInterval = 0

	l, err := ledger.New(filepath.Join(dir, "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	st, err := store.New(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if len(adapters) == 0 {
		adapters = []provider.Adapter{
			provider.NewScripted("alpha", provider.Script{Tokens: []string{"one ", "two"}}),
			provider.NewScripted("beta", provider.Script{Echo: true}),
		}
	}
	reg := provider.NewStaticRegistry(cfg, adapters...)
	o := orchestrator.New(cfg, reg, l, st, guard.FromConfig(cfg, nil), mux.New(cfg.Multiplexer), nil)
	return &testServer{Server: New(cfg, o, l, st, nil), ledger: l}
}

func (s *testServer) do(method, path, key, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

// events returns the data payload of every SSE event in body.
func events(body string) []string {
	var out []string
	for _, block := range strings.Split(body, "\n\n") {
		for _, line := range strings.Split(block, "\n") {
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				out = append(out, data)
			}
		}
	}
	return out
}

func TestTurnStream(t *testing.T) {
	s := setupServer(t)
	_, err := s.ledger.TopUp(context.Background(), "client-key", 50, "seed")
	require.NoError(t, err)

	w := s.do(http.MethodPost, "/v1/turns", "client-key", `{"tier":"standard","prompt":"say hi"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	evs := events(w.Body.String())
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, "turn-complete", gjson.Get(last, "kind").String())
	assert.Equal(t, "complete", gjson.Get(last, "status").String())
	assert.EqualValues(t, 10, gjson.Get(last, "credits_charged").Int())
	turnID := gjson.Get(last, "turn_id").String()
	require.NotEmpty(t, turnID)

	var betaText strings.Builder
	for _, ev := range evs {
		if gjson.Get(ev, "source").String() == "beta" && gjson.Get(ev, "kind").String() == "token" {
			betaText.WriteString(gjson.Get(ev, "text").String())
		}
	}
	assert.Equal(t, "say hi ", betaText.String())

	w = s.do(http.MethodGet, "/v1/turns/"+turnID, "client-key", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "one two", gjson.Get(w.Body.String(), "calls.0.text").String())

	w = s.do(http.MethodGet, "/v1/turns/"+turnID, "other-key", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFailedTurnReportsZeroCredits(t *testing.T) {
	s := setupServer(t,
		provider.NewScripted("alpha", provider.Script{StartErr: provider.StatusError("alpha", http.StatusInternalServerError, nil)}),
		provider.NewScripted("beta", provider.Script{StartErr: provider.StatusError("beta", http.StatusInternalServerError, nil)}),
	)
	_, err := s.ledger.TopUp(context.Background(), "client-key", 50, "seed")
	require.NoError(t, err)

	w := s.do(http.MethodPost, "/v1/turns", "client-key", `{"tier":"standard","prompt":"say hi"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	evs := events(w.Body.String())
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, "failed", gjson.Get(last, "status").String())
	require.True(t, gjson.Get(last, "credits_charged").Exists(), last)
	assert.Contains(t, last, `"credits_charged":0`)
	assert.False(t, gjson.Get(last, "seq").Exists(), "turn-complete carries no sequence")

	bal, err := s.ledger.Balance(context.Background(), "client-key")
	require.NoError(t, err)
	assert.EqualValues(t, 50, bal)
}

func TestTurnErrors(t *testing.T) {
	s := setupServer(t)

	w := s.do(http.MethodPost, "/v1/turns", "", `{"tier":"standard","prompt":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/v1/turns", "broke", `{"tier":"standard","prompt":"hi"}`)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = s.do(http.MethodPost, "/v1/turns", "broke", `{"tier":"standard","prompt":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/v1/turns", "broke", `{"reconsider_of":"nope"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/v1/turns", "broke", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "arena_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestCreditsAndLedger(t *testing.T) {
	s := setupServer(t)
	body := `{"user_id":"client-key","amount":25}`

	w := s.do(http.MethodPost, "/v1/credits", "client-key", body, "Idempotency-Key", "pay-1")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/v1/credits", "admin-secret", body)
	assert.Equal(t, http.StatusBadRequest, w.Code, "idempotency key required")

	for range 2 {
		w = s.do(http.MethodPost, "/v1/credits", "admin-secret", body, "Idempotency-Key", "pay-1")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "pay-1", gjson.Get(w.Body.String(), "entry_id").String())
	}

	w = s.do(http.MethodGet, "/v1/balance", "client-key", "")
	require.Equal(t, http.StatusOK, w.Code)
	var bal balanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.EqualValues(t, 25, bal.Balance, "replayed payment credited once")
	assert.EqualValues(t, 25, bal.Available)

	w = s.do(http.MethodGet, "/v1/ledger", "client-key", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, gjson.Get(w.Body.String(), "entries.#").Int())
	assert.Equal(t, "topup", gjson.Get(w.Body.String(), "entries.0.kind").String())

	w = s.do(http.MethodGet, "/v1/ledger", "someone-else", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, gjson.Get(w.Body.String(), "entries.#").Int(), "ledger is owner-scoped")

	w = s.do(http.MethodPost, "/v1/credits", "admin-secret", `{"user_id":"client-key","amount":-3}`, "Idempotency-Key", "pay-2")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
