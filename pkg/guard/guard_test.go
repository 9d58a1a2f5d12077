package guard

import (
	"strings"
	"testing"

	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard() *Guard {
	g := New(200, nil)
	g.Register("small", Limit{ContextLimit: 1000, SafetyMargin: 200})
	g.Register("open", Limit{})
	return g
}

func TestCheckOK(t *testing.T) {
	b := newGuard().Check("small", 300, 400)
	assert.Equal(t, models.BudgetOK, b.Decision)
	assert.Equal(t, 1000, b.ContextLimit)
}

func TestCheckTruncate(t *testing.T) {
	b := newGuard().Check("small", 300, 900)
	require.Equal(t, models.BudgetTruncate, b.Decision)
	assert.Equal(t, 500, b.Retain)
}

func TestCheckRejectBelowFloor(t *testing.T) {
	b := newGuard().Check("small", 700, 900)
	assert.Equal(t, models.BudgetReject, b.Decision, "only 100 tokens of peer context would survive")
}

func TestCheckRejectPromptAlone(t *testing.T) {
	b := newGuard().Check("small", 1200, 0)
	assert.Equal(t, models.BudgetReject, b.Decision)
}

func TestCheckUnknownProvider(t *testing.T) {
	assert.Equal(t, models.BudgetReject, newGuard().Check("nobody", 1, 1).Decision)
}

func TestCheckUnbounded(t *testing.T) {
	assert.Equal(t, models.BudgetOK, newGuard().Check("open", 1_000_000, 1_000_000).Decision)
}

func TestCheckNeverApprovesOverCeiling(t *testing.T) {
	g := newGuard()
	for prompt := 0; prompt <= 1200; prompt += 37 {
		for peer := 0; peer <= 1500; peer += 41 {
			b := g.Check("small", prompt, peer)
			switch b.Decision {
			case models.BudgetOK:
				assert.LessOrEqual(t, prompt+peer, 800)
			case models.BudgetTruncate:
				assert.LessOrEqual(t, prompt+b.Retain, 800)
				assert.GreaterOrEqual(t, b.Retain, 200)
				assert.Less(t, b.Retain, peer)
			}
		}
	}
}

func TestCounters(t *testing.T) {
	assert.Equal(t, 3, CharCounter{CharsPerToken: 4}.Count("hello world"))
	assert.Equal(t, 0, CharCounter{}.Count(""))
	assert.Equal(t, 4, WordCounter{}.Count("one two three"))
	assert.IsType(t, WordCounter{}, CounterByName("words"))
	assert.IsType(t, CharCounter{}, CounterByName(""))
}

func TestTruncatePeerKeepsMostRecent(t *testing.T) {
	g := New(1, nil)
	g.Register("w", Limit{ContextLimit: 100, Counter: WordCounter{}})

	words := make([]string, 30)
	for i := range words {
		words[i] = "w" + strings.Repeat("x", i%3)
	}
	text := strings.Join(words, " ") + " the-end"

	out := g.TruncatePeer("w", text, 8)
	assert.True(t, strings.HasSuffix(text, out))
	assert.True(t, strings.HasSuffix(out, "the-end"))
	assert.LessOrEqual(t, g.Count("w", out), 8)
	assert.Greater(t, g.Count("w", out), 6, "keeps as much as fits")

	assert.Equal(t, text, g.TruncatePeer("w", text, 1000))
	assert.Equal(t, "", g.TruncatePeer("w", text, 0))
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{{Name: "a", ContextLimit: 500, SafetyMargin: 100, Counter: "words"}}
	g := FromConfig(cfg, nil)

	b := g.Check("a", 350, 100)
	assert.Equal(t, models.BudgetReject, b.Decision, "truncation would keep 50 < floor 200")
	assert.Equal(t, 4, g.Count("a", "one two three"))
}
