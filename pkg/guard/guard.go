// Package guard decides whether a provider call fits the provider's context
// window before it is issued.
package guard

import (
	"log/slog"
	"sync"
	"unicode"

	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/models"
)

// Limit is one provider's context window. A zero ContextLimit means the
// provider is not bounded.
type Limit struct {
	ContextLimit int
	SafetyMargin int
	Counter      Counter
}

// Ceiling is the usable context after the response headroom is subtracted.
func (l Limit) Ceiling() int {
	return l.ContextLimit - l.SafetyMargin
}

// Guard checks token budgets against per-provider limits.
type Guard struct {
	mu     sync.RWMutex
	limits map[string]Limit
	floor  int
	logger *slog.Logger
}

// New creates a Guard that never truncates peer context below floor tokens.
func New(floor int, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{limits: make(map[string]Limit), floor: floor, logger: logger}
}

// FromConfig registers every configured provider.
func FromConfig(cfg *config.Config, logger *slog.Logger) *Guard {
	g := New(cfg.Guard.PeerFloor, logger)
	for _, p := range cfg.Providers {
		g.Register(p.Name, Limit{
			ContextLimit: p.ContextLimit,
			SafetyMargin: p.SafetyMargin,
			Counter:      CounterByName(p.Counter),
		})
	}
	return g
}

// Register sets the limit for a provider.
func (g *Guard) Register(provider string, l Limit) {
	if l.Counter == nil {
		l.Counter = CharCounter{CharsPerToken: 4}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits[provider] = l
}

func (g *Guard) limit(provider string) (Limit, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.limits[provider]
	return l, ok
}

// Count estimates tokens for text with the provider's counter.
func (g *Guard) Count(provider, text string) int {
	l, ok := g.limit(provider)
	if !ok {
		return CharCounter{}.Count(text)
	}
	return l.Counter.Count(text)
}

// Check decides whether promptTokens plus peerTokens fit the provider's
// ceiling. When they do not, the decision is truncate with the number of
// peer tokens to keep, provided at least the floor survives; otherwise it is
// reject. Unknown providers are rejected.
func (g *Guard) Check(provider string, promptTokens, peerTokens int) models.TokenBudget {
	b := models.TokenBudget{
		Provider:     provider,
		PromptTokens: promptTokens,
		PeerTokens:   peerTokens,
	}

	l, ok := g.limit(provider)
	if !ok {
		b.Decision = models.BudgetReject
		g.logger.Warn("token budget for unknown provider", "provider", provider)
		return b
	}
	b.ContextLimit = l.ContextLimit
	b.SafetyMargin = l.SafetyMargin

	if l.ContextLimit <= 0 {
		b.Decision = models.BudgetOK
		return b
	}

	ceiling := l.Ceiling()
	if promptTokens+peerTokens <= ceiling {
		b.Decision = models.BudgetOK
		return b
	}

	retain := ceiling - promptTokens
	if retain >= g.floor && retain > 0 {
		b.Decision = models.BudgetTruncate
		b.Retain = retain
		return b
	}

	b.Decision = models.BudgetReject
	return b
}

// TruncatePeer keeps the most recent part of text that fits in n tokens of
// the provider's counter, cutting on a word boundary.
func (g *Guard) TruncatePeer(provider, text string, n int) string {
	if n <= 0 {
		return ""
	}
	if g.Count(provider, text) <= n {
		return text
	}

	starts := wordStarts(text)
	// Smallest start whose suffix fits; suffix counts shrink as start grows.
	lo, hi := 0, len(starts)
	for lo < hi {
		mid := (lo + hi) / 2
		if g.Count(provider, text[starts[mid]:]) <= n {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == len(starts) {
		return ""
	}
	return text[starts[lo]:]
}

func wordStarts(text string) []int {
	var starts []int
	inWord := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if !space && !inWord {
			starts = append(starts, i)
		}
		inWord = !space
	}
	return starts
}

