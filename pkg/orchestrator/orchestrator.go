// Package orchestrator runs side-by-side comparison turns: it validates a
// request, reserves credits, fans the prompt out to every provider of the
// tier, streams the merged output back, settles the reservation and
// persists the finished turn.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/arena/pkg/alert"
	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/guard"
	"github.com/pario-ai/arena/pkg/ledger"
	"github.com/pario-ai/arena/pkg/models"
	"github.com/pario-ai/arena/pkg/mux"
	"github.com/pario-ai/arena/pkg/provider"
	"github.com/pario-ai/arena/pkg/store"
)

var (
	// ErrInvalidRequest is returned for requests rejected before any state changes.
	ErrInvalidRequest = errors.New("invalid turn request")
	// ErrNotReconsiderable is returned when the referenced turn cannot be reconsidered.
	ErrNotReconsiderable = errors.New("turn cannot be reconsidered")
)

// Orchestrator drives turns. It is safe for concurrent use; every turn owns
// its own state machine.
type Orchestrator struct {
	cfg      *config.Config
	registry *provider.Registry
	ledger   ledger.Ledger
	store    store.Store
	guard    *guard.Guard
	mux      *mux.Multiplexer
	alerts   alert.Sink
	logger   *slog.Logger
	newID    func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithIDGenerator overrides uuid-based identifiers.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// New creates an Orchestrator.
func New(cfg *config.Config, registry *provider.Registry, l ledger.Ledger, s store.Store, g *guard.Guard, m *mux.Multiplexer, alerts alert.Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		ledger:   l,
		store:    s,
		guard:    g,
		mux:      m,
		alerts:   alerts,
		logger:   slog.Default(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run starts an initial or follow-up turn. Requests carrying ReconsiderOf
// are routed to Reconsider. The returned channel yields the merged provider
// envelopes followed by one turn-complete envelope, then closes. An error
// is returned, and no provider is contacted, when the request is invalid or
// the reservation is denied.
//
// Cancelling ctx stops every provider call; the turn still settles its
// reservation before the channel closes.
func (o *Orchestrator) Run(ctx context.Context, userID string, req models.TurnRequest) (<-chan models.Envelope, error) {
	if req.ReconsiderOf != "" || req.Mode == models.ModeReconsider {
		return o.Reconsider(ctx, userID, req)
	}
	if req.Mode == "" {
		req.Mode = models.ModeInitial
	}
	if err := o.validate(userID, req.Prompt, true); err != nil {
		return nil, err
	}
	if req.Mode != models.ModeInitial && req.Mode != models.ModeFollowup {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, req.Mode)
	}
	if req.Mode == models.ModeFollowup && req.ConversationID == "" {
		return nil, fmt.Errorf("%w: follow-up requires conversation_id", ErrInvalidRequest)
	}
	tier, cost, err := o.price(req.Tier, req.Mode)
	if err != nil {
		return nil, err
	}
	adapters, err := o.registry.Resolve(req.Tier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	turn := o.newTurn(userID, req)
	var history []models.Turn
	if turn.ConversationID == "" {
		turn.ConversationID = o.newID()
	} else {
		var found bool
		if history, found, err = o.conversation(ctx, userID, turn.ConversationID); err != nil {
			return nil, err
		}
		if req.Mode == models.ModeFollowup && !found {
			return nil, fmt.Errorf("%w: unknown conversation %s", ErrInvalidRequest, turn.ConversationID)
		}
	}
	if req.Mode == models.ModeInitial {
		history = nil
	}
	m := newMachine(turn.ID, o.logger)

	if err := m.to(StateReserving); err != nil {
		return nil, err
	}
	entry, err := o.reserve(ctx, m, &turn, cost)
	if err != nil {
		return nil, err
	}
	if err := m.to(StateStreamingInitial); err != nil {
		return nil, err
	}

	role := models.RoleInitial
	if req.Mode == models.ModeFollowup {
		role = models.RoleFollowup
	}
	slots := make([]slot, 0, len(adapters))
	for _, a := range adapters {
		slots = append(slots, slot{
			adapter: a,
			role:    role,
			request: buildTurnRequest(history, a.Name(), req.Prompt),
		})
	}

	return o.start(ctx, m, turn, tier, entry, cost, slots), nil
}

// Reconsider is the explicit trigger for a reconsider round over an earlier
// turn. Each provider receives its own earlier answer and its peers' answers
// as context; providers whose context would not fit are skipped with cause
// budget and are not billed under the attempted policy.
func (o *Orchestrator) Reconsider(ctx context.Context, userID string, req models.TurnRequest) (<-chan models.Envelope, error) {
	if req.ReconsiderOf == "" {
		return nil, fmt.Errorf("%w: reconsider_of is required", ErrInvalidRequest)
	}
	if err := o.validate(userID, req.Prompt, false); err != nil {
		return nil, err
	}

	prior, err := o.store.GetTurn(ctx, req.ReconsiderOf)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: turn %s not found", ErrNotReconsiderable, req.ReconsiderOf)
	}
	if err != nil {
		return nil, fmt.Errorf("load turn: %w", err)
	}
	if prior.UserID != userID {
		return nil, fmt.Errorf("%w: turn %s not found", ErrNotReconsiderable, req.ReconsiderOf)
	}
	if !prior.Status.Terminal() || len(prior.Succeeded()) == 0 {
		return nil, fmt.Errorf("%w: turn %s has no successful answer", ErrNotReconsiderable, prior.ID)
	}

	req.Mode = models.ModeReconsider
	req.Tier = prior.Tier
	req.ConversationID = prior.ConversationID
	tier, cost, err := o.price(req.Tier, req.Mode)
	if err != nil {
		return nil, err
	}
	adapters, err := o.registry.Resolve(req.Tier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	turn := o.newTurn(userID, req)
	m := newMachine(turn.ID, o.logger)
	if err := m.to(StateAwaitingReconsider); err != nil {
		return nil, err
	}

	chain, err := o.reconsiderChain(ctx, prior)
	if err != nil {
		return nil, err
	}
	question := chain[0].Prompt
	answers := answersAcross(chain)
	slots := make([]slot, 0, len(adapters))
	running := 0
	for _, a := range adapters {
		s := o.reconsiderSlot(turn.ID, a, question, req.Prompt, answers)
		if !s.skipped {
			running++
		}
		slots = append(slots, s)
	}

	charge := cost
	if o.cfg.Billing.ReconsiderCharge == config.ReconsiderAttempted {
		charge = cost * int64(running) / int64(len(adapters))
	}

	if running == 0 {
		o.logger.Info("reconsider skipped for every provider", "turn_id", turn.ID, "reconsider_of", prior.ID)
		return o.start(ctx, m, turn, tier, models.LedgerEntry{}, 0, slots), nil
	}

	if err := m.to(StateReserving); err != nil {
		return nil, err
	}
	// A share that rounds down to zero is not reserved.
	var entry models.LedgerEntry
	if charge > 0 {
		if entry, err = o.reserve(ctx, m, &turn, charge); err != nil {
			return nil, err
		}
	}
	if err := m.to(StateStreamingReconsider); err != nil {
		return nil, err
	}
	return o.start(ctx, m, turn, tier, entry, charge, slots), nil
}

// conversation loads the recent turns of a conversation the user owns.
// found is false when nothing was stored under convID yet. A conversation
// holding another user's turns is reported as unknown.
func (o *Orchestrator) conversation(ctx context.Context, userID, convID string) (history []models.Turn, found bool, err error) {
	limit := o.cfg.Limits.HistoryTurns
	history, err = o.store.History(ctx, convID, max(limit, 1))
	if err != nil {
		return nil, false, fmt.Errorf("load history: %w", err)
	}
	// Every turn joining a conversation passes this check, so one stored
	// turn is enough to establish the owner.
	for _, h := range history {
		if h.UserID != userID {
			return nil, false, fmt.Errorf("%w: unknown conversation %s", ErrInvalidRequest, convID)
		}
	}
	found = len(history) > 0
	if limit <= 0 {
		history = nil
	}
	return history, found, nil
}

// maxReconsiderDepth bounds how far back a reconsider chain is followed.
const maxReconsiderDepth = 32

// reconsiderChain follows ReconsiderOf from prior back to the turn that
// asked the question and returns the chain oldest first.
func (o *Orchestrator) reconsiderChain(ctx context.Context, prior models.Turn) ([]models.Turn, error) {
	chain := []models.Turn{prior}
	seen := map[string]bool{prior.ID: true}
	for cur := prior; cur.ReconsiderOf != "" && len(chain) < maxReconsiderDepth; {
		if seen[cur.ReconsiderOf] {
			break
		}
		next, err := o.store.GetTurn(ctx, cur.ReconsiderOf)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load turn: %w", err)
		}
		if next.UserID != prior.UserID {
			break
		}
		seen[next.ID] = true
		chain = append(chain, next)
		cur = next
	}
	slices.Reverse(chain)
	return chain, nil
}

func (o *Orchestrator) validate(userID, prompt string, required bool) error {
	if userID == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	if required && strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidRequest)
	}
	if limit := o.cfg.Limits.MaxPromptBytes; limit > 0 && len(prompt) > limit {
		return fmt.Errorf("%w: prompt exceeds %d bytes", ErrInvalidRequest, limit)
	}
	return nil
}

func (o *Orchestrator) price(tier models.Tier, mode models.Mode) (config.TierConfig, int64, error) {
	t, ok := o.cfg.Tier(tier)
	if !ok {
		return config.TierConfig{}, 0, fmt.Errorf("%w: unknown tier %q", ErrInvalidRequest, tier)
	}
	cost, ok := o.cfg.Cost(tier, mode)
	if !ok {
		return config.TierConfig{}, 0, fmt.Errorf("%w: no cost for %s", ErrInvalidRequest, models.CostKey(tier, mode))
	}
	return t, cost, nil
}

func (o *Orchestrator) newTurn(userID string, req models.TurnRequest) models.Turn {
	return models.Turn{
		ID:             o.newID(),
		ConversationID: req.ConversationID,
		UserID:         userID,
		Tier:           req.Tier,
		Mode:           req.Mode,
		Prompt:         req.Prompt,
		ReconsiderOf:   req.ReconsiderOf,
		Status:         models.TurnPending,
		CreatedAt:      time.Now().UTC(),
	}
}

// reserve debits the turn cost before any provider is contacted. A denied
// reservation fails the turn.
func (o *Orchestrator) reserve(ctx context.Context, m *machine, turn *models.Turn, amount int64) (models.LedgerEntry, error) {
	entryID := o.newID()
	entry, err := o.ledger.Reserve(ctx, turn.UserID, amount, entryID, turn.ID)
	if err != nil {
		if terr := m.to(StateFailed); terr != nil {
			return models.LedgerEntry{}, terr
		}
		o.logger.Info("turn rejected", "turn_id", turn.ID, "user_id", turn.UserID, "amount", amount, "error", err)
		return models.LedgerEntry{}, fmt.Errorf("reserve credits: %w", err)
	}
	turn.EntryID = entry.ID
	return entry, nil
}

// reconsiderSlot applies the guard for one provider, using every other
// provider's answer as peer context.
func (o *Orchestrator) reconsiderSlot(turnID string, a provider.Adapter, question, instruction string, answers map[string]string) slot {
	name := a.Name()
	own := answers[name]
	peers := peerContext(name, answers)

	promptTokens := o.guard.Count(name, question) + o.guard.Count(name, own) + o.guard.Count(name, instruction)
	budget := o.guard.Check(name, promptTokens, o.guard.Count(name, peers))
	switch budget.Decision {
	case models.BudgetReject:
		o.logger.Info("reconsider skipped", "turn_id", turnID, "provider", name,
			"prompt_tokens", budget.PromptTokens, "peer_tokens", budget.PeerTokens)
		return slot{adapter: a, role: models.RoleReconsider, skipped: true}
	case models.BudgetTruncate:
		o.logger.Info("peer context truncated", "turn_id", turnID, "provider", name, "retain", budget.Retain)
		peers = o.guard.TruncatePeer(name, peers, budget.Retain)
	}
	return slot{
		adapter: a,
		role:    models.RoleReconsider,
		request: buildReconsiderRequest(question, own, peers, instruction),
	}
}
