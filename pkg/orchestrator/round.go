package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/ledger"
	"github.com/pario-ai/arena/pkg/models"
	"github.com/pario-ai/arena/pkg/mux"
	"github.com/pario-ai/arena/pkg/provider"
)

// slot is one provider's place in a round.
type slot struct {
	adapter provider.Adapter
	role    models.CallRole
	request provider.Request
	skipped bool
}

// accumulator collects one provider's output from its envelopes. It is only
// touched by the round's consumer goroutine.
type accumulator struct {
	call models.ProviderCall
	text strings.Builder
}

// round is one turn in flight, from the first envelope to turn-complete.
type round struct {
	o      *Orchestrator
	ctx    context.Context
	m      *machine
	turn   models.Turn
	entry  models.LedgerEntry
	charge int64
	out    chan models.Envelope
	calls  map[string]*accumulator
	order  []string
}

// start launches the providers of a reserved turn and returns the stream
// the caller reads. Slots rejected by the guard are reported as skipped
// and never started.
func (o *Orchestrator) start(ctx context.Context, m *machine, turn models.Turn, tier config.TierConfig, entry models.LedgerEntry, charge int64, slots []slot) <-chan models.Envelope {
	r := &round{
		o:      o,
		ctx:    ctx,
		m:      m,
		turn:   turn,
		entry:  entry,
		charge: charge,
		out:    make(chan models.Envelope, o.cfg.Multiplexer.BufferSize),
		calls:  make(map[string]*accumulator, len(slots)),
	}

	now := time.Now().UTC()
	var sources []mux.Source
	var skipped []models.Envelope
	for _, s := range slots {
		name := s.adapter.Name()
		acc := &accumulator{call: models.ProviderCall{
			TurnID:    turn.ID,
			Provider:  name,
			Model:     s.adapter.Model(),
			Role:      s.role,
			StartedAt: now,
		}}
		r.calls[name] = acc
		r.order = append(r.order, name)

		if s.skipped {
			acc.call.Outcome = models.OutcomeSkipped
			acc.call.Cause = models.CauseBudget
			acc.call.FinishedAt = now
			skipped = append(skipped, models.Envelope{Source: name, Kind: models.KindSkipped, Cause: models.CauseBudget})
			continue
		}
		adapter, req := s.adapter, s.request
		sources = append(sources, mux.Source{
			Name:    name,
			Timeout: tier.CallTimeout,
			Start: func(ctx context.Context) (provider.Call, error) {
				return adapter.StartCall(ctx, req)
			},
		})
	}

	turnCtx, cancel := ctx, context.CancelFunc(func() {})
	if tier.TurnDeadline > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, tier.TurnDeadline)
	}

	o.logger.Info("turn started", "turn_id", turn.ID, "user_id", turn.UserID, "mode", turn.Mode,
		"tier", turn.Tier, "entry_id", entry.ID, "providers", len(slots), "skipped", len(skipped))

	go func() {
		defer close(r.out)
		for _, ev := range skipped {
			r.send(ev)
		}
		// The multiplexer stream is drained to the end even after the caller
		// went away; finalization needs every terminal outcome.
		for ev := range o.mux.Run(turnCtx, sources) {
			r.observe(ev)
			r.send(ev)
		}
		cancel()
		r.finish()
	}()

	return r.out
}

// send forwards to the caller unless the caller has gone away.
func (r *round) send(ev models.Envelope) {
	select {
	case r.out <- ev:
	case <-r.ctx.Done():
	}
}

func (r *round) observe(ev models.Envelope) {
	acc, ok := r.calls[ev.Source]
	if !ok {
		return
	}
	switch ev.Kind {
	case models.KindToken:
		acc.call.Increments++
		acc.text.WriteString(ev.Text)
	case models.KindDone:
		acc.call.Outcome = models.OutcomeSuccess
		if ev.Usage != nil {
			acc.call.Usage = *ev.Usage
		}
		acc.call.FinishedAt = time.Now().UTC()
		r.o.logger.Info("provider finished", "turn_id", r.turn.ID, "provider", ev.Source,
			"increments", acc.call.Increments, "output_tokens", acc.call.Usage.OutputTokens)
	case models.KindError:
		acc.call.Outcome = outcomeFor(ev.Cause)
		acc.call.Cause = ev.Cause
		acc.call.FinishedAt = time.Now().UTC()
		r.o.logger.Info("provider failed", "turn_id", r.turn.ID, "provider", ev.Source, "cause", ev.Cause)
	}
}

func outcomeFor(cause string) models.Outcome {
	switch cause {
	case models.CauseTimeout:
		return models.OutcomeTimeout
	case models.CauseCancelled:
		return models.OutcomeCancelled
	default:
		return models.OutcomeError
	}
}

// finish settles the reservation, persists the turn and emits turn-complete.
// It runs on a context detached from the caller so a disconnect cannot
// leave the reservation pending.
func (r *round) finish() {
	o := r.o
	ctx := context.WithoutCancel(r.ctx)
	if d := o.cfg.Ledger.FinalizeTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if err := r.m.to(StateFinalizing); err != nil {
		o.logger.Error("finalize turn", "turn_id", r.turn.ID, "error", err)
	}

	succeeded, billed := 0, 0
	calls := make([]models.ProviderCall, 0, len(r.order))
	for _, name := range r.order {
		acc := r.calls[name]
		if acc.call.Outcome == "" {
			acc.call.Outcome = models.OutcomeError
			acc.call.Cause = models.CauseUpstreamError
			acc.call.FinishedAt = time.Now().UTC()
		}
		acc.call.Text = acc.text.String()
		switch acc.call.Outcome {
		case models.OutcomeSuccess:
			succeeded++
			billed++
		case models.OutcomeSkipped:
		default:
			billed++
		}
		calls = append(calls, acc.call)
	}

	status := models.TurnPartial
	switch succeeded {
	case len(calls):
		status = models.TurnCompleted
	case 0:
		status = models.TurnFailed
	}

	charged, faulted := r.settle(ctx, succeeded, billed)
	var cause string
	if faulted {
		status = models.TurnPartial
		cause = models.CauseFinalizationFault
		charged = 0
	}
	if err := r.m.to(stateFor(status)); err != nil {
		o.logger.Error("finalize turn", "turn_id", r.turn.ID, "error", err)
	}

	r.turn.Status = status
	r.turn.CreditsCharged = charged
	r.turn.FinishedAt = time.Now().UTC()
	r.turn.Calls = calls
	if err := o.store.SaveTurn(ctx, r.turn); err != nil {
		o.logger.Error("persist turn", "turn_id", r.turn.ID, "error", err)
	}

	o.logger.Info("turn finished", "turn_id", r.turn.ID, "status", status, "credits_charged", charged,
		"entry_id", r.entry.ID, "succeeded", succeeded, "providers", len(calls))

	r.send(models.Envelope{
		Kind:           models.KindTurnComplete,
		TurnID:         r.turn.ID,
		Status:         status,
		CreditsCharged: charged,
		Cause:          cause,
	})
}

func stateFor(s models.TurnStatus) State {
	switch s {
	case models.TurnCompleted:
		return StateComplete
	case models.TurnFailed:
		return StateFailed
	default:
		return StatePartial
	}
}

// settle applies the billing policy to the turn's reservation: confirm on
// at least one success, reverse otherwise. Under the prorated policy the
// failed providers' share is credited back. faulted reports that the
// reservation could not be finalized.
func (r *round) settle(ctx context.Context, succeeded, billed int) (charged int64, faulted bool) {
	if r.entry.ID == "" {
		return 0, false
	}
	o := r.o
	id := r.entry.ID

	if succeeded == 0 {
		err := r.retry(ctx, "reverse", id, r.charge, models.EntryReversed, func(ctx context.Context) error {
			_, err := o.ledger.Reverse(ctx, id)
			return err
		})
		return 0, err != nil
	}

	err := r.retry(ctx, "confirm", id, r.charge, models.EntryConfirmed, func(ctx context.Context) error {
		_, err := o.ledger.Confirm(ctx, id)
		return err
	})
	if err != nil {
		return 0, true
	}
	charged = r.charge

	if o.cfg.Billing.PartialSuccess != config.PartialProrated || billed == 0 || succeeded == billed {
		return charged, false
	}
	refund := r.charge * int64(billed-succeeded) / int64(billed)
	if refund <= 0 {
		return charged, false
	}
	key := id + ":adjust"
	err = r.retry(ctx, "adjust", key, refund, models.EntryConfirmed, func(ctx context.Context) error {
		_, err := o.ledger.Adjust(ctx, r.turn.UserID, refund, key, r.turn.ID)
		return err
	})
	if err != nil {
		// The charge stands in full until the credit is reconciled.
		return charged, false
	}
	return charged - refund, false
}

// retry runs op up to the configured attempts. An invalid-state error is
// resolved by one re-read of the entry: if it already reached want the
// finalization counts as done. Exhausted retries are recorded as a fault.
func (r *round) retry(ctx context.Context, op, entryID string, amount int64, want models.EntryState, fn func(context.Context) error) error {
	o := r.o
	attempts := o.cfg.Ledger.FinalizeAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	made := 0
	for made < attempts {
		if made > 0 && !sleep(ctx, o.cfg.Ledger.RetryBackoff*time.Duration(made)) {
			break
		}
		made++
		if err = fn(ctx); err == nil {
			return nil
		}
		if errors.Is(err, ledger.ErrInvalidState) {
			if e, gerr := o.ledger.Get(ctx, entryID); gerr == nil && e.State == want {
				return nil
			}
			break
		}
		if errors.Is(err, ledger.ErrNotFound) {
			break
		}
		o.logger.Warn("ledger finalization failed", "turn_id", r.turn.ID, "entry_id", entryID,
			"operation", op, "attempt", made, "error", err)
	}

	r.recordFault(ctx, op, entryID, amount, made, err)
	return err
}

func (r *round) recordFault(ctx context.Context, op, entryID string, amount int64, attempts int, cause error) {
	o := r.o
	f := models.Fault{
		TurnID:    r.turn.ID,
		EntryID:   entryID,
		UserID:    r.turn.UserID,
		Operation: op,
		Amount:    amount,
		Error:     cause.Error(),
		Attempts:  attempts,
	}
	if o.alerts == nil {
		o.logger.Error("ledger finalization fault", "turn_id", f.TurnID, "entry_id", entryID, "operation", op, "error", cause)
		return
	}
	if _, err := o.alerts.Record(ctx, f); err != nil {
		o.logger.Error("record finalization fault", "turn_id", f.TurnID, "entry_id", entryID, "error", err, "fault", cause)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
