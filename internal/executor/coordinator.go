// Package executor coordinates match dispatch against the delegated
// execution protocol, enforcing per-strategy limits and at-most-once
// placement per (strategy, listing) pair.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stakepilot/engine/internal/domain"
	"github.com/stakepilot/engine/internal/matcher"
)

// Notifier publishes operational events. Implementations must not block the
// tick; failures are the implementation's problem.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string)
}

// Coordinator drives one full evaluation-and-dispatch pass per tick. All
// mutable state (pending markers, halt flag) is owned by the instance.
type Coordinator struct {
	strategies domain.StrategyStore
	executions domain.ExecutionStore
	resolver   *matcher.SideResolver
	placer     domain.Placer
	permission domain.SpendPermission
	pending    *PendingSet
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	halted bool
}

// NewCoordinator wires a Coordinator. The notifier may be nil.
func NewCoordinator(
	strategies domain.StrategyStore,
	executions domain.ExecutionStore,
	resolver *matcher.SideResolver,
	placer domain.Placer,
	permission domain.SpendPermission,
	notifier Notifier,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		strategies: strategies,
		executions: executions,
		resolver:   resolver,
		placer:     placer,
		permission: permission,
		pending:    NewPendingSet(),
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "coordinator")),
		now:        time.Now,
	}
}

// SetClock overrides the coordinator's clock. Must be called before the
// first tick.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Halted reports whether the shared budget has been exhausted. A halted
// coordinator refuses further ticks.
func (c *Coordinator) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// ClearPending drops every in-flight marker. Called when the engine stops
// cleanly so a restart re-evaluates from history alone.
func (c *Coordinator) ClearPending() { c.pending.Clear() }

// PendingCount returns the number of live (strategy, listing) markers.
func (c *Coordinator) PendingCount() int { return c.pending.Len() }

// ProcessTick evaluates every active strategy against the snapshot and
// dispatches the resulting matches. It returns domain.ErrEngineHalted when
// the coordinator is already halted and domain.ErrBudgetExhausted when the
// shared budget runs out mid-tick; other per-match failures are recorded and
// do not abort the tick.
func (c *Coordinator) ProcessTick(ctx context.Context, snapshot []domain.Listing) error {
	if c.Halted() {
		return domain.ErrEngineHalted
	}

	active, err := c.strategies.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("executor: list active strategies: %w", err)
	}

	now := c.now().UTC()
	for _, s := range active {
		if s.Expired(now) {
			c.logger.Debug("strategy expired, skipping",
				slog.String("strategy_id", s.ID))
			continue
		}
		if err := c.processStrategy(ctx, s, snapshot, now); err != nil {
			if errors.Is(err, domain.ErrBudgetExhausted) {
				return err
			}
			return fmt.Errorf("executor: strategy %s: %w", s.ID, err)
		}
	}
	return nil
}

func (c *Coordinator) processStrategy(ctx context.Context, s domain.Strategy, snapshot []domain.Listing, now time.Time) error {
	matches := matcher.Evaluate(s, snapshot, now)
	if len(matches) == 0 {
		return nil
	}

	history, err := c.executions.ListByStrategy(ctx, s.ID, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	settled := settledListings(history)
	successToday := countSuccessOn(history, now)
	stakedDelta := int64(0)

	for _, m := range matches {
		if s.Limits != nil && s.Limits.MaxPerDay > 0 && successToday >= s.Limits.MaxPerDay {
			c.logger.Debug("daily limit reached",
				slog.String("strategy_id", s.ID),
				slog.Int("max_per_day", s.Limits.MaxPerDay))
			break
		}
		if s.Limits != nil && s.Limits.MaxTotalStakeMicro > 0 &&
			s.Stats.TotalStakedMicro+stakedDelta+s.Action.StakeMicro > s.Limits.MaxTotalStakeMicro {
			c.logger.Debug("cumulative stake limit reached",
				slog.String("strategy_id", s.ID))
			break
		}

		if settled[m.Listing.ID] {
			continue
		}
		if !c.pending.Mark(s.ID, m.Listing.ID) {
			continue
		}

		side, ok, err := c.resolver.Resolve(ctx, s, m)
		if err != nil {
			c.pending.Unmark(s.ID, m.Listing.ID)
			return fmt.Errorf("resolve side for %s: %w", m.Listing.ID, err)
		}
		if !ok {
			c.pending.Unmark(s.ID, m.Listing.ID)
			continue
		}

		placed, err := c.dispatch(ctx, s, m, side, now)
		if err != nil {
			return err
		}
		if placed {
			successToday++
			stakedDelta += s.Action.StakeMicro
		}
	}
	return nil
}

// dispatch places one stake and records the outcome. It returns whether the
// placement succeeded; a budget-exhaustion failure halts the coordinator and
// is returned as an error.
func (c *Coordinator) dispatch(ctx context.Context, s domain.Strategy, m domain.Match, side domain.Side, now time.Time) (bool, error) {
	log := c.logger.With(
		slog.String("strategy_id", s.ID),
		slog.String("listing_id", m.Listing.ID),
		slog.String("side", string(side)),
	)

	res, err := c.placer.Place(ctx, domain.PlacementRequest{
		ListingID:  m.Listing.ID,
		Side:       side,
		StakeMicro: s.Action.StakeMicro,
		Permission: c.permission,
	})

	if err == nil {
		exec := domain.Execution{
			ID:             uuid.New().String(),
			StrategyID:     s.ID,
			ListingID:      m.Listing.ID,
			Side:           side,
			StakeMicro:     s.Action.StakeMicro,
			Status:         domain.ExecutionSuccess,
			TxHash:         res.TxHash,
			Confidence:     m.Confidence,
			ConditionLabel: m.Label,
			CreatedAt:      now,
		}
		if err := c.executions.Create(ctx, exec); err != nil {
			return false, fmt.Errorf("record execution: %w", err)
		}
		if err := c.strategies.Patch(ctx, domain.StrategyPatch{
			ID:             s.ID,
			AddPredictions: 1,
			AddStakedMicro: s.Action.StakeMicro,
		}); err != nil {
			return false, fmt.Errorf("patch strategy stats: %w", err)
		}

		log.Info("stake placed",
			slog.String("tx_hash", res.TxHash),
			slog.Int64("stake_micro", s.Action.StakeMicro),
			slog.Int("confidence", m.Confidence))
		c.notify(ctx, "execution_placed", "Stake placed",
			fmt.Sprintf("%s staked %d micro on %s (%s)", s.Name, s.Action.StakeMicro, m.Listing.Question, side))
		return true, nil
	}

	exec := domain.Execution{
		ID:             uuid.New().String(),
		StrategyID:     s.ID,
		ListingID:      m.Listing.ID,
		Side:           side,
		StakeMicro:     s.Action.StakeMicro,
		Status:         domain.ExecutionFailed,
		Error:          err.Error(),
		Confidence:     m.Confidence,
		ConditionLabel: m.Label,
		CreatedAt:      now,
	}
	if recErr := c.executions.Create(ctx, exec); recErr != nil {
		log.Error("failed to record failed execution",
			slog.String("error", recErr.Error()))
	}

	if errors.Is(err, domain.ErrPermissionExhausted) || errors.Is(err, domain.ErrBudgetExhausted) {
		c.pending.Unmark(s.ID, m.Listing.ID)
		c.haltAll(ctx, err)
		return false, fmt.Errorf("executor: %w", domain.ErrBudgetExhausted)
	}

	if isTerminalListingErr(err) {
		// Listing is gone for good; keep the marker so the pair is
		// never retried.
		log.Warn("placement failed terminally", slog.String("error", err.Error()))
	} else {
		c.pending.Unmark(s.ID, m.Listing.ID)
		log.Warn("placement failed, will retry on a later tick",
			slog.String("error", err.Error()))
	}
	c.notify(ctx, "execution_failed", "Stake failed",
		fmt.Sprintf("%s on %s: %v", s.Name, m.Listing.Question, err))
	return false, nil
}

// haltAll pauses every active strategy and flips the one-way halt flag.
func (c *Coordinator) haltAll(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.halted {
		c.mu.Unlock()
		return
	}
	c.halted = true
	c.mu.Unlock()

	c.logger.Error("shared budget exhausted, halting engine",
		slog.String("cause", cause.Error()))

	active, err := c.strategies.ListActive(ctx)
	if err != nil {
		c.logger.Error("failed to list strategies during halt",
			slog.String("error", err.Error()))
	}
	paused := domain.StrategyStatusPaused
	for _, s := range active {
		if err := c.strategies.Patch(ctx, domain.StrategyPatch{ID: s.ID, Status: &paused}); err != nil {
			c.logger.Error("failed to pause strategy",
				slog.String("strategy_id", s.ID),
				slog.String("error", err.Error()))
		}
	}
	c.notify(ctx, "budget_exhausted", "Budget exhausted",
		fmt.Sprintf("all strategies paused: %v", cause))
}

func (c *Coordinator) notify(ctx context.Context, event, title, message string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(ctx, event, title, message)
}

// settledListings returns the listing IDs this strategy must never touch
// again: prior successes and prior failures against listings that no longer
// accept stakes.
func settledListings(history []domain.Execution) map[string]bool {
	settled := make(map[string]bool, len(history))
	for _, e := range history {
		switch e.Status {
		case domain.ExecutionSuccess:
			settled[e.ListingID] = true
		case domain.ExecutionFailed:
			if terminalErrorText(e.Error) {
				settled[e.ListingID] = true
			}
		}
	}
	return settled
}

func countSuccessOn(history []domain.Execution, now time.Time) int {
	y, m, d := now.UTC().Date()
	n := 0
	for _, e := range history {
		if e.Status != domain.ExecutionSuccess {
			continue
		}
		ey, em, ed := e.CreatedAt.UTC().Date()
		if ey == y && em == m && ed == d {
			n++
		}
	}
	return n
}

func isTerminalListingErr(err error) bool {
	return errors.Is(err, domain.ErrListingClosed) || terminalErrorText(err.Error())
}

func terminalErrorText(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"closed", "resolved", "cancelled", "canceled"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
