package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"vaultexecutor/src/custody"
	"vaultexecutor/src/ledger"
	"vaultexecutor/src/model"
	"vaultexecutor/src/oracle"
	"vaultexecutor/src/pricing"
	"vaultexecutor/src/trigger"
)

// ErrPositionNotFound is returned when the referenced position does not
// exist.
var ErrPositionNotFound = errors.New("engine: position not found")

// ErrNoTriggers is returned when an execution cycle is requested for a
// position without configured exit thresholds.
var ErrNoTriggers = errors.New("engine: position has no triggers configured")

// detachTimeout bounds state repair that must land even after the caller's
// context is gone, such as returning a claimed position to active.
const detachTimeout = 5 * time.Second

func detachedCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), detachTimeout)
}

// PositionStore is the slice of the position repository the engine needs.
// The store is the only component that mutates position status; the engine
// drives it exclusively through these conditional primitives.
type PositionStore interface {
	FindByID(ctx context.Context, id uint) (*model.Position, error)
	CompareAndSetStatus(ctx context.Context, id uint, expected, next string) (bool, error)
	ClaimExecution(ctx context.Context, id uint, expected, nonce, kind string) (bool, error)
	MarkSettled(ctx context.Context, id uint, terminalStatus, settlementRef string, executedAt time.Time) error
}

// EventStore records the append-only audit log.
type EventStore interface {
	Append(ctx context.Context, event *model.ExecutionEvent) error
}

// VaultStore adjusts custody bookkeeping after a payout.
type VaultStore interface {
	AdjustBalance(ctx context.Context, id uint, delta decimal.Decimal) error
}

// Outcome is what one evaluation or execution cycle produced. Every
// outcome, positive or not, has a distinguishable decision and reason.
type Outcome struct {
	ShouldExecute bool            `json:"should_execute"`
	Executed      bool            `json:"executed"`
	Kind          string          `json:"kind"`
	Decision      string          `json:"decision"`
	Reason        string          `json:"reason"`
	Price         decimal.Decimal `json:"price"`
	Confidence    decimal.Decimal `json:"confidence"`
	SettlementRef string          `json:"settlement_ref,omitempty"`
}

// Engine orchestrates the pull → commit → validate → evaluate → execute
// flow per position. It holds no persistent state of its own: everything
// goes through the injected stores.
type Engine struct {
	oracle    oracle.Client
	ledger    ledger.Ledger
	custody   custody.Custody
	positions PositionStore
	events    EventStore
	vaults    VaultStore

	policy pricing.TriggerPolicy

	payoutAttempts int
	backoffBase    time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an engine from its collaborators and the deployment default
// policy.
func New(
	oracleClient oracle.Client,
	chain ledger.Ledger,
	payer custody.Custody,
	positions PositionStore,
	events EventStore,
	vaults VaultStore,
	policy pricing.TriggerPolicy,
) *Engine {
	return &Engine{
		oracle:         oracleClient,
		ledger:         chain,
		custody:        payer,
		positions:      positions,
		events:         events,
		vaults:         vaults,
		policy:         policy,
		payoutAttempts: 3,
		backoffBase:    500 * time.Millisecond,
		now:            time.Now,
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Policy returns the engine's default trigger policy.
func (e *Engine) Policy() pricing.TriggerPolicy {
	return e.policy
}

// CheckTriggers runs one read-only evaluation cycle: it fetches, commits
// and validates a fresh price and reports what Execute would do, without
// touching position state.
func (e *Engine) CheckTriggers(ctx context.Context, positionID uint, policy pricing.TriggerPolicy) (Outcome, error) {
	pos, err := e.positions.FindByID(ctx, positionID)
	if err != nil {
		return Outcome{}, err
	}
	if pos == nil {
		return Outcome{}, ErrPositionNotFound
	}

	if pos.Status != model.PositionStatusActive {
		return Outcome{
			Decision: model.DecisionNotExecuted,
			Kind:     model.TriggerKindNone,
			Reason:   fmt.Sprintf("position is %s; only active positions are evaluated", pos.Status),
		}, nil
	}
	if !pos.HasTriggers() {
		return Outcome{}, ErrNoTriggers
	}

	cycle, err := e.runPriceCycle(ctx, pos.FeedID, policy)
	if err != nil {
		e.appendEvent(ctx, pos, cycle, model.TriggerKindNone, model.DecisionError, err.Error(), "", "")
		return Outcome{Decision: model.DecisionError, Kind: model.TriggerKindNone, Reason: err.Error()}, err
	}
	if cycle.reject != pricing.RejectNone {
		decision := rejectDecision(cycle.reject)
		reason := rejectReasonText(cycle.reject, policy)
		e.appendEvent(ctx, pos, cycle, model.TriggerKindNone, decision, reason, "", "")
		return Outcome{Decision: decision, Kind: model.TriggerKindNone, Reason: reason}, nil
	}

	decision := trigger.Evaluate(pos, cycle.reading)
	e.appendEvent(ctx, pos, cycle, decision.Kind, model.DecisionNotExecuted, decision.Reason, "", "")

	return Outcome{
		ShouldExecute: decision.ShouldExecute,
		Kind:          decision.Kind,
		Decision:      model.DecisionNotExecuted,
		Reason:        decision.Reason,
		Price:         cycle.reading.Price,
		Confidence:    cycle.reading.Confidence,
	}, nil
}

// Execute runs one full evaluation cycle and, when a trigger condition is
// met, pays the position out exactly once.
func (e *Engine) Execute(ctx context.Context, positionID uint, policy pricing.TriggerPolicy) (Outcome, error) {
	return e.run(ctx, positionID, policy, false)
}

// EmergencyExit closes a position on the owner's explicit request. It
// bypasses trigger evaluation but still requires a validated current price
// for settlement bookkeeping.
func (e *Engine) EmergencyExit(ctx context.Context, positionID uint, policy pricing.TriggerPolicy) (Outcome, error) {
	return e.run(ctx, positionID, policy, true)
}

func (e *Engine) run(ctx context.Context, positionID uint, policy pricing.TriggerPolicy, manual bool) (Outcome, error) {
	pos, err := e.positions.FindByID(ctx, positionID)
	if err != nil {
		return Outcome{}, err
	}
	if pos == nil {
		return Outcome{}, ErrPositionNotFound
	}

	// A position stuck in executing has an in-flight payout whose
	// confirmation we never observed. Resume it idempotently with the
	// nonce it was claimed with.
	if pos.Status == model.PositionStatusExecuting && pos.ExecutionNonce != "" {
		kind := pos.ClaimedKind
		if kind == "" {
			kind = model.TriggerKindManual
		}
		return e.settle(ctx, pos, priceCycle{}, kind, "resumed in-flight execution")
	}

	if pos.Status != model.PositionStatusActive {
		return Outcome{
			Decision: model.DecisionNotExecuted,
			Kind:     model.TriggerKindNone,
			Reason:   fmt.Sprintf("position is %s; only active positions are evaluated", pos.Status),
		}, nil
	}
	if !manual && !pos.HasTriggers() {
		return Outcome{}, ErrNoTriggers
	}

	moved, err := e.positions.CompareAndSetStatus(ctx, pos.ID, model.PositionStatusActive, model.PositionStatusEvaluating)
	if err != nil {
		return Outcome{}, err
	}
	if !moved {
		return Outcome{
			Decision: model.DecisionNotExecuted,
			Kind:     model.TriggerKindNone,
			Reason:   "another evaluation cycle owns this position; it will be retried next tick",
		}, nil
	}

	cycle, err := e.runPriceCycle(ctx, pos.FeedID, policy)
	if err != nil {
		// The cycle often fails precisely because ctx died, so the audit
		// record goes through a detached context of its own.
		auditCtx, cancel := detachedCtx()
		e.appendEvent(auditCtx, pos, cycle, model.TriggerKindNone, model.DecisionError, err.Error(), "", "")
		cancel()
		e.revertToActive(pos.ID)
		return Outcome{Decision: model.DecisionError, Kind: model.TriggerKindNone, Reason: err.Error()}, err
	}
	if cycle.reject != pricing.RejectNone {
		decision := rejectDecision(cycle.reject)
		reason := rejectReasonText(cycle.reject, policy)
		e.appendEvent(ctx, pos, cycle, model.TriggerKindNone, decision, reason, "", "")
		e.revertToActive(pos.ID)
		return Outcome{Decision: decision, Kind: model.TriggerKindNone, Reason: reason}, nil
	}

	kind := model.TriggerKindManual
	if !manual {
		decision := trigger.Evaluate(pos, cycle.reading)
		if !decision.ShouldExecute {
			e.appendEvent(ctx, pos, cycle, decision.Kind, model.DecisionNotExecuted, decision.Reason, "", "")
			e.revertToActive(pos.ID)
			return Outcome{
				Decision:   model.DecisionNotExecuted,
				Kind:       decision.Kind,
				Reason:     decision.Reason,
				Price:      cycle.reading.Price,
				Confidence: cycle.reading.Confidence,
			}, nil
		}
		kind = decision.Kind
	}

	nonce := uuid.New().String()
	claimed, err := e.positions.ClaimExecution(ctx, pos.ID, model.PositionStatusEvaluating, nonce, kind)
	if err != nil {
		e.revertToActive(pos.ID)
		return Outcome{}, err
	}
	if !claimed {
		e.revertToActive(pos.ID)
		return Outcome{
			Decision: model.DecisionNotExecuted,
			Kind:     model.TriggerKindNone,
			Reason:   "lost the execution claim race",
		}, nil
	}
	pos.ExecutionNonce = nonce

	return e.settle(ctx, pos, cycle, kind, "")
}

// settle pays the claimed position out. From here on the position is past
// the at-most-once gate: transient failures retry with backoff, and when
// retries run out the position stays in executing so a later cycle resumes
// the payout with the same nonce.
func (e *Engine) settle(ctx context.Context, pos *model.Position, cycle priceCycle, kind, note string) (Outcome, error) {
	req := custody.PayoutRequest{
		VaultID:    pos.VaultID,
		PositionID: pos.ID,
		Amount:     pos.Amount,
		Recipient:  pos.OwnerAddress,
		Nonce:      pos.ExecutionNonce,
	}

	var settlementRef string
	var lastErr error

	for attempt := 1; attempt <= e.payoutAttempts; attempt++ {
		settlementRef, lastErr = e.custody.Payout(ctx, req)
		if lastErr == nil {
			break
		}

		if errors.Is(lastErr, custody.ErrPayoutRejected) {
			// Deterministic refusal: freeze for operator intervention,
			// never silently retry or revert.
			reason := fmt.Sprintf("payout rejected by custody: %v", lastErr)
			freezeCtx, cancel := detachedCtx()
			e.appendEvent(freezeCtx, pos, cycle, kind, model.DecisionError, reason, "", pos.ExecutionNonce)
			if _, casErr := e.positions.CompareAndSetStatus(freezeCtx, pos.ID, model.PositionStatusExecuting, model.PositionStatusExecutionFailed); casErr != nil {
				logger.WithError(casErr).WithField("position_id", pos.ID).Error("failed to freeze position after fatal payout rejection")
			}
			cancel()
			return Outcome{Decision: model.DecisionError, Kind: kind, Reason: reason}, lastErr
		}

		logger.WithError(lastErr).WithFields(map[string]interface{}{
			"position_id": pos.ID,
			"attempt":     attempt,
		}).Warn("payout attempt failed, backing off")

		if attempt < e.payoutAttempts {
			if err := e.sleep(ctx, e.backoffBase*(1<<uint(attempt-1))); err != nil {
				lastErr = err
				break
			}
		}
	}

	if lastErr != nil {
		// Funds may be mid-flight: keep the position in executing with its
		// nonce so the next cycle resumes instead of re-evaluating.
		reason := fmt.Sprintf("payout not confirmed after %d attempts: %v", e.payoutAttempts, lastErr)
		auditCtx, cancel := detachedCtx()
		e.appendEvent(auditCtx, pos, cycle, kind, model.DecisionError, reason, "", pos.ExecutionNonce)
		cancel()
		return Outcome{Decision: model.DecisionError, Kind: kind, Reason: reason}, lastErr
	}

	terminal := model.PositionStatusTriggered
	if kind == model.TriggerKindManual {
		terminal = model.PositionStatusEmergencyExited
	}

	executedAt := e.now().UTC()
	if err := e.positions.MarkSettled(ctx, pos.ID, terminal, settlementRef, executedAt); err != nil {
		logger.WithError(err).WithField("position_id", pos.ID).Error("payout succeeded but settling the position failed")
		return Outcome{}, err
	}

	if err := e.vaults.AdjustBalance(ctx, pos.VaultID, pos.Amount.Neg()); err != nil {
		logger.WithError(err).WithFields(map[string]interface{}{
			"position_id": pos.ID,
			"vault_id":    pos.VaultID,
		}).Error("vault balance bookkeeping failed after payout")
	}

	reason := note
	if reason == "" {
		reason = fmt.Sprintf("position exited as %s", kind)
	}
	e.appendEvent(ctx, pos, cycle, kind, model.DecisionExecuted, reason, settlementRef, pos.ExecutionNonce)

	logger.WithFields(map[string]interface{}{
		"position_id":    pos.ID,
		"kind":           kind,
		"settlement_ref": settlementRef,
	}).Info("position executed")

	return Outcome{
		ShouldExecute: true,
		Executed:      true,
		Kind:          kind,
		Decision:      model.DecisionExecuted,
		Reason:        reason,
		Price:         cycle.reading.Price,
		Confidence:    cycle.reading.Confidence,
		SettlementRef: settlementRef,
	}, nil
}

// priceCycle carries the intermediate product of one fetch → commit →
// read-back → validate pass.
type priceCycle struct {
	reading pricing.PriceReading
	reject  pricing.RejectReason
	txHash  string
}

// runPriceCycle pulls a signed update, commits it on-chain, reads the
// committed price back and gates it through the validator. Each step's
// failure short-circuits; no locks are held across these calls.
func (e *Engine) runPriceCycle(ctx context.Context, feedID string, policy pricing.TriggerPolicy) (priceCycle, error) {
	payload, err := e.oracle.FetchUpdate(ctx, []string{feedID})
	if err != nil {
		return priceCycle{}, fmt.Errorf("fetch update: %w", err)
	}

	fee, err := e.ledger.QuoteFee(ctx, payload)
	if err != nil {
		return priceCycle{}, fmt.Errorf("quote fee: %w", err)
	}

	commit, err := e.ledger.CommitPrice(ctx, payload, fee)
	if err != nil {
		return priceCycle{}, fmt.Errorf("commit price: %w", err)
	}

	raw, err := e.ledger.ReadPrice(ctx, feedID, policy.MaxStaleness)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFresh) {
			return priceCycle{reject: pricing.RejectStale, txHash: commit.TxHash}, nil
		}
		return priceCycle{txHash: commit.TxHash}, fmt.Errorf("read price: %w", err)
	}

	reading, reject, err := pricing.Validate(raw, policy, e.now().UTC(), commit.CommittedAt)
	if err != nil {
		return priceCycle{txHash: commit.TxHash}, err
	}

	return priceCycle{reading: reading, reject: reject, txHash: commit.TxHash}, nil
}

// revertToActive returns a claimed position to active on a detached
// context. The cycle that failed may have failed because the caller's
// context was cancelled; issuing the revert on that same context would
// strand the position in evaluating with its triggers disarmed.
func (e *Engine) revertToActive(positionID uint) {
	ctx, cancel := detachedCtx()
	defer cancel()
	if _, err := e.positions.CompareAndSetStatus(ctx, positionID, model.PositionStatusEvaluating, model.PositionStatusActive); err != nil {
		logger.WithError(err).WithField("position_id", positionID).Error("failed to return position to active")
	}
}

func (e *Engine) appendEvent(ctx context.Context, pos *model.Position, cycle priceCycle, kind, decision, reason, settlementRef, nonce string) {
	event := &model.ExecutionEvent{
		PositionID:     pos.ID,
		TriggerKind:    kind,
		Decision:       decision,
		Reason:         reason,
		FeedID:         pos.FeedID,
		CommitTxHash:   cycle.txHash,
		SettlementRef:  settlementRef,
		ExecutionNonce: nonce,
	}

	if cycle.reject == pricing.RejectNone && !cycle.reading.Price.IsZero() {
		event.Price = cycle.reading.Price
		event.Confidence = cycle.reading.Confidence
		event.Expo = cycle.reading.Expo
		publishedAt := cycle.reading.PublishedAt
		committedAt := cycle.reading.CommittedAt
		event.PublishedAt = &publishedAt
		event.CommittedAt = &committedAt
	}

	if err := e.events.Append(ctx, event); err != nil {
		logger.WithError(err).WithField("position_id", pos.ID).Error("failed to append execution event")
	}
}

func rejectDecision(reject pricing.RejectReason) string {
	if reject == pricing.RejectStale {
		return model.DecisionRejectedStale
	}
	return model.DecisionRejectedLowConfidence
}

func rejectReasonText(reject pricing.RejectReason, policy pricing.TriggerPolicy) string {
	if reject == pricing.RejectStale {
		return fmt.Sprintf("oracle reading older than %s", policy.MaxStaleness)
	}
	return fmt.Sprintf("confidence band wider than %d bps of price", policy.MaxConfidenceBps)
}
