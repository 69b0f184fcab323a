package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"vaultexecutor/src/engine"
	"vaultexecutor/src/model"
	"vaultexecutor/src/pricing"
	"vaultexecutor/src/repository"
)

type positionStore interface {
	FindByID(ctx context.Context, id uint) (*model.Position, error)
	SetTriggers(ctx context.Context, id uint, stopLoss, takeProfit decimal.Decimal) error
}

type eventLister interface {
	ListByPosition(ctx context.Context, positionID uint) ([]model.ExecutionEvent, error)
}

// triggerEngine is the engine surface the API needs.
type triggerEngine interface {
	CheckTriggers(ctx context.Context, positionID uint, policy pricing.TriggerPolicy) (engine.Outcome, error)
	Execute(ctx context.Context, positionID uint, policy pricing.TriggerPolicy) (engine.Outcome, error)
	EmergencyExit(ctx context.Context, positionID uint, policy pricing.TriggerPolicy) (engine.Outcome, error)
	Policy() pricing.TriggerPolicy
}

type setTriggersRequest struct {
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
}

// SetTriggersHandler attaches exit thresholds to a position. Invalid
// configurations are rejected here, before any persistence.
func SetTriggersHandler(positions positionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		positionID, ok := parseIDParam(w, r, "positionID")
		if !ok {
			return
		}

		var req setTriggersRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.StopLossPrice.GreaterThanOrEqual(req.TakeProfitPrice) {
			http.Error(w, "stop_loss_price must be below take_profit_price", http.StatusBadRequest)
			return
		}

		err := positions.SetTriggers(r.Context(), positionID, req.StopLossPrice, req.TakeProfitPrice)
		switch {
		case errors.Is(err, repository.ErrInvalidTriggers):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, gorm.ErrRecordNotFound):
			http.Error(w, "position not found or not active", http.StatusNotFound)
			return
		case err != nil:
			logger.WithError(err).Error("failed to set triggers")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// CheckTriggersHandler runs a read-only evaluation cycle and reports what
// an execution would decide, without executing.
func CheckTriggersHandler(eng triggerEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		positionID, ok := parseIDParam(w, r, "positionID")
		if !ok {
			return
		}

		policy, err := policyFromQuery(r, eng.Policy())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		outcome, err := eng.CheckTriggers(r.Context(), positionID, policy)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"should_execute": outcome.ShouldExecute,
			"kind":           outcome.Kind,
			"current_price":  outcome.Price,
			"confidence":     outcome.Confidence,
			"decision":       outcome.Decision,
			"reason":         outcome.Reason,
		})
	}
}

type executeRequest struct {
	MaxStaleSeconds  int64 `json:"max_stale_seconds"`
	MaxConfidenceBps int64 `json:"max_confidence_bps"`
}

// ExecutePositionHandler runs a full evaluation-and-execute cycle for one
// position.
func ExecutePositionHandler(eng triggerEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		positionID, ok := parseIDParam(w, r, "positionID")
		if !ok {
			return
		}

		var req executeRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
		}
		if req.MaxStaleSeconds < 0 || req.MaxConfidenceBps < 0 {
			http.Error(w, "overrides must be non-negative", http.StatusBadRequest)
			return
		}

		policy := eng.Policy().Override(time.Duration(req.MaxStaleSeconds)*time.Second, req.MaxConfidenceBps)

		outcome, err := eng.Execute(r.Context(), positionID, policy)
		if err != nil && !outcome.Executed {
			if errors.Is(err, engine.ErrPositionNotFound) || errors.Is(err, engine.ErrNoTriggers) {
				writeEngineError(w, err)
				return
			}
			// The cycle failed but the failure itself is an auditable
			// outcome; report it rather than masking as a bare 500.
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"executed": false,
				"decision": outcome.Decision,
				"reason":   outcome.Reason,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"executed":       outcome.Executed,
			"kind":           outcome.Kind,
			"decision":       outcome.Decision,
			"reason":         outcome.Reason,
			"settlement_ref": outcome.SettlementRef,
		})
	}
}

// EmergencyExitHandler closes a position on the owner's explicit request.
func EmergencyExitHandler(eng triggerEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		positionID, ok := parseIDParam(w, r, "positionID")
		if !ok {
			return
		}

		outcome, err := eng.EmergencyExit(r.Context(), positionID, eng.Policy())
		if err != nil && !outcome.Executed {
			if errors.Is(err, engine.ErrPositionNotFound) {
				writeEngineError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"executed": false,
				"decision": outcome.Decision,
				"reason":   outcome.Reason,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"executed":       outcome.Executed,
			"kind":           outcome.Kind,
			"settlement_ref": outcome.SettlementRef,
			"reason":         outcome.Reason,
		})
	}
}

// GetPositionHandler returns a position snapshot.
func GetPositionHandler(positions positionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		positionID, ok := parseIDParam(w, r, "positionID")
		if !ok {
			return
		}

		pos, err := positions.FindByID(r.Context(), positionID)
		if err != nil {
			logger.WithError(err).Error("failed to load position")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if pos == nil {
			http.Error(w, "position not found", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, pos)
	}
}

// ListEventsHandler returns the append-only audit log for a position,
// oldest first.
func ListEventsHandler(events eventLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		positionID, ok := parseIDParam(w, r, "positionID")
		if !ok {
			return
		}

		out, err := events.ListByPosition(r.Context(), positionID)
		if err != nil {
			logger.WithError(err).Error("failed to list execution events")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, out)
	}
}

func policyFromQuery(r *http.Request, base pricing.TriggerPolicy) (pricing.TriggerPolicy, error) {
	q := r.URL.Query()

	var maxStale time.Duration
	if v := q.Get("maxStaleSeconds"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return pricing.TriggerPolicy{}, fmt.Errorf("maxStaleSeconds %q must be a non-negative integer", v)
		}
		maxStale = time.Duration(n) * time.Second
	}
	var maxBps int64
	if v := q.Get("maxConfidenceBps"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return pricing.TriggerPolicy{}, fmt.Errorf("maxConfidenceBps %q must be a non-negative integer", v)
		}
		maxBps = n
	}

	return base.Override(maxStale, maxBps), nil
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrPositionNotFound):
		http.Error(w, "position not found", http.StatusNotFound)
	case errors.Is(err, engine.ErrNoTriggers):
		http.Error(w, "position has no triggers configured", http.StatusBadRequest)
	default:
		logger.WithError(err).Error("engine call failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
