package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"vaultexecutor/src/engine"
	"vaultexecutor/src/model"
	"vaultexecutor/src/pricing"
	"vaultexecutor/src/repository"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func withURLParam(req *http.Request, name, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(name, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

type mockPositionStore struct {
	position    *model.Position
	findErr     error
	triggersErr error
	setCalls    int
	gotStopLoss decimal.Decimal
	gotTakeProf decimal.Decimal
}

func (m *mockPositionStore) FindByID(_ context.Context, _ uint) (*model.Position, error) {
	return m.position, m.findErr
}

func (m *mockPositionStore) SetTriggers(_ context.Context, _ uint, stopLoss, takeProfit decimal.Decimal) error {
	m.setCalls++
	m.gotStopLoss = stopLoss
	m.gotTakeProf = takeProfit
	return m.triggersErr
}

type mockEngine struct {
	outcome engine.Outcome
	err     error
	calls   int
	policy  pricing.TriggerPolicy
}

func (m *mockEngine) CheckTriggers(_ context.Context, _ uint, policy pricing.TriggerPolicy) (engine.Outcome, error) {
	m.calls++
	m.policy = policy
	return m.outcome, m.err
}

func (m *mockEngine) Execute(_ context.Context, _ uint, policy pricing.TriggerPolicy) (engine.Outcome, error) {
	m.calls++
	m.policy = policy
	return m.outcome, m.err
}

func (m *mockEngine) EmergencyExit(_ context.Context, _ uint, policy pricing.TriggerPolicy) (engine.Outcome, error) {
	m.calls++
	m.policy = policy
	return m.outcome, m.err
}

func (m *mockEngine) Policy() pricing.TriggerPolicy {
	return pricing.TriggerPolicy{MaxStaleness: 60 * time.Second, MaxConfidenceBps: 100}
}

func TestSetTriggersHandler_InvalidID(t *testing.T) {
	handler := SetTriggersHandler(&mockPositionStore{})

	req := httptest.NewRequest(http.MethodPut, "/positions/abc/triggers", strings.NewReader(`{}`))
	req = withURLParam(req, "positionID", "abc")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSetTriggersHandler_InvertedThresholds(t *testing.T) {
	store := &mockPositionStore{}
	handler := SetTriggersHandler(store)

	body := `{"stop_loss_price": "3500", "take_profit_price": "2700"}`
	req := withURLParam(httptest.NewRequest(http.MethodPut, "/positions/7/triggers", strings.NewReader(body)), "positionID", "7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if store.setCalls != 0 {
		t.Fatalf("expected no repository call for an inverted configuration")
	}
}

func TestSetTriggersHandler_InvariantRejectedByStore(t *testing.T) {
	store := &mockPositionStore{triggersErr: repository.ErrInvalidTriggers}
	handler := SetTriggersHandler(store)

	body := `{"stop_loss_price": "3100", "take_profit_price": "3500"}`
	req := withURLParam(httptest.NewRequest(http.MethodPut, "/positions/7/triggers", strings.NewReader(body)), "positionID", "7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSetTriggersHandler_NotFound(t *testing.T) {
	store := &mockPositionStore{triggersErr: gorm.ErrRecordNotFound}
	handler := SetTriggersHandler(store)

	body := `{"stop_loss_price": "2700", "take_profit_price": "3500"}`
	req := withURLParam(httptest.NewRequest(http.MethodPut, "/positions/7/triggers", strings.NewReader(body)), "positionID", "7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSetTriggersHandler_Success(t *testing.T) {
	store := &mockPositionStore{}
	handler := SetTriggersHandler(store)

	body := `{"stop_loss_price": "2700", "take_profit_price": "3500"}`
	req := withURLParam(httptest.NewRequest(http.MethodPut, "/positions/7/triggers", strings.NewReader(body)), "positionID", "7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if !store.gotStopLoss.Equal(d("2700")) || !store.gotTakeProf.Equal(d("3500")) {
		t.Fatalf("thresholds not forwarded: %s / %s", store.gotStopLoss, store.gotTakeProf)
	}
}

func TestCheckTriggersHandler_Success(t *testing.T) {
	eng := &mockEngine{outcome: engine.Outcome{
		ShouldExecute: true,
		Kind:          model.TriggerKindStopLoss,
		Decision:      model.DecisionNotExecuted,
		Price:         d("2650"),
	}}
	handler := CheckTriggersHandler(eng)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/positions/7/check", nil), "positionID", "7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	assert.Contains(t, rr.Body.String(), `"should_execute":true`)
	assert.Contains(t, rr.Body.String(), model.TriggerKindStopLoss)
}

func TestCheckTriggersHandler_QueryOverrides(t *testing.T) {
	eng := &mockEngine{}
	handler := CheckTriggersHandler(eng)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/positions/7/check?maxStaleSeconds=10&maxConfidenceBps=250", nil), "positionID", "7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if eng.policy.MaxStaleness.Seconds() != 10 {
		t.Fatalf("expected staleness override, got %s", eng.policy.MaxStaleness)
	}
	if eng.policy.MaxConfidenceBps != 250 {
		t.Fatalf("expected confidence override, got %d", eng.policy.MaxConfidenceBps)
	}
}

func TestCheckTriggersHandler_MalformedOverridesRejected(t *testing.T) {
	eng := &mockEngine{}
	handler := CheckTriggersHandler(eng)

	for _, query := range []string{"maxStaleSeconds=soon", "maxConfidenceBps=-5", "maxConfidenceBps=2.5"} {
		req := withURLParam(httptest.NewRequest(http.MethodPost, "/positions/7/check?"+query, nil), "positionID", "7")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rr.Code)
		}
	}
	if eng.calls != 0 {
		t.Fatalf("expected no engine call for malformed overrides")
	}
}

func TestExecutePositionHandler_NotFound(t *testing.T) {
	eng := &mockEngine{err: engine.ErrPositionNotFound}
	handler := ExecutePositionHandler(eng)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/positions/99/execute", nil), "positionID", "99")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestExecutePositionHandler_NegativeOverride(t *testing.T) {
	eng := &mockEngine{}
	handler := ExecutePositionHandler(eng)

	body := strings.NewReader(`{"max_stale_seconds": -5}`)
	req := withURLParam(httptest.NewRequest(http.MethodPost, "/positions/7/execute", body), "positionID", "7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if eng.calls != 0 {
		t.Fatalf("expected no engine call")
	}
}

func TestExecutePositionHandler_Executed(t *testing.T) {
	eng := &mockEngine{outcome: engine.Outcome{
		ShouldExecute: true,
		Executed:      true,
		Kind:          model.TriggerKindStopLoss,
		Decision:      model.DecisionExecuted,
		SettlementRef: "settle-abc",
	}}
	handler := ExecutePositionHandler(eng)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/positions/7/execute", nil), "positionID", "7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	assert.Contains(t, rr.Body.String(), `"executed":true`)
	assert.Contains(t, rr.Body.String(), "settle-abc")
}

func TestExecutePositionHandler_CycleFailureIsAuditable(t *testing.T) {
	eng := &mockEngine{
		outcome: engine.Outcome{Decision: model.DecisionError, Reason: "fetch update: connection refused"},
		err:     assert.AnError,
	}
	handler := ExecutePositionHandler(eng)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/positions/7/execute", nil), "positionID", "7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with failure payload, got %d", rr.Code)
	}
	assert.Contains(t, rr.Body.String(), `"executed":false`)
	assert.Contains(t, rr.Body.String(), model.DecisionError)
}

func TestEmergencyExitHandler_Success(t *testing.T) {
	eng := &mockEngine{outcome: engine.Outcome{
		Executed:      true,
		Kind:          model.TriggerKindManual,
		Decision:      model.DecisionExecuted,
		SettlementRef: "settle-exit",
	}}
	handler := EmergencyExitHandler(eng)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/positions/7/emergency-exit", nil), "positionID", "7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	assert.Contains(t, rr.Body.String(), model.TriggerKindManual)
}

func TestGetPositionHandler_NotFound(t *testing.T) {
	handler := GetPositionHandler(&mockPositionStore{})

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/positions/99", nil), "positionID", "99")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestGetPositionHandler_Success(t *testing.T) {
	pos := &model.Position{ID: 7, Status: model.PositionStatusActive, FeedID: "feed"}
	handler := GetPositionHandler(&mockPositionStore{position: pos})

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/positions/7", nil), "positionID", "7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	assert.Contains(t, rr.Body.String(), `"status":"active"`)
}

type mockEventLister struct {
	events []model.ExecutionEvent
	err    error
}

func (m *mockEventLister) ListByPosition(_ context.Context, _ uint) ([]model.ExecutionEvent, error) {
	return m.events, m.err
}

func TestListEventsHandler_RepoError(t *testing.T) {
	handler := ListEventsHandler(&mockEventLister{err: assert.AnError})

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/positions/7/events", nil), "positionID", "7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestListEventsHandler_Success(t *testing.T) {
	events := []model.ExecutionEvent{
		{ID: 1, PositionID: 7, Decision: model.DecisionRejectedStale, TriggerKind: model.TriggerKindNone},
		{ID: 2, PositionID: 7, Decision: model.DecisionExecuted, TriggerKind: model.TriggerKindStopLoss},
	}
	handler := ListEventsHandler(&mockEventLister{events: events})

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/positions/7/events", nil), "positionID", "7")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	assert.Contains(t, rr.Body.String(), model.DecisionRejectedStale)
	assert.Contains(t, rr.Body.String(), model.DecisionExecuted)
}
