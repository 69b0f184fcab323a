package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"vaultexecutor/src/model"
	"vaultexecutor/src/oracle"
)

type mockVaultStore struct {
	vault       *model.Vault
	createErr   error
	adjustErr   error
	deactErr    error
	adjustments []decimal.Decimal
}

func (m *mockVaultStore) Create(_ context.Context, vault *model.Vault) error {
	if m.createErr != nil {
		return m.createErr
	}
	vault.ID = 3
	return nil
}

func (m *mockVaultStore) FindByID(_ context.Context, _ uint) (*model.Vault, error) {
	return m.vault, nil
}

func (m *mockVaultStore) AdjustBalance(_ context.Context, _ uint, delta decimal.Decimal) error {
	m.adjustments = append(m.adjustments, delta)
	return m.adjustErr
}

func (m *mockVaultStore) Deactivate(_ context.Context, _ uint) error {
	return m.deactErr
}

type mockPositionCreator struct {
	created *model.Position
	err     error
}

func (m *mockPositionCreator) Create(_ context.Context, pos *model.Position) error {
	if m.err != nil {
		return m.err
	}
	pos.ID = 7
	m.created = pos
	return nil
}

type mockOracleClient struct {
	payload *oracle.UpdatePayload
	err     error
	calls   int
}

func (m *mockOracleClient) FetchUpdate(_ context.Context, _ []string) (*oracle.UpdatePayload, error) {
	m.calls++
	return m.payload, m.err
}

func activeVault() *model.Vault {
	return &model.Vault{ID: 3, Network: "base", ChainID: 8453, Asset: "USDC", Active: true}
}

func TestDeployVaultHandler_MissingFields(t *testing.T) {
	handler := DeployVaultHandler(&mockVaultStore{})

	req := httptest.NewRequest(http.MethodPost, "/vaults", strings.NewReader(`{"network": "base"}`))
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestDeployVaultHandler_Success(t *testing.T) {
	handler := DeployVaultHandler(&mockVaultStore{})

	body := `{"network": "base", "chain_id": 8453, "asset": "USDC"}`
	req := httptest.NewRequest(http.MethodPost, "/vaults", strings.NewReader(body))
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	assert.Contains(t, rr.Body.String(), `"vault_id":3`)
}

func TestDepositHandler_NonPositiveAmount(t *testing.T) {
	handler := DepositHandler(&mockVaultStore{vault: activeVault()}, &mockPositionCreator{}, &mockOracleClient{})

	body := `{"amount": "0", "owner_address": "0xaa", "feed_id": "feed"}`
	req := withURLParam(httptest.NewRequest(http.MethodPost, "/vaults/3/deposits", strings.NewReader(body)), "vaultID", "3")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestDepositHandler_InactiveVault(t *testing.T) {
	vault := activeVault()
	vault.Active = false
	handler := DepositHandler(&mockVaultStore{vault: vault}, &mockPositionCreator{}, &mockOracleClient{})

	body := `{"amount": "1.5", "owner_address": "0xaa", "feed_id": "feed"}`
	req := withURLParam(httptest.NewRequest(http.MethodPost, "/vaults/3/deposits", strings.NewReader(body)), "vaultID", "3")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDepositHandler_ExplicitEntryPrice(t *testing.T) {
	vaults := &mockVaultStore{vault: activeVault()}
	positions := &mockPositionCreator{}
	prices := &mockOracleClient{}
	handler := DepositHandler(vaults, positions, prices)

	body := `{"amount": "1.5", "owner_address": "0xaa", "feed_id": "0xFEED", "entry_price": "3000"}`
	req := withURLParam(httptest.NewRequest(http.MethodPost, "/vaults/3/deposits", strings.NewReader(body)), "vaultID", "3")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if prices.calls != 0 {
		t.Fatalf("oracle must not be queried when entry_price is provided")
	}
	if positions.created == nil || !positions.created.EntryPrice.Equal(d("3000")) {
		t.Fatalf("entry price not persisted")
	}
	if positions.created.FeedID != "feed" {
		t.Fatalf("expected normalized feed id, got %q", positions.created.FeedID)
	}
	if positions.created.DepositRef == "" {
		t.Fatalf("expected a deposit ref")
	}
	if len(vaults.adjustments) != 1 || !vaults.adjustments[0].Equal(d("1.5")) {
		t.Fatalf("expected vault credited with 1.5, got %v", vaults.adjustments)
	}
}

func TestDepositHandler_EntryPriceFromOracle(t *testing.T) {
	prices := &mockOracleClient{payload: &oracle.UpdatePayload{
		Binary: [][]byte{{0x01}},
		Updates: []oracle.PriceUpdate{{
			FeedID:        "feed",
			PriceMantissa: 300000000000,
			ConfMantissa:  95000000,
			Expo:          -8,
			PublishTime:   1748779200,
		}},
	}}
	positions := &mockPositionCreator{}
	handler := DepositHandler(&mockVaultStore{vault: activeVault()}, positions, prices)

	body := `{"amount": "1.5", "owner_address": "0xaa", "feed_id": "feed"}`
	req := withURLParam(httptest.NewRequest(http.MethodPost, "/vaults/3/deposits", strings.NewReader(body)), "vaultID", "3")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if prices.calls != 1 {
		t.Fatalf("expected one oracle fetch, got %d", prices.calls)
	}
	if positions.created == nil || !positions.created.EntryPrice.Equal(d("3000")) {
		t.Fatalf("expected oracle-derived entry price 3000, got %v", positions.created)
	}
}

func TestDepositHandler_OracleUnavailable(t *testing.T) {
	prices := &mockOracleClient{err: assert.AnError}
	handler := DepositHandler(&mockVaultStore{vault: activeVault()}, &mockPositionCreator{}, prices)

	body := `{"amount": "1.5", "owner_address": "0xaa", "feed_id": "feed"}`
	req := withURLParam(httptest.NewRequest(http.MethodPost, "/vaults/3/deposits", strings.NewReader(body)), "vaultID", "3")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}

func TestDeactivateVaultHandler_Success(t *testing.T) {
	handler := DeactivateVaultHandler(&mockVaultStore{})

	req := withURLParam(httptest.NewRequest(http.MethodDelete, "/vaults/3", nil), "vaultID", "3")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}
