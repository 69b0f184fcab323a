package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"vaultexecutor/src/model"
	"vaultexecutor/src/oracle"
	"vaultexecutor/src/pricing"
	"vaultexecutor/src/repository"
)

type vaultStore interface {
	Create(ctx context.Context, vault *model.Vault) error
	FindByID(ctx context.Context, id uint) (*model.Vault, error)
	AdjustBalance(ctx context.Context, id uint, delta decimal.Decimal) error
	Deactivate(ctx context.Context, id uint) error
}

type positionCreator interface {
	Create(ctx context.Context, pos *model.Position) error
}

type deployVaultRequest struct {
	Network string `json:"network"`
	ChainID int64  `json:"chain_id"`
	Asset   string `json:"asset"`
}

// DeployVaultHandler creates a vault bound to one network and asset.
func DeployVaultHandler(vaults vaultStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deployVaultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Network == "" || req.Asset == "" {
			http.Error(w, "network and asset are required", http.StatusBadRequest)
			return
		}

		vault := &model.Vault{
			Network: req.Network,
			ChainID: req.ChainID,
			Asset:   req.Asset,
			Active:  true,
		}
		if err := vaults.Create(r.Context(), vault); err != nil {
			logger.WithError(err).Error("failed to deploy vault")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]interface{}{"vault_id": vault.ID})
	}
}

type depositRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	OwnerAddress string          `json:"owner_address"`
	FeedID       string          `json:"feed_id"`
	// EntryPrice is optional; when omitted the current oracle price is
	// used for bookkeeping.
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// DepositHandler accepts a deposit into a vault and opens the position that
// tracks it.
func DepositHandler(vaults vaultStore, positions positionCreator, prices oracle.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vaultID, ok := parseIDParam(w, r, "vaultID")
		if !ok {
			return
		}

		var req depositRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if !req.Amount.IsPositive() {
			http.Error(w, "amount must be positive", http.StatusBadRequest)
			return
		}
		if req.OwnerAddress == "" || req.FeedID == "" {
			http.Error(w, "owner_address and feed_id are required", http.StatusBadRequest)
			return
		}

		vault, err := vaults.FindByID(r.Context(), vaultID)
		if err != nil {
			logger.WithError(err).Error("failed to load vault")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if vault == nil || !vault.Active {
			http.Error(w, "vault not found or inactive", http.StatusNotFound)
			return
		}

		entryPrice := req.EntryPrice
		if !entryPrice.IsPositive() {
			payload, err := prices.FetchUpdate(r.Context(), []string{req.FeedID})
			if err != nil {
				logger.WithError(err).Warn("failed to fetch entry price")
				http.Error(w, "entry_price omitted and oracle unavailable", http.StatusBadGateway)
				return
			}
			update, ok := payload.UpdateFor(oracle.NormalizeFeedID(req.FeedID))
			if !ok {
				http.Error(w, "unknown feed_id", http.StatusBadRequest)
				return
			}
			entryPrice, _ = pricing.Normalize(update)
		}

		pos := &model.Position{
			VaultID:      vaultID,
			OwnerAddress: req.OwnerAddress,
			FeedID:       oracle.NormalizeFeedID(req.FeedID),
			Amount:       req.Amount,
			EntryPrice:   entryPrice,
			Status:       model.PositionStatusActive,
			DepositRef:   uuid.New().String(),
		}
		if err := positions.Create(r.Context(), pos); err != nil {
			logger.WithError(err).Error("failed to create position")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		if err := vaults.AdjustBalance(r.Context(), vaultID, req.Amount); err != nil {
			logger.WithError(err).WithField("vault_id", vaultID).Error("failed to credit vault balance")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"deposit_ref": pos.DepositRef,
			"position_id": pos.ID,
			"entry_price": entryPrice,
		})
	}
}

// DeactivateVaultHandler flags a vault inactive; vaults are never deleted.
func DeactivateVaultHandler(vaults vaultStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vaultID, ok := parseIDParam(w, r, "vaultID")
		if !ok {
			return
		}

		if err := vaults.Deactivate(r.Context(), vaultID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				http.Error(w, "vault not found", http.StatusNotFound)
				return
			}
			logger.WithError(err).Error("failed to deactivate vault")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// DefaultDeployVaultHandler wires the handler to the production repository.
func DefaultDeployVaultHandler() http.HandlerFunc {
	return DeployVaultHandler(repository.NewVaultRepository())
}

func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}
