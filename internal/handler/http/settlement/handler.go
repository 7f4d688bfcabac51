package settlement_http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settlement/internal/domain"
	"settlement/internal/pricefeed"
	"settlement/internal/reconciler"
)

type PaymentReconciler interface {
	ReconcilePayment(ctx context.Context, paymentID, txID string) error
	Cancel(paymentID string) bool
}

type PriceQuoter interface {
	Quote(ctx context.Context, pair domain.AssetPair) domain.PriceQuote
}

type Handler struct {
	reconciler PaymentReconciler
	prices     PriceQuoter
	logger     *zap.Logger
}

func NewHandler(rec PaymentReconciler, prices PriceQuoter, l *zap.Logger) *Handler {
	return &Handler{reconciler: rec, prices: prices, logger: l}
}

type ConfirmPaymentRequest struct {
	TxID string `json:"tx_id"`
}

type ConfirmPaymentResponse struct {
	PaymentID string `json:"payment_id"`
	TxID      string `json:"tx_id"`
	Status    string `json:"status"`
}

type PriceResponse struct {
	Pair       string          `json:"pair"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt *time.Time      `json:"observed_at,omitempty"`
	Source     string          `json:"source"`
}

type ConversionResponse struct {
	Pair      string          `json:"pair"`
	Direction string          `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
	Result    decimal.Decimal `json:"result"`
	Price     decimal.Decimal `json:"price"`
	Source    string          `json:"source"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const (
	DirectionToFiat  = "to_fiat"
	DirectionToAsset = "to_asset"
)

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")

	var req ConfirmPaymentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		h.logger.Warn("Invalid confirm payment request body", zap.String("payment_id", paymentID), zap.Error(err))
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.TxID) == "" {
		h.writeError(w, http.StatusBadRequest, "tx_id is required")
		return
	}

	err := h.reconciler.ReconcilePayment(r.Context(), paymentID, req.TxID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPaymentNotFound):
		h.writeError(w, http.StatusNotFound, "payment not found")
		return
	case errors.Is(err, reconciler.ErrInvalidRequest), errors.Is(err, reconciler.ErrUnsupportedNetwork):
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, reconciler.ErrShuttingDown):
		h.writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		return
	default:
		h.logger.Error("Failed to start payment reconciliation",
			zap.String("payment_id", paymentID), zap.String("tx_id", req.TxID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusAccepted, ConfirmPaymentResponse{
		PaymentID: paymentID,
		TxID:      strings.TrimSpace(req.TxID),
		Status:    "monitoring",
	})
}

func (h *Handler) CancelMonitor(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	if !h.reconciler.Cancel(paymentID) {
		h.writeError(w, http.StatusNotFound, "no running monitor for payment")
		return
	}
	h.logger.Info("Monitor cancelled by operator", zap.String("payment_id", paymentID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	pair, err := domain.ParseAssetPair(chi.URLParam(r, "pair"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := h.prices.Quote(r.Context(), pair)
	resp := PriceResponse{
		Pair:   pair.String(),
		Price:  q.Price,
		Source: string(q.Source),
	}
	if !q.ObservedAt.IsZero() {
		resp.ObservedAt = &q.ObservedAt
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	pair, err := domain.ParseAssetPair(chi.URLParam(r, "pair"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil || amount.IsNegative() {
		h.writeError(w, http.StatusBadRequest, "amount must be a non-negative decimal")
		return
	}
	direction := r.URL.Query().Get("direction")
	if direction == "" {
		direction = DirectionToFiat
	}
	if direction != DirectionToFiat && direction != DirectionToAsset {
		h.writeError(w, http.StatusBadRequest, "direction must be to_fiat or to_asset")
		return
	}

	q := h.prices.Quote(r.Context(), pair)
	if !q.Price.IsPositive() {
		h.writeError(w, http.StatusServiceUnavailable, "price unavailable")
		return
	}

	result := pricefeed.ToFiat(amount, q.Price)
	if direction == DirectionToAsset {
		result = pricefeed.ToAsset(amount, q.Price)
	}
	h.writeJSON(w, http.StatusOK, ConversionResponse{
		Pair:      pair.String(),
		Direction: direction,
		Amount:    amount,
		Result:    result,
		Price:     q.Price,
		Source:    string(q.Source),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}
