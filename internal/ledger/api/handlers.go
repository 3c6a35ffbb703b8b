// Package api exposes the ledger over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"giftbridge/internal/common/api"
	"giftbridge/internal/common/middleware"
	"giftbridge/internal/common/money"
	"giftbridge/internal/ledger"
	"giftbridge/internal/ledger/domain"
)

// Handler handles ledger HTTP requests
type Handler struct {
	service *ledger.Service
}

// NewHandler creates a new ledger handler
func NewHandler(service *ledger.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the user-facing ledger routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireUser)

	r.Post("/orders", h.CreateOrder)
	r.Get("/orders", h.ListOrders)
	r.Get("/orders/{id}", h.GetOrder)

	r.Get("/balance", h.GetBalance)

	r.Post("/withdrawals", h.CreateWithdrawal)
	r.Get("/withdrawals", h.ListWithdrawals)
	r.Get("/withdrawals/{id}", h.GetWithdrawal)
	r.Post("/withdrawals/{id}/cancel", h.CancelWithdrawal)

	return r
}

// AdminRoutes returns the back-office routes
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireAdmin)

	r.Post("/orders/{id}/status", h.TransitionOrder)
	r.Delete("/orders/{id}", h.DeleteOrder)
	r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawal)
	r.Post("/withdrawals/{id}/reject", h.RejectWithdrawal)

	return r
}

// CreateOrderRequest is the API request for submitting a gift card order
type CreateOrderRequest struct {
	CardRef     string `json:"card_ref" validate:"required,max=100"`
	Fulfillment string `json:"fulfillment" validate:"required,oneof=physical e_code"`
	ImageRef    string `json:"image_ref"`
	ECodePin    string `json:"e_code_pin"`
	Amount      string `json:"amount" validate:"required"`
}

// CreateOrder handles POST /orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req CreateOrderRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		api.BadRequest(w, "invalid amount")
		return
	}

	order, err := h.service.CreateOrder(r.Context(), ledger.CreateOrderRequest{
		UserID:      userID,
		CardRef:     req.CardRef,
		Fulfillment: domain.Fulfillment(req.Fulfillment),
		ImageRef:    req.ImageRef,
		ECodePin:    req.ECodePin,
		Amount:      amount,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, order)
}

// ListOrders handles GET /orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	p := api.GetPaginationParams(r, 50, 100)

	orders, err := h.service.ListOrders(r.Context(), userID, p.Limit, p.Offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}

	api.WritePaginated(w, orders, p.Limit, p.Offset)
}

// GetOrder handles GET /orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	order, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, order)
}

// GetBalance handles GET /balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	view, err := h.service.GetBalances(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, view)
}

// CreateWithdrawalRequest is the API request for requesting a withdrawal
type CreateWithdrawalRequest struct {
	Amount string `json:"amount" validate:"required"`
	Method string `json:"method" validate:"required,oneof=bank mobile_money crypto"`
	Pin    string `json:"transaction_pin"`

	BankName      string `json:"bank_name"`
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`

	MobileProvider string `json:"mobile_provider"`
	PhoneNumber    string `json:"phone_number"`

	CryptoAsset   string `json:"crypto_asset"`
	WalletAddress string `json:"wallet_address"`
}

// CreateWithdrawal handles POST /withdrawals
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req CreateWithdrawalRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		api.BadRequest(w, "invalid amount")
		return
	}

	withdrawal, err := h.service.CreateWithdrawal(r.Context(), ledger.CreateWithdrawalRequest{
		UserID: userID,
		Amount: amount,
		Pin:    req.Pin,
		Destination: domain.Destination{
			Method:         domain.Method(req.Method),
			BankName:       req.BankName,
			AccountName:    req.AccountName,
			AccountNumber:  req.AccountNumber,
			MobileProvider: req.MobileProvider,
			PhoneNumber:    req.PhoneNumber,
			CryptoAsset:    req.CryptoAsset,
			WalletAddress:  req.WalletAddress,
		},
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, withdrawal)
}

// ListWithdrawals handles GET /withdrawals
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	p := api.GetPaginationParams(r, 50, 100)

	withdrawals, err := h.service.ListWithdrawals(r.Context(), userID, p.Limit, p.Offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if withdrawals == nil {
		withdrawals = []*domain.Withdrawal{}
	}

	api.WritePaginated(w, withdrawals, p.Limit, p.Offset)
}

// GetWithdrawal handles GET /withdrawals/{id}
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	withdrawal, err := h.service.GetWithdrawal(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, withdrawal)
}

// CancelWithdrawal handles POST /withdrawals/{id}/cancel
func (h *Handler) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.service.CancelWithdrawal(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, map[string]string{"status": string(domain.WithdrawalCancelled)})
}

// TransitionOrderRequest is the API request for an admin order status change
type TransitionOrderRequest struct {
	Status string `json:"status" validate:"required"`
}

// TransitionOrder handles POST /orders/{id}/status
func (h *Handler) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	adminID := middleware.GetAdminID(r.Context())

	var req TransitionOrderRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	orderID := chi.URLParam(r, "id")
	if err := h.service.TransitionOrder(r.Context(), orderID, domain.OrderStatus(req.Status), adminID); err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, map[string]string{"status": req.Status})
}

// DeleteOrder handles DELETE /orders/{id}
func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteOrder(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ApproveWithdrawalRequest is the API request for approving a withdrawal
type ApproveWithdrawalRequest struct {
	TransactionReference string `json:"transaction_reference" validate:"required,max=100"`
	AdminNotes           string `json:"admin_notes"`
}

// ApproveWithdrawal handles POST /withdrawals/{id}/approve
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	adminID := middleware.GetAdminID(r.Context())

	var req ApproveWithdrawalRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.ApproveWithdrawal(r.Context(), id, adminID, req.TransactionReference, req.AdminNotes); err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, map[string]string{"status": string(domain.WithdrawalApproved)})
}

// RejectWithdrawalRequest is the API request for rejecting a withdrawal
type RejectWithdrawalRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// RejectWithdrawal handles POST /withdrawals/{id}/reject
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	adminID := middleware.GetAdminID(r.Context())

	var req RejectWithdrawalRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.service.RejectWithdrawal(r.Context(), id, adminID, req.Reason); err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, map[string]string{"status": string(domain.WithdrawalRejected)})
}

// writeServiceError maps domain errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		api.NotFound(w, "resource not found")
	case errors.Is(err, domain.ErrForbidden):
		api.Forbidden(w, "not allowed")
	case errors.Is(err, domain.ErrInvalidTransition):
		api.WriteError(w, http.StatusConflict, api.ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		api.WriteError(w, http.StatusConflict, api.ErrCodeInvalidState, err.Error())
	case errors.Is(err, domain.ErrInsufficientBalance):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeInsufficientBalance, err.Error())
	case errors.Is(err, domain.ErrLimitExceeded):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeLimitExceeded, err.Error())
	case errors.Is(err, domain.ErrPinRequired):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodePinRequired, "transaction pin required")
	case errors.As(err, &verr):
		api.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, api.ErrCodeValidation,
			"Validation failed", map[string]string{verr.Field: verr.Reason})
	default:
		api.InternalError(w, "internal error")
	}
}
