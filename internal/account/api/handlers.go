// Package api exposes profile management over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"giftbridge/internal/account"
	"giftbridge/internal/common/api"
	"giftbridge/internal/common/database"
	"giftbridge/internal/common/middleware"
	"giftbridge/internal/ledger/domain"
)

// Handler handles profile HTTP requests
type Handler struct {
	service *account.Service
}

// NewHandler creates a new profile handler
func NewHandler(service *account.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the user-facing profile routes, mounted under /profile
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireUser)

	r.Get("/", h.GetProfile)
	r.Put("/bank-details", h.UpdateBankDetails)
	r.Put("/pin", h.SetPin)

	return r
}

// AdminRoutes returns the back-office user routes, mounted under /admin/users
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireAdmin)

	r.Post("/", h.CreateProfile)
	r.Post("/{user_id}/kyc/approve", h.ApproveKYC)

	return r
}

// CreateProfileRequest is the API request for registering a profile
type CreateProfileRequest struct {
	Email    string `json:"email" validate:"required,email"`
	FullName string `json:"full_name" validate:"max=255"`
}

// CreateProfile handles POST /admin/users
func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req CreateProfileRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	profile, err := h.service.CreateProfile(r.Context(), account.CreateProfileRequest{
		Email:    req.Email,
		FullName: req.FullName,
	})
	if err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			api.Conflict(w, "profile with this email already exists")
			return
		}
		api.InternalError(w, "failed to create profile")
		return
	}

	api.WriteData(w, http.StatusCreated, profile)
}

// GetProfile handles GET /profile
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	profile, err := h.service.GetProfile(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, profile)
}

// UpdateBankDetailsRequest is the API request for saving default payout details
type UpdateBankDetailsRequest struct {
	BankName      string `json:"bank_name" validate:"required,max=100"`
	AccountName   string `json:"account_name" validate:"required,max=255"`
	AccountNumber string `json:"account_number" validate:"required,numeric,min=10,max=20"`
}

// UpdateBankDetails handles PUT /profile/bank-details
func (h *Handler) UpdateBankDetails(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req UpdateBankDetailsRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	if err := h.service.UpdateBankDetails(r.Context(), userID, req.BankName, req.AccountName, req.AccountNumber); err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, map[string]string{"status": "updated"})
}

// SetPinRequest is the API request for setting the transaction PIN
type SetPinRequest struct {
	Pin string `json:"transaction_pin" validate:"required"`
}

// SetPin handles PUT /profile/pin
func (h *Handler) SetPin(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req SetPinRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	if err := h.service.SetPin(r.Context(), userID, req.Pin); err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, map[string]string{"status": "updated"})
}

// ApproveKYCRequest is the API request for granting a KYC level
type ApproveKYCRequest struct {
	Level string `json:"level" validate:"required,oneof='Level 1' 'Level 2' 'Level 3'"`
}

// ApproveKYC handles POST /admin/users/{user_id}/kyc/approve
func (h *Handler) ApproveKYC(w http.ResponseWriter, r *http.Request) {
	adminID := middleware.GetAdminID(r.Context())

	var req ApproveKYCRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	profile, err := h.service.ApproveKYC(r.Context(), chi.URLParam(r, "user_id"), req.Level, adminID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, profile)
}

func writeServiceError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		api.NotFound(w, "profile not found")
	case errors.As(err, &verr):
		api.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, api.ErrCodeValidation,
			"Validation failed", map[string]string{verr.Field: verr.Reason})
	default:
		api.InternalError(w, "internal error")
	}
}
