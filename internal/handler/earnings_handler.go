package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/porterhq/dispatch/internal/middleware"
	"github.com/porterhq/dispatch/internal/models"
	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
	"github.com/porterhq/dispatch/internal/pkg/response"
	"github.com/porterhq/dispatch/internal/service"
)

// EarningsHandler handles earnings and withdrawal HTTP requests.
type EarningsHandler struct {
	earnings service.EarningsService
	porters  service.PorterService
	validate *validator.Validate
}

// NewEarningsHandler creates a new earnings handler.
func NewEarningsHandler(earnings service.EarningsService, porters service.PorterService) *EarningsHandler {
	return &EarningsHandler{
		earnings: earnings,
		porters:  porters,
		validate: newValidator(),
	}
}

// Routes returns a chi router with earnings routes.
func (h *EarningsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(middleware.RequireAdmin()).Post("/", h.Record)
	r.With(middleware.RequireAdmin()).Get("/order/{orderID}", h.OrderEarnings)
	r.With(middleware.RequireAdmin()).Patch("/{id}/status", h.UpdateStatus)

	r.With(middleware.RequireRole(models.RolePorter)).Get("/summary", h.Summary)
	r.With(middleware.RequireRole(models.RolePorter)).Get("/recent", h.Recent)
	r.With(middleware.RequireRole(models.RolePorter)).Post("/withdrawals", h.Withdraw)

	return r
}

// RecordHTTPRequest is the HTTP request body for recording an earning.
type RecordHTTPRequest struct {
	PorterID    uuid.UUID          `json:"porter_id" validate:"required"`
	Type        models.EarningType `json:"type" validate:"required"`
	Amount      int64              `json:"amount" validate:"required"`
	OrderID     *string            `json:"order_id,omitempty"`
	Description *string            `json:"description,omitempty"`
	Metadata    json.RawMessage    `json:"metadata,omitempty"`
}

// Record handles POST /v1/earnings
func (h *EarningsHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req RecordHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := validateBody(h.validate, req); err != nil {
		response.Error(w, err)
		return
	}

	earning, err := h.earnings.RecordEarnings(r.Context(), service.RecordEarningsRequest{
		PorterID:    req.PorterID,
		Type:        req.Type,
		Amount:      req.Amount,
		OrderID:     req.OrderID,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, earning)
}

// Summary handles GET /v1/earnings/summary
func (h *EarningsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	porter := porterFromPrincipal(w, r, h.porters)
	if porter == nil {
		return
	}

	summary, err := h.earnings.EarningsSummary(r.Context(), porter.ID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, summary)
}

// Recent handles GET /v1/earnings/recent
func (h *EarningsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	porter := porterFromPrincipal(w, r, h.porters)
	if porter == nil {
		return
	}

	earnings, err := h.earnings.RecentEarnings(r.Context(), porter.ID, queryLimit(r, 50, 200))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, earnings)
}

// OrderEarnings handles GET /v1/earnings/order/{orderID}
func (h *EarningsHandler) OrderEarnings(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		response.Error(w, apierrors.NewValidationError("order_id", "order_id is required"))
		return
	}

	earnings, err := h.earnings.OrderEarnings(r.Context(), orderID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, earnings)
}

// UpdateStatus handles PATCH /v1/earnings/{id}/status
func (h *EarningsHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	earningID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid earning ID"))
		return
	}

	var req service.UpdateEarningStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := validateBody(h.validate, req); err != nil {
		response.Error(w, err)
		return
	}
	req.EarningID = earningID

	earning, err := h.earnings.UpdateEarningStatus(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, earning)
}

// WithdrawHTTPRequest is the HTTP request body for a withdrawal.
type WithdrawHTTPRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// Withdraw handles POST /v1/earnings/withdrawals
func (h *EarningsHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	porter := porterFromPrincipal(w, r, h.porters)
	if porter == nil {
		return
	}

	var req WithdrawHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := validateBody(h.validate, req); err != nil {
		response.Error(w, err)
		return
	}

	earning, err := h.earnings.RequestWithdrawal(r.Context(), service.WithdrawalRequest{
		PorterID:       porter.ID,
		UserID:         porter.UserID,
		Amount:         req.Amount,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, earning)
}
