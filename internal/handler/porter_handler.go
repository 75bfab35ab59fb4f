package handler

import (
	"context"
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

// PorterHandler handles porter profile and verification HTTP requests.
type PorterHandler struct {
	porters  service.PorterService
	validate *validator.Validate
}

// NewPorterHandler creates a new porter handler.
func NewPorterHandler(porters service.PorterService) *PorterHandler {
	return &PorterHandler{
		porters:  porters,
		validate: newValidator(),
	}
}

// Routes returns a chi router with porter routes.
func (h *PorterHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(middleware.RequireRole(models.RolePorter)).Post("/", h.Register)
	r.With(middleware.RequireRole(models.RolePorter)).Get("/me", h.GetMe)
	r.With(middleware.RequireRole(models.RolePorter)).Post("/me/verification", h.RequestVerification)
	r.With(middleware.RequireRole(models.RolePorter)).Post("/me/devices", h.RegisterDevice)

	r.With(middleware.RequireRole(models.RolePorter)).Get("/{id}", h.Get)
	r.With(middleware.RequireRole(models.RolePorter)).Get("/{id}/verification-history", h.VerificationHistory)

	r.With(middleware.RequireAdmin()).Post("/{id}/verify", h.Verify)
	r.With(middleware.RequireAdmin()).Post("/{id}/reject", h.Reject)
	r.With(middleware.RequireAdmin()).Post("/{id}/suspend", h.Suspend)
	r.With(middleware.RequireAdmin()).Post("/{id}/unsuspend", h.Unsuspend)

	return r
}

// Register handles POST /v1/porters
func (h *PorterHandler) Register(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	var req service.RegisterPorterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := validateBody(h.validate, req); err != nil {
		response.Error(w, err)
		return
	}
	req.UserID = principal.UserID
	req.CorrelationID = middleware.GetCorrelationID(r.Context())

	porter, err := h.porters.Register(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}

	response.Created(w, porter)
}

// GetMe handles GET /v1/porters/me
func (h *PorterHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	porter := porterFromPrincipal(w, r, h.porters)
	if porter == nil {
		return
	}
	response.OK(w, porter)
}

// Get handles GET /v1/porters/{id}
func (h *PorterHandler) Get(w http.ResponseWriter, r *http.Request) {
	porterID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid porter ID"))
		return
	}

	porter, err := h.porters.Get(r.Context(), porterID)
	if err != nil {
		response.Error(w, err)
		return
	}
	if !canAccessPorter(r, porter) {
		response.Error(w, apierrors.ErrForbidden)
		return
	}

	response.OK(w, porter)
}

// RequestVerification handles POST /v1/porters/me/verification
func (h *PorterHandler) RequestVerification(w http.ResponseWriter, r *http.Request) {
	porter := porterFromPrincipal(w, r, h.porters)
	if porter == nil {
		return
	}

	if err := h.porters.RequestVerification(r.Context(), porter.ID, middleware.GetCorrelationID(r.Context())); err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, map[string]string{"verification_status": models.VerificationUnderReview.String()})
}

// Verify handles POST /v1/porters/{id}/verify
func (h *PorterHandler) Verify(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.porters.Verify)
}

// Reject handles POST /v1/porters/{id}/reject
func (h *PorterHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.porters.RejectVerification)
}

func (h *PorterHandler) decide(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, req service.VerificationDecisionRequest) error) {
	porterID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid porter ID"))
		return
	}

	var req service.VerificationDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := validateBody(h.validate, req); err != nil {
		response.Error(w, err)
		return
	}
	req.PorterID = porterID
	req.CorrelationID = middleware.GetCorrelationID(r.Context())

	if err := fn(r.Context(), req); err != nil {
		response.Error(w, err)
		return
	}

	porter, err := h.porters.Get(r.Context(), porterID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, porter)
}

// Suspend handles POST /v1/porters/{id}/suspend
func (h *PorterHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.suspension(w, r, h.porters.Suspend)
}

// Unsuspend handles POST /v1/porters/{id}/unsuspend
func (h *PorterHandler) Unsuspend(w http.ResponseWriter, r *http.Request) {
	h.suspension(w, r, h.porters.Unsuspend)
}

func (h *PorterHandler) suspension(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, req service.SuspensionRequest) error) {
	porterID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid porter ID"))
		return
	}

	var req service.SuspensionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := validateBody(h.validate, req); err != nil {
		response.Error(w, err)
		return
	}
	req.PorterID = porterID
	req.CorrelationID = middleware.GetCorrelationID(r.Context())

	if err := fn(r.Context(), req); err != nil {
		response.Error(w, err)
		return
	}

	porter, err := h.porters.Get(r.Context(), porterID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, porter)
}

// VerificationHistory handles GET /v1/porters/{id}/verification-history
func (h *PorterHandler) VerificationHistory(w http.ResponseWriter, r *http.Request) {
	porterID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid porter ID"))
		return
	}

	porter, err := h.porters.Get(r.Context(), porterID)
	if err != nil {
		response.Error(w, err)
		return
	}
	if !canAccessPorter(r, porter) {
		response.Error(w, apierrors.ErrForbidden)
		return
	}

	history, err := h.porters.VerificationHistory(r.Context(), porterID, queryLimit(r, 50, 200))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, history)
}

// RegisterDevice handles POST /v1/porters/me/devices
func (h *PorterHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	porter := porterFromPrincipal(w, r, h.porters)
	if porter == nil {
		return
	}

	var req service.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := validateBody(h.validate, req); err != nil {
		response.Error(w, err)
		return
	}
	req.PorterID = porter.ID

	session, err := h.porters.RegisterDevice(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, session)
}
