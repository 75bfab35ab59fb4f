package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/porterhq/dispatch/internal/middleware"
	"github.com/porterhq/dispatch/internal/models"
	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
	"github.com/porterhq/dispatch/internal/pkg/response"
	"github.com/porterhq/dispatch/internal/service"
)

// AvailabilityHandler handles porter availability HTTP requests.
type AvailabilityHandler struct {
	availability service.AvailabilityService
	porters      service.PorterService
}

// NewAvailabilityHandler creates a new availability handler.
func NewAvailabilityHandler(availability service.AvailabilityService, porters service.PorterService) *AvailabilityHandler {
	return &AvailabilityHandler{
		availability: availability,
		porters:      porters,
	}
}

// Routes returns a chi router with availability routes.
func (h *AvailabilityHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(middleware.RequireRole(models.RolePorter)).Put("/me", h.Set)
	r.With(middleware.RequireRole(models.RolePorter)).Get("/me", h.GetMe)
	r.With(middleware.RequireRole(models.RolePorter)).Post("/me/heartbeat", h.Heartbeat)

	r.With(middleware.RequireAdmin()).Get("/online", h.Online)
	r.With(middleware.RequireRole(models.RolePorter)).Get("/{id}", h.Get)

	return r
}

// Set handles PUT /v1/availability/me
func (h *AvailabilityHandler) Set(w http.ResponseWriter, r *http.Request) {
	porter := porterFromPrincipal(w, r, h.porters)
	if porter == nil {
		return
	}

	var req service.SetAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	req.PorterID = porter.ID
	req.CorrelationID = middleware.GetCorrelationID(r.Context())

	state, err := h.availability.SetAvailability(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, state)
}

// GetMe handles GET /v1/availability/me
func (h *AvailabilityHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	porter := porterFromPrincipal(w, r, h.porters)
	if porter == nil {
		return
	}

	state, err := h.availability.GetAvailability(r.Context(), porter.ID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, state)
}

// Get handles GET /v1/availability/{id}
func (h *AvailabilityHandler) Get(w http.ResponseWriter, r *http.Request) {
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

	state, err := h.availability.GetAvailability(r.Context(), porterID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, state)
}

// Heartbeat handles POST /v1/availability/me/heartbeat
func (h *AvailabilityHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	porter := porterFromPrincipal(w, r, h.porters)
	if porter == nil {
		return
	}

	state, err := h.availability.Heartbeat(r.Context(), porter.ID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, state)
}

// Online handles GET /v1/availability/online
func (h *AvailabilityHandler) Online(w http.ResponseWriter, r *http.Request) {
	ids, err := h.availability.OnlinePorterIDs(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]any{"porter_ids": ids, "count": len(ids)})
}
