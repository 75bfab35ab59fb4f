package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/porterhq/dispatch/internal/middleware"
	"github.com/porterhq/dispatch/internal/models"
	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
	"github.com/porterhq/dispatch/internal/pkg/response"
	"github.com/porterhq/dispatch/internal/service"
)

// LocationHandler handles location HTTP requests.
type LocationHandler struct {
	locations service.LocationService
	porters   service.PorterService
	validate  *validator.Validate
}

// NewLocationHandler creates a new location handler.
func NewLocationHandler(locations service.LocationService, porters service.PorterService) *LocationHandler {
	return &LocationHandler{
		locations: locations,
		porters:   porters,
		validate:  newValidator(),
	}
}

// Routes returns a chi router with location routes.
func (h *LocationHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(middleware.RequireRole(models.RolePorter)).Post("/", h.Update)
	r.With(middleware.RequireAdmin()).Post("/batch", h.Batch)
	r.With(middleware.RequireAdmin()).Get("/nearby", h.Nearby)
	r.With(middleware.RequireRole(models.RolePorter)).Get("/{id}", h.Last)
	r.With(middleware.RequireRole(models.RolePorter)).Get("/{id}/history", h.History)

	return r
}

// Update handles POST /v1/locations
func (h *LocationHandler) Update(w http.ResponseWriter, r *http.Request) {
	porter := porterFromPrincipal(w, r, h.porters)
	if porter == nil {
		return
	}

	var req service.UpdateLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := validateBody(h.validate, req); err != nil {
		response.Error(w, err)
		return
	}
	req.PorterID = porter.ID
	req.CorrelationID = middleware.GetCorrelationID(r.Context())

	last, err := h.locations.UpdateLocation(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, last)
}

// Last handles GET /v1/locations/{id}
func (h *LocationHandler) Last(w http.ResponseWriter, r *http.Request) {
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

	last, err := h.locations.LastLocation(r.Context(), porterID)
	if err != nil {
		response.Error(w, err)
		return
	}
	if last == nil {
		response.Error(w, apierrors.NewNotFoundError("location"))
		return
	}
	response.OK(w, last)
}

// BatchHTTPRequest is the HTTP request body for batch last-location reads.
type BatchHTTPRequest struct {
	PorterIDs []uuid.UUID `json:"porter_ids" validate:"required,min=1,max=500"`
}

// Batch handles POST /v1/locations/batch
func (h *LocationHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req BatchHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := validateBody(h.validate, req); err != nil {
		response.Error(w, err)
		return
	}

	locations, err := h.locations.BatchLastLocations(r.Context(), req.PorterIDs)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, locations)
}

// Nearby handles GET /v1/locations/nearby
func (h *LocationHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		response.Error(w, apierrors.NewValidationError("lat", "lat is required"))
		return
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil {
		response.Error(w, apierrors.NewValidationError("lng", "lng is required"))
		return
	}
	radius, err := strconv.ParseFloat(q.Get("radius_meters"), 64)
	if err != nil {
		response.Error(w, apierrors.NewValidationError("radius_meters", "radius_meters is required"))
		return
	}
	onlineOnly := q.Get("online_only") != "false"

	porters, err := h.locations.FindNearbyPorters(r.Context(), service.NearbyRequest{
		Latitude:     lat,
		Longitude:    lng,
		RadiusMeters: radius,
		OnlineOnly:   onlineOnly,
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]any{"porters": porters, "count": len(porters)})
}

// History handles GET /v1/locations/{id}/history
func (h *LocationHandler) History(w http.ResponseWriter, r *http.Request) {
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

	var orderID *string
	if v := r.URL.Query().Get("order_id"); v != "" {
		orderID = &v
	}

	history, err := h.locations.LocationHistory(r.Context(), porterID, orderID, queryLimit(r, 100, 1000))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, history)
}
