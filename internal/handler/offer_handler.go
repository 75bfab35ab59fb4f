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

// OfferHandler handles job offer HTTP requests.
type OfferHandler struct {
	offers   service.OfferService
	porters  service.PorterService
	validate *validator.Validate
}

// NewOfferHandler creates a new offer handler.
func NewOfferHandler(offers service.OfferService, porters service.PorterService) *OfferHandler {
	return &OfferHandler{
		offers:   offers,
		porters:  porters,
		validate: newValidator(),
	}
}

// Routes returns a chi router with offer routes.
func (h *OfferHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(middleware.RequireAdmin()).Post("/", h.Create)
	r.With(middleware.RequireAdmin()).Get("/order/{orderID}", h.OrderOffers)

	r.With(middleware.RequireRole(models.RolePorter)).Get("/", h.PorterOffers)
	r.With(middleware.RequireRole(models.RolePorter)).Post("/{id}/accept", h.Accept)
	r.With(middleware.RequireRole(models.RolePorter)).Post("/{id}/reject", h.Reject)

	return r
}

// Create handles POST /v1/offers. Called by the upstream order dispatcher.
func (h *OfferHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := validateBody(h.validate, req); err != nil {
		response.Error(w, err)
		return
	}
	req.CorrelationID = middleware.GetCorrelationID(r.Context())

	offer, err := h.offers.Create(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, offer)
}

// Accept handles POST /v1/offers/{id}/accept
func (h *OfferHandler) Accept(w http.ResponseWriter, r *http.Request) {
	offerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid offer ID"))
		return
	}

	porter := porterFromPrincipal(w, r, h.porters)
	if porter == nil {
		return
	}

	offer, err := h.offers.Accept(r.Context(), service.AcceptOfferRequest{
		OfferID:        offerID,
		PorterID:       porter.ID,
		UserID:         porter.UserID,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		CorrelationID:  middleware.GetCorrelationID(r.Context()),
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, offer)
}

// RejectHTTPRequest is the HTTP request body for rejecting an offer.
type RejectHTTPRequest struct {
	Reason *string `json:"reason,omitempty"`
}

// Reject handles POST /v1/offers/{id}/reject
func (h *OfferHandler) Reject(w http.ResponseWriter, r *http.Request) {
	offerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid offer ID"))
		return
	}

	porter := porterFromPrincipal(w, r, h.porters)
	if porter == nil {
		return
	}

	var body RejectHTTPRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
			return
		}
	}

	offer, err := h.offers.Reject(r.Context(), service.RejectOfferRequest{
		OfferID:        offerID,
		PorterID:       porter.ID,
		UserID:         porter.UserID,
		Reason:         body.Reason,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		CorrelationID:  middleware.GetCorrelationID(r.Context()),
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, offer)
}

// PorterOffers handles GET /v1/offers
func (h *OfferHandler) PorterOffers(w http.ResponseWriter, r *http.Request) {
	porter := porterFromPrincipal(w, r, h.porters)
	if porter == nil {
		return
	}

	var status *models.OfferStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := models.OfferStatus(raw)
		if !s.Valid() {
			response.Error(w, apierrors.NewValidationError("status", "invalid offer status"))
			return
		}
		status = &s
	}

	offers, err := h.offers.GetPorterOffers(r.Context(), porter.ID, status, queryLimit(r, 50, 200))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, offers)
}

// OrderOffers handles GET /v1/offers/order/{orderID}
func (h *OfferHandler) OrderOffers(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		response.Error(w, apierrors.NewValidationError("order_id", "order_id is required"))
		return
	}

	offers, err := h.offers.GetOrderOffers(r.Context(), orderID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, offers)
}
