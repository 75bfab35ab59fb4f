// Package handler provides HTTP handlers for the dispatch API.
package handler

import (
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/porterhq/dispatch/internal/middleware"
	"github.com/porterhq/dispatch/internal/models"
	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
	"github.com/porterhq/dispatch/internal/pkg/response"
	"github.com/porterhq/dispatch/internal/service"
)

// HeaderIdempotencyKey carries the client-chosen idempotency key for
// retry-safe mutations.
const HeaderIdempotencyKey = "X-Idempotency-Key"

// newValidator creates the request validator, reporting fields by their
// json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// validateBody checks the validate tags on a decoded request body and maps
// failures onto the validation error envelope.
func validateBody(v *validator.Validate, req any) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apierrors.ErrBadRequest.WithMessage("Invalid request body")
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Field()] = "failed on the '" + fe.Tag() + "' rule"
	}
	return apierrors.NewValidationErrors(details)
}

// porterFromPrincipal resolves the caller's porter profile. Writes the
// error response and returns nil when the caller has no profile.
func porterFromPrincipal(w http.ResponseWriter, r *http.Request, porters service.PorterService) *models.Porter {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return nil
	}
	porter, err := porters.GetByUser(r.Context(), principal.UserID)
	if err != nil {
		response.Error(w, err)
		return nil
	}
	if porter == nil {
		response.Error(w, apierrors.NewNotFoundError("porter"))
		return nil
	}
	return porter
}

// canAccessPorter reports whether the caller may read the given porter's
// data: admins always, porters only their own.
func canAccessPorter(r *http.Request, porter *models.Porter) bool {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		return false
	}
	if principal.Role.Admin() {
		return true
	}
	return porter.UserID == principal.UserID
}

// queryLimit parses the limit query parameter, bounded to (0, max].
func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
