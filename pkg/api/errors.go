package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/pushpals/pushpals/pkg/events"
	"github.com/pushpals/pushpals/pkg/ingest"
	"github.com/pushpals/pushpals/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}

	var envErr *ingest.EnvelopeError
	if errors.As(err, &envErr) {
		return echo.NewHTTPError(http.StatusBadRequest, envErr.Error())
	}
	var typeErr *ingest.UnknownEventTypeError
	if errors.As(err, &typeErr) {
		return echo.NewHTTPError(http.StatusBadRequest, typeErr.Error())
	}
	var payloadErr *ingest.PayloadError
	if errors.As(err, &payloadErr) {
		return echo.NewHTTPError(http.StatusBadRequest, payloadErr.Error())
	}

	if errors.Is(err, events.ErrDuplicateEvent) {
		return echo.NewHTTPError(http.StatusConflict, "duplicate event id")
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrConflict) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
