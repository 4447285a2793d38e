package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/fielderr"
	"github.com/fyrsmithlabs/goatfield/internal/review"
)

// statusFor maps the field error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, review.ErrAlreadyDecided):
		return http.StatusConflict
	case fielderr.IsNotFound(err):
		return http.StatusNotFound
	case fielderr.IsValidation(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler writes every error as an ErrorResponse. Server errors are
// logged with the request context and their detail is withheld from the
// client.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := statusFor(err)
	body := ErrorResponse{
		Error:     err.Error(),
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	}

	var he *echo.HTTPError
	var ve *fielderr.ValidationError
	switch {
	case errors.As(err, &he):
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		} else {
			body.Error = http.StatusText(code)
		}
	case errors.As(err, &ve):
		body.Field = ve.Field
	}

	if code >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed",
			zap.String("route", c.Path()),
			zap.Int("status", code),
			zap.Error(err))
		if fielderr.IsIntegrity(err) {
			body.Error = err.Error()
		} else {
			body.Error = http.StatusText(code)
		}
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, body)
	}
	if werr != nil {
		s.logger.Warn(c.Request().Context(), "writing error response", zap.Error(werr))
	}
}
