package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rendis/hookflow/pkg/schema"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	var he *schema.HookflowError
	if !errors.As(err, &he) {
		return http.StatusInternalServerError
	}
	switch he.Code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeInvalidSchedule, schema.ErrCodeMalformedPayload:
		return http.StatusBadRequest
	case schema.ErrCodeAuth:
		return http.StatusUnauthorized
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeActionExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders echo and service errors as JSON.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var ee *echo.HTTPError
		if errors.As(err, &ee) {
			_ = c.JSON(ee.Code, errorBody{Error: http.StatusText(ee.Code)})
			return
		}

		status := statusFor(err)
		body := errorBody{Error: err.Error()}
		var he *schema.HookflowError
		if errors.As(err, &he) {
			body.Error = he.Message
			body.Code = he.Code
			body.Details = he.Details
		}
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request().Context(), "request failed",
				slog.String("path", c.Path()), slog.String("error", err.Error()))
		}
		_ = c.JSON(status, body)
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(c echo.Context, key string, def int) int {
	v := c.QueryParam(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// bindPayload decodes an optional JSON object body.
func bindPayload(c echo.Context) (map[string]any, error) {
	payload := map[string]any{}
	if c.Request().ContentLength == 0 {
		return payload, nil
	}
	if err := c.Bind(&payload); err != nil {
		return nil, schema.NewError(schema.ErrCodeMalformedPayload, "body must be a JSON object").WithCause(err)
	}
	return payload, nil
}
