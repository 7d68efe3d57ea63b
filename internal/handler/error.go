package handler

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

type errorResponse struct {
	Message string `json:"message"`
}

// NewErrorHandler renders every handler error as a JSON message. Internal
// errors are logged, never returned to the client.
func NewErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if !errors.As(err, &he) {
			he = echo.NewHTTPError(http.StatusInternalServerError, "something went terribly wrong").
				WithInternal(err)
		}
		message, ok := he.Message.(string)
		if !ok {
			message = http.StatusText(he.Code)
		}

		if he.Code >= http.StatusInternalServerError || he.Internal != nil {
			logger.Error("handler error",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", he.Code,
				"error", he.Internal,
			)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(he.Code)
		} else {
			err = c.JSON(he.Code, errorResponse{Message: message})
		}
		if err != nil {
			logger.Error("err writing error response", "error", err)
		}
	}
}

func newError(err error, status int, message string) error {
	e := echo.NewHTTPError(status, message)
	if err != nil {
		e = e.WithInternal(err)
	}
	return e
}

// notFoundOr maps sql.ErrNoRows to 404 and anything else to 500.
func notFoundOr(err error, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return newError(nil, http.StatusNotFound, message)
	}
	return newError(err, http.StatusInternalServerError, "something went wrong")
}
