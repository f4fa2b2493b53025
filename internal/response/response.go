package response

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// APIResponse is the success envelope of the demo API.
type APIResponse struct {
	Data    any    `json:"data"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path"`
}

// APIError is the error envelope of the demo API.
type APIError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Path    string `json:"path"`
	Status  int    `json:"status"`
}

func pathFromContext(c echo.Context) string {
	if c == nil || c.Request() == nil {
		return ""
	}
	return c.Request().URL.Path
}

func write(c echo.Context, status int, data any, message string) error {
	return c.JSON(status, APIResponse{
		Data:    data,
		Status:  status,
		Message: message,
		Path:    pathFromContext(c),
	})
}

func OK(c echo.Context, data any, message string) error {
	return write(c, http.StatusOK, data, message)
}

func Created(c echo.Context, data any, message string) error {
	return write(c, http.StatusCreated, data, message)
}

// Accepted is used when work was started but may finish later.
func Accepted(c echo.Context, data any, message string) error {
	return write(c, http.StatusAccepted, data, message)
}

// Error sends an APIError with the given status.
func Error(c echo.Context, status int, message, errDetail string) error {
	return c.JSON(status, APIError{
		Message: message,
		Error:   errDetail,
		Path:    pathFromContext(c),
		Status:  status,
	})
}

func BadRequest(c echo.Context, message, errDetail string) error {
	return Error(c, http.StatusBadRequest, message, errDetail)
}

func NotFound(c echo.Context, message, errDetail string) error {
	return Error(c, http.StatusNotFound, message, errDetail)
}

func ServiceUnavailable(c echo.Context, message, errDetail string) error {
	return Error(c, http.StatusServiceUnavailable, message, errDetail)
}

func InternalError(c echo.Context, message, errDetail string) error {
	return Error(c, http.StatusInternalServerError, message, errDetail)
}

// Invalid turns validator errors into a 400 naming the first bad field.
func Invalid(c echo.Context, err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return BadRequest(c, "validation failed", fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return BadRequest(c, "invalid request", err.Error())
}

// ErrorHandler renders errors returned by handlers in the APIError shape.
// Plain errors become a 500 whose detail is the error text.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		message := http.StatusText(status)
		detail := err.Error()

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			message = http.StatusText(status)
			detail = fmt.Sprint(he.Message)
			if he.Internal != nil {
				detail = he.Internal.Error()
			}
		}
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("path", pathFromContext(c)).Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = Error(c, status, message, detail)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("could not write error response")
		}
	}
}
