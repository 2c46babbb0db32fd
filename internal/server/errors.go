package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Error codes returned in the envelope besides the index codes.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeFileIDRequired  = "FILE_ID_REQUIRED"
	CodeFileRequired    = "FILE_REQUIRED"
	CodeUnsupportedType = "UNSUPPORTED_FILE_TYPE"
	CodeFileNotFound    = "FILE_NOT_FOUND"
	CodeJobInProgress   = "JOB_IN_PROGRESS"
	CodeNeedParseFirst  = "NEED_PARSE_FIRST"
	CodePageNotFound    = "PAGE_NOT_FOUND"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInternal        = "INTERNAL"
)

// APIError is a failure with a stable machine readable code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func apiError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope is the JSON body of every failed request.
type ErrorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"requestId"`
	TS        string    `json:"ts"`
}

func classify(err error) (int, string, string) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status, ae.Code, ae.Message
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		return he.Code, codeForStatus(he.Code), msg
	}
	return http.StatusInternalServerError, CodeInternal, err.Error()
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeInvalidArgument
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	}
	if status >= 500 {
		return CodeInternal
	}
	return http.StatusText(status)
}

// errorHandler renders failures as ErrorEnvelope and logs them.
func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		status, code, msg := classify(err)
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", status, req.Method, req.URL.Path, c.RealIP(), err)
		if c.Response().Committed {
			return
		}
		rid := c.Response().Header().Get(echo.HeaderXRequestID)
		if rid == "" {
			rid = req.Header.Get(echo.HeaderXRequestID)
		}
		env := ErrorEnvelope{
			Error:     errorBody{Code: code, Message: msg},
			RequestID: rid,
			TS:        time.Now().UTC().Format(time.RFC3339),
		}
		if req.Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, env)
	}
}
