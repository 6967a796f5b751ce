package common

import (
	"errors"
	"net/http"
)

// AppError is an error carrying the API code and HTTP status it renders as.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

func (e *AppError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Err != nil:
		return e.Code + ": " + e.Err.Error()
	default:
		return e.Code + ": " + e.Message
	}
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// WithDetails returns a copy of e with details attached.
func (e *AppError) WithDetails(details any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// AsAppError finds the first AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var target *AppError
	if errors.As(err, &target) && target != nil {
		return target, true
	}
	return nil, false
}

// WriteError renders err in the error envelope. Errors without an AppError in
// their chain render as 500 INTERNAL without leaking the message.
func WriteError(w http.ResponseWriter, err error) {
	if appErr, ok := AsAppError(err); ok {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		JSONError(w, status, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	JSONError(w, http.StatusInternalServerError, "INTERNAL", "unexpected error", nil)
}
