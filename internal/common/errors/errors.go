package errors

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("resource not found")
	ErrDependency          = errors.New("dependency failed")
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomClosed          = errors.New("room closed")
	ErrRoomFull            = errors.New("room at capacity")
	ErrNotAMember          = errors.New("not a room member")
	ErrAlreadySeated       = errors.New("already seated")
	ErrNoSeatsAvailable    = errors.New("no seats available")
	ErrSeatTaken           = errors.New("seat taken")
	ErrDuplicateConnection = errors.New("duplicate connection")
)

// Code is the wire-level error class reported back to the originating
// connection in an error acknowledgment.
type Code string

const (
	CodeValidation    Code = "VALIDATION"
	CodeAuthorization Code = "AUTHORIZATION"
	CodeConflict      Code = "CONFLICT"
	CodeNotFound      Code = "NOT_FOUND"
	CodeDependency    Code = "DEPENDENCY"
	CodeInternal      Code = "INTERNAL"
)

type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func Validation(message string, err error) *AppError {
	if err == nil {
		err = ErrValidation
	}
	return &AppError{Code: CodeValidation, Message: message, Err: err}
}

func Authorization(message string) *AppError {
	return &AppError{Code: CodeAuthorization, Message: message, Err: ErrForbidden}
}

func Unauthorized(message string) *AppError {
	return &AppError{Code: CodeAuthorization, Message: message, Err: ErrUnauthorized}
}

func Conflict(message string, err error) *AppError {
	if err == nil {
		err = ErrConflict
	}
	return &AppError{Code: CodeConflict, Message: message, Err: err}
}

func NotFound(message string, err error) *AppError {
	if err == nil {
		err = ErrNotFound
	}
	return &AppError{Code: CodeNotFound, Message: message, Err: err}
}

func Dependency(message string, err error) *AppError {
	return &AppError{Code: CodeDependency, Message: message, Err: err}
}

func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// CodeOf extracts the wire code from any error, defaulting to INTERNAL
// so unexpected failures never leak details to clients.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeNotFound
	}
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeConflict
	}
	return errors.Is(err, ErrConflict)
}
