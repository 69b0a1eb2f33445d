package shared

import (
	"errors"
	"net/http"
)

// Sentinel errors shared between the progress store and the pipeline.
var (
	ErrNotEnrolled     = errors.New("user is not enrolled in the course")
	ErrLessonNotFound  = errors.New("lesson not found")
	ErrCourseNotFound  = errors.New("course not found")
	ErrEnrollmentBusy  = errors.New("enrollment row is locked by a concurrent completion")
	ErrAlreadyEnrolled = errors.New("user is already enrolled in the course")
)

// AppError carries the HTTP status a failure should surface as. Services
// return these; the HTTP error handler maps anything else to a 500.
type AppError struct {
	Err        error
	StatusCode int
	Message    string
	Data       interface{}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func newAppError(err error, statusCode int, message string) *AppError {
	return &AppError{Err: err, StatusCode: statusCode, Message: message}
}

func NewBadRequestError(err error, message string) *AppError {
	return newAppError(err, http.StatusBadRequest, message)
}

func NewUnauthorizedError(err error, message string) *AppError {
	return newAppError(err, http.StatusUnauthorized, message)
}

func NewForbiddenError(err error, message string) *AppError {
	return newAppError(err, http.StatusForbidden, message)
}

func NewNotFoundError(err error, message string) *AppError {
	return newAppError(err, http.StatusNotFound, message)
}

func NewConflictError(err error, message string) *AppError {
	return newAppError(err, http.StatusConflict, message)
}

func NewTooManyRequestsError(err error, message string) *AppError {
	return newAppError(err, http.StatusTooManyRequests, message)
}

func NewInternalError(err error, message string) *AppError {
	return newAppError(err, http.StatusInternalServerError, message)
}
