// Package apperr defines the closed set of domain errors surfaced by the chat
// service. Every error carries the HTTP status and the machine-readable code
// it is translated to at the transport boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one member of the error taxonomy.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuthentication
	KindDuplicateUser
	KindChangingPassword
	KindStoreUnavailable
	KindRegistration
)

// Stable error codes delivered to clients in the X-Error-Code header and the
// error_code body field.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnauthorized     = "USER_IS_UNAUTHORIZED"
	CodeDuplicateUser    = "USER_DUPLICATE"
	CodeChangingPassword = "CHANGING_PASSWORD"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeRegistration     = "REGISTRATION_FAILED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL_ERROR"
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindDuplicateUser:
		return "duplicate_user"
	case KindChangingPassword:
		return "changing_password"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindRegistration:
		return "registration"
	default:
		return "unknown"
	}
}

// Error is a classified domain error.
type Error struct {
	Kind   Kind
	Status int
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a caller may retry the failed operation.
// Only store outages qualify.
func (e *Error) Retryable() bool {
	return e.Kind == KindStoreUnavailable
}

// Validation reports bad input shape or length.
func Validation(detail string, err error) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusUnprocessableEntity, Code: CodeValidation, Detail: detail, Err: err}
}

// Authentication reports missing or bad credentials.
func Authentication(username string, err error) *Error {
	detail := "Could not validate credentials"
	if username != "" {
		detail = fmt.Sprintf("Could not validate credentials for %s", username)
	}
	return &Error{
		Kind:   KindAuthentication,
		Status: http.StatusUnauthorized,
		Code:   CodeUnauthorized,
		Detail: detail,
		Err:    err,
	}
}

// DuplicateUser reports a sign-up with a username that is already taken.
func DuplicateUser(username string, err error) *Error {
	return &Error{
		Kind:   KindDuplicateUser,
		Status: http.StatusConflict,
		Code:   CodeDuplicateUser,
		Detail: fmt.Sprintf("User with username %s already exists", username),
		Err:    err,
	}
}

// ChangingPassword reports a password change rejected for a wrong old
// password or an unknown user.
func ChangingPassword(username string, err error) *Error {
	return &Error{
		Kind:   KindChangingPassword,
		Status: http.StatusBadRequest,
		Code:   CodeChangingPassword,
		Detail: fmt.Sprintf("Old password does not match or user with username %s does not exist", username),
		Err:    err,
	}
}

// StoreUnavailable wraps a failure of the persistent store.
func StoreUnavailable(op string, err error) *Error {
	return &Error{
		Kind:   KindStoreUnavailable,
		Status: http.StatusServiceUnavailable,
		Code:   CodeStoreUnavailable,
		Detail: fmt.Sprintf("store unavailable during %s", op),
		Err:    err,
	}
}

// Registration reports a failed live-connection handshake.
func Registration(err error) *Error {
	return &Error{
		Kind:   KindRegistration,
		Status: http.StatusBadRequest,
		Code:   CodeRegistration,
		Detail: "live connection handshake failed",
		Err:    err,
	}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind reports whether err's chain holds an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}
