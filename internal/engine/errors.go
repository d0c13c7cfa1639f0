package engine

import (
	"errors"
	"fmt"
)

// Reason codes carried by StateError.
const (
	CodeDerivationNotFound    = "derivation_not_found"
	CodeAlreadyTerminated     = "already_terminated"
	CodeAlreadyViewed         = "already_viewed"
	CodeAlreadyAccepted       = "already_accepted"
	CodeNotAuthorized         = "not_authorized"
	CodeResponsibilityMoved   = "responsibility_moved"
	CodeDerivationUnavailable = "derivation_unavailable"
	CodeAlreadyStaffed        = "already_staffed"
	CodeCaseClosed            = "case_closed"
)

// Reason codes carried by ValidationError.
const (
	CodeRequired              = "required"
	CodeInvalid               = "invalid"
	CodeCaseNotFound          = "case_not_found"
	CodeCaseInactive          = "case_inactive"
	CodeUserNotFound          = "user_not_found"
	CodeUserInactive          = "user_inactive"
	CodeSelfDerivation        = "self_derivation"
	CodeNotCurrentResponsible = "not_current_responsible"
)

// ValidationError is a field-scoped input failure. Nothing was written.
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// StateError is an operation refused by the derivation state machine.
type StateError struct {
	Code    string
	Message string
}

func (e *StateError) Error() string {
	return e.Message
}

func invalid(field, code, msg string) error {
	return &ValidationError{Field: field, Code: code, Message: msg}
}

func stateErr(code, msg string) error {
	return &StateError{Code: code, Message: msg}
}

// ErrorCode extracts the reason code of a validation or state error.
func ErrorCode(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	var se *StateError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsBusinessError reports whether err is a refused precondition rather than an
// infrastructure failure.
func IsBusinessError(err error) bool {
	return ErrorCode(err) != ""
}
