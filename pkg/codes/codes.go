// Package codes defines the error taxonomy shared by all services.
//
// Every failure crossing a service boundary is a *Error carrying a Kind
// (which drives the HTTP status and retry eligibility) and a machine-readable
// Code (which clients match on). Messages are for humans only.
package codes

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping and retry policy.
type Kind int

const (
	// KindValidation covers malformed or rejected input (blank/short/duplicate
	// names, bad nonce format).
	KindValidation Kind = iota
	// KindAuthorization covers insufficient role, cross-group mutation and
	// group-reassignment attempts. Reported generically.
	KindAuthorization
	// KindNotFound covers missing entities, reported only to callers
	// authorized to learn non-existence.
	KindNotFound
	// KindCredential covers bad passphrases, consumed or expired bind tokens
	// and malformed cache validators. Reported generically.
	KindCredential
	// KindInfrastructure covers store timeouts and unavailability. The only
	// kind eligible for automatic retry by the caller.
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindCredential:
		return "credential"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// Code is a stable machine-readable identifier for a failure condition.
type Code string

const (
	Unauthorized Code = "UNAUTHORIZED"

	GroupNotFound       Code = "GROUP_NOT_FOUND"
	GroupAlreadyExists  Code = "GROUP_ALREADY_EXISTS"
	GroupNameBlank      Code = "GROUP_NAME_CANNOT_BE_BLANK_OR_NULL"
	GroupNameTooShort   Code = "GROUP_NAME_CANNOT_BE_LESS_THAN_THREE_CHARACTERS"
	GroupUserNotFound   Code = "GROUP_MEMBERSHIP_NOT_FOUND"
	GroupUserDuplicate  Code = "GROUP_MEMBERSHIP_ALREADY_EXISTS"
	UserNotFound        Code = "USER_NOT_FOUND"
	UserAlreadyExists   Code = "USER_ALREADY_EXISTS"
	UserEmailInvalid    Code = "USER_EMAIL_INVALID"

	ApplicationNotFound          Code = "APPLICATION_NOT_FOUND"
	ApplicationAlreadyExists     Code = "APPLICATION_ALREADY_EXISTS"
	ApplicationNameBlank         Code = "APPLICATION_NAME_CANNOT_BE_BLANK_OR_NULL"
	ApplicationNameTooShort      Code = "APPLICATION_NAME_CANNOT_BE_LESS_THAN_THREE_CHARACTERS"
	ApplicationRequiresGroup     Code = "APPLICATION_REQUIRES_GROUP_ASSOCIATION"
	ApplicationGroupChangeDenied Code = "APPLICATION_CANNOT_UPDATE_GROUP_ASSOCIATION"

	TopicNotFound          Code = "TOPIC_NOT_FOUND"
	TopicAlreadyExists     Code = "TOPIC_ALREADY_EXISTS"
	TopicNameBlank         Code = "TOPIC_NAME_CANNOT_BE_BLANK_OR_NULL"
	TopicNameTooShort      Code = "TOPIC_NAME_CANNOT_BE_LESS_THAN_THREE_CHARACTERS"
	TopicRequiresGroup     Code = "TOPIC_REQUIRES_GROUP_ASSOCIATION"
	TopicKindInvalid       Code = "TOPIC_KIND_INVALID"
	TopicSetNotFound       Code = "TOPIC_SET_NOT_FOUND"
	TopicSetAlreadyExists  Code = "TOPIC_SET_ALREADY_EXISTS"
	ActionIntervalNotFound Code = "ACTION_INTERVAL_NOT_FOUND"
	ActionIntervalInvalid  Code = "ACTION_INTERVAL_INVALID"

	PermissionNotFound      Code = "APPLICATION_PERMISSION_NOT_FOUND"
	PermissionAlreadyExists Code = "APPLICATION_PERMISSION_ALREADY_EXISTS"
	PermissionTargetInvalid Code = "APPLICATION_PERMISSION_TARGET_INVALID"

	InvalidCredentials Code = "INVALID_CREDENTIALS"
	InvalidBindToken   Code = "INVALID_BIND_TOKEN"
	InvalidNonceFormat Code = "INVALID_NONCE_FORMAT"
	InvalidETagFormat  Code = "INVALID_ETAG_FORMAT"

	StoreUnavailable Code = "STORE_UNAVAILABLE"
	StoreTimeout     Code = "STORE_TIMEOUT"
)

// Error is the structured domain error propagated to the HTTP boundary.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// New creates a domain error.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates a domain error with an underlying cause.
func Wrap(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// Validation creates a KindValidation error.
func Validation(code Code, message string) *Error {
	return New(KindValidation, code, message)
}

// Unauthorizedf creates the generic authorization failure. The message is
// deliberately uniform so existence and authorization failures are
// indistinguishable to an unauthorized caller.
func Unauthorizedf() *Error {
	return New(KindAuthorization, Unauthorized, "unauthorized")
}

// NotFound creates a KindNotFound error.
func NotFound(code Code, message string) *Error {
	return New(KindNotFound, code, message)
}

// Credential creates a KindCredential error. Callers receive the code but no
// hint about which check failed.
func Credential(code Code) *Error {
	return New(KindCredential, code, "invalid credentials")
}

// Infrastructure wraps a store-level failure as retryable.
func Infrastructure(code Code, cause error) *Error {
	return Wrap(KindInfrastructure, code, "store operation failed", cause)
}

// FromErr extracts a *Error from an error chain, or nil.
func FromErr(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	e := FromErr(err)
	return e != nil && e.Kind == kind
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	e := FromErr(err)
	return e != nil && e.Code == code
}
