// Package errors provides structured error handling for the fedgate IdP service
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	// Decode-time failures
	ErrMalformedRequest ErrorCode = "MALFORMED_REQUEST"

	// Security failures. These are logged as security events and surfaced to
	// the caller as a generic protocol fault, never with the internal cause.
	ErrSignatureInvalid      ErrorCode = "SIGNATURE_INVALID"
	ErrNoAcceptableAlgorithm ErrorCode = "NO_ACCEPTABLE_ALGORITHM"
	ErrCertificateNotFound   ErrorCode = "CERTIFICATE_NOT_FOUND"

	// Ticket bridge outcomes
	ErrTicketNotFound ErrorCode = "TICKET_NOT_FOUND"
	ErrTicketExpired  ErrorCode = "TICKET_EXPIRED"

	// Relying-party resolution outcomes
	ErrMetadataNotFound     ErrorCode = "METADATA_NOT_FOUND"
	ErrRelyingPartyDisabled ErrorCode = "RELYING_PARTY_DISABLED"

	// Infrastructure failures, retryable by the external caller
	ErrMetadataUnavailable    ErrorCode = "METADATA_UNAVAILABLE"
	ErrTicketStoreUnavailable ErrorCode = "TICKET_STORE_UNAVAILABLE"

	// Fatal misconfiguration
	ErrSigningConfiguration ErrorCode = "SIGNING_CONFIGURATION_ERROR"

	// General
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Err        error     `json:"-"` // Original error for logging
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is an infrastructure condition the
// external caller may retry
func (e *AppError) Retryable() bool {
	return e.Code == ErrMetadataUnavailable || e.Code == ErrTicketStoreUnavailable
}

// CodeOf extracts the ErrorCode from err, or ErrInternal for plain errors
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusCode}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusCode, Err: err}
}

// Predefined constructors

// MalformedRequest marks a request that failed binding-level decoding
func MalformedRequest(message string, err error) *AppError {
	return Wrap(err, ErrMalformedRequest, message, http.StatusBadRequest)
}

// SignatureInvalid marks a failed signature verification. The message stays
// in logs; callers surface only a generic protocol fault.
func SignatureInvalid(message string) *AppError {
	return New(ErrSignatureInvalid, message, http.StatusForbidden)
}

// NoAcceptableAlgorithm marks a message signed outside the effective algorithm set
func NoAcceptableAlgorithm(algorithm string) *AppError {
	return New(ErrNoAcceptableAlgorithm,
		fmt.Sprintf("algorithm %s is not in the effective allowed set", algorithm),
		http.StatusForbidden)
}

// CertificateNotFound marks missing usable key material in relying-party metadata
func CertificateNotFound(entityID string) *AppError {
	return New(ErrCertificateNotFound,
		fmt.Sprintf("no usable signing certificate registered for %s", entityID),
		http.StatusForbidden)
}

// TicketNotFound marks an unknown or already-consumed ticket identifier
func TicketNotFound(id string) *AppError {
	return New(ErrTicketNotFound, fmt.Sprintf("ticket %s not found", id), http.StatusNotFound)
}

// TicketExpired marks a ticket resolved after its validity window
func TicketExpired(id string) *AppError {
	return New(ErrTicketExpired, fmt.Sprintf("ticket %s has expired", id), http.StatusGone)
}

// MetadataNotFound marks an unregistered relying party
func MetadataNotFound(entityID string) *AppError {
	return New(ErrMetadataNotFound,
		fmt.Sprintf("no relying party registered for %s", entityID),
		http.StatusNotFound)
}

// RelyingPartyDisabled marks a registered but disabled relying party
func RelyingPartyDisabled(entityID string) *AppError {
	return New(ErrRelyingPartyDisabled,
		fmt.Sprintf("relying party %s is disabled", entityID),
		http.StatusForbidden)
}

// MetadataUnavailable marks an unreachable metadata store
func MetadataUnavailable(err error) *AppError {
	return Wrap(err, ErrMetadataUnavailable, "metadata store unavailable", http.StatusServiceUnavailable)
}

// TicketStoreUnavailable marks an unreachable ticket registry
func TicketStoreUnavailable(err error) *AppError {
	return Wrap(err, ErrTicketStoreUnavailable, "ticket store unavailable", http.StatusServiceUnavailable)
}

// SigningConfiguration marks fatal signing misconfiguration; not retryable
func SigningConfiguration(message string) *AppError {
	return New(ErrSigningConfiguration, message, http.StatusInternalServerError)
}

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return Wrap(err, ErrInternal, message, http.StatusInternalServerError)
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return New(ErrUnauthorized, message, http.StatusUnauthorized)
}
