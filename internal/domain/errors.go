package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures so transports can map them without string matching.
type ErrorCode string

const (
	ErrCodeInvalidSignature    ErrorCode = "INVALID_SIGNATURE"
	ErrCodeMalformedPayload    ErrorCode = "MALFORMED_EVENT_PAYLOAD"
	ErrCodeDuplicateEvent      ErrorCode = "DUPLICATE_EVENT"
	ErrCodeProductNotFound     ErrorCode = "PRODUCT_NOT_FOUND"
	ErrCodeTransactionFailure  ErrorCode = "TRANSACTION_FAILURE"
	ErrCodeEntitlementIssuance ErrorCode = "ENTITLEMENT_ISSUANCE_FAILURE"
	ErrCodeLedgerUpdate        ErrorCode = "LEDGER_UPDATE_FAILURE"
	ErrCodeLinkExpired         ErrorCode = "LINK_EXPIRED"
	ErrCodeLinkQuotaExceeded   ErrorCode = "LINK_QUOTA_EXCEEDED"
	ErrCodeLinkNotFound        ErrorCode = "LINK_NOT_FOUND"
	ErrCodeOrderNotFulfilled   ErrorCode = "ORDER_NOT_FULFILLED"
	ErrCodeNoFilesAvailable    ErrorCode = "NO_FILES_AVAILABLE"
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrCodeRefreshLimitReached ErrorCode = "REFRESH_LIMIT_REACHED"
)

type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error carrying the same code, so wrapped sentinels compare equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

var (
	ErrInvalidSignature    = NewError(ErrCodeInvalidSignature, "invalid signature")
	ErrMalformedPayload    = NewError(ErrCodeMalformedPayload, "malformed event payload")
	ErrDuplicateEvent      = NewError(ErrCodeDuplicateEvent, "event already processed")
	ErrProductNotFound     = NewError(ErrCodeProductNotFound, "product not found")
	ErrTransactionFailure  = NewError(ErrCodeTransactionFailure, "order transaction failed")
	ErrEntitlementIssuance = NewError(ErrCodeEntitlementIssuance, "entitlement issuance failed")
	ErrLedgerUpdate        = NewError(ErrCodeLedgerUpdate, "ledger update failed")
	ErrLinkExpired         = NewError(ErrCodeLinkExpired, "download link has expired")
	ErrLinkQuotaExceeded   = NewError(ErrCodeLinkQuotaExceeded, "download limit exceeded")
	ErrLinkNotFound        = NewError(ErrCodeLinkNotFound, "download link not found")
	ErrOrderNotFulfilled   = NewError(ErrCodeOrderNotFulfilled, "order is not completed")
	ErrNoFilesAvailable    = NewError(ErrCodeNoFilesAvailable, "no downloadable files found")
	ErrUnauthorized        = NewError(ErrCodeUnauthorized, "unauthorized")
	ErrRefreshLimitReached = NewError(ErrCodeRefreshLimitReached, "refresh limit reached")
)

// IsCode reports whether err carries a domain error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Code == code
	}
	return false
}
