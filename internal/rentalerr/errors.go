// Package rentalerr defines the error kinds surfaced by the rental
// platform. Errors render as "KIND: message" so that Fabric clients can
// recover the kind from the endorsement response.
package rentalerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a class of rejection.
type Kind string

const (
	// Validation
	KindInvalidDateRange     Kind = "INVALID_DATE_RANGE"
	KindInvalidRating        Kind = "INVALID_RATING"
	KindSelfRental           Kind = "SELF_RENTAL"
	KindSelfReview           Kind = "SELF_REVIEW"
	KindDuplicateMetadata    Kind = "DUPLICATE_METADATA"
	KindDuplicateReview      Kind = "DUPLICATE_REVIEW"
	KindPriceMismatch        Kind = "PRICE_MISMATCH"
	KindDepositMismatch      Kind = "DEPOSIT_MISMATCH"
	KindHashMismatch         Kind = "HASH_MISMATCH"
	KindInvalidInput         Kind = "INVALID_INPUT"
	KindInvalidListing       Kind = "INVALID_LISTING"
	KindListingLimitExceeded Kind = "LISTING_LIMIT_EXCEEDED"

	// Authorization
	KindUnauthorized   Kind = "UNAUTHORIZED"
	KindPlatformPaused Kind = "PLATFORM_PAUSED"

	// State
	KindInvalidState       Kind = "INVALID_STATE"
	KindAlreadyDeposited   Kind = "ALREADY_DEPOSITED"
	KindAlreadyInitialized Kind = "ALREADY_INITIALIZED"
	KindNotInitialized     Kind = "NOT_INITIALIZED"
	KindNotFound           Kind = "NOT_FOUND"

	// Resource
	KindTransferFailed Kind = "TRANSFER_FAILED"
)

// Category groups kinds by who can act on them.
type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryAuthorization Category = "authorization"
	CategoryState         Category = "state"
	CategoryResource      Category = "resource"
	CategoryUnknown       Category = "unknown"
)

var categories = map[Kind]Category{
	KindInvalidDateRange:     CategoryValidation,
	KindInvalidRating:        CategoryValidation,
	KindSelfRental:           CategoryValidation,
	KindSelfReview:           CategoryValidation,
	KindDuplicateMetadata:    CategoryValidation,
	KindDuplicateReview:      CategoryValidation,
	KindPriceMismatch:        CategoryValidation,
	KindDepositMismatch:      CategoryValidation,
	KindHashMismatch:         CategoryValidation,
	KindInvalidInput:         CategoryValidation,
	KindInvalidListing:       CategoryValidation,
	KindListingLimitExceeded: CategoryValidation,
	KindUnauthorized:         CategoryAuthorization,
	KindPlatformPaused:       CategoryAuthorization,
	KindInvalidState:         CategoryState,
	KindAlreadyDeposited:     CategoryState,
	KindAlreadyInitialized:   CategoryState,
	KindNotInitialized:       CategoryState,
	KindNotFound:             CategoryState,
	KindTransferFailed:       CategoryResource,
}

// Error is a rejection with a kind and a human readable message.
type Error struct {
	Kind    Kind
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error with the same kind, so the sentinels below work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidDateRange     = &Error{Kind: KindInvalidDateRange}
	ErrInvalidRating        = &Error{Kind: KindInvalidRating}
	ErrSelfRental           = &Error{Kind: KindSelfRental}
	ErrSelfReview           = &Error{Kind: KindSelfReview}
	ErrDuplicateMetadata    = &Error{Kind: KindDuplicateMetadata}
	ErrDuplicateReview      = &Error{Kind: KindDuplicateReview}
	ErrPriceMismatch        = &Error{Kind: KindPriceMismatch}
	ErrDepositMismatch      = &Error{Kind: KindDepositMismatch}
	ErrHashMismatch         = &Error{Kind: KindHashMismatch}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
	ErrInvalidListing       = &Error{Kind: KindInvalidListing}
	ErrListingLimitExceeded = &Error{Kind: KindListingLimitExceeded}
	ErrUnauthorized         = &Error{Kind: KindUnauthorized}
	ErrPlatformPaused       = &Error{Kind: KindPlatformPaused}
	ErrInvalidState         = &Error{Kind: KindInvalidState}
	ErrAlreadyDeposited     = &Error{Kind: KindAlreadyDeposited}
	ErrAlreadyInitialized   = &Error{Kind: KindAlreadyInitialized}
	ErrNotInitialized       = &Error{Kind: KindNotInitialized}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrTransferFailed       = &Error{Kind: KindTransferFailed}
)

// New builds an *Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind carried by err, or "" when err is not a
// platform rejection.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CategoryOf maps a kind to its category.
func CategoryOf(kind Kind) Category {
	if c, ok := categories[kind]; ok {
		return c
	}
	return CategoryUnknown
}

// Parse recovers an *Error from its rendered form, e.g. the message a
// Fabric gateway returns for a rejected endorsement. It returns nil when
// msg does not start with a known kind.
func Parse(msg string) *Error {
	head, rest, _ := strings.Cut(msg, ":")
	kind := Kind(strings.TrimSpace(head))
	if _, ok := categories[kind]; !ok {
		return nil
	}
	return &Error{Kind: kind, Message: strings.TrimSpace(rest)}
}
