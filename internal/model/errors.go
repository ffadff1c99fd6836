package model

import "errors"

var (
	ErrStoreUnavailable = errors.New("queue store unavailable")
	ErrCorruptQueue     = errors.New("queue store corrupted")
	ErrTargetNotFound   = errors.New("target not found")
	ErrReadinessTimeout = errors.New("target readiness timeout")
	ErrInjectionFailed  = errors.New("text injection failed")
	ErrSendUnconfirmed  = errors.New("send not confirmed")
	ErrMessageNotFound  = errors.New("message not found")
	ErrBlankMessage     = errors.New("message has no printable text")
)

// Error codes defined by API contract.
const (
	CodeRefInvalid       = "E_REF_INVALID"
	CodeRefNotFound      = "E_REF_NOT_FOUND"
	CodeStoreUnavailable = "E_STORE_UNAVAILABLE"
	CodeQueueCorrupt     = "E_QUEUE_CORRUPT"
	CodeTargetNotFound   = "E_TARGET_NOT_FOUND"
	CodeReadinessTimeout = "E_READINESS_TIMEOUT"
	CodeInjectionFailed  = "E_INJECTION_FAILED"
	CodeSendUnconfirmed  = "E_SEND_UNCONFIRMED"
	CodeInternal         = "E_INTERNAL"
)

// ErrorCode maps a wrapped sentinel to its API code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCorruptQueue):
		return CodeQueueCorrupt
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrTargetNotFound):
		return CodeTargetNotFound
	case errors.Is(err, ErrReadinessTimeout):
		return CodeReadinessTimeout
	case errors.Is(err, ErrInjectionFailed):
		return CodeInjectionFailed
	case errors.Is(err, ErrSendUnconfirmed):
		return CodeSendUnconfirmed
	case errors.Is(err, ErrMessageNotFound):
		return CodeRefNotFound
	case errors.Is(err, ErrBlankMessage):
		return CodeRefInvalid
	default:
		return CodeInternal
	}
}
