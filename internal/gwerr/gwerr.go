// Package gwerr defines the closed set of user-visible error codes the
// gateway emits, and the structured error type that carries them across
// component boundaries.
package gwerr

import "fmt"

type Code string

const (
	// Configuration errors.
	CodeBotNotFound          Code = "BOT_NOT_FOUND"
	CodeBotDeleted           Code = "BOT_DELETED"
	CodeBotTokenNotSet       Code = "BOT_TOKEN_NOT_SET"
	CodeNoWarmupChat         Code = "NO_WARMUP_CHAT"
	CodeEncryptionKeyMissing Code = "ENCRYPTION_KEY_MISSING"

	// Input errors.
	CodeMissingToken       Code = "MISSING_TOKEN"
	CodeInvalidChatID      Code = "INVALID_CHAT_ID"
	CodeStartMediaRefsMax3 Code = "START_MEDIA_REFS_MAX_3"
	CodeInvalidMediaSHA256 Code = "INVALID_MEDIA_SHA256"
	CodeTextTooLong        Code = "TEXT_TOO_LONG"

	// Telegram permanent errors.
	CodeChatNotFound     Code = "CHAT_NOT_FOUND"
	CodeBotBlockedByUser Code = "BOT_BLOCKED_BY_USER"
	CodeUserDeactivated  Code = "USER_DEACTIVATED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeBadRequest       Code = "BAD_REQUEST"
	CodeMediaInvalid     Code = "MEDIA_INVALID"

	// Telegram transient errors.
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeTelegramError     Code = "TELEGRAM_ERROR"

	// Local errors.
	CodeQueueFull            Code = "QUEUE_FULL"
	CodeCacheMiss            Code = "CACHE_MISS"
	CodeCanceled             Code = "CANCELED"
	CodeDuplicateInflight    Code = "DUPLICATE_INFLIGHT"
	CodeDatabaseNotAvailable Code = "DATABASE_NOT_AVAILABLE"
)

// Error is a structured gateway error. Description is optional human
// context; it never contains token material or stack traces.
type Error struct {
	Code        Code
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func New(code Code, description string) *Error {
	return &Error{Code: code, Description: description}
}

func Newf(code Code, format string, v ...interface{}) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, v...)}
}

// CodeOf extracts the gateway code from err, falling back to
// TELEGRAM_ERROR for unclassified failures.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if ge, ok := err.(*Error); ok {
		return ge.Code
	}
	return CodeTelegramError
}

// transientCodes are retryable: the send pipeline may attempt again.
var transientCodes = map[Code]bool{
	CodeRateLimitExceeded:    true,
	CodeTelegramError:        true,
	CodeDuplicateInflight:    true,
	CodeQueueFull:            true,
	CodeDatabaseNotAvailable: true,
}

// IsTransient reports whether code is worth retrying.
func IsTransient(code Code) bool {
	return transientCodes[code]
}
