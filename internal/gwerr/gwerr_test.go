package gwerr

import (
	"errors"
	"testing"
)

func TestError_Format(t *testing.T) {
	if got := New(CodeChatNotFound, "").Error(); got != "CHAT_NOT_FOUND" {
		t.Fatalf("bare code = %q", got)
	}
	if got := Newf(CodeTextTooLong, "%d chars", 5000).Error(); got != "TEXT_TOO_LONG: 5000 chars" {
		t.Fatalf("formatted = %q", got)
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != "" {
		t.Fatal("nil error must have empty code")
	}
	if CodeOf(New(CodeQueueFull, "full")) != CodeQueueFull {
		t.Fatal("gateway error code not extracted")
	}
	if CodeOf(errors.New("plain")) != CodeTelegramError {
		t.Fatal("foreign errors must fall back to TELEGRAM_ERROR")
	}
}

func TestIsTransient(t *testing.T) {
	transient := []Code{CodeRateLimitExceeded, CodeTelegramError, CodeQueueFull, CodeDuplicateInflight, CodeDatabaseNotAvailable}
	for _, code := range transient {
		if !IsTransient(code) {
			t.Fatalf("%s must be transient", code)
		}
	}
	permanent := []Code{CodeBotBlockedByUser, CodeChatNotFound, CodeUserDeactivated, CodeBadRequest, CodeTextTooLong, CodeBotDeleted}
	for _, code := range permanent {
		if IsTransient(code) {
			t.Fatalf("%s must not be transient", code)
		}
	}
}
