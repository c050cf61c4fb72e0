package tgapi

import (
	"strings"

	"github.com/sendfleet/sendfleet/internal/gwerr"
)

// descriptionMap is the table that classifies Telegram error descriptions
// into the closed permanent-code set. Matching is case-insensitive
// substring; first hit wins, so more specific phrases come first.
var descriptionMap = []struct {
	phrase string
	code   gwerr.Code
}{
	{"chat not found", gwerr.CodeChatNotFound},
	{"bot was blocked by the user", gwerr.CodeBotBlockedByUser},
	{"user is deactivated", gwerr.CodeUserDeactivated},
	{"chat_id is empty", gwerr.CodeInvalidChatID},
	{"wrong file identifier", gwerr.CodeMediaInvalid},
	{"wrong remote file", gwerr.CodeMediaInvalid},
	{"failed to get http url content", gwerr.CodeMediaInvalid},
	{"image_process_failed", gwerr.CodeMediaInvalid},
	{"wrong type of the web page content", gwerr.CodeMediaInvalid},
	{"file is too big", gwerr.CodeMediaInvalid},
	{"not enough rights", gwerr.CodeForbidden},
	{"have no rights", gwerr.CodeForbidden},
	{"forbidden", gwerr.CodeForbidden},
	{"bad request", gwerr.CodeBadRequest},
}

// classifyDescription maps a Telegram error description to a permanent
// code. Unknown descriptions fall back to TELEGRAM_ERROR.
func classifyDescription(description string) gwerr.Code {
	lower := strings.ToLower(description)
	for _, m := range descriptionMap {
		if strings.Contains(lower, m.phrase) {
			return m.code
		}
	}
	return gwerr.CodeTelegramError
}
