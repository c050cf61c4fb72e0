package send

import "strings"

// markdownV2Reserved is the set of characters Telegram requires escaped
// in MarkdownV2 text outside of entities.
const markdownV2Reserved = "\\_*[](){}~`>#+-=|.!"

// EscapeMarkdownV2 backslash-escapes reserved MarkdownV2 characters.
// Already-escaped characters are left alone, so the function is
// idempotent: escape(escape(s)) == escape(s).
func EscapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && strings.IndexByte(markdownV2Reserved, s[i+1]) >= 0 {
			// Existing escape pair; keep as is.
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i++
			continue
		}
		if strings.IndexByte(markdownV2Reserved, c) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}
