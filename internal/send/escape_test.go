package send

import "testing"

func TestEscapeMarkdownV2_Reserved(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hello", "hello"},
		{"a_b", "a\\_b"},
		{"*bold*", "\\*bold\\*"},
		{"1+1=2", "1\\+1\\=2"},
		{"end.", "end\\."},
		{"(a) [b] {c}", "\\(a\\) \\[b\\] \\{c\\}"},
		{"a|b>c#d~e`f!g", "a\\|b\\>c\\#d\\~e\\`f\\!g"},
		{"back\\slash", "back\\\\slash"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := EscapeMarkdownV2(tc.in); got != tc.want {
			t.Fatalf("EscapeMarkdownV2(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEscapeMarkdownV2_Idempotent(t *testing.T) {
	inputs := []string{
		"plain text",
		"a_b*c[d]e",
		"price: $1.99 (50% off!)",
		"already \\_escaped\\_",
		"mixed _raw and \\*escaped\\*",
	}
	for _, in := range inputs {
		once := EscapeMarkdownV2(in)
		twice := EscapeMarkdownV2(once)
		if once != twice {
			t.Fatalf("not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestEscapeMarkdownV2_KeepsUnicode(t *testing.T) {
	in := "olá! café às 10h."
	got := EscapeMarkdownV2(in)
	want := "olá\\! café às 10h\\."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
