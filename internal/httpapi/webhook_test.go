package httpapi

import (
	"testing"
	"time"

	"github.com/sendfleet/sendfleet/internal/config"
)

func TestIsStartCommand(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"/start", true},
		{"/start ref_abc123", true},
		{"/startx", false},
		{"/started", false},
		{" /start", false},
		{"start", false},
		{"", false},
		{"/stop", false},
	}
	for _, tc := range cases {
		if got := isStartCommand(tc.text); got != tc.want {
			t.Fatalf("isStartCommand(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestStartSessionID_DeterministicPerMinute(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 5, 0, time.UTC)

	a := StartSessionID("acme", 100, base)
	b := StartSessionID("acme", 100, base.Add(40*time.Second))
	if a != b {
		t.Fatalf("same minute must yield same session id: %s vs %s", a, b)
	}

	c := StartSessionID("acme", 100, base.Add(time.Minute))
	if a == c {
		t.Fatal("next minute must yield a new session id")
	}
	if StartSessionID("other", 100, base) == a {
		t.Fatal("different tenants must not share session ids")
	}
	if StartSessionID("acme", 101, base) == a {
		t.Fatal("different chats must not share session ids")
	}
}

func TestWebhookSecret_StablePerTenant(t *testing.T) {
	s := &Server{cfg: &config.Config{}}
	s.cfg.Admin.APIToken = "admin-token"

	a := s.webhookSecret("acme")
	if a != s.webhookSecret("acme") {
		t.Fatal("secret must be stable for a tenant")
	}
	if a == s.webhookSecret("other") {
		t.Fatal("secrets must differ per tenant")
	}
	if len(a) != 32 {
		t.Fatalf("secret length = %d, want 32", len(a))
	}
}
