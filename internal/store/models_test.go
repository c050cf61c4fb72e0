package store

import (
	"strings"
	"testing"
	"time"

	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/tgapi"
)

const testSHA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestStartMessage_Validate(t *testing.T) {
	ref := MediaRef{SHA256: testSHA, Kind: tgapi.KindPhoto}

	cases := []struct {
		name string
		msg  StartMessage
		code gwerr.Code
	}{
		{"inactive empty is fine", StartMessage{}, ""},
		{"active with text", StartMessage{Active: true, Text: "hi"}, ""},
		{"active with media only", StartMessage{Active: true, MediaRefs: []MediaRef{ref}}, ""},
		{"active empty", StartMessage{Active: true}, gwerr.CodeBadRequest},
		{"too many refs", StartMessage{Active: true, MediaRefs: []MediaRef{ref, ref, ref, ref}}, gwerr.CodeStartMediaRefsMax3},
		{"text too long", StartMessage{Active: true, Text: strings.Repeat("x", 4097)}, gwerr.CodeTextTooLong},
		{"bad hash", StartMessage{Active: true, MediaRefs: []MediaRef{{SHA256: "short", Kind: tgapi.KindPhoto}}}, gwerr.CodeInvalidMediaSHA256},
		{"bad kind", StartMessage{Active: true, MediaRefs: []MediaRef{{SHA256: testSHA, Kind: "gif"}}}, gwerr.CodeBadRequest},
	}
	for _, tc := range cases {
		err := tc.msg.Validate()
		if tc.code == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if gwerr.CodeOf(err) != tc.code {
			t.Fatalf("%s: code = %v, want %s", tc.name, gwerr.CodeOf(err), tc.code)
		}
	}
}

func TestDownsell_Validate(t *testing.T) {
	ds := Downsell{Name: "d1", Text: "come back", DelaySeconds: 600, Triggers: []string{TriggerAfterStart}, Active: true}
	if err := ds.Validate(); err != nil {
		t.Fatalf("valid downsell rejected: %v", err)
	}

	bad := ds
	bad.DelaySeconds = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("zero delay must be rejected")
	}

	bad = ds
	bad.Triggers = []string{"after_refund"}
	if err := bad.Validate(); err == nil {
		t.Fatal("unknown trigger must be rejected")
	}

	bad = ds
	bad.Triggers = nil
	if err := bad.Validate(); err == nil {
		t.Fatal("active downsell without triggers must be rejected")
	}

	inactive := ds
	inactive.Active = false
	inactive.Triggers = nil
	if err := inactive.Validate(); err != nil {
		t.Fatalf("inactive downsell without triggers must pass: %v", err)
	}
}

func TestShot_Validate(t *testing.T) {
	sh := Shot{Title: "launch", Text: "big news", Trigger: ShotTriggerNow}
	if err := sh.Validate(); err != nil {
		t.Fatalf("valid shot rejected: %v", err)
	}

	bad := sh
	bad.Title = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("untitled shot must be rejected")
	}

	bad = sh
	bad.Trigger = ShotTriggerSchedule
	if err := bad.Validate(); err == nil {
		t.Fatal("scheduled shot without scheduled_at must be rejected")
	}

	at := time.Now().Add(time.Hour)
	bad.ScheduledAt = &at
	if err := bad.Validate(); err != nil {
		t.Fatalf("scheduled shot with time rejected: %v", err)
	}

	bad = sh
	bad.Text = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("shot without content must be rejected")
	}
}

func TestShotStatus_Terminal(t *testing.T) {
	for _, st := range []ShotStatus{ShotDraft, ShotQueued, ShotSending, ShotPaused} {
		if st.Terminal() {
			t.Fatalf("%s must not be terminal", st)
		}
	}
	for _, st := range []ShotStatus{ShotCompleted, ShotCanceled} {
		if !st.Terminal() {
			t.Fatalf("%s must be terminal", st)
		}
	}
}

func TestDedupeKeys(t *testing.T) {
	minute := time.Date(2026, 8, 24, 10, 30, 45, 0, time.UTC)

	key := DedupeKeyTest("acme", 100, "abcd1234", minute)
	same := DedupeKeyTest("acme", 100, "abcd1234", minute.Add(10*time.Second))
	if key != same {
		t.Fatalf("same minute must produce same key: %q vs %q", key, same)
	}
	next := DedupeKeyTest("acme", 100, "abcd1234", minute.Add(time.Minute))
	if key == next {
		t.Fatal("different minutes must produce different keys")
	}

	if got := DedupeKeyDownsell(77); got != "downsell:77" {
		t.Fatalf("downsell key = %q", got)
	}
	if got := DedupeKeyShot(3, 100); got != "shot:3:100" {
		t.Fatalf("shot key = %q", got)
	}
	if got := DedupeKeyStart("acme", 100, "sess-1"); got != "start:acme:100:sess-1" {
		t.Fatalf("start key = %q", got)
	}
}

func TestDownsell_HasTrigger(t *testing.T) {
	ds := Downsell{Triggers: []string{TriggerAfterStart}}
	if !ds.HasTrigger(TriggerAfterStart) {
		t.Fatal("expected after_start trigger")
	}
	if ds.HasTrigger(TriggerAfterPix) {
		t.Fatal("did not expect after_pix trigger")
	}
}
