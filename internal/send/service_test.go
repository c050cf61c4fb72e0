package send

import (
	"context"
	"testing"
	"time"

	"github.com/sendfleet/sendfleet/internal/config"
	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/limiter"
	"github.com/sendfleet/sendfleet/internal/pkg/metrics"
	"github.com/sendfleet/sendfleet/internal/store"
	"github.com/sendfleet/sendfleet/internal/tgapi"
)

// One collector for the whole test binary; the prometheus registry
// rejects duplicate metric registration.
var testColl = metrics.NewSendCollector()

func testConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{HotTimeoutSec: 5, CallTimeoutSec: 8},
	}
}

func TestRearmable(t *testing.T) {
	cases := []struct {
		status store.EventStatus
		want   bool
	}{
		{store.EventErr, true},
		{store.EventOK, false},
		{store.EventPending, false},
	}
	for _, tc := range cases {
		got := rearmable(&store.GatewayEvent{Status: tc.status})
		if got != tc.want {
			t.Fatalf("rearmable(%s) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestDedupeResult_ReplaysPriorOutcome(t *testing.T) {
	// No store and no Telegram client: replaying a finalized event must
	// not touch either.
	s := &Service{coll: testColl}
	req := &Request{BotSlug: "bot-a", ChatID: 1, Purpose: store.PurposeStart, DedupeKey: "k"}

	res, err := s.dedupeResult(context.Background(), req,
		&store.GatewayEvent{Status: store.EventOK, MessageID: 42}, time.Now())
	if err != nil {
		t.Fatalf("ok replay: %v", err)
	}
	if !res.Deduped || res.MessageID != 42 || !res.OK() {
		t.Fatalf("ok replay = %+v, want deduped message_id 42", res)
	}

	res, err = s.dedupeResult(context.Background(), req,
		&store.GatewayEvent{Status: store.EventErr, ErrorCode: string(gwerr.CodeBadRequest)}, time.Now())
	if err != nil {
		t.Fatalf("err replay: %v", err)
	}
	if !res.Deduped || res.Code != gwerr.CodeBadRequest {
		t.Fatalf("err replay = %+v, want BAD_REQUEST", res)
	}

	// A finalized failure with no recorded code still reports an error.
	res, _ = s.dedupeResult(context.Background(), req,
		&store.GatewayEvent{Status: store.EventErr}, time.Now())
	if res.Code != gwerr.CodeTelegramError {
		t.Fatalf("blank code replay = %s, want TELEGRAM_ERROR", res.Code)
	}
}

func TestDedupeResult_PendingBlocksUntilContextDone(t *testing.T) {
	s := &Service{coll: testColl}
	req := &Request{BotSlug: "bot-a", ChatID: 1, Purpose: store.PurposeStart, DedupeKey: "k"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := s.dedupeResult(ctx, req,
		&store.GatewayEvent{Status: store.EventPending}, start)
	if err != nil {
		t.Fatalf("pending replay: %v", err)
	}
	if waited := time.Since(start); waited < 40*time.Millisecond {
		t.Fatalf("returned after %v, want a wait for the in-flight send", waited)
	}
	if !res.Deduped || res.Code != gwerr.CodeDuplicateInflight {
		t.Fatalf("pending replay = %+v, want DUPLICATE_INFLIGHT", res)
	}
}

func TestPrepareText(t *testing.T) {
	cases := []struct {
		text     string
		raw      bool
		want     string
		wantMode string
	}{
		{"", false, "", ""},
		{"", true, "", ""},
		{"a_b.c", false, "a\\_b\\.c", "MarkdownV2"},
		{"*bold* _it_", true, "*bold* _it_", "MarkdownV2"},
		{"plain", true, "plain", "MarkdownV2"},
	}
	for _, tc := range cases {
		got, mode := prepareText(tc.text, tc.raw)
		if got != tc.want || mode != tc.wantMode {
			t.Fatalf("prepareText(%q, raw=%v) = (%q, %q), want (%q, %q)",
				tc.text, tc.raw, got, mode, tc.want, tc.wantMode)
		}
	}
}

func TestCallTimeout(t *testing.T) {
	s := &Service{cfg: testConfig()}

	cases := []struct {
		purpose store.Purpose
		want    time.Duration
	}{
		{store.PurposeStart, 5 * time.Second},
		{store.PurposeDownsell, 5 * time.Second},
		{store.PurposeShot, 5 * time.Second},
		{store.PurposeSendTest, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := s.callTimeout(tc.purpose); got != tc.want {
			t.Fatalf("callTimeout(%s) = %v, want %v", tc.purpose, got, tc.want)
		}
	}
}

func TestCallWithRetry_PerAttemptDeadline(t *testing.T) {
	lim := limiter.New(limiter.Options{})
	t.Cleanup(lim.Stop)
	s := &Service{cfg: testConfig(), limiter: lim, coll: testColl}
	req := &Request{BotSlug: "bot-a", ChatID: 1, Purpose: store.PurposeStart}

	var deadline time.Time
	var hasDeadline bool
	before := time.Now()
	out, _ := s.callWithRetry(context.Background(), req, func(ctx context.Context) (*tgapi.Outcome, error) {
		deadline, hasDeadline = ctx.Deadline()
		return &tgapi.Outcome{OK: true, Message: &tgapi.Message{ID: 7}}, nil
	})
	if !out.OK {
		t.Fatalf("outcome = %+v, want OK", out)
	}
	if !hasDeadline {
		t.Fatal("call context carries no deadline")
	}
	if budget := deadline.Sub(before); budget > 5*time.Second+time.Second {
		t.Fatalf("attempt budget %v, want about the 5s hot timeout", budget)
	}
}

func TestCallWithRetry_AttemptBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("walks the full 1.5s/3s/6s retry schedule")
	}

	s := &Service{cfg: testConfig(), coll: testColl}
	req := &Request{BotSlug: "bot-a", ChatID: 1, Purpose: store.PurposeDownsell}

	attempts := 0
	out, _ := s.callWithRetry(context.Background(), req, func(ctx context.Context) (*tgapi.Outcome, error) {
		attempts++
		return &tgapi.Outcome{Transient: true, Code: gwerr.CodeTelegramError}, nil
	})
	if attempts != maxSendAttempts {
		t.Fatalf("attempts = %d, want %d", attempts, maxSendAttempts)
	}
	if out.OK || out.Code != gwerr.CodeTelegramError {
		t.Fatalf("outcome = %+v, want the last transient failure", out)
	}
}
