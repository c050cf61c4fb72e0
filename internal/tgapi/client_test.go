package tgapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sendfleet/sendfleet/internal/gwerr"
)

func newFake(t *testing.T, status int, body string) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL), srv
}

func TestInvoke_OKParsesMessage(t *testing.T) {
	c, _ := newFake(t, http.StatusOK,
		`{"ok":true,"result":{"message_id":42,"chat":{"id":100,"type":"private"}}}`)

	out, err := c.SendText(context.Background(), "tok", 100, "hi", "", false)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}
	if out.Message == nil || out.Message.ID != 42 {
		t.Fatalf("expected message_id 42, got %+v", out.Message)
	}
}

func TestInvoke_429SetsRetryAfter(t *testing.T) {
	c, _ := newFake(t, http.StatusTooManyRequests,
		`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`)

	out, err := c.Invoke(context.Background(), "tok", "sendMessage", map[string]any{"chat_id": 1})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.Transient {
		t.Fatal("429 must be transient")
	}
	if out.RetryAfter != 7*time.Second {
		t.Fatalf("retry_after = %v, want 7s", out.RetryAfter)
	}
	if out.Code != gwerr.CodeRateLimitExceeded {
		t.Fatalf("code = %s, want RATE_LIMIT_EXCEEDED", out.Code)
	}
}

func TestInvoke_ServerErrorIsTransient(t *testing.T) {
	c, _ := newFake(t, http.StatusBadGateway, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)

	out, err := c.Invoke(context.Background(), "tok", "sendMessage", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.Transient {
		t.Fatal("5xx must be transient")
	}
}

func TestInvoke_PermanentClassification(t *testing.T) {
	cases := []struct {
		desc string
		want gwerr.Code
	}{
		{"Forbidden: bot was blocked by the user", gwerr.CodeBotBlockedByUser},
		{"Bad Request: chat not found", gwerr.CodeChatNotFound},
		{"Forbidden: user is deactivated", gwerr.CodeUserDeactivated},
		{"Bad Request: wrong file identifier", gwerr.CodeMediaInvalid},
		{"Bad Request: can't parse entities", gwerr.CodeBadRequest},
		{"something nobody has seen before", gwerr.CodeTelegramError},
	}
	for _, tc := range cases {
		c, srv := newFake(t, http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"`+tc.desc+`"}`)
		out, err := c.Invoke(context.Background(), "tok", "sendMessage", nil)
		if err != nil {
			t.Fatalf("Invoke(%q): %v", tc.desc, err)
		}
		if out.Transient || out.OK {
			t.Fatalf("%q must be permanent, got %+v", tc.desc, out)
		}
		if out.Code != tc.want {
			t.Fatalf("%q classified as %s, want %s", tc.desc, out.Code, tc.want)
		}
		srv.Close()
	}
}

func TestInvoke_NetworkErrorRedactsToken(t *testing.T) {
	c := New("http://127.0.0.1:1") // nothing listens here
	out, err := c.Invoke(context.Background(), "123456:SECRET", "getMe", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.Transient {
		t.Fatal("network failure must be transient")
	}
	if strings.Contains(out.Description, "SECRET") {
		t.Fatalf("token leaked into description: %s", out.Description)
	}
}

func TestMediaKind_Ordering(t *testing.T) {
	if !(KindAudio.Priority() < KindVideo.Priority() && KindVideo.Priority() < KindPhoto.Priority()) {
		t.Fatal("kind priority must be audio < video < photo")
	}
	if KindAudio.Method() != "sendAudio" || KindVideo.Method() != "sendVideo" || KindPhoto.Method() != "sendPhoto" {
		t.Fatal("unexpected method names")
	}
	if _, ok := ParseKind("gif"); ok {
		t.Fatal("gif must not parse as a media kind")
	}
}

func TestUpload_MultipartReachesServer(t *testing.T) {
	var gotField string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if _, _, err := r.FormFile("audio"); err == nil {
			gotField = "audio"
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{"message_id":7,"audio":{"file_id":"warmed"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	out, err := c.Upload(context.Background(), "tok", KindAudio, 55, "a.mp3", []byte("bytes"), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if gotField != "audio" {
		t.Fatal("audio form file not received")
	}
	if !out.OK || out.Message == nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := out.Message.MediaFileID(); got != "warmed" {
		t.Fatalf("MediaFileID = %q, want warmed", got)
	}
}
