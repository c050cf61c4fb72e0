package media

import (
	"container/heap"
	"testing"
	"time"

	"github.com/sendfleet/sendfleet/internal/store"
	"github.com/sendfleet/sendfleet/internal/tgapi"
)

func TestWarmSkipReason(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		bot  *store.Bot
		want string
	}{
		{"deleted", &store.Bot{Slug: "a", TokenCipher: "c", WarmupChatID: 1, DeletedAt: &now}, "bot deleted"},
		{"no token", &store.Bot{Slug: "a", WarmupChatID: 1}, "bot token not set"},
		{"no warmup chat", &store.Bot{Slug: "a", TokenCipher: "c"}, "no warmup chat"},
		{"ready to warm", &store.Bot{Slug: "a", TokenCipher: "c", WarmupChatID: 1}, ""},
	}
	for _, tc := range cases {
		if got := warmSkipReason(tc.bot); got != tc.want {
			t.Fatalf("%s: warmSkipReason = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestJobHeap_KindPriority(t *testing.T) {
	var h jobHeap
	heap.Push(&h, WarmJob{SHA256: "p1", Kind: tgapi.KindPhoto})
	heap.Push(&h, WarmJob{SHA256: "v1", Kind: tgapi.KindVideo})
	heap.Push(&h, WarmJob{SHA256: "a1", Kind: tgapi.KindAudio})
	heap.Push(&h, WarmJob{SHA256: "a2", Kind: tgapi.KindAudio})

	want := []string{"a1", "a2", "v1", "p1"}
	for i, expect := range want {
		job := heap.Pop(&h).(WarmJob)
		if job.SHA256 != expect {
			t.Fatalf("pop %d = %s, want %s", i, job.SHA256, expect)
		}
	}
}

func TestJobHeap_FIFOWithinKind(t *testing.T) {
	var h jobHeap
	for _, sha := range []string{"one", "two", "three", "four"} {
		heap.Push(&h, WarmJob{SHA256: sha, Kind: tgapi.KindPhoto})
	}
	for _, expect := range []string{"one", "two", "three", "four"} {
		if job := heap.Pop(&h).(WarmJob); job.SHA256 != expect {
			t.Fatalf("got %s, want %s", job.SHA256, expect)
		}
	}
}

func TestExtFor(t *testing.T) {
	cases := []struct {
		kind tgapi.MediaKind
		mime string
		want string
	}{
		{tgapi.KindPhoto, "image/png", "png"},
		{tgapi.KindPhoto, "image/jpeg", "jpg"},
		{tgapi.KindPhoto, "", "jpg"},
		{tgapi.KindVideo, "video/mp4", "mp4"},
		{tgapi.KindVideo, "", "mp4"},
		{tgapi.KindAudio, "audio/ogg", "ogg"},
		{tgapi.KindAudio, "", "mp3"},
	}
	for _, tc := range cases {
		if got := extFor(tc.kind, tc.mime); got != tc.want {
			t.Fatalf("extFor(%s, %q) = %q, want %q", tc.kind, tc.mime, got, tc.want)
		}
	}
}
