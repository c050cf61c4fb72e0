package httpapi

import (
	"testing"

	"github.com/bytedance/sonic"
)

func TestWarmupChatRequest_FieldName(t *testing.T) {
	var req warmupChatRequest
	if err := sonic.Unmarshal([]byte(`{"warmup_chat_id": 123}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.WarmupChatID != 123 {
		t.Fatalf("warmup_chat_id = %d, want 123", req.WarmupChatID)
	}

	var other warmupChatRequest
	if err := sonic.Unmarshal([]byte(`{"chat_id": 55}`), &other); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if other.WarmupChatID != 0 {
		t.Fatalf("chat_id must not bind, got %d", other.WarmupChatID)
	}
}
