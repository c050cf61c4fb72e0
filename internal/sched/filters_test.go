package sched

import (
	"context"
	"testing"

	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/store"
)

func TestResolveFilter_AllStarted(t *testing.T) {
	if !KnownFilter(FilterAllStarted) {
		t.Fatal("all_started must be registered by default")
	}
	if _, err := resolveFilter(FilterAllStarted); err != nil {
		t.Fatalf("resolveFilter: %v", err)
	}
}

func TestResolveFilter_Unknown(t *testing.T) {
	_, err := resolveFilter("paid_users")
	if gwerr.CodeOf(err) != gwerr.CodeBadRequest {
		t.Fatalf("err = %v, want BAD_REQUEST", err)
	}
	if KnownFilter("paid_users") {
		t.Fatal("unregistered filter must not be known")
	}
}

func TestRegisterFilter(t *testing.T) {
	RegisterFilter("test_everyone", func(ctx context.Context, st *store.Store, slug string) ([]int64, error) {
		return []int64{1, 2, 3}, nil
	})
	t.Cleanup(func() {
		filterMu.Lock()
		delete(filters, "test_everyone")
		filterMu.Unlock()
	})

	pred, err := resolveFilter("test_everyone")
	if err != nil {
		t.Fatalf("resolveFilter: %v", err)
	}
	ids, err := pred(context.Background(), nil, "acme")
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %v", ids)
	}
}
