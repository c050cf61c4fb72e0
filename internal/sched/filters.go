package sched

import (
	"context"
	"sync"

	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/store"
)

// FilterPredicate resolves a shot audience filter to the target chat
// ids for one tenant.
type FilterPredicate func(ctx context.Context, st *store.Store, slug string) ([]int64, error)

const FilterAllStarted = "all_started"

var (
	filterMu sync.RWMutex
	filters  = map[string]FilterPredicate{
		FilterAllStarted: func(ctx context.Context, st *store.Store, slug string) ([]int64, error) {
			return st.ListStartedChats(ctx, slug)
		},
	}
)

// RegisterFilter installs a predicate for a filter name. Payment-state
// filters plug in here once a payment integration exists.
func RegisterFilter(name string, pred FilterPredicate) {
	filterMu.Lock()
	defer filterMu.Unlock()
	filters[name] = pred
}

func resolveFilter(name string) (FilterPredicate, error) {
	filterMu.RLock()
	defer filterMu.RUnlock()
	pred, ok := filters[name]
	if !ok {
		return nil, gwerr.Newf(gwerr.CodeBadRequest, "unknown audience filter %q", name)
	}
	return pred, nil
}

// KnownFilter reports whether name has a registered predicate; used at
// shot validation time so bad filters fail at create, not at start.
func KnownFilter(name string) bool {
	filterMu.RLock()
	defer filterMu.RUnlock()
	_, ok := filters[name]
	return ok
}
