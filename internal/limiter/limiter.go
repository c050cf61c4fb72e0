// Package limiter admits Telegram sends under per-tenant global and
// per-chat token buckets. Waiting requests are ordered by priority
// class, FIFO within a class, in a bounded buffer; overflow is rejected
// immediately rather than queued unbounded.
package limiter

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sendfleet/sendfleet/internal/gwerr"
)

// Class is the admission priority; lower admits first.
type Class int

const (
	ClassStart    Class = 1
	ClassShot     Class = 2
	ClassDownsell Class = 3
)

type Options struct {
	GlobalRate  float64 // tokens/s per tenant
	GlobalBurst int
	ChatRate    float64 // tokens/s per (tenant, chat)
	ChatBurst   int
	BufferSize  int
	Tick        time.Duration
	CooldownCap time.Duration
}

func (o *Options) fill() {
	if o.GlobalRate <= 0 {
		o.GlobalRate = 30
	}
	if o.GlobalBurst <= 0 {
		o.GlobalBurst = 10
	}
	if o.ChatRate <= 0 {
		o.ChatRate = 5
	}
	if o.ChatBurst <= 0 {
		o.ChatBurst = 1
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 100
	}
	if o.Tick <= 0 || o.Tick > 100*time.Millisecond {
		o.Tick = 100 * time.Millisecond
	}
	if o.CooldownCap <= 0 {
		o.CooldownCap = 15 * time.Second
	}
}

// Limiter multiplexes every tenant through one dispatcher goroutine.
type Limiter struct {
	opts Options

	mu      sync.Mutex
	tenants map[string]*tenant
	waiting waitHeap
	size    int

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

type tenant struct {
	global   *rate.Limiter
	chatRate rate.Limit // override for new chat buckets; 0 = default
	chats    map[int64]*chatState
}

type chatState struct {
	bucket        *rate.Limiter
	cooldownUntil time.Time
	cooldown      time.Duration
	lastUsed      time.Time
}

type waiter struct {
	slug    string
	chatID  int64
	class   Class
	seq     int64
	admit   chan struct{}
	removed bool
}

func New(opts Options) *Limiter {
	opts.fill()
	l := &Limiter{
		opts:    opts,
		tenants: make(map[string]*tenant),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.dispatch()
	return l
}

func (l *Limiter) Stop() {
	close(l.done)
	l.wg.Wait()
}

// SetTenantRates installs per-tenant overrides; zero values keep the
// defaults. The chat rate is remembered so buckets created later get it
// too. Idempotent, so callers may apply it on every bot load.
func (l *Limiter) SetTenantRates(slug string, globalRate, chatRate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.tenant(slug)
	if globalRate > 0 {
		t.global.SetLimit(rate.Limit(globalRate))
	}
	if chatRate > 0 {
		t.chatRate = rate.Limit(chatRate)
		for _, cs := range t.chats {
			cs.bucket.SetLimit(t.chatRate)
		}
	}
}

// Acquire blocks until one send for (slug, chatID) is admitted, the
// context expires, or the buffer is full. A full buffer returns
// QUEUE_FULL without waiting.
func (l *Limiter) Acquire(ctx context.Context, slug string, chatID int64, class Class) error {
	l.mu.Lock()
	// Fast path: both buckets have a token and no cooldown holds.
	t := l.tenant(slug)
	cs := t.chat(chatID, l.opts)
	now := time.Now()
	if l.waiting.Len() == 0 && now.After(cs.cooldownUntil) &&
		t.global.AllowN(now, 1) {
		if cs.bucket.AllowN(now, 1) {
			cs.lastUsed = now
			l.mu.Unlock()
			return nil
		}
		// Give the global token back; the chat bucket said no.
		t.global.AllowN(now, -1)
	}

	if l.size >= l.opts.BufferSize {
		l.mu.Unlock()
		return gwerr.Newf(gwerr.CodeQueueFull, "limiter buffer full (%d waiting)", l.size)
	}

	w := &waiter{slug: slug, chatID: chatID, class: class, admit: make(chan struct{})}
	heap.Push(&l.waiting, w)
	l.size++
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case <-w.admit:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if !w.removed {
			w.removed = true
			l.size--
		}
		l.mu.Unlock()
		// The dispatcher may have admitted concurrently; honor it.
		select {
		case <-w.admit:
			return nil
		default:
		}
		return gwerr.New(gwerr.CodeCanceled, "canceled while waiting for rate limiter")
	case <-l.done:
		return gwerr.New(gwerr.CodeCanceled, "limiter stopped")
	}
}

// Report429 backs off one chat after Telegram rate-limited it. The
// cooldown doubles on consecutive 429s and is capped; a successful send
// resets it via ReportOK.
func (l *Limiter) Report429(slug string, chatID int64, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs := l.tenant(slug).chat(chatID, l.opts)
	if cs.cooldown == 0 {
		cs.cooldown = time.Second
	} else {
		cs.cooldown *= 2
	}
	if cs.cooldown > l.opts.CooldownCap {
		cs.cooldown = l.opts.CooldownCap
	}
	if retryAfter > cs.cooldown {
		cs.cooldown = retryAfter
		if cs.cooldown > l.opts.CooldownCap {
			cs.cooldown = l.opts.CooldownCap
		}
	}
	cs.cooldownUntil = time.Now().Add(cs.cooldown)
}

func (l *Limiter) ReportOK(slug string, chatID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs := l.tenant(slug).chat(chatID, l.opts)
	cs.cooldown = 0
	cs.cooldownUntil = time.Time{}
}

// Waiting reports the buffered request count; used by health output.
func (l *Limiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

func (l *Limiter) tenant(slug string) *tenant {
	t, ok := l.tenants[slug]
	if !ok {
		t = &tenant{
			global: rate.NewLimiter(rate.Limit(l.opts.GlobalRate), l.opts.GlobalBurst),
			chats:  make(map[int64]*chatState),
		}
		l.tenants[slug] = t
	}
	return t
}

func (t *tenant) chat(chatID int64, opts Options) *chatState {
	cs, ok := t.chats[chatID]
	if !ok {
		limit := rate.Limit(opts.ChatRate)
		if t.chatRate > 0 {
			limit = t.chatRate
		}
		cs = &chatState{bucket: rate.NewLimiter(limit, opts.ChatBurst)}
		t.chats[chatID] = cs
	}
	cs.lastUsed = time.Now()
	return cs
}

func (l *Limiter) dispatch() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.Tick)
	defer ticker.Stop()
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		case <-ticker.C:
		case <-sweep.C:
			l.sweepChats()
			continue
		}
		l.admitReady()
	}
}

// admitReady walks the heap in priority order, admitting every waiter
// whose buckets currently allow a send. Blocked heads do not starve
// lower-priority waiters on other chats.
func (l *Limiter) admitReady() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	var skipped []*waiter
	for l.waiting.Len() > 0 {
		w := heap.Pop(&l.waiting).(*waiter)
		if w.removed {
			continue
		}
		t := l.tenant(w.slug)
		cs := t.chat(w.chatID, l.opts)

		if !now.After(cs.cooldownUntil) || !t.global.AllowN(now, 1) {
			skipped = append(skipped, w)
			continue
		}
		if !cs.bucket.AllowN(now, 1) {
			t.global.AllowN(now, -1)
			skipped = append(skipped, w)
			continue
		}

		w.removed = true
		l.size--
		close(w.admit)
	}
	for _, w := range skipped {
		heap.Push(&l.waiting, w)
	}
}

// sweepChats drops idle per-chat state so the map does not grow without
// bound across a large audience.
func (l *Limiter) sweepChats() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-10 * time.Minute)
	for _, t := range l.tenants {
		for id, cs := range t.chats {
			if cs.lastUsed.Before(cutoff) && cs.cooldownUntil.Before(cutoff) {
				delete(t.chats, id)
			}
		}
	}
}

// --- heap ----------------------------------------------------------------

type waitHeap struct {
	items []*waiter
	seq   int64
}

func (h *waitHeap) Len() int { return len(h.items) }

func (h *waitHeap) Less(i, j int) bool {
	if h.items[i].class != h.items[j].class {
		return h.items[i].class < h.items[j].class
	}
	return h.items[i].seq < h.items[j].seq
}

func (h *waitHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *waitHeap) Push(x any) {
	h.seq++
	w := x.(*waiter)
	w.seq = h.seq
	h.items = append(h.items, w)
}

func (h *waitHeap) Pop() any {
	n := len(h.items)
	w := h.items[n-1]
	h.items = h.items[:n-1]
	return w
}
