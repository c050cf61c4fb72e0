package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sendfleet/sendfleet/internal/gwerr"
)

func newTestLimiter(t *testing.T, opts Options) *Limiter {
	t.Helper()
	l := New(opts)
	t.Cleanup(l.Stop)
	return l
}

func TestAcquire_FastPath(t *testing.T) {
	l := newTestLimiter(t, Options{GlobalRate: 100, GlobalBurst: 10, ChatRate: 100, ChatBurst: 10})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Acquire(ctx, "bot-a", 1, ClassStart); err != nil {
		t.Fatalf("fast path acquire: %v", err)
	}
	if n := l.Waiting(); n != 0 {
		t.Fatalf("waiting = %d, want 0", n)
	}
}

func TestAcquire_QueueFull(t *testing.T) {
	// Tiny bucket, tiny buffer: the first call takes the burst token,
	// the next fills the buffer, the one after must bounce.
	l := newTestLimiter(t, Options{
		GlobalRate: 0.001, GlobalBurst: 1,
		ChatRate: 0.001, ChatBurst: 1,
		BufferSize: 1,
	})

	ctx := context.Background()
	if err := l.Acquire(ctx, "bot-a", 1, ClassStart); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	waitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Acquire(waitCtx, "bot-a", 2, ClassStart) }()

	// Let the waiter land in the buffer.
	deadline := time.Now().Add(time.Second)
	for l.Waiting() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if l.Waiting() != 1 {
		t.Fatalf("waiting = %d, want 1", l.Waiting())
	}

	err := l.Acquire(ctx, "bot-a", 3, ClassStart)
	if gwerr.CodeOf(err) != gwerr.CodeQueueFull {
		t.Fatalf("err = %v, want QUEUE_FULL", err)
	}

	cancel()
	if err := <-errCh; gwerr.CodeOf(err) != gwerr.CodeCanceled {
		t.Fatalf("waiter err = %v, want CANCELED", err)
	}
}

func TestAcquire_PriorityOrder(t *testing.T) {
	// One token per second and an empty bucket force every waiter
	// through the heap; admissions must come out by class.
	l := newTestLimiter(t, Options{
		GlobalRate: 20, GlobalBurst: 1,
		ChatRate: 20, ChatBurst: 1,
		BufferSize: 10,
		Tick:       10 * time.Millisecond,
	})

	// Drain the initial burst.
	if err := l.Acquire(context.Background(), "bot-a", 99, ClassStart); err != nil {
		t.Fatalf("drain: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var order []Class
	var wg sync.WaitGroup
	launch := func(class Class, chatID int64) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx, "bot-a", chatID, class); err != nil {
				t.Errorf("acquire class %d: %v", class, err)
				return
			}
			mu.Lock()
			order = append(order, class)
			mu.Unlock()
		}()
		// Enqueue deterministically.
		time.Sleep(20 * time.Millisecond)
	}

	launch(ClassDownsell, 1)
	launch(ClassShot, 2)
	launch(ClassStart, 3)
	wg.Wait()

	if len(order) != 3 {
		t.Fatalf("admitted %d, want 3", len(order))
	}
	if order[0] != ClassStart {
		t.Fatalf("first admitted class = %d, want start", order[0])
	}
	if order[1] != ClassShot || order[2] != ClassDownsell {
		t.Fatalf("order = %v, want [start shot downsell]", order)
	}
}

func TestSetTenantRates_AppliesToNewAndExistingChats(t *testing.T) {
	l := newTestLimiter(t, Options{GlobalRate: 30, GlobalBurst: 10, ChatRate: 5, ChatBurst: 1})

	// Existing chat bucket, created before the override lands.
	l.mu.Lock()
	l.tenant("bot-a").chat(1, l.opts)
	l.mu.Unlock()

	l.SetTenantRates("bot-a", 50, 10)

	l.mu.Lock()
	defer l.mu.Unlock()
	t1 := l.tenant("bot-a")
	if got := float64(t1.global.Limit()); got != 50 {
		t.Fatalf("global limit = %v, want 50", got)
	}
	if got := float64(t1.chats[1].bucket.Limit()); got != 10 {
		t.Fatalf("existing chat limit = %v, want 10", got)
	}
	// A bucket created after the override must get it too.
	if got := float64(t1.chat(2, l.opts).bucket.Limit()); got != 10 {
		t.Fatalf("new chat limit = %v, want 10", got)
	}

	// Another tenant keeps the defaults.
	if got := float64(l.tenant("bot-b").global.Limit()); got != 30 {
		t.Fatalf("other tenant global limit = %v, want 30", got)
	}
}

func TestSetTenantRates_ZeroKeepsDefaults(t *testing.T) {
	l := newTestLimiter(t, Options{GlobalRate: 30, GlobalBurst: 10, ChatRate: 5, ChatBurst: 1})

	l.SetTenantRates("bot-a", 0, 0)

	l.mu.Lock()
	defer l.mu.Unlock()
	t1 := l.tenant("bot-a")
	if got := float64(t1.global.Limit()); got != 30 {
		t.Fatalf("global limit = %v, want default 30", got)
	}
	if got := float64(t1.chat(1, l.opts).bucket.Limit()); got != 5 {
		t.Fatalf("chat limit = %v, want default 5", got)
	}
}

func TestReport429_CooldownDoublesAndCaps(t *testing.T) {
	l := newTestLimiter(t, Options{CooldownCap: 4 * time.Second})

	l.Report429("bot-a", 7, 0)
	cs := l.tenants["bot-a"].chats[7]
	if cs.cooldown != time.Second {
		t.Fatalf("first cooldown = %v, want 1s", cs.cooldown)
	}
	l.Report429("bot-a", 7, 0)
	if cs.cooldown != 2*time.Second {
		t.Fatalf("second cooldown = %v, want 2s", cs.cooldown)
	}
	l.Report429("bot-a", 7, 0)
	l.Report429("bot-a", 7, 0)
	if cs.cooldown != 4*time.Second {
		t.Fatalf("cooldown = %v, want capped at 4s", cs.cooldown)
	}

	l.ReportOK("bot-a", 7)
	if cs.cooldown != 0 || !cs.cooldownUntil.IsZero() {
		t.Fatal("ReportOK must reset the cooldown")
	}
}

func TestReport429_RespectsLargerRetryAfter(t *testing.T) {
	l := newTestLimiter(t, Options{CooldownCap: 10 * time.Second})

	l.Report429("bot-a", 7, 5*time.Second)
	cs := l.tenants["bot-a"].chats[7]
	if cs.cooldown != 5*time.Second {
		t.Fatalf("cooldown = %v, want retry_after 5s", cs.cooldown)
	}
}

func TestAcquire_CooldownBlocksChat(t *testing.T) {
	l := newTestLimiter(t, Options{
		GlobalRate: 100, GlobalBurst: 10,
		ChatRate: 100, ChatBurst: 10,
		Tick: 10 * time.Millisecond,
	})

	l.Report429("bot-a", 1, 200*time.Millisecond)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Acquire(ctx, "bot-a", 1, ClassStart); err != nil {
		t.Fatalf("acquire after cooldown: %v", err)
	}
	if waited := time.Since(start); waited < 150*time.Millisecond {
		t.Fatalf("admitted after %v, cooldown not honored", waited)
	}

	// Another chat on the same tenant is not affected.
	quick, qcancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer qcancel()
	if err := l.Acquire(quick, "bot-a", 2, ClassStart); err != nil {
		t.Fatalf("other chat blocked by unrelated cooldown: %v", err)
	}
}
