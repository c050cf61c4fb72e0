package media

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sendfleet/sendfleet/internal/blob"
	"github.com/sendfleet/sendfleet/internal/crypto"
	"github.com/sendfleet/sendfleet/internal/pkg/logs"
	"github.com/sendfleet/sendfleet/internal/store"
	"github.com/sendfleet/sendfleet/internal/tgapi"
)

const maxWarmAttempts = 8

// WarmJob asks the prewarmer to upload one blob to Telegram via the
// tenant's warmup chat and capture the returned file_id.
type WarmJob struct {
	BotSlug string
	SHA256  string
	Kind    tgapi.MediaKind
}

// Prewarmer runs warm jobs with bounded concurrency. Jobs are ordered
// by media kind (audio before video before photo) so the cheapest,
// most latency-sensitive media becomes ready first.
type Prewarmer struct {
	store *store.Store
	blob  *blob.Client
	tg    *tgapi.Client
	box   *crypto.TokenBox

	mu      sync.Mutex
	queue   jobHeap
	wake    chan struct{}
	workers int
	timeout time.Duration

	wg   sync.WaitGroup
	done chan struct{}
}

func NewPrewarmer(st *store.Store, bl *blob.Client, tg *tgapi.Client, box *crypto.TokenBox, workers int, timeout time.Duration) *Prewarmer {
	if workers <= 0 {
		workers = 5
	}
	return &Prewarmer{
		store:   st,
		blob:    bl,
		tg:      tg,
		box:     box,
		wake:    make(chan struct{}, 1),
		workers: workers,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Start spins up the workers and re-enqueues warming rows left over
// from a previous process.
func (p *Prewarmer) Start(ctx context.Context) error {
	rows, err := p.store.ListWarming(ctx, 1000)
	if err != nil {
		return err
	}
	for _, row := range rows {
		p.Enqueue(WarmJob{BotSlug: row.BotSlug, SHA256: row.SHA256, Kind: row.Kind})
	}
	if len(rows) > 0 {
		logs.CtxInfo(ctx, "prewarm recovery, requeued %d warming rows", len(rows))
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return nil
}

func (p *Prewarmer) Stop() {
	close(p.done)
	p.wg.Wait()
}

func (p *Prewarmer) Enqueue(job WarmJob) {
	p.mu.Lock()
	heap.Push(&p.queue, job)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Prewarmer) pop() (WarmJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue.Len() == 0 {
		return WarmJob{}, false
	}
	return heap.Pop(&p.queue).(WarmJob), true
}

func (p *Prewarmer) worker() {
	defer p.wg.Done()
	for {
		job, ok := p.pop()
		if !ok {
			select {
			case <-p.wake:
				continue
			case <-p.done:
				return
			}
		}
		select {
		case <-p.done:
			return
		default:
		}
		p.run(job)
	}
}

// run executes one warm job to completion: either the cache row goes
// ready, goes error, or the job is re-enqueued by a later Save.
func (p *Prewarmer) run(job WarmJob) {
	ctx := logs.SetLogID(context.Background(), logs.NewLogID())

	bot, err := p.store.GetBot(ctx, job.BotSlug)
	if err != nil {
		logs.CtxError(ctx, "prewarm: load bot %s: %v", job.BotSlug, err)
		return
	}
	if reason := warmSkipReason(bot); reason != "" {
		p.skip(ctx, job, reason)
		return
	}

	token, err := p.box.Open(bot.TokenCipher)
	if err != nil {
		p.fail(ctx, job, "token decrypt failed")
		return
	}

	data, err := p.blob.Get(ctx, blobKeyFor(ctx, p.store, job))
	if err != nil {
		logs.CtxError(ctx, "prewarm: fetch blob for %s/%s: %v", job.BotSlug, job.SHA256, err)
		p.retryOrFail(ctx, job)
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-p.done:
			return
		default:
		}

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		out, err := p.tg.Upload(callCtx, token, job.Kind, bot.WarmupChatID, job.SHA256, data, nil)
		cancel()

		if err != nil {
			logs.CtxError(ctx, "prewarm: upload %s/%s: %v", job.BotSlug, job.SHA256, err)
			if !p.bumpWithin(ctx, job) {
				return
			}
			p.sleep(bo.NextBackOff())
			continue
		}

		switch {
		case out.OK:
			fileID := ""
			if out.Message != nil {
				fileID = out.Message.MediaFileID()
			}
			if fileID == "" {
				p.fail(ctx, job, "no file_id in upload response")
				return
			}
			if err := p.store.SetCacheReady(ctx, job.BotSlug, job.SHA256, job.Kind, fileID); err != nil {
				logs.CtxError(ctx, "prewarm: mark ready %s/%s: %v", job.BotSlug, job.SHA256, err)
			}
			logs.CtxInfo(ctx, "prewarm ready, bot: %s, kind: %s, sha256: %s", job.BotSlug, job.Kind, job.SHA256)
			return

		case out.Transient:
			if !p.bumpWithin(ctx, job) {
				return
			}
			wait := bo.NextBackOff()
			if out.RetryAfter > wait {
				wait = out.RetryAfter
			}
			p.sleep(wait)

		default:
			p.fail(ctx, job, out.Description)
			return
		}
	}
}

// bumpWithin increments the attempt counter; false means the budget is
// spent and the row has been marked error.
func (p *Prewarmer) bumpWithin(ctx context.Context, job WarmJob) bool {
	attempts, err := p.store.BumpCacheAttempts(ctx, job.BotSlug, job.SHA256, job.Kind)
	if err != nil {
		logs.CtxError(ctx, "prewarm: bump attempts %s/%s: %v", job.BotSlug, job.SHA256, err)
		return false
	}
	if attempts >= maxWarmAttempts {
		p.fail(ctx, job, "attempt budget exhausted")
		return false
	}
	return true
}

func (p *Prewarmer) retryOrFail(ctx context.Context, job WarmJob) {
	if p.bumpWithin(ctx, job) {
		go func() {
			p.sleep(5 * time.Second)
			p.Enqueue(job)
		}()
	}
}

// warmSkipReason reports the tenant-config gap blocking a warm attempt,
// empty when the tenant can warm.
func warmSkipReason(bot *store.Bot) string {
	switch {
	case bot.Deleted():
		return "bot deleted"
	case bot.TokenCipher == "":
		return "bot token not set"
	case bot.WarmupChatID == 0:
		return "no warmup chat"
	}
	return ""
}

// skip leaves the row warming with the blocking reason on it. Fixing
// the tenant config plus an invalidate (or a restart, which re-enqueues
// warming rows) picks the job back up.
func (p *Prewarmer) skip(ctx context.Context, job WarmJob, reason string) {
	if err := p.store.SetCacheWarmingReason(ctx, job.BotSlug, job.SHA256, job.Kind, reason); err != nil {
		logs.CtxError(ctx, "prewarm: record skip %s/%s: %v", job.BotSlug, job.SHA256, err)
	}
	logs.CtxWarn(ctx, "prewarm skipped, bot: %s, kind: %s, sha256: %s, reason: %s",
		job.BotSlug, job.Kind, job.SHA256, reason)
}

func (p *Prewarmer) fail(ctx context.Context, job WarmJob, reason string) {
	if err := p.store.SetCacheError(ctx, job.BotSlug, job.SHA256, job.Kind, reason); err != nil {
		logs.CtxError(ctx, "prewarm: mark error %s/%s: %v", job.BotSlug, job.SHA256, err)
	}
	logs.CtxWarn(ctx, "prewarm failed, bot: %s, kind: %s, sha256: %s, reason: %s",
		job.BotSlug, job.Kind, job.SHA256, reason)
}

func (p *Prewarmer) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.done:
	}
}

func blobKeyFor(ctx context.Context, st *store.Store, job WarmJob) string {
	row, err := st.GetMediaStore(ctx, job.BotSlug, job.SHA256, job.Kind)
	if err != nil {
		// Fall back to the canonical key with the default extension.
		return blob.Key(job.BotSlug, string(job.Kind), job.SHA256, "")
	}
	return row.R2Key
}

// --- priority queue ------------------------------------------------------

// jobHeap orders by kind priority, FIFO within a kind.
type jobHeap struct {
	items []heapItem
	seq   int64
}

type heapItem struct {
	job WarmJob
	seq int64
}

func (h *jobHeap) Len() int { return len(h.items) }

func (h *jobHeap) Less(i, j int) bool {
	pi, pj := h.items[i].job.Kind.Priority(), h.items[j].job.Kind.Priority()
	if pi != pj {
		return pi < pj
	}
	return h.items[i].seq < h.items[j].seq
}

func (h *jobHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *jobHeap) Push(x any) {
	h.seq++
	h.items = append(h.items, heapItem{job: x.(WarmJob), seq: h.seq})
}

func (h *jobHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item.job
}
