// Package sched runs the background delivery workers: delayed
// follow-ups (downsells) and bulk broadcasts (shots). Both claim work
// from Postgres queues with short leases, so multiple replicas can run
// the same workers without double-sending.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/limiter"
	"github.com/sendfleet/sendfleet/internal/pkg/logs"
	"github.com/sendfleet/sendfleet/internal/send"
	"github.com/sendfleet/sendfleet/internal/store"
)

const (
	downsellLease       = time.Minute
	maxDownsellAttempts = 5
)

type Workers struct {
	store  *store.Store
	sender *send.Service

	downsellBatch int
	shotBatch     int

	cron *cron.Cron
}

func NewWorkers(st *store.Store, sender *send.Service, downsellBatch, shotBatch int) *Workers {
	if downsellBatch <= 0 {
		downsellBatch = 200
	}
	if shotBatch <= 0 {
		shotBatch = 30
	}
	return &Workers{
		store:         st,
		sender:        sender,
		downsellBatch: downsellBatch,
		shotBatch:     shotBatch,
		cron:          cron.New(),
	}
}

func (w *Workers) Start() error {
	if _, err := w.cron.AddFunc("@every 10s", w.downsellTick); err != nil {
		return fmt.Errorf("schedule downsell worker: %w", err)
	}
	if _, err := w.cron.AddFunc("@every 5s", w.shotTick); err != nil {
		return fmt.Errorf("schedule shot worker: %w", err)
	}
	w.cron.Start()
	return nil
}

func (w *Workers) Stop() {
	<-w.cron.Stop().Done()
}

func (w *Workers) downsellTick() {
	ctx := logs.SetLogID(context.Background(), logs.NewLogID())
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	entries, err := w.store.ClaimDueDownsells(ctx, w.downsellBatch, downsellLease)
	if err != nil {
		logs.CtxError(ctx, "claim due downsells: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	logs.CtxDebug(ctx, "downsell tick claimed %d entries", len(entries))

	for _, entry := range entries {
		w.processDownsell(ctx, entry)
	}
}

func (w *Workers) processDownsell(ctx context.Context, entry *store.DownsellQueueEntry) {
	ds, err := w.store.GetDownsell(ctx, entry.BotSlug, entry.DownsellID)
	if err == store.ErrNotFound {
		w.finishDownsell(ctx, entry.ID, store.QueueCanceled)
		return
	}
	if err != nil {
		logs.CtxError(ctx, "load downsell %d: %v", entry.DownsellID, err)
		return
	}
	if !ds.Active {
		// Deactivated after scheduling; the queued entry dies quietly.
		w.finishDownsell(ctx, entry.ID, store.QueueCanceled)
		return
	}

	res, err := w.sender.Send(ctx, &send.Request{
		BotSlug:   entry.BotSlug,
		ChatID:    entry.ChatID,
		Purpose:   store.PurposeDownsell,
		Class:     limiter.ClassDownsell,
		DedupeKey: store.DedupeKeyDownsell(entry.ID),
		RequestID: logs.GetLogID(ctx),
		Text:      ds.Text,
		Raw:       ds.Raw,
		MediaRefs: ds.MediaRefs,
	})
	if err != nil {
		logs.CtxError(ctx, "downsell entry %d send: %v", entry.ID, err)
		w.retryDownsell(ctx, entry)
		return
	}

	switch {
	case res.OK():
		w.finishDownsell(ctx, entry.ID, store.QueueSent)
	case gwerr.IsTransient(res.Code):
		// The pipeline already retried in-band; push the entry out and
		// let a later tick try again until the attempt budget runs out.
		w.retryDownsell(ctx, entry)
	default:
		w.finishDownsell(ctx, entry.ID, store.QueueFailed)
	}
}

func (w *Workers) retryDownsell(ctx context.Context, entry *store.DownsellQueueEntry) {
	attempts, err := w.store.RetryDownsellEntry(ctx, entry.ID, time.Now().Add(time.Minute))
	if err != nil {
		logs.CtxError(ctx, "retry downsell entry %d: %v", entry.ID, err)
		return
	}
	if attempts >= maxDownsellAttempts {
		w.finishDownsell(ctx, entry.ID, store.QueueFailed)
	}
}

func (w *Workers) finishDownsell(ctx context.Context, id int64, status store.QueueStatus) {
	if err := w.store.FinishDownsellEntry(ctx, id, status); err != nil {
		logs.CtxError(ctx, "finish downsell entry %d: %v", id, err)
	}
}

// ScheduleTrigger enqueues every active downsell carrying the trigger,
// with delays anchored at anchor (the triggering event, not enqueue
// time). Re-firing the trigger within the same minute is absorbed by
// the queue's uniqueness rule.
func (w *Workers) ScheduleTrigger(ctx context.Context, slug string, chatID int64, trigger string, anchor time.Time) error {
	downsells, err := w.store.ListActiveDownsellsByTrigger(ctx, slug, trigger)
	if err != nil {
		return err
	}
	for _, ds := range downsells {
		at := anchor.Add(time.Duration(ds.DelaySeconds) * time.Second)
		created, err := w.store.ScheduleDownsell(ctx, ds.ID, slug, chatID, at)
		if err != nil {
			return err
		}
		if created {
			logs.CtxDebug(ctx, "downsell %d scheduled, bot: %s, chat: %d, at: %s",
				ds.ID, slug, chatID, at.Format(time.RFC3339))
		}
	}
	return nil
}
