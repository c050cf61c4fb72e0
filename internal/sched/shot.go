package sched

import (
	"context"
	"errors"
	"time"

	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/limiter"
	"github.com/sendfleet/sendfleet/internal/pkg/logs"
	"github.com/sendfleet/sendfleet/internal/send"
	"github.com/sendfleet/sendfleet/internal/store"
)

const (
	shotLease       = time.Minute
	maxShotAttempts = 5
)

func (w *Workers) shotTick() {
	ctx := logs.SetLogID(context.Background(), logs.NewLogID())
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w.promoteDueShots(ctx)

	shots, err := w.store.ListSendingShots(ctx)
	if err != nil {
		logs.CtxError(ctx, "list sending shots: %v", err)
		return
	}
	for _, sh := range shots {
		w.drainShot(ctx, sh)
	}
}

// promoteDueShots moves scheduled shots whose time has come into
// sending.
func (w *Workers) promoteDueShots(ctx context.Context) {
	due, err := w.store.ListDueScheduledShots(ctx)
	if err != nil {
		logs.CtxError(ctx, "list due scheduled shots: %v", err)
		return
	}
	for _, sh := range due {
		err := w.store.TransitionShot(ctx, sh.BotSlug, sh.ID, []store.ShotStatus{store.ShotQueued}, store.ShotSending)
		if err != nil {
			logs.CtxError(ctx, "promote shot %d: %v", sh.ID, err)
			continue
		}
		logs.CtxInfo(ctx, "shot %d started by schedule, bot: %s, targets: %d", sh.ID, sh.BotSlug, sh.Total)
	}
}

// drainShot sends one claimed batch for a sending shot. Pause and
// cancel take effect between batches: the status check here is the
// worker's view, and a transition mid-batch only delays one batch.
func (w *Workers) drainShot(ctx context.Context, sh *store.Shot) {
	entries, err := w.store.ClaimShotEntries(ctx, sh.ID, w.shotBatch, shotLease)
	if err != nil {
		logs.CtxError(ctx, "claim shot %d entries: %v", sh.ID, err)
		return
	}
	if len(entries) == 0 {
		// Nothing claimable. Poke the counters so a drained shot with
		// stale counts still completes.
		if completed, err := w.store.BumpShotCounters(ctx, sh.ID, 0, 0); err == nil && completed {
			logs.CtxInfo(ctx, "shot %d completed, bot: %s", sh.ID, sh.BotSlug)
		}
		return
	}

	var sent, failed int64
	for _, entry := range entries {
		switch w.processShotEntry(ctx, sh, entry) {
		case store.QueueSent:
			sent++
		case store.QueueFailed:
			failed++
		}
	}

	completed, err := w.store.BumpShotCounters(ctx, sh.ID, sent, failed)
	if err != nil {
		logs.CtxError(ctx, "bump shot %d counters: %v", sh.ID, err)
		return
	}
	logs.CtxInfo(ctx, "shot %d batch done, bot: %s, sent: %d, failed: %d, completed: %v",
		sh.ID, sh.BotSlug, sent, failed, completed)
}

// processShotEntry returns the terminal status reached this tick, or
// pending when the entry was left for retry.
func (w *Workers) processShotEntry(ctx context.Context, sh *store.Shot, entry *store.ShotQueueEntry) store.QueueStatus {
	res, err := w.sender.Send(ctx, &send.Request{
		BotSlug:   entry.BotSlug,
		ChatID:    entry.ChatID,
		Purpose:   store.PurposeShot,
		Class:     limiter.ClassShot,
		DedupeKey: store.DedupeKeyShot(sh.ID, entry.ChatID),
		RequestID: logs.GetLogID(ctx),
		Text:      sh.Text,
		Raw:       sh.Raw,
		MediaRefs: sh.MediaRefs,
	})
	if err != nil {
		logs.CtxError(ctx, "shot entry %d send: %v", entry.ID, err)
		return w.retryShot(ctx, entry)
	}

	switch {
	case res.OK():
		w.finishShot(ctx, entry.ID, store.QueueSent)
		return store.QueueSent
	case gwerr.IsTransient(res.Code):
		return w.retryShot(ctx, entry)
	default:
		w.finishShot(ctx, entry.ID, store.QueueFailed)
		return store.QueueFailed
	}
}

func (w *Workers) retryShot(ctx context.Context, entry *store.ShotQueueEntry) store.QueueStatus {
	attempts, err := w.store.RetryShotEntry(ctx, entry.ID)
	if err != nil {
		logs.CtxError(ctx, "retry shot entry %d: %v", entry.ID, err)
		return store.QueuePending
	}
	if attempts >= maxShotAttempts {
		w.finishShot(ctx, entry.ID, store.QueueFailed)
		return store.QueueFailed
	}
	return store.QueuePending
}

func (w *Workers) finishShot(ctx context.Context, id int64, status store.QueueStatus) {
	if err := w.store.FinishShotEntry(ctx, id, status); err != nil {
		logs.CtxError(ctx, "finish shot entry %d: %v", id, err)
	}
}

// --- lifecycle -----------------------------------------------------------

// PopulateShot resolves the audience filter and fills the target queue,
// moving the shot from draft to queued.
func (w *Workers) PopulateShot(ctx context.Context, slug string, id int64) (*store.Shot, error) {
	sh, err := w.store.GetShot(ctx, slug, id)
	if err != nil {
		return nil, err
	}
	if sh.Status != store.ShotDraft {
		return nil, gwerr.Newf(gwerr.CodeBadRequest, "shot is %s, populate requires draft", sh.Status)
	}

	pred, err := resolveFilter(sh.Filter)
	if err != nil {
		return nil, err
	}
	chatIDs, err := pred(ctx, w.store, slug)
	if err != nil {
		return nil, err
	}

	total, err := w.store.PopulateShot(ctx, slug, id, chatIDs)
	if err != nil {
		return nil, err
	}
	logs.CtxInfo(ctx, "shot %d populated, bot: %s, targets: %d", id, slug, total)
	return w.store.GetShot(ctx, slug, id)
}

// StartShot begins sending a populated shot immediately, scheduled
// trigger or not. Scheduled shots left queued are promoted by the
// worker when scheduled_at passes.
func (w *Workers) StartShot(ctx context.Context, slug string, id int64) (*store.Shot, error) {
	sh, err := w.store.GetShot(ctx, slug, id)
	if err != nil {
		return nil, err
	}
	if sh.Status != store.ShotQueued {
		return nil, gwerr.Newf(gwerr.CodeBadRequest, "shot is %s, start requires queued", sh.Status)
	}

	to := store.ShotSending
	if sh.Total == 0 {
		// Empty audience; nothing will ever drain, complete now.
		to = store.ShotCompleted
	}
	if err := w.transition(ctx, slug, id, "start", []store.ShotStatus{store.ShotQueued}, to); err != nil {
		return nil, err
	}
	logs.CtxInfo(ctx, "shot %d %s, bot: %s, targets: %d", id, to, slug, sh.Total)
	return w.store.GetShot(ctx, slug, id)
}

func (w *Workers) PauseShot(ctx context.Context, slug string, id int64) (*store.Shot, error) {
	err := w.transition(ctx, slug, id, "pause", []store.ShotStatus{store.ShotSending}, store.ShotPaused)
	if err != nil {
		return nil, err
	}
	return w.store.GetShot(ctx, slug, id)
}

func (w *Workers) ResumeShot(ctx context.Context, slug string, id int64) (*store.Shot, error) {
	err := w.transition(ctx, slug, id, "resume", []store.ShotStatus{store.ShotPaused}, store.ShotSending)
	if err != nil {
		return nil, err
	}
	return w.store.GetShot(ctx, slug, id)
}

// CancelShot stops a shot for good and marks the unsent remainder
// skipped. Already-sent messages stay sent.
func (w *Workers) CancelShot(ctx context.Context, slug string, id int64) (*store.Shot, error) {
	err := w.transition(ctx, slug, id, "cancel",
		[]store.ShotStatus{store.ShotDraft, store.ShotQueued, store.ShotSending, store.ShotPaused}, store.ShotCanceled)
	if err != nil {
		return nil, err
	}
	skipped, err := w.store.SkipPendingShotEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	logs.CtxInfo(ctx, "shot %d canceled, bot: %s, skipped: %d", id, slug, skipped)
	return w.store.GetShot(ctx, slug, id)
}

// transition distinguishes "no such shot" from "shot exists but the
// operation is illegal from its current state".
func (w *Workers) transition(ctx context.Context, slug string, id int64, op string, from []store.ShotStatus, to store.ShotStatus) error {
	err := w.store.TransitionShot(ctx, slug, id, from, to)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return err
	}
	sh, getErr := w.store.GetShot(ctx, slug, id)
	if getErr != nil {
		return getErr
	}
	return gwerr.Newf(gwerr.CodeBadRequest, "shot is %s, cannot %s", sh.Status, op)
}
