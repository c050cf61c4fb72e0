// Package media owns content-addressed media: durable bytes in object
// storage, and per-tenant Telegram file_id warmth. The cache is keyed
// (bot_slug, sha256, kind) because file_ids are only valid for the bot
// that uploaded them.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/sendfleet/sendfleet/internal/blob"
	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/pkg/logs"
	"github.com/sendfleet/sendfleet/internal/store"
	"github.com/sendfleet/sendfleet/internal/tgapi"
)

type Service struct {
	store   *store.Store
	blob    *blob.Client
	prewarm *Prewarmer
}

func NewService(st *store.Store, bl *blob.Client, pw *Prewarmer) *Service {
	return &Service{store: st, blob: bl, prewarm: pw}
}

// SaveResult describes one ingested blob. MediaID is the stable
// reference handed to admin callers: kind and content hash joined,
// since rows are keyed by content, not a serial.
type SaveResult struct {
	MediaID string            `json:"media_id"`
	SHA256  string            `json:"sha256"`
	Kind    tgapi.MediaKind   `json:"kind"`
	R2Key   string            `json:"r2_key"`
	Bytes   int64             `json:"bytes"`
	Status  store.CacheStatus `json:"status"`
}

// Save ingests raw media bytes for a tenant: hash, persist the blob,
// record metadata, and open a warming row. Re-saving identical content
// is a no-op beyond re-verifying the blob exists. An empty ext falls
// back to a mime-derived one.
func (s *Service) Save(ctx context.Context, slug string, kind tgapi.MediaKind, mime, ext string, data []byte) (*SaveResult, error) {
	if len(data) == 0 {
		return nil, gwerr.New(gwerr.CodeBadRequest, "empty media payload")
	}
	if ext == "" {
		ext = extFor(kind, mime)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	key := blob.Key(slug, string(kind), hash, ext)

	if err := s.blob.Put(ctx, key, data, mime); err != nil {
		return nil, err
	}
	if err := s.store.UpsertMediaStore(ctx, &store.MediaStoreRow{
		BotSlug: slug,
		SHA256:  hash,
		Kind:    kind,
		R2Key:   key,
		Bytes:   int64(len(data)),
		Mime:    mime,
	}); err != nil {
		return nil, err
	}

	created, err := s.store.InsertCacheWarming(ctx, slug, hash, kind)
	if err != nil {
		return nil, err
	}
	if created {
		s.prewarm.Enqueue(WarmJob{BotSlug: slug, SHA256: hash, Kind: kind})
	}

	cache, err := s.store.GetMediaCache(ctx, slug, hash, kind)
	if err != nil {
		return nil, err
	}
	logs.CtxInfo(ctx, "media saved, bot: %s, kind: %s, sha256: %s, bytes: %d, cache: %s",
		slug, kind, hash, len(data), cache.Status)

	return &SaveResult{
		MediaID: string(kind) + ":" + hash,
		SHA256:  hash,
		Kind:    kind,
		R2Key:   key,
		Bytes:   int64(len(data)),
		Status:  cache.Status,
	}, nil
}

// CachedFileID resolves a ref to a ready file_id. Misses return
// CACHE_MISS with the current cache status in the description.
func (s *Service) CachedFileID(ctx context.Context, slug, hash string, kind tgapi.MediaKind) (string, error) {
	row, err := s.store.GetMediaCache(ctx, slug, hash, kind)
	if err == store.ErrNotFound {
		return "", gwerr.New(gwerr.CodeCacheMiss, "no cache row")
	}
	if err != nil {
		return "", err
	}
	if row.Status != store.CacheReady || row.FileID == "" {
		return "", gwerr.Newf(gwerr.CodeCacheMiss, "cache is %s", row.Status)
	}
	return row.FileID, nil
}

// Blob fetches the raw bytes for an in-band upload fallback.
func (s *Service) Blob(ctx context.Context, slug, hash string, kind tgapi.MediaKind) ([]byte, *store.MediaStoreRow, error) {
	row, err := s.store.GetMediaStore(ctx, slug, hash, kind)
	if err == store.ErrNotFound {
		return nil, nil, gwerr.New(gwerr.CodeInvalidMediaSHA256, "unknown media hash")
	}
	if err != nil {
		return nil, nil, err
	}
	data, err := s.blob.Get(ctx, row.R2Key)
	if err != nil {
		return nil, nil, err
	}
	return data, row, nil
}

// Invalidate flips a cache row back to warming and re-enqueues the warm
// job. Operator-driven; there is no automatic expiry.
func (s *Service) Invalidate(ctx context.Context, slug, hash string, kind tgapi.MediaKind) error {
	if err := s.store.ResetCacheWarming(ctx, slug, hash, kind); err != nil {
		return err
	}
	s.prewarm.Enqueue(WarmJob{BotSlug: slug, SHA256: hash, Kind: kind})
	logs.CtxInfo(ctx, "media cache invalidated, bot: %s, kind: %s, sha256: %s", slug, kind, hash)
	return nil
}

func (s *Service) CacheStatus(ctx context.Context, slug, hash string, kind tgapi.MediaKind) (*store.MediaCacheRow, error) {
	return s.store.GetMediaCache(ctx, slug, hash, kind)
}

func extFor(kind tgapi.MediaKind, mime string) string {
	switch mime {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "video/mp4":
		return "mp4"
	case "audio/mpeg":
		return "mp3"
	case "audio/ogg":
		return "ogg"
	}
	switch kind {
	case tgapi.KindPhoto:
		return "jpg"
	case tgapi.KindVideo:
		return "mp4"
	case tgapi.KindAudio:
		return "mp3"
	}
	return "bin"
}
