package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"examguard/internal/config"
	"examguard/internal/logging"
	"examguard/internal/store"
)

// Uploader delivers a submission for remote persistence.
type Uploader interface {
	Upload(ctx context.Context, sub Submission) error
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, sub Submission) error

// Upload calls f.
func (f UploaderFunc) Upload(ctx context.Context, sub Submission) error { return f(ctx, sub) }

// ErrDisabled is returned when uploads are turned off.
var ErrDisabled = errors.New("upload: disabled")

// ErrSkip is returned by a Loader for a session it cannot rebuild.
var ErrSkip = errors.New("upload: session skipped")

// NewRedisClient creates and validates a Redis client connection.
func NewRedisClient(ctx context.Context, cfg config.UploadConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// ListPusher is the part of a Redis client the sink needs.
type ListPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisSink pushes encoded submissions onto a Redis list consumed by the
// backend persistence worker.
type RedisSink struct {
	rdb     ListPusher
	queue   string
	timeout time.Duration
	log     *logging.Logger
}

// NewRedisSink returns a sink pushing to queue.
func NewRedisSink(rdb ListPusher, queue string, timeout time.Duration, log *logging.Logger) *RedisSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &RedisSink{rdb: rdb, queue: queue, timeout: timeout, log: log.WithComponent("upload")}
}

// Upload implements Uploader.
func (r *RedisSink) Upload(ctx context.Context, sub Submission) error {
	data, err := Encode(sub)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.rdb.RPush(ctx, r.queue, data).Result()
	if err != nil {
		return fmt.Errorf("push submission: %w", err)
	}
	r.log.InfoContext(ctx, "submission queued",
		"session_id", sub.SessionID, "queue", r.queue, "bytes", len(data), "depth", n)
	return nil
}

// Dispatcher records upload status in the index around an Uploader.
type Dispatcher struct {
	uploader Uploader
	index    *store.Store
	log      *logging.Logger
}

// NewDispatcher returns a dispatcher. index may be nil.
func NewDispatcher(u Uploader, index *store.Store, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Discard()
	}
	return &Dispatcher{uploader: u, index: index, log: log.WithComponent("upload")}
}

const reportItem = "report"

// Submit hands sub to the uploader and records the outcome of every item.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) error {
	if d.uploader == nil {
		return ErrDisabled
	}
	items := d.items(sub)
	for _, it := range items {
		d.track(ctx, func() error { return d.index.EnqueueUpload(sub.SessionID, it.id, it.kind) })
		d.track(ctx, func() error { return d.index.MarkUploading(sub.SessionID, it.id) })
	}

	err := d.uploader.Upload(ctx, sub)
	for _, it := range items {
		if err != nil {
			d.track(ctx, func() error { return d.index.MarkFailed(sub.SessionID, it.id, err) })
		} else {
			d.track(ctx, func() error { return d.index.MarkUploaded(sub.SessionID, it.id, it.url) })
		}
	}
	if err != nil {
		d.log.WarnContext(ctx, "submission upload failed", "session_id", sub.SessionID, "error", err)
		return err
	}
	return nil
}

// Loader rebuilds the submission of a session.
type Loader func(ctx context.Context, sessionID string) (Submission, error)

// RetryPending resubmits every session that still has pending or failed
// items. Sessions the loader skips are left pending. It returns the number
// of sessions delivered.
func (d *Dispatcher) RetryPending(ctx context.Context, load Loader) (int, error) {
	if d.index == nil {
		return 0, nil
	}
	pending, err := d.index.PendingUploads(0)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool)
	delivered := 0
	var errs []error
	for _, p := range pending {
		if seen[p.SessionID] {
			continue
		}
		seen[p.SessionID] = true
		sub, err := load(ctx, p.SessionID)
		if errors.Is(err, ErrSkip) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", p.SessionID, err))
			continue
		}
		if err := d.Submit(ctx, sub); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

type item struct {
	id   string
	kind store.UploadKind
	url  string
}

func (d *Dispatcher) items(sub Submission) []item {
	out := []item{{id: reportItem, kind: store.UploadReport}}
	for _, m := range sub.Media {
		kind := store.UploadSnapshot
		if m.MediaType == MediaMP4 {
			kind = store.UploadVideo
		}
		out = append(out, item{id: m.ID, kind: kind, url: m.URL})
	}
	return out
}

func (d *Dispatcher) track(ctx context.Context, fn func() error) {
	if d.index == nil {
		return
	}
	if err := fn(); err != nil {
		d.log.WarnContext(ctx, "upload index update failed", "error", err)
	}
}
