// Package worker consumes job item messages. Every handler is safe under
// redelivery: the item's own terminal status decides whether work happens.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storystudio/assets"
	"storystudio/catalog"
	"storystudio/domain"
	"storystudio/ledger"
	"storystudio/mq"
	"storystudio/obs"
	"storystudio/ossstore"
	"storystudio/provider"
	"storystudio/redislock"
	"storystudio/registry"
)

type Config struct {
	LockTTL          time.Duration
	LockRefresh      time.Duration
	ProviderTimeout  time.Duration
	MaxInflight      int
	WatchdogInterval time.Duration
	ItemTimeout      time.Duration
	PendingTimeout   time.Duration
	TmpRoot          string
	ObjectPrefix     string
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 15 * time.Minute
	}
	if c.LockRefresh <= 0 || c.LockRefresh >= c.LockTTL {
		c.LockRefresh = c.LockTTL / 3
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 3 * time.Minute
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = 1
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = time.Minute
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 30 * time.Minute
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 2 * time.Hour
	}
	if c.ObjectPrefix == "" {
		c.ObjectPrefix = "story"
	}
	return c
}

type Deps struct {
	Registry *registry.Registry
	Assets   *assets.Service
	Ledger   *ledger.Ledger
	Catalog  catalog.Catalog
	Shots    catalog.ShotWriter
	Objects  ossstore.ObjectStore
	Locker   redislock.Locker
	Text     provider.TextGenerator
	Image    provider.ImageGenerator
	Video    provider.VideoGenerator
}

type Worker struct {
	Deps
	cfg      Config
	log      *slog.Logger
	tracer   trace.Tracer
	inflight chan struct{}
	now      func() time.Time
}

func New(d Deps, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		Deps:     d,
		cfg:      cfg,
		log:      logger.With("component", "worker"),
		tracer:   obs.Tracer("storystudio/worker"),
		inflight: make(chan struct{}, cfg.MaxInflight),
		now:      time.Now,
	}
}

// Handler returns the mq.Handler for one queue, instrumented with a span and
// the worker message metrics.
func (w *Worker) Handler(queue string) mq.Handler {
	return func(ctx context.Context, m mq.Message) error {
		start := time.Now()
		ctx, span := w.tracer.Start(ctx, "worker.process", trace.WithAttributes(
			attribute.String("queue", queue),
			attribute.Int("attempt", m.Attempt),
		))
		defer span.End()

		err := w.Process(ctx, m)
		result := "ok"
		switch {
		case err == nil:
		case mq.IsTerminal(err):
			result = "terminal"
		default:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		obs.RecordWorkerMessage(queue, result, start)
		return err
	}
}

// Process routes a delivery by queue and job type.
func (w *Worker) Process(ctx context.Context, m mq.Message) error {
	var t domain.TaskMessage
	if err := json.Unmarshal(m.Body, &t); err != nil || t.JobItemID == 0 {
		w.log.Error("drop undecodable message", "queue", m.Queue, "msgId", m.ID, "err", err)
		return mq.Terminal(fmt.Errorf("decode task: %w", err))
	}
	if m.Queue == mq.DeadLetterQueue {
		return w.deadLetter(ctx, m, t)
	}
	switch t.JobType {
	case domain.JobGenShotImage, domain.JobGenCharImage, domain.JobGenSceneImage, domain.JobGenPropImage, domain.JobGenVideo:
		return w.generate(ctx, m, t)
	case domain.JobParseText:
		return w.parseText(ctx, m, t)
	case domain.JobExportZip:
		return w.export(ctx, m, t)
	}
	return mq.Terminal(w.fail(ctx, t, fmt.Sprintf("不支持的任务类型: %s", t.JobType)))
}

// claim takes the per-item lock and moves the item to RUNNING. A nil release
// with a nil error means there is nothing to do and the message should ack.
func (w *Worker) claim(ctx context.Context, m mq.Message, t domain.TaskMessage) (redislock.Release, *domain.StartResult, error) {
	release, ok, err := w.Locker.Hold(ctx, itemLockName(t.JobItemID), w.cfg.LockTTL, w.cfg.LockRefresh)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		// another delivery of the same item is in flight
		return nil, nil, mq.Terminal(fmt.Errorf("job item locked: %d", t.JobItemID))
	}
	st, err := w.Registry.StartItem(ctx, t.JobItemID)
	if err != nil {
		release()
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, nil, mq.Terminal(err)
		}
		return nil, nil, err
	}
	if !st.Started {
		release()
		w.log.Info("skip terminal job item", "jobId", t.JobID, "jobItemId", t.JobItemID, "itemStatus", st.Item.Status, "jobStatus", st.Job.Status)
		return nil, nil, nil
	}
	w.log.Info("job item claimed", "jobId", t.JobID, "jobItemId", t.JobItemID, "queue", m.Queue, "attempt", m.Attempt, "claims", st.Item.Attempts)
	return release, &st, nil
}

// stillRunning re-reads the item after a suspension point.
func (w *Worker) stillRunning(ctx context.Context, itemID int64) (bool, error) {
	it, err := w.Registry.Item(ctx, itemID)
	if err != nil {
		return false, err
	}
	return !it.Status.Terminal(), nil
}

// fail completes the item with a Failure and returns an error describing it.
func (w *Worker) fail(ctx context.Context, t domain.TaskMessage, msg string) error {
	res, err := w.Registry.CompleteItem(ctx, t.JobItemID, domain.Failure(msg))
	if err != nil {
		return fmt.Errorf("complete failed item %d: %w", t.JobItemID, err)
	}
	w.log.Warn("job item failed", "jobId", t.JobID, "jobItemId", t.JobItemID, "applied", res.Applied, "reason", msg)
	return errors.New(msg)
}

func (w *Worker) acquireInflight(ctx context.Context) error {
	select {
	case w.inflight <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) releaseInflight() {
	select {
	case <-w.inflight:
	default:
	}
}

func itemLockName(itemID int64) string { return "item:" + strconv.FormatInt(itemID, 10) }

func bizID(itemID int64) string { return strconv.FormatInt(itemID, 10) }

// userMessage hides provider internals from clients.
func userMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "生成超时"
	case provider.IsPermanent(err):
		return "生成失败: " + truncate(err.Error(), 200)
	}
	return domain.CodeJobGenerationFailed.Message()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
