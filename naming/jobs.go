package naming

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/voicelabel/telemetry"
)

// Default job intervals.
const (
	DefaultRetryInterval    = 60 * time.Second
	DefaultPollInterval     = 10 * time.Minute
	DefaultEvictionInterval = 6 * time.Hour
	DefaultPollConcurrency  = 4
)

// StartRetryJob sweeps due retry entries every interval until ctx is done.
func StartRetryJob(ctx context.Context, svc *Service, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	slog.Info("retry job starting", slog.Duration("interval", interval))
	runEvery(ctx, interval, false, func() {
		n, err := svc.SweepRetries(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Warn("retry sweep failed", slog.Any("err", err))
			}
			return
		}
		if n > 0 {
			slog.Info("retry sweep", slog.Int("retried", n))
		}
	})
	slog.Info("retry job stopped")
}

// StartPollJob reconciles every voice channel every interval. A non-positive
// interval disables the job.
func StartPollJob(ctx context.Context, svc *Service, interval time.Duration, concurrency int) {
	if interval <= 0 {
		slog.Info("poll job disabled")
		return
	}
	slog.Info("poll job starting", slog.Duration("interval", interval), slog.Int("concurrency", concurrency))
	runEvery(ctx, interval, false, func() {
		pctx := telemetry.WithCorrelation(ctx, uuid.NewString())
		n, err := svc.PollOnce(pctx, concurrency)
		if err != nil {
			slog.Warn("poll failed", slog.Any("err", err))
			return
		}
		slog.Debug("poll complete", slog.Int("channels", n))
	})
	slog.Info("poll job stopped")
}

// StartEvictionJob drops stale channel records every interval. The first run
// happens immediately, which also seeds the store gauges.
func StartEvictionJob(ctx context.Context, svc *Service, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultEvictionInterval
	}
	runEvery(ctx, interval, true, func() {
		n, err := svc.EvictStale(ctx)
		if err != nil {
			slog.Warn("eviction failed", slog.Any("err", err))
			return
		}
		if n > 0 {
			slog.Info("evicted stale channels", slog.Int("count", n))
		}
	})
}

// runEvery calls fn on every tick (and once up front when immediate is set)
// until ctx is done.
func runEvery(ctx context.Context, interval time.Duration, immediate bool, fn func()) {
	if immediate {
		fn()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// forEachLimit runs fn for each id with at most limit in flight.
func forEachLimit(ctx context.Context, ids []string, limit int, fn func(id string)) error {
	if limit <= 0 {
		limit = DefaultPollConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Bind routes events from src into svc. Every event gets its own correlation id.
func Bind(ctx context.Context, src EventSource, svc *Service) {
	src.OnOccupancyChanged(func(ev OccupancyChanged) {
		tctx := triggerContext(ctx)
		svc.trigger(tctx, "occupancy", ev.Before)
		if ev.After != nil && (ev.Before == nil || ev.After.ChannelID != ev.Before.ChannelID) {
			svc.trigger(tctx, "occupancy", ev.After)
		}
	})
	src.OnPresenceChanged(func(ev PresenceChanged) {
		svc.trigger(triggerContext(ctx), "presence", ev.Channel)
	})
	src.OnChannelRelabeled(func(ev ChannelRelabeled) {
		tctx := triggerContext(ctx)
		if err := svc.Relabel(tctx, ev); err != nil {
			telemetry.LoggerWithCorr(tctx).Error("relabel failed",
				slog.String("channel", ev.After.ChannelID), slog.Any("err", err))
		}
	})
	src.OnChannelDeleted(func(channelID string) {
		tctx := triggerContext(ctx)
		if err := svc.Forget(tctx, channelID); err != nil {
			telemetry.LoggerWithCorr(tctx).Error("forget deleted channel failed",
				slog.String("channel", channelID), slog.Any("err", err))
		}
	})
}

func triggerContext(ctx context.Context) context.Context {
	return telemetry.WithCorrelation(ctx, uuid.NewString())
}

// trigger reconciles snap on behalf of an event; a nil snap means the event
// did not involve a channel.
func (s *Service) trigger(ctx context.Context, source string, snap *Snapshot) {
	if snap == nil {
		return
	}
	if err := s.Reconcile(ctx, snap); err != nil {
		telemetry.LoggerWithCorr(ctx).Error("reconcile failed",
			slog.String("trigger", source), slog.String("channel", snap.ChannelID), slog.Any("err", err))
	}
}
