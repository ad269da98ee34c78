package naming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/voicelabel/telemetry"
)

const tracerName = "voicelabel/naming"

// Defaults applied by NewService when the matching Options field is zero.
const (
	DefaultRateLimitBackoff = 10 * time.Minute
	DefaultRenameTimeout    = 15 * time.Second
	DefaultStaleAfter       = 30 * 24 * time.Hour
)

// Options tunes a Service.
type Options struct {
	IdleLabels       []string
	IdleMode         IdleMode
	RateLimitBackoff time.Duration
	RenameTimeout    time.Duration
	StaleAfter       time.Duration
	OtherErrors      OtherErrorPolicy

	// Now and IntN replace the clock and random source in tests.
	Now  func() time.Time
	IntN func(n int) int
}

// Service is the channel name service: it owns the label state for every
// channel it has seen and runs the aggregate/resolve/execute pipeline.
type Service struct {
	store    Store
	renamer  Renamer
	source   SnapshotSource
	resolver *Resolver
	locks    *keyedMutex

	backoff       time.Duration
	renameTimeout time.Duration
	staleAfter    time.Duration
	otherErrors   OtherErrorPolicy
	now           func() time.Time
}

// NewService wires a Service. source is used by retries, polls and admin
// requests to fetch fresh snapshots and may be nil when none of those run.
func NewService(store Store, renamer Renamer, source SnapshotSource, opts Options) *Service {
	s := &Service{
		store:         store,
		renamer:       renamer,
		source:        source,
		resolver:      NewResolver(opts.IdleLabels),
		locks:         newKeyedMutex(),
		backoff:       opts.RateLimitBackoff,
		renameTimeout: opts.RenameTimeout,
		staleAfter:    opts.StaleAfter,
		otherErrors:   opts.OtherErrors,
		now:           opts.Now,
	}
	s.resolver.IntN = opts.IntN
	s.resolver.Mode = opts.IdleMode
	if s.backoff <= 0 {
		s.backoff = DefaultRateLimitBackoff
	}
	if s.renameTimeout <= 0 {
		s.renameTimeout = DefaultRenameTimeout
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleAfter
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Reconcile brings the channel's label in line with its occupants. Rename
// failures are handled here and never returned; the error is non-nil only for
// an invalid snapshot or a failing Store.
func (s *Service) Reconcile(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.ChannelID == "" {
		return ErrInvalidSnapshot
	}
	if !snap.IsVoice() {
		return nil
	}
	unlock := s.locks.Lock(snap.ChannelID)
	defer unlock()
	return s.reconcileLocked(ctx, snap)
}

func (s *Service) reconcileLocked(ctx context.Context, snap *Snapshot) error {
	id := snap.ChannelID
	ctx, span := telemetry.StartSpan(ctx, tracerName, "naming.reconcile", telemetry.ChannelAttr(id))
	defer span.End()
	telemetry.Inc(telemetry.ReconcileTotal)
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "naming"), slog.String("channel", id))

	now := s.now()
	rec, err := s.store.EnsureOriginal(ctx, id, snap.Label, now)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("load channel %s: %w", id, err)
	}
	if rec.RetryPending(now) {
		logger.Debug("rename backoff pending; skipping", slog.Time("retry_at", rec.RetryAt))
		return nil
	}

	counts := Aggregate(snap.Occupants)
	target, idle := s.resolver.Resolve(len(snap.Occupants), counts, rec.LastApplied, rec.OriginalLabel)
	logger.Debug("label resolved",
		slog.String("target", target),
		slog.Bool("idle", idle),
		slog.Int("occupants", len(snap.Occupants)),
		slog.Int("activities", len(counts)))

	return s.execute(ctx, span, logger, snap, target)
}

// execute applies target if the live label differs and records the outcome.
func (s *Service) execute(ctx context.Context, span trace.Span, logger *slog.Logger, snap *Snapshot, target string) error {
	id := snap.ChannelID
	if snap.Label == target {
		telemetry.Inc(telemetry.RenamesSkipped)
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, s.renameTimeout)
	var res RenameResult
	elapsed := telemetry.TimeFunc(telemetry.RenameDuration, func() {
		res = s.renamer.Rename(rctx, id, target)
	})
	cancel()
	telemetry.ObserveRename(res.Outcome.String())
	span.SetAttributes(telemetry.OutcomeAttr(res.Outcome.String()))

	attrs := []any{
		slog.String("from", snap.Label),
		slog.String("to", target),
		slog.Duration("elapsed", elapsed),
	}
	switch res.Outcome {
	case OutcomeSuccess:
		if err := s.store.SetLastApplied(ctx, id, target); err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("record applied label for %s: %w", id, err)
		}
		telemetry.SetSpanSuccess(span)
		logger.Info("channel renamed", attrs...)
	case OutcomeRateLimited:
		telemetry.RecordError(span, res.Err)
		at, err := s.scheduleRetry(ctx, id, res.RetryAfter)
		if err != nil {
			return err
		}
		logger.Warn("rename rate limited; retry scheduled", append(attrs, slog.Time("retry_at", at), slog.Any("err", res.Err))...)
	case OutcomePermissionDenied:
		telemetry.RecordError(span, res.Err)
		logger.Error("rename forbidden; channel needs manual permission fix", append(attrs, slog.Any("err", res.Err))...)
	default:
		telemetry.RecordError(span, res.Err)
		if s.otherErrors != OtherErrorRetry {
			logger.Error("rename failed; dropped", append(attrs, slog.Any("err", res.Err))...)
			return nil
		}
		at, err := s.scheduleRetry(ctx, id, res.RetryAfter)
		if err != nil {
			return err
		}
		logger.Error("rename failed; retry scheduled", append(attrs, slog.Time("retry_at", at), slog.Any("err", res.Err))...)
	}
	return nil
}

func (s *Service) scheduleRetry(ctx context.Context, id string, hint time.Duration) (time.Time, error) {
	wait := s.backoff
	if hint > wait {
		wait = hint
	}
	at := s.now().Add(wait)
	if err := s.store.ScheduleRetry(ctx, id, at); err != nil {
		return at, fmt.Errorf("schedule retry for %s: %w", id, err)
	}
	s.refreshGauges(ctx)
	return at, nil
}

// Relabel handles a channel metadata change. When a voice channel's label was
// changed by someone else, the new label becomes the channel's original label.
// Whether the label changed is decided against the stored record: a label equal
// to the last applied one is the echo of this service's own rename, and one
// equal to the original label is an unrelated metadata update.
func (s *Service) Relabel(ctx context.Context, ev ChannelRelabeled) error {
	id := ev.After.ChannelID
	if id == "" {
		return ErrInvalidSnapshot
	}
	if !ev.After.IsVoice() || (ev.Before != nil && ev.Before.Label == ev.After.Label) {
		return nil
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "naming"), slog.String("channel", id))

	rec, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load channel %s: %w", id, err)
	}
	if ok {
		switch ev.After.Label {
		case rec.LastApplied:
			logger.Debug("ignoring relabel echo of own rename", slog.String("label", ev.After.Label))
			return nil
		case rec.OriginalLabel:
			return nil
		}
	}
	if err := s.store.SetOriginal(ctx, id, ev.After.Label); err != nil {
		return fmt.Errorf("update original label for %s: %w", id, err)
	}
	logger.Info("original label updated", slog.String("from", rec.OriginalLabel), slog.String("to", ev.After.Label))
	return nil
}

// Retry consumes the channel's retry entry and reruns the pipeline on a fresh
// snapshot. A channel that no longer exists is forgotten.
func (s *Service) Retry(ctx context.Context, channelID string) error {
	if channelID == "" {
		return ErrInvalidSnapshot
	}
	unlock := s.locks.Lock(channelID)
	defer unlock()
	telemetry.Inc(telemetry.RetriesFired)

	if err := s.store.ClearRetry(ctx, channelID); err != nil {
		return fmt.Errorf("clear retry for %s: %w", channelID, err)
	}
	return s.refreshLocked(ctx, channelID)
}

// ReconcileChannel fetches a fresh snapshot for channelID and reconciles it.
func (s *Service) ReconcileChannel(ctx context.Context, channelID string) error {
	if channelID == "" {
		return ErrInvalidSnapshot
	}
	unlock := s.locks.Lock(channelID)
	defer unlock()
	return s.refreshLocked(ctx, channelID)
}

func (s *Service) refreshLocked(ctx context.Context, channelID string) error {
	if s.source == nil {
		return fmt.Errorf("no snapshot source configured")
	}
	snap, err := s.source.Snapshot(ctx, channelID)
	if errors.Is(err, ErrChannelNotFound) {
		telemetry.LoggerWithCorr(ctx).Info("channel gone; forgetting",
			slog.String("component", "naming"), slog.String("channel", channelID))
		telemetry.Inc(telemetry.EvictedChannels)
		return s.store.Forget(ctx, channelID)
	}
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", channelID, err)
	}
	if !snap.IsVoice() {
		return nil
	}
	return s.reconcileLocked(ctx, snap)
}

// Forget drops every record for channelID.
func (s *Service) Forget(ctx context.Context, channelID string) error {
	if channelID == "" {
		return ErrInvalidSnapshot
	}
	unlock := s.locks.Lock(channelID)
	defer unlock()
	if err := s.store.Forget(ctx, channelID); err != nil {
		return fmt.Errorf("forget %s: %w", channelID, err)
	}
	telemetry.Inc(telemetry.EvictedChannels)
	s.refreshGauges(ctx)
	return nil
}

// SweepRetries runs Retry for every channel whose backoff has elapsed and
// returns how many were attempted.
func (s *Service) SweepRetries(ctx context.Context) (int, error) {
	due, err := s.store.DueRetries(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}
	for _, id := range due {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := s.Retry(ctx, id); err != nil {
			slog.Warn("retry failed", slog.String("component", "naming"), slog.String("channel", id), slog.Any("err", err))
		}
	}
	s.refreshGauges(ctx)
	return len(due), nil
}

// EvictStale drops records for channels not seen within the stale window.
func (s *Service) EvictStale(ctx context.Context) (int, error) {
	n, err := s.store.EvictStale(ctx, s.now().Add(-s.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("evict stale channels: %w", err)
	}
	telemetry.Add(telemetry.EvictedChannels, n)
	s.refreshGauges(ctx)
	return n, nil
}

// Record returns the stored record for channelID.
func (s *Service) Record(ctx context.Context, channelID string) (Record, bool, error) {
	return s.store.Get(ctx, channelID)
}

// Records lists stored channel records and refreshes the store gauges.
func (s *Service) Records(ctx context.Context) ([]Record, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	pending := 0
	for _, r := range recs {
		if r.RetryPending(now) {
			pending++
		}
	}
	telemetry.SetStoreGauges(len(recs), pending)
	return recs, nil
}

// refreshGauges copies the store's tracked and pending counts into the gauges.
func (s *Service) refreshGauges(ctx context.Context) {
	if _, err := s.Records(ctx); err != nil {
		slog.Debug("store gauge refresh failed", slog.String("component", "naming"), slog.Any("err", err))
	}
}

// PollOnce reconciles every voice channel the source knows about.
func (s *Service) PollOnce(ctx context.Context, concurrency int) (int, error) {
	if s.source == nil {
		return 0, fmt.Errorf("no snapshot source configured")
	}
	ids, err := s.source.VoiceChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list voice channels: %w", err)
	}
	telemetry.Inc(telemetry.PollCycles)
	return len(ids), forEachLimit(ctx, ids, concurrency, func(id string) {
		if err := s.ReconcileChannel(ctx, id); err != nil {
			slog.Warn("poll reconcile failed", slog.String("component", "naming"), slog.String("channel", id), slog.Any("err", err))
		}
	})
}
