package naming_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/voicelabel/naming"
	"github.com/onnwee/voicelabel/telemetry"
	"github.com/onnwee/voicelabel/testutil"
)

var start = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

type fixture struct {
	platform *testutil.FakePlatform
	store    *naming.MemoryStore
	clock    *testutil.Clock
	svc      *naming.Service
}

func newFixture(t *testing.T, opts naming.Options) *fixture {
	t.Helper()
	f := &fixture{
		platform: testutil.NewFakePlatform(),
		store:    naming.NewMemoryStore(),
		clock:    testutil.NewClock(start),
	}
	if opts.Now == nil {
		opts.Now = f.clock.Now
	}
	if opts.IdleLabels == nil {
		opts.IdleLabels = []string{"Lounge"}
	}
	f.svc = naming.NewService(f.store, f.platform, f.platform, opts)
	return f
}

// reconcile runs the pipeline against the platform's current view of id.
func (f *fixture) reconcile(t *testing.T, id string) {
	t.Helper()
	snap, err := f.platform.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot(%s): %v", id, err)
	}
	if err := f.svc.Reconcile(context.Background(), snap); err != nil {
		t.Fatalf("Reconcile(%s): %v", id, err)
	}
}

func (f *fixture) record(t *testing.T, id string) naming.Record {
	t.Helper()
	rec, ok, err := f.store.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("store.Get(%s) = ok:%v err:%v", id, ok, err)
	}
	return rec
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t, naming.Options{})
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A", "A", "B"))

	f.reconcile(t, "c1")
	f.reconcile(t, "c1")

	calls := f.platform.Calls()
	if len(calls) != 1 {
		t.Fatalf("rename calls = %d, want 1", len(calls))
	}
	if calls[0].Label != "A" {
		t.Errorf("renamed to %q, want A", calls[0].Label)
	}
	rec := f.record(t, "c1")
	if rec.LastApplied != "A" || rec.OriginalLabel != "General" {
		t.Errorf("record = %+v", rec)
	}
}

func TestReconcileEmptyChannelUsesIdlePool(t *testing.T) {
	pool := []string{"Lounge", "Hangout"}
	f := newFixture(t, naming.Options{IdleLabels: pool})
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General"))

	f.reconcile(t, "c1")

	ch, _ := f.platform.Channel("c1")
	if ch.Label != "Lounge" && ch.Label != "Hangout" {
		t.Errorf("label = %q, want member of idle pool", ch.Label)
	}
	if rec := f.record(t, "c1"); rec.OriginalLabel != "General" {
		t.Errorf("OriginalLabel = %q, want General", rec.OriginalLabel)
	}
}

func TestReconcileIdleRotationNeverRepeats(t *testing.T) {
	f := newFixture(t, naming.Options{IdleLabels: []string{"One", "Two", "Three"}})
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", ""))

	prev := ""
	for range 20 {
		f.reconcile(t, "c1")
		ch, _ := f.platform.Channel("c1")
		if ch.Label == prev {
			t.Fatalf("idle label %q applied twice in a row", prev)
		}
		prev = ch.Label
	}
}

func TestReconcileIdleIdempotence(t *testing.T) {
	tests := []struct {
		name      string
		opts      naming.Options
		wantCalls int
	}{
		// one idle label: the second and third passes find it already applied
		{"single idle label", naming.Options{IdleLabels: []string{"Lounge"}}, 1},
		// two or more: every pass moves to a different idle label
		{"rotating idle pool", naming.Options{IdleLabels: []string{"One", "Two"}}, 3},
		{"original label", naming.Options{IdleLabels: []string{"One", "Two"}, IdleMode: naming.IdleModeOriginal}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts)
			f.platform.SetChannel(testutil.VoiceChannel("c1", "General"))
			for range 3 {
				f.reconcile(t, "c1")
			}
			if got := len(f.platform.Calls()); got != tt.wantCalls {
				t.Errorf("rename calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestReconcileIdleModeOriginalRestoresLabel(t *testing.T) {
	f := newFixture(t, naming.Options{IdleLabels: []string{"Lounge"}, IdleMode: naming.IdleModeOriginal})
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A", "A"))
	f.reconcile(t, "c1")
	if ch, _ := f.platform.Channel("c1"); ch.Label != "A" {
		t.Fatalf("label while playing = %q, want A", ch.Label)
	}

	// everyone leaves; the live label is still A
	f.platform.SetChannel(testutil.VoiceChannel("c1", "A"))
	f.reconcile(t, "c1")
	calls := f.platform.Calls()
	if len(calls) != 2 || calls[1].Label != "General" {
		t.Fatalf("calls = %+v, want restore to General", calls)
	}
	if rec := f.record(t, "c1"); rec.OriginalLabel != "General" || rec.LastApplied != "General" {
		t.Errorf("record = %+v", rec)
	}
}

func TestReconcileLongActivityIsTruncated(t *testing.T) {
	f := newFixture(t, naming.Options{})
	name := strings.Repeat("q", 120)
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", name))

	f.reconcile(t, "c1")

	calls := f.platform.Calls()
	if len(calls) != 1 || calls[0].Label != name[:90] {
		t.Fatalf("calls = %+v, want single rename to first 90 chars", calls)
	}
}

func TestReconcileTieChoosesTiedActivity(t *testing.T) {
	f := newFixture(t, naming.Options{})
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A", "B"))
	f.reconcile(t, "c1")
	ch, _ := f.platform.Channel("c1")
	if ch.Label != "A" && ch.Label != "B" {
		t.Errorf("label = %q, want A or B", ch.Label)
	}
}

func TestReconcileRejectsInvalidSnapshot(t *testing.T) {
	f := newFixture(t, naming.Options{})
	ctx := context.Background()
	if err := f.svc.Reconcile(ctx, nil); !errors.Is(err, naming.ErrInvalidSnapshot) {
		t.Errorf("Reconcile(nil) = %v, want ErrInvalidSnapshot", err)
	}
	if err := f.svc.Reconcile(ctx, &naming.Snapshot{Kind: naming.KindVoice}); !errors.Is(err, naming.ErrInvalidSnapshot) {
		t.Errorf("Reconcile(no id) = %v, want ErrInvalidSnapshot", err)
	}
}

func TestReconcileIgnoresNonVoice(t *testing.T) {
	f := newFixture(t, naming.Options{})
	snap := &naming.Snapshot{ChannelID: "text", Label: "general", Kind: naming.KindOther}
	if err := f.svc.Reconcile(context.Background(), snap); err != nil {
		t.Fatalf("Reconcile(text) = %v", err)
	}
	if len(f.platform.Calls()) != 0 {
		t.Errorf("non-voice channel was renamed")
	}
	if _, ok, _ := f.store.Get(context.Background(), "text"); ok {
		t.Errorf("non-voice channel was recorded")
	}
}

func TestRateLimitBackoffTimeline(t *testing.T) {
	f := newFixture(t, naming.Options{RateLimitBackoff: 10 * time.Minute})
	ctx := context.Background()
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A"))
	f.platform.QueueResult("c1", naming.RenameResult{Outcome: naming.OutcomeRateLimited, Err: errors.New("429")})

	f.reconcile(t, "c1")
	if rec := f.record(t, "c1"); rec.RetryAt != start.Add(10*time.Minute) || rec.LastApplied != "" {
		t.Fatalf("after rate limit record = %+v", rec)
	}

	// triggers during the backoff do not hit the platform
	f.clock.Advance(9 * time.Minute)
	f.reconcile(t, "c1")
	if n, _ := f.svc.SweepRetries(ctx); n != 0 {
		t.Fatalf("sweep at 9m retried %d channels", n)
	}
	if got := len(f.platform.Calls()); got != 1 {
		t.Fatalf("rename calls during backoff = %d, want 1", got)
	}

	f.clock.Advance(time.Minute)
	if n, _ := f.svc.SweepRetries(ctx); n != 1 {
		t.Fatalf("sweep at 10m retried %d channels, want 1", n)
	}
	if n, _ := f.svc.SweepRetries(ctx); n != 0 {
		t.Fatalf("second sweep retried %d channels, want 0", n)
	}
	calls := f.platform.Calls()
	if len(calls) != 2 {
		t.Fatalf("rename calls = %d, want 2", len(calls))
	}
	rec := f.record(t, "c1")
	if !rec.RetryAt.IsZero() || rec.LastApplied != "A" {
		t.Errorf("after retry record = %+v", rec)
	}
}

func storeGauges(t *testing.T) (tracked, pending float64) {
	t.Helper()
	var m dto.Metric
	if err := telemetry.TrackedChannelsGauge.Write(&m); err != nil {
		t.Fatalf("write tracked gauge: %v", err)
	}
	tracked = m.GetGauge().GetValue()
	m.Reset()
	if err := telemetry.PendingRetriesGauge.Write(&m); err != nil {
		t.Fatalf("write pending gauge: %v", err)
	}
	return tracked, m.GetGauge().GetValue()
}

func TestStoreGaugesFollowRetries(t *testing.T) {
	telemetry.Init()
	telemetry.SetStoreGauges(0, 0)
	f := newFixture(t, naming.Options{RateLimitBackoff: 10 * time.Minute})
	ctx := context.Background()
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A"))
	f.platform.QueueResult("c1", naming.RenameResult{Outcome: naming.OutcomeRateLimited})

	f.reconcile(t, "c1")
	if tracked, pending := storeGauges(t); tracked != 1 || pending != 1 {
		t.Fatalf("after rate limit gauges = tracked %v pending %v, want 1/1", tracked, pending)
	}

	f.clock.Advance(10 * time.Minute)
	if _, err := f.svc.SweepRetries(ctx); err != nil {
		t.Fatalf("SweepRetries: %v", err)
	}
	if tracked, pending := storeGauges(t); tracked != 1 || pending != 0 {
		t.Fatalf("after sweep gauges = tracked %v pending %v, want 1/0", tracked, pending)
	}

	if err := f.svc.Forget(ctx, "c1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if tracked, _ := storeGauges(t); tracked != 0 {
		t.Errorf("after forget tracked = %v, want 0", tracked)
	}
}

func TestRetryRecomputesFromFreshSnapshot(t *testing.T) {
	f := newFixture(t, naming.Options{})
	ctx := context.Background()
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A", "A"))
	f.platform.QueueResult("c1", naming.RenameResult{Outcome: naming.OutcomeRateLimited})
	f.reconcile(t, "c1")

	// occupancy changes while the retry is pending
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "B", "B", "A"))
	f.clock.Advance(naming.DefaultRateLimitBackoff)
	if _, err := f.svc.SweepRetries(ctx); err != nil {
		t.Fatalf("SweepRetries: %v", err)
	}

	calls := f.platform.Calls()
	if len(calls) != 2 || calls[1].Label != "B" {
		t.Fatalf("calls = %+v, want retry to apply B", calls)
	}
}

func TestRetryHonoursPlatformRetryAfter(t *testing.T) {
	f := newFixture(t, naming.Options{RateLimitBackoff: time.Minute})
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A"))
	f.platform.QueueResult("c1", naming.RenameResult{Outcome: naming.OutcomeRateLimited, RetryAfter: 5 * time.Minute})
	f.reconcile(t, "c1")
	if rec := f.record(t, "c1"); rec.RetryAt != start.Add(5*time.Minute) {
		t.Errorf("RetryAt = %v, want platform hint of 5m", rec.RetryAt)
	}
}

func TestRetryRateLimitedAgainReschedules(t *testing.T) {
	f := newFixture(t, naming.Options{})
	ctx := context.Background()
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A"))
	f.platform.QueueResult("c1", naming.RenameResult{Outcome: naming.OutcomeRateLimited})
	f.platform.QueueResult("c1", naming.RenameResult{Outcome: naming.OutcomeRateLimited})
	f.reconcile(t, "c1")

	f.clock.Advance(naming.DefaultRateLimitBackoff)
	_, _ = f.svc.SweepRetries(ctx)
	want := start.Add(2 * naming.DefaultRateLimitBackoff)
	if rec := f.record(t, "c1"); rec.RetryAt != want {
		t.Errorf("RetryAt = %v, want fresh entry at %v", rec.RetryAt, want)
	}
}

func TestRetryForgetsDeletedChannel(t *testing.T) {
	f := newFixture(t, naming.Options{})
	ctx := context.Background()
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A"))
	f.platform.QueueResult("c1", naming.RenameResult{Outcome: naming.OutcomeRateLimited})
	f.reconcile(t, "c1")
	f.platform.RemoveChannel("c1")

	f.clock.Advance(naming.DefaultRateLimitBackoff)
	if _, err := f.svc.SweepRetries(ctx); err != nil {
		t.Fatalf("SweepRetries: %v", err)
	}
	if _, ok, _ := f.store.Get(ctx, "c1"); ok {
		t.Errorf("deleted channel still tracked")
	}
}

func TestPermissionDeniedIsFinal(t *testing.T) {
	f := newFixture(t, naming.Options{})
	ctx := context.Background()
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A"))
	f.platform.QueueResult("c1", naming.RenameResult{Outcome: naming.OutcomePermissionDenied, Err: errors.New("403")})
	f.reconcile(t, "c1")

	rec := f.record(t, "c1")
	if !rec.RetryAt.IsZero() || rec.LastApplied != "" {
		t.Fatalf("record after denial = %+v", rec)
	}
	f.clock.Advance(time.Hour)
	if n, _ := f.svc.SweepRetries(ctx); n != 0 {
		t.Errorf("sweep retried %d channels after permission denial", n)
	}
	if got := len(f.platform.Calls()); got != 1 {
		t.Errorf("rename calls = %d, want 1", got)
	}

	// a new trigger tries again
	f.reconcile(t, "c1")
	if got := len(f.platform.Calls()); got != 2 {
		t.Errorf("rename calls after new trigger = %d, want 2", got)
	}
}

func TestOtherErrorPolicy(t *testing.T) {
	tests := []struct {
		name      string
		policy    naming.OtherErrorPolicy
		wantRetry bool
	}{
		{"drop", naming.OtherErrorDrop, false},
		{"retry", naming.OtherErrorRetry, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, naming.Options{OtherErrors: tt.policy})
			f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A"))
			f.platform.QueueResult("c1", naming.RenameResult{Outcome: naming.OutcomeOtherError, Err: errors.New("boom")})
			f.reconcile(t, "c1")
			rec := f.record(t, "c1")
			if got := !rec.RetryAt.IsZero(); got != tt.wantRetry {
				t.Errorf("retry scheduled = %v, want %v", got, tt.wantRetry)
			}
			if rec.LastApplied != "" {
				t.Errorf("LastApplied = %q after failure", rec.LastApplied)
			}
		})
	}
}

func TestRelabelUpdatesOriginal(t *testing.T) {
	f := newFixture(t, naming.Options{})
	ctx := context.Background()
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A"))
	f.reconcile(t, "c1")

	if err := f.svc.Relabel(ctx, naming.ChannelRelabeled{After: testutil.VoiceChannel("c1", "Squad Room")}); err != nil {
		t.Fatalf("Relabel: %v", err)
	}
	rec := f.record(t, "c1")
	if rec.OriginalLabel != "Squad Room" {
		t.Errorf("OriginalLabel = %q, want Squad Room", rec.OriginalLabel)
	}
	if rec.LastApplied != "A" {
		t.Errorf("LastApplied = %q, want A", rec.LastApplied)
	}
	if got := len(f.platform.Calls()); got != 1 {
		t.Errorf("Relabel issued renames: %d calls", got)
	}
}

func TestRelabelComparesAgainstStoredLabels(t *testing.T) {
	tests := []struct {
		name  string
		label string
		want  string
	}{
		{"own rename echo", "A", "General"},
		{"unrelated metadata update", "General", "General"},
		{"external rename", "Squad Room", "Squad Room"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, naming.Options{})
			f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A"))
			f.reconcile(t, "c1")

			if err := f.svc.Relabel(context.Background(), naming.ChannelRelabeled{After: testutil.VoiceChannel("c1", tt.label)}); err != nil {
				t.Fatalf("Relabel: %v", err)
			}
			if rec := f.record(t, "c1"); rec.OriginalLabel != tt.want {
				t.Errorf("OriginalLabel = %q, want %q", rec.OriginalLabel, tt.want)
			}
		})
	}
}

func TestRelabelIgnoresNonVoiceAndUnchanged(t *testing.T) {
	f := newFixture(t, naming.Options{})
	ctx := context.Background()
	text := naming.Snapshot{ChannelID: "t1", Label: "chat-2", Kind: naming.KindOther}
	if err := f.svc.Relabel(ctx, naming.ChannelRelabeled{After: text}); err != nil {
		t.Fatalf("Relabel(text): %v", err)
	}
	same := testutil.VoiceChannel("c1", "General")
	if err := f.svc.Relabel(ctx, naming.ChannelRelabeled{Before: &same, After: same}); err != nil {
		t.Fatalf("Relabel(unchanged): %v", err)
	}
	recs, _ := f.svc.Records(ctx)
	if len(recs) != 0 {
		t.Errorf("records created: %+v", recs)
	}
	if err := f.svc.Relabel(ctx, naming.ChannelRelabeled{}); !errors.Is(err, naming.ErrInvalidSnapshot) {
		t.Errorf("Relabel(empty) err = %v, want ErrInvalidSnapshot", err)
	}
}

func TestForgetAndEvictStale(t *testing.T) {
	f := newFixture(t, naming.Options{StaleAfter: 24 * time.Hour})
	ctx := context.Background()
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General", "A"))
	f.platform.SetChannel(testutil.VoiceChannel("c2", "Other", "B"))
	f.reconcile(t, "c1")
	f.reconcile(t, "c2")

	if err := f.svc.Forget(ctx, "c1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	f.clock.Advance(25 * time.Hour)
	n, err := f.svc.EvictStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("EvictStale = %d, %v; want 1", n, err)
	}
	recs, _ := f.svc.Records(ctx)
	if len(recs) != 0 {
		t.Errorf("records left: %+v", recs)
	}
}

func TestConcurrentTriggersForOneChannelAreSerialized(t *testing.T) {
	f := newFixture(t, naming.Options{IdleLabels: []string{"One", "Two"}})
	var inFlight, maxInFlight atomic.Int32
	f.platform.BeforeRename = func(ctx context.Context, channelID, label string) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
	}
	f.platform.SetChannel(testutil.VoiceChannel("c1", "General"))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// each trigger carries the stale pre-rename label so every call renames
			snap := testutil.VoiceChannel("c1", "General")
			if err := f.svc.Reconcile(context.Background(), &snap); err != nil {
				t.Errorf("Reconcile: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Errorf("max concurrent renames for one channel = %d, want 1", maxInFlight.Load())
	}
	calls := f.platform.Calls()
	rec := f.record(t, "c1")
	if rec.LastApplied != calls[len(calls)-1].Label {
		t.Errorf("LastApplied = %q, want last decided label %q", rec.LastApplied, calls[len(calls)-1].Label)
	}
}

func TestParseOtherErrorPolicy(t *testing.T) {
	for in, want := range map[string]naming.OtherErrorPolicy{"": naming.OtherErrorDrop, "DROP": naming.OtherErrorDrop, "retry": naming.OtherErrorRetry} {
		got, err := naming.ParseOtherErrorPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseOtherErrorPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := naming.ParseOtherErrorPolicy("sometimes"); err == nil {
		t.Errorf("expected error for unknown policy")
	}
}
