// Package naming keeps a voice channel's label in step with what its occupants
// are playing.
//
// The pipeline for one channel is:
//   - Aggregate: count occupants per "playing" activity.
//   - Resolve: pick the dominant activity (random among ties, truncated to
//     MaxLabelLength) or, when nobody is playing, an idle label that differs
//     from the one applied last.
//   - Execute: rename through the platform only when the live label differs,
//     then record the outcome. Rate limits schedule a retry; permission errors
//     and unclassified errors are logged.
//
// Service owns all per-channel state (original label, last applied label,
// pending retry) behind a Store, and serializes work per channel id so that
// overlapping triggers for one channel never interleave. Triggers arrive from
// an EventSource (see Bind), from the periodic full poll (StartPollJob), and
// from the retry sweep (StartRetryJob), which always re-reads a fresh snapshot
// instead of replaying a previously computed label.
package naming
