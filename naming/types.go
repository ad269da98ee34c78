package naming

import (
	"context"
	"errors"
)

// MaxLabelLength is the longest label ever applied, a margin under the
// platform's 100 character channel name limit.
const MaxLabelLength = 90

// DefaultIdleLabel is used when no idle labels are configured.
const DefaultIdleLabel = "Voice Lounge"

var (
	// ErrInvalidSnapshot is returned for nil snapshots or snapshots without a channel id.
	ErrInvalidSnapshot = errors.New("naming: invalid channel snapshot")
	// ErrChannelNotFound is returned by a SnapshotSource when the channel no longer exists.
	ErrChannelNotFound = errors.New("naming: channel not found")
)

// ChannelKind distinguishes voice channels from everything else.
type ChannelKind int

const (
	KindOther ChannelKind = iota
	KindVoice
)

// ActivityKind classifies an occupant's reported activity. Only ActivityPlaying counts.
type ActivityKind int

const (
	ActivityOther ActivityKind = iota
	ActivityPlaying
)

// Activity is what an occupant is currently doing.
type Activity struct {
	Kind ActivityKind
	Name string
}

// Occupant is a user present in a voice channel.
type Occupant struct {
	UserID   string
	Activity *Activity
}

// Snapshot is the state of one channel at the moment a trigger fired.
type Snapshot struct {
	ChannelID string
	GuildID   string
	Label     string
	Kind      ChannelKind
	Occupants []Occupant
}

// IsVoice reports whether the snapshot describes a voice channel.
func (s *Snapshot) IsVoice() bool { return s != nil && s.Kind == KindVoice }

// OccupancyChanged fires when a member joins, leaves or moves between channels.
// Before and After are the channels on either side of the move; either may be nil.
type OccupancyChanged struct {
	Before *Snapshot
	After  *Snapshot
}

// PresenceChanged fires when a member's activity changes. Channel is the voice
// channel the member currently sits in, or nil.
type PresenceChanged struct {
	Channel *Snapshot
}

// ChannelRelabeled fires when a channel's metadata changes on the platform.
// Before is nil when the platform does not report the previous version.
type ChannelRelabeled struct {
	Before *Snapshot
	After  Snapshot
}

// Renamer issues the external rename. It never returns a Go error; failures are
// reported through RenameResult.Outcome.
type Renamer interface {
	Rename(ctx context.Context, channelID, label string) RenameResult
}

// SnapshotSource reads fresh channel state from the platform.
type SnapshotSource interface {
	Snapshot(ctx context.Context, channelID string) (*Snapshot, error)
	VoiceChannels(ctx context.Context) ([]string, error)
}

// EventSource delivers platform events. Implementations call the registered
// handlers from their own goroutines.
type EventSource interface {
	OnOccupancyChanged(fn func(OccupancyChanged))
	OnPresenceChanged(fn func(PresenceChanged))
	OnChannelRelabeled(fn func(ChannelRelabeled))
	OnChannelDeleted(fn func(channelID string))
}
