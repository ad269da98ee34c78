package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/onnwee/voicelabel/naming"
)

// RenameCall is one request seen by FakePlatform.Rename.
type RenameCall struct {
	ChannelID string
	Label     string
}

// FakePlatform is a deterministic in-memory platform. It implements
// naming.Renamer, naming.SnapshotSource and naming.EventSource.
type FakePlatform struct {
	mu       sync.Mutex
	channels map[string]naming.Snapshot
	results  map[string][]naming.RenameResult
	calls    []RenameCall

	// BeforeRename, if set, runs at the start of every Rename outside the lock.
	BeforeRename func(ctx context.Context, channelID, label string)

	onOccupancy []func(naming.OccupancyChanged)
	onPresence  []func(naming.PresenceChanged)
	onRelabel   []func(naming.ChannelRelabeled)
	onDelete    []func(string)
}

// NewFakePlatform returns an empty FakePlatform.
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		channels: make(map[string]naming.Snapshot),
		results:  make(map[string][]naming.RenameResult),
	}
}

// VoiceChannel builds a voice channel snapshot whose occupants play the given
// activities; an empty string means the occupant is not playing anything.
func VoiceChannel(id, label string, playing ...string) naming.Snapshot {
	snap := naming.Snapshot{ChannelID: id, GuildID: "guild", Label: label, Kind: naming.KindVoice}
	for i, game := range playing {
		o := naming.Occupant{UserID: id + "-user-" + string(rune('a'+i))}
		if game != "" {
			o.Activity = &naming.Activity{Kind: naming.ActivityPlaying, Name: game}
		}
		snap.Occupants = append(snap.Occupants, o)
	}
	return snap
}

// SetChannel stores or replaces a channel.
func (f *FakePlatform) SetChannel(snap naming.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[snap.ChannelID] = snap
}

// RemoveChannel deletes a channel so snapshots report naming.ErrChannelNotFound.
func (f *FakePlatform) RemoveChannel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, id)
}

// Channel returns the current state of a channel.
func (f *FakePlatform) Channel(id string) (naming.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.channels[id]
	return s, ok
}

// QueueResult makes the next Rename of channelID return res. Results are
// consumed in order; once drained, renames succeed.
func (f *FakePlatform) QueueResult(channelID string, res naming.RenameResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[channelID] = append(f.results[channelID], res)
}

// Calls returns every rename request seen so far.
func (f *FakePlatform) Calls() []RenameCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Rename implements naming.Renamer. Successful renames update the stored label.
func (f *FakePlatform) Rename(ctx context.Context, channelID, label string) naming.RenameResult {
	if f.BeforeRename != nil {
		f.BeforeRename(ctx, channelID, label)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, RenameCall{ChannelID: channelID, Label: label})
	res := naming.Succeeded()
	if q := f.results[channelID]; len(q) > 0 {
		res = q[0]
		f.results[channelID] = q[1:]
	}
	if res.Outcome == naming.OutcomeSuccess {
		if ch, ok := f.channels[channelID]; ok {
			ch.Label = label
			f.channels[channelID] = ch
		}
	}
	return res
}

// Snapshot implements naming.SnapshotSource.
func (f *FakePlatform) Snapshot(_ context.Context, channelID string) (*naming.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, naming.ErrChannelNotFound
	}
	ch.Occupants = slices.Clone(ch.Occupants)
	return &ch, nil
}

// VoiceChannels implements naming.SnapshotSource.
func (f *FakePlatform) VoiceChannels(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, ch := range f.channels {
		if ch.Kind == naming.KindVoice {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (f *FakePlatform) OnOccupancyChanged(fn func(naming.OccupancyChanged)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onOccupancy = append(f.onOccupancy, fn)
}

func (f *FakePlatform) OnPresenceChanged(fn func(naming.PresenceChanged)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPresence = append(f.onPresence, fn)
}

func (f *FakePlatform) OnChannelRelabeled(fn func(naming.ChannelRelabeled)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRelabel = append(f.onRelabel, fn)
}

func (f *FakePlatform) OnChannelDeleted(fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDelete = append(f.onDelete, fn)
}

// EmitOccupancy delivers ev to registered handlers synchronously.
func (f *FakePlatform) EmitOccupancy(ev naming.OccupancyChanged) {
	f.mu.Lock()
	hs := slices.Clone(f.onOccupancy)
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// EmitPresence delivers ev to registered handlers synchronously.
func (f *FakePlatform) EmitPresence(ev naming.PresenceChanged) {
	f.mu.Lock()
	hs := slices.Clone(f.onPresence)
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// EmitRelabel delivers ev to registered handlers synchronously.
func (f *FakePlatform) EmitRelabel(ev naming.ChannelRelabeled) {
	f.mu.Lock()
	hs := slices.Clone(f.onRelabel)
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// EmitDelete delivers a channel deletion to registered handlers synchronously.
func (f *FakePlatform) EmitDelete(channelID string) {
	f.mu.Lock()
	hs := slices.Clone(f.onDelete)
	f.mu.Unlock()
	for _, h := range hs {
		h(channelID)
	}
}
