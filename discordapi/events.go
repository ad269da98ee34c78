package discordapi

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/voicelabel/naming"
)

// The handlers below implement naming.EventSource. discordgo updates its state
// cache before calling user handlers, so snapshots taken here already reflect
// the event.

// OnOccupancyChanged fires for voice state updates with the channels the member left and joined.
func (c *Client) OnOccupancyChanged(fn func(naming.OccupancyChanged)) {
	c.Session.AddHandler(func(s *discordgo.Session, e *discordgo.VoiceStateUpdate) {
		if ev, ok := occupancyEvent(s.State, e); ok {
			fn(ev)
		}
	})
}

// OnPresenceChanged fires for presence updates of members currently in a voice channel.
func (c *Client) OnPresenceChanged(fn func(naming.PresenceChanged)) {
	c.Session.AddHandler(func(s *discordgo.Session, e *discordgo.PresenceUpdate) {
		if ev, ok := presenceEvent(s.State, e); ok {
			fn(ev)
		}
	})
}

// OnChannelRelabeled fires for every channel update. Discord does not send the
// previous version and the state cache is already overwritten, so Before is
// always nil and the service compares against its stored labels.
func (c *Client) OnChannelRelabeled(fn func(naming.ChannelRelabeled)) {
	c.Session.AddHandler(func(_ *discordgo.Session, e *discordgo.ChannelUpdate) {
		if ev, ok := relabelEvent(e); ok {
			fn(ev)
		}
	})
}

// OnChannelDeleted fires when a channel is deleted.
func (c *Client) OnChannelDeleted(fn func(string)) {
	c.Session.AddHandler(func(_ *discordgo.Session, e *discordgo.ChannelDelete) {
		if e.Channel == nil {
			return
		}
		fn(e.ID)
	})
}

func occupancyEvent(st *discordgo.State, e *discordgo.VoiceStateUpdate) (naming.OccupancyChanged, bool) {
	var ev naming.OccupancyChanged
	if e.BeforeUpdate != nil && e.BeforeUpdate.ChannelID != "" {
		ev.Before = snapshotOrNil(st, e.BeforeUpdate.ChannelID)
	}
	if e.VoiceState != nil && e.ChannelID != "" {
		ev.After = snapshotOrNil(st, e.ChannelID)
	}
	return ev, ev.Before != nil || ev.After != nil
}

func presenceEvent(st *discordgo.State, e *discordgo.PresenceUpdate) (naming.PresenceChanged, bool) {
	if st == nil || e.User == nil {
		return naming.PresenceChanged{}, false
	}
	vs, err := st.VoiceState(e.GuildID, e.User.ID)
	if err != nil || vs.ChannelID == "" {
		return naming.PresenceChanged{}, false
	}
	snap := snapshotOrNil(st, vs.ChannelID)
	return naming.PresenceChanged{Channel: snap}, snap != nil
}

func relabelEvent(e *discordgo.ChannelUpdate) (naming.ChannelRelabeled, bool) {
	if e.Channel == nil {
		return naming.ChannelRelabeled{}, false
	}
	return naming.ChannelRelabeled{After: channelMeta(e.Channel)}, true
}

func snapshotOrNil(st *discordgo.State, channelID string) *naming.Snapshot {
	snap, err := snapshotFromState(st, channelID)
	if err != nil {
		slog.Debug("snapshot unavailable", slog.String("channel", channelID), slog.Any("err", err))
		return nil
	}
	return snap
}
