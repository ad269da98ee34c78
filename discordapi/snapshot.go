package discordapi

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/voicelabel/naming"
)

// Snapshot implements naming.SnapshotSource from the session state cache.
func (c *Client) Snapshot(_ context.Context, channelID string) (*naming.Snapshot, error) {
	return snapshotFromState(c.Session.State, channelID)
}

// VoiceChannels lists every voice channel in every guild the bot is in.
func (c *Client) VoiceChannels(_ context.Context) ([]string, error) {
	st := c.Session.State
	if st == nil {
		return nil, discordgo.ErrNilState
	}
	st.RLock()
	defer st.RUnlock()
	var ids []string
	for _, g := range st.Guilds {
		for _, ch := range g.Channels {
			if ch.Type == discordgo.ChannelTypeGuildVoice {
				ids = append(ids, ch.ID)
			}
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func snapshotFromState(st *discordgo.State, channelID string) (*naming.Snapshot, error) {
	if st == nil {
		return nil, discordgo.ErrNilState
	}
	ch, err := st.Channel(channelID)
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return nil, naming.ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("channel %s from state: %w", channelID, err)
	}
	snap := channelMeta(ch)
	if snap.Kind != naming.KindVoice {
		return &snap, nil
	}

	g, err := st.Guild(ch.GuildID)
	if err != nil {
		return nil, fmt.Errorf("guild %s from state: %w", ch.GuildID, err)
	}
	var userIDs []string
	st.RLock()
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == channelID {
			userIDs = append(userIDs, vs.UserID)
		}
	}
	st.RUnlock()

	snap.Occupants = make([]naming.Occupant, 0, len(userIDs))
	for _, uid := range userIDs {
		o := naming.Occupant{UserID: uid}
		if p, err := st.Presence(ch.GuildID, uid); err == nil {
			o.Activity = currentActivity(p.Activities)
		}
		snap.Occupants = append(snap.Occupants, o)
	}
	return &snap, nil
}

// channelMeta converts channel metadata without occupants.
func channelMeta(ch *discordgo.Channel) naming.Snapshot {
	kind := naming.KindOther
	if ch.Type == discordgo.ChannelTypeGuildVoice {
		kind = naming.KindVoice
	}
	return naming.Snapshot{ChannelID: ch.ID, GuildID: ch.GuildID, Label: ch.Name, Kind: kind}
}

// currentActivity prefers the first "Playing" activity; other activity types
// are reported but never counted.
func currentActivity(acts []*discordgo.Activity) *naming.Activity {
	var first *discordgo.Activity
	for _, a := range acts {
		if a == nil {
			continue
		}
		if a.Type == discordgo.ActivityTypeGame {
			return &naming.Activity{Kind: naming.ActivityPlaying, Name: a.Name}
		}
		if first == nil {
			first = a
		}
	}
	if first == nil {
		return nil
	}
	return &naming.Activity{Kind: naming.ActivityOther, Name: first.Name}
}
