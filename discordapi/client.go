// Package discordapi adapts a discordgo gateway session to the naming package.
// It reads channel snapshots from the session's state cache, renames channels
// over the REST API, and turns gateway events into naming events.
//
// The session needs the GUILDS, GUILD_VOICE_STATES and GUILD_PRESENCES
// intents; presences are privileged and must be enabled for the bot in the
// developer portal, otherwise every occupant looks idle.
package discordapi

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/voicelabel/naming"
	"github.com/onnwee/voicelabel/telemetry"
)

// Intents requested when identifying with the gateway.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildPresences

var (
	_ naming.Renamer        = (*Client)(nil)
	_ naming.SnapshotSource = (*Client)(nil)
	_ naming.EventSource    = (*Client)(nil)
)

// Client wraps a discordgo session.
type Client struct {
	Session *discordgo.Session
	ready   atomic.Bool
}

// New creates a Client for a bot token. The session is not opened.
func New(token string) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("discord token empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = Intents
	s.StateEnabled = true
	// rate limits are handled by the retry schedule, not by sleeping in the request
	s.ShouldRetryOnRateLimit = false
	return NewWithSession(s), nil
}

// NewWithSession wraps an existing session and tracks its readiness.
func NewWithSession(s *discordgo.Session) *Client {
	c := &Client{Session: s}
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		c.setReady(true)
		slog.Info("discord gateway ready", slog.String("user", r.User.Username), slog.Int("guilds", len(r.Guilds)))
	})
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		c.setReady(true)
		slog.Info("discord gateway resumed")
	})
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		c.setReady(false)
		slog.Warn("discord gateway disconnected")
	})
	return c
}

func (c *Client) setReady(v bool) {
	c.ready.Store(v)
	telemetry.UpdateGatewayGauge(v)
}

// Ready reports whether the gateway session is connected and has received READY.
func (c *Client) Ready() bool { return c.ready.Load() }

// Open connects to the gateway.
func (c *Client) Open() error {
	if err := c.Session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	return nil
}

// Close disconnects from the gateway.
func (c *Client) Close() error {
	c.setReady(false)
	return c.Session.Close()
}
