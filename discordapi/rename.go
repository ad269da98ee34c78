package discordapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/voicelabel/naming"
	"github.com/onnwee/voicelabel/telemetry"
)

// Rename implements naming.Renamer with a single PATCH /channels/{id}.
// If the local bucket is already exhausted no request is sent and the wait is
// reported as a rate limit.
func (c *Client) Rename(ctx context.Context, channelID, label string) naming.RenameResult {
	ctx, span := telemetry.StartSpan(ctx, "voicelabel/discordapi", "discord.channel_edit", telemetry.ChannelAttr(channelID))
	defer span.End()

	if wait := c.bucketWait(channelID); wait > 0 {
		return naming.RenameResult{
			Outcome:    naming.OutcomeRateLimited,
			RetryAfter: wait,
			Err:        errors.New("channel edit bucket exhausted"),
		}
	}
	_, err := c.Session.ChannelEdit(channelID, &discordgo.ChannelEdit{Name: label},
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
	)
	res := ClassifyRenameError(err)
	if res.Err != nil {
		telemetry.RecordError(span, res.Err)
	}
	return res
}

func (c *Client) bucketWait(channelID string) (wait time.Duration) {
	rl := c.Session.Ratelimiter
	if rl == nil {
		return 0
	}
	b := rl.GetBucket(discordgo.EndpointChannel(channelID))
	b.Lock()
	defer b.Unlock()
	return rl.GetWaitTime(b, 1)
}

// ClassifyRenameError maps a ChannelEdit error onto a rename outcome.
//
// Rate limited:
// - *discordgo.RateLimitError (429 with retries disabled)
// - REST 429, or messages mentioning "rate limit" / "too many requests"
//
// Permission denied:
// - API codes 50001 (missing access) and 50013 (missing permissions)
// - REST 401/403, or messages mentioning "missing permissions" / "forbidden"
//
// Everything else, including unknown channels, server errors and transport
// failures, is OutcomeOtherError. Transport errors carry the request URL, so
// they are settled before the message patterns are consulted.
func ClassifyRenameError(err error) naming.RenameResult {
	if err == nil {
		return naming.Succeeded()
	}

	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) {
		res := naming.RenameResult{Outcome: naming.OutcomeRateLimited, Err: err}
		if rle.RateLimit != nil && rle.TooManyRequests != nil {
			res.RetryAfter = rle.RetryAfter
		}
		return res
	}

	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if rest.Message != nil {
			switch rest.Message.Code {
			case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
				return naming.RenameResult{Outcome: naming.OutcomePermissionDenied, Err: err}
			}
		}
		if rest.Response != nil {
			switch rest.Response.StatusCode {
			case http.StatusTooManyRequests:
				return naming.RenameResult{Outcome: naming.OutcomeRateLimited, Err: err}
			case http.StatusUnauthorized, http.StatusForbidden:
				return naming.RenameResult{Outcome: naming.OutcomePermissionDenied, Err: err}
			}
		}
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return naming.RenameResult{Outcome: naming.OutcomeOtherError, Err: err}
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{"too many requests", "rate limit"} {
		if strings.Contains(lower, pattern) {
			return naming.RenameResult{Outcome: naming.OutcomeRateLimited, Err: err}
		}
	}
	for _, pattern := range []string{"missing permissions", "missing access", "forbidden"} {
		if strings.Contains(lower, pattern) {
			return naming.RenameResult{Outcome: naming.OutcomePermissionDenied, Err: err}
		}
	}
	return naming.RenameResult{Outcome: naming.OutcomeOtherError, Err: err}
}
