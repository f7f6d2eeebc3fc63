package commands

import (
	"context"
	"errors"

	"geodaily/internal/configstore"
	"geodaily/internal/credentials"
	"geodaily/internal/daily"
	"geodaily/internal/geo"
	"geodaily/internal/transport"
)

// UserMessage turns an error into a short reply. Raw errors never reach chats.
func UserMessage(err error) string {
	var flood *transport.FloodError
	var te *geo.TransportError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, daily.ErrNotConfigured):
		return "Daily GeoGuessr challenge is not set up."
	case errors.Is(err, daily.ErrNoLink):
		return "Daily GeoGuessr challenge for that date is not available."
	case errors.Is(err, daily.ErrBadDate):
		return "Invalid date. Use 'today', 'yesterday', or 'YYYY-MM-DD'."
	case errors.Is(err, geo.ErrInvalidOptions):
		return "GeoGuessr rejected those challenge settings. Check the map and time limit."
	case errors.Is(err, geo.ErrAuthExpired), errors.Is(err, credentials.ErrNoCredentials):
		return "The bot's GeoGuessr session has expired. Please contact the bot owner."
	case errors.Is(err, geo.ErrNotYetPlayed):
		return "The leaderboard is not available yet."
	case errors.Is(err, configstore.ErrInvalidConfig):
		return "Those daily settings are not valid."
	case errors.As(err, &flood):
		return "Telegram is rate limiting the bot. Try again shortly."
	case errors.As(err, &te):
		return "Failed to reach GeoGuessr. Try again later."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long. Try again later."
	default:
		return "An error occurred while processing the command."
	}
}
