package geo

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"geodaily/internal/credentials"
)

// Session states reported by the game endpoint.
const (
	StateStarted  = "started"
	StateFinished = "finished"
)

type Guess struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type SessionState struct {
	State string `json:"state"`
	Round int    `json:"round"`
}

func (s SessionState) Finished() bool { return s.State == StateFinished }

// StartSession joins a challenge with the auto-solver account and returns the game token.
func (c *Client) StartSession(ctx context.Context, challenge string) (string, error) {
	challenge = TokenFromLink(challenge)
	var out tokenResponse
	err := c.call(ctx, credentials.AutoSolver, request{
		op:     "session.start",
		method: http.MethodPost,
		path:   "/api/v3/challenges/" + url.PathEscape(challenge),
		body:   struct{}{},
		out:    &out,
	})
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &TransportError{Op: "session.start", Status: http.StatusOK, Err: errors.New("empty game token")}
	}
	return out.Token, nil
}

type guessRequest struct {
	Guess
	Token    string `json:"token"`
	TimedOut bool   `json:"timedOut"`
}

// SubmitGuess resolves the terrain at g and submits it for the current round.
func (c *Client) SubmitGuess(ctx context.Context, game string, g Guess) error {
	err := c.call(ctx, credentials.AutoSolver, request{
		op:     "session.terrain",
		method: http.MethodPost,
		path:   "/api/v4/geo-coding/terrain",
		body:   g,
	})
	if err != nil {
		return err
	}
	return c.call(ctx, credentials.AutoSolver, request{
		op:     "session.guess",
		method: http.MethodPost,
		path:   "/api/v3/games/" + url.PathEscape(game),
		body:   guessRequest{Guess: g, Token: game},
	})
}

// SessionState polls the game.
func (c *Client) SessionState(ctx context.Context, game string) (SessionState, error) {
	var out SessionState
	err := c.call(ctx, credentials.AutoSolver, request{
		op:     "session.state",
		method: http.MethodGet,
		path:   "/api/v3/games/" + url.PathEscape(game),
		query:  url.Values{"client": {"web"}},
		out:    &out,
	})
	return out, err
}
