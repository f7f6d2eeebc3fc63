package geo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"geodaily/internal/credentials"
	logx "geodaily/pkg/logx"
)

// Options are the settings of a minted challenge.
type Options struct {
	Map       string // map slug
	TimeLimit int    // seconds, 0 = unlimited
	NoMove    bool
	NoPan     bool
	NoZoom    bool
}

type mintRequest struct {
	Map            string `json:"map"`
	TimeLimit      int    `json:"timeLimit"`
	ForbidMoving   bool   `json:"forbidMoving"`
	ForbidZooming  bool   `json:"forbidZooming"`
	ForbidRotating bool   `json:"forbidRotating"`
	AccessLevel    int    `json:"accessLevel"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Mint creates a challenge and returns its token.
//
// Errors: ErrAuthExpired, ErrInvalidOptions, *TransportError.
func (c *Client) Mint(ctx context.Context, opt Options) (string, error) {
	if strings.TrimSpace(opt.Map) == "" || opt.TimeLimit < 0 {
		return "", ErrInvalidOptions
	}
	var out tokenResponse
	err := c.call(ctx, credentials.Primary, request{
		op:     "mint",
		method: http.MethodPost,
		path:   "/api/v3/challenges",
		body: mintRequest{
			Map:            opt.Map,
			TimeLimit:      opt.TimeLimit,
			ForbidMoving:   opt.NoMove,
			ForbidZooming:  opt.NoZoom,
			ForbidRotating: opt.NoPan,
			AccessLevel:    1,
		},
		out:    &out,
		status: map[int]error{http.StatusInternalServerError: ErrInvalidOptions},
	})
	c.metrics.RecordMint(err)
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &TransportError{Op: "mint", Status: http.StatusOK, Err: errors.New("empty token")}
	}
	c.log.Debug("challenge minted", logx.String("map", opt.Map), logx.String("token", out.Token))
	return out.Token, nil
}

// Round is one guess of a leaderboard entry.
type Round struct {
	Score    int
	Distance float64 // meters
}

type LeaderboardEntry struct {
	Username string
	UserID   string
	Score    int
	Distance float64 // meters
	Rounds   []Round
}

type highscores struct {
	Items []struct {
		Game struct {
			Player struct {
				Nick       string `json:"nick"`
				ID         string `json:"id"`
				TotalScore struct {
					Amount numberString `json:"amount"`
				} `json:"totalScore"`
				TotalDistanceInMeters float64 `json:"totalDistanceInMeters"`
				Guesses               []struct {
					DistanceInMeters float64 `json:"distanceInMeters"`
					RoundScore       struct {
						Amount numberString `json:"amount"`
					} `json:"roundScore"`
				} `json:"guesses"`
			} `json:"player"`
		} `json:"game"`
	} `json:"items"`
}

// FetchResults returns the challenge leaderboard ranked by descending score,
// without the service account's own entry.
//
// Errors: ErrAuthExpired, ErrNotYetPlayed, *TransportError.
func (c *Client) FetchResults(ctx context.Context, token string) ([]LeaderboardEntry, error) {
	token = TokenFromLink(token)
	if token == "" {
		return nil, errors.New("geo: empty challenge token")
	}
	var out highscores
	err := c.call(ctx, credentials.AutoSolver, request{
		op:     "results",
		method: http.MethodGet,
		path:   "/api/v3/results/highscores/" + url.PathEscape(token),
		query: url.Values{
			"friends":   {"false"},
			"limit":     {"9999"},
			"minRounds": {"5"},
		},
		out: &out,
		status: map[int]error{
			http.StatusForbidden: ErrNotYetPlayed,
			http.StatusNotFound:  ErrNotYetPlayed,
		},
	})
	if err != nil {
		return nil, err
	}
	return c.rank(out), nil
}

func (c *Client) rank(hs highscores) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(hs.Items))
	for _, it := range hs.Items {
		p := it.Game.Player
		if c.service != "" && strings.EqualFold(p.Nick, c.service) {
			continue
		}
		e := LeaderboardEntry{
			Username: p.Nick,
			UserID:   p.ID,
			Score:    int(p.TotalScore.Amount),
			Distance: p.TotalDistanceInMeters,
			Rounds:   make([]Round, 0, len(p.Guesses)),
		}
		for _, g := range p.Guesses {
			e.Rounds = append(e.Rounds, Round{Score: int(g.RoundScore.Amount), Distance: g.DistanceInMeters})
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	return entries
}

// numberString decodes both 1234 and "1234".
type numberString float64

func (n *numberString) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	var f float64
	if _, err := fmt.Sscan(s, &f); err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*n = numberString(f)
	return nil
}
