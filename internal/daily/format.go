package daily

import (
	"strconv"
	"strings"
	"time"

	"geodaily/internal/configstore"
	"geodaily/internal/geo"
	"geodaily/pkg/tgui"
)

const title = "Daily GeoGuessr Challenge"

// Announcement is the rendered daily post.
type Announcement struct {
	Date        string // YYYY-MM-DD
	Link        string
	Today       bool
	Config      configstore.TenantConfig
	Leaderboard *Board // nil = no leaderboard section
}

// Board is a leaderboard section of a post.
type Board struct {
	Heading string
	Empty   string
	Entries []geo.LeaderboardEntry
	// UpdatedAt is shown when non-zero.
	UpdatedAt time.Time
}

func shortLink(link string) string {
	s := strings.TrimPrefix(link, "https://")
	return strings.TrimPrefix(s, "http://")
}

// Render builds the HTML body of an announcement. userURL turns a user id into
// a profile link.
func Render(a Announcement, userURL func(string) string, size int) string {
	d := &tgui.Doc{}
	date, err := time.Parse(configstore.DateLayout, a.Date)
	if err != nil {
		date = time.Time{}
	}

	d.Line(tgui.B(title))
	if !date.IsZero() {
		d.Line(tgui.I(date.Format("January 02 2006")))
	}
	d.Blank()
	if a.Today || date.IsZero() {
		d.Line(tgui.Esc("Here is the link to today's GeoGuessr challenge:"))
	} else {
		d.Line(tgui.Esc("Here is the link to the GeoGuessr challenge on " + date.Format("Monday, January 02, 2006") + ":"))
	}
	d.Line(tgui.Link(shortLink(a.Link), a.Link))

	if a.Config.MapName != "" || a.Config.MapSlug != "" {
		name := a.Config.MapName
		if name == "" {
			name = a.Config.MapSlug
		}
		d.Blank()
		d.Line(tgui.Esc("Map: "), tgui.B(name))
		d.Line(tgui.Esc("Time limit: "+tgui.Clock(a.Config.TimeLimit)), tgui.Esc(" · "+rules(a.Config)))
	}

	if b := a.Leaderboard; b != nil {
		d.Blank()
		d.Line(tgui.B(b.Heading))
		renderBoard(d, *b, userURL, size)
	}

	if a.Today {
		d.Blank()
		d.Line(tgui.I("Use of external help is not allowed (e.g. Google) · Good luck!"))
	}
	return d.String()
}

func renderBoard(d *tgui.Doc, b Board, userURL func(string) string, size int) {
	if len(b.Entries) == 0 {
		d.Line(tgui.Esc(b.Empty))
		return
	}
	if size <= 0 {
		size = 10
	}
	for i, e := range b.Entries {
		if i >= size {
			break
		}
		name := tgui.B(e.Username)
		if userURL != nil && e.UserID != "" {
			name = tgui.H("<b>" + tgui.Link(e.Username, userURL(e.UserID)).String() + "</b>")
		}
		d.Line(tgui.Esc(strconv.Itoa(i+1)+". "), name, tgui.Esc(" - "+tgui.Thousands(e.Score)+" points"))
	}
	if !b.UpdatedAt.IsZero() {
		d.Line(tgui.I("Leaderboard updated at " + b.UpdatedAt.Format("15:04 MST")))
	}
}

func rules(c configstore.TenantConfig) string {
	var parts []string
	if c.NoMove {
		parts = append(parts, "no move")
	}
	if c.NoPan {
		parts = append(parts, "no pan")
	}
	if c.NoZoom {
		parts = append(parts, "no zoom")
	}
	if len(parts) == 0 {
		return "moving allowed"
	}
	return strings.Join(parts, ", ")
}
