package commands

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"geodaily/internal/catalog"
	"geodaily/internal/configstore"
	"geodaily/internal/credentials"
	"geodaily/internal/daily"
	"geodaily/internal/geo"
	"geodaily/internal/storage"
	logx "geodaily/pkg/logx"
	"geodaily/pkg/tgui"
)

type Configs interface {
	Get(ctx context.Context, tenantID string) (configstore.TenantConfig, bool, error)
	Set(ctx context.Context, tenantID string, cfg *configstore.TenantConfig) error
}

type Daily interface {
	Repost(ctx context.Context, tenantID string) error
	Show(ctx context.Context, tenantID, date string) (string, error)
	RecentDates(ctx context.Context, tenantID string, limit int) ([]string, error)
	Now() time.Time
	Location() *time.Location
	Today() string
}

type Challenges interface {
	Mint(ctx context.Context, opt geo.Options) (string, error)
	ChallengeURL(token string) string
	MapURL(slug string) string
}

type Maps interface {
	Resolve(input string) (catalog.Entry, bool)
	NameOf(ctx context.Context, slug string) string
}

type Credentials interface {
	Put(ctx context.Context, name string, set credentials.Set) error
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Deps struct {
	Configs     Configs
	Daily       Daily
	Remote      Challenges
	Maps        Maps
	Credentials Credentials
	Audit       Auditor // optional
	// ChallengeCooldown limits /geochallenge per user; default 1m, negative disables.
	ChallengeCooldown time.Duration
	// DefaultTimeLimit applies to /setupgeodaily without --time; default 180s.
	DefaultTimeLimit int
}

// Handlers implements the chat command surface.
type Handlers struct {
	d      Deps
	out    *Dispatcher
	limits sync.Map // user id -> *rate.Limiter
}

func NewHandlers(d Deps, out *Dispatcher) *Handlers {
	if d.ChallengeCooldown == 0 {
		d.ChallengeCooldown = time.Minute
	}
	if d.DefaultTimeLimit <= 0 {
		d.DefaultTimeLimit = 180
	}
	return &Handlers{d: d, out: out}
}

var challengeFlags = []string{"no-move", "no-pan", "no-zoom"}

// Commands is the registry handed to the dispatcher.
func (h *Handlers) Commands() []Command {
	return []Command{
		{
			Name:        "geochallenge",
			Description: "create a GeoGuessr challenge",
			Usage:       "/geochallenge [map] [--time 90] [--no-move] [--no-pan] [--no-zoom]",
			BoolFlags:   challengeFlags,
			Timeout:     30 * time.Second,
			Handle:      h.geochallenge,
		},
		{
			Name:        "setupgeodaily",
			Description: "post a daily challenge in this chat",
			Usage:       "/setupgeodaily [map] [--time 180] [--no-move] [--no-pan] [--no-zoom]",
			Access:      AccessAdmin,
			BoolFlags:   challengeFlags,
			Timeout:     time.Minute,
			Handle:      h.setupDaily,
		},
		{
			Name:        "cancelgeodaily",
			Description: "stop the daily challenge",
			Access:      AccessAdmin,
			Timeout:     15 * time.Second,
			Handle:      h.cancelDaily,
		},
		{
			Name:        "geodaily",
			Description: "show a daily challenge and its leaderboard",
			Usage:       "/geodaily [today|yesterday|YYYY-MM-DD]",
			Timeout:     6 * time.Minute,
			Handle:      h.showDaily,
		},
		{
			Name:        "maintoken",
			Description: "replace the main session cookie",
			Usage:       "/maintoken <cookie>",
			Access:      AccessOwner,
			Timeout:     15 * time.Second,
			Handle:      h.token(credentials.Primary, "Main cookies set."),
		},
		{
			Name:        "autotoken",
			Description: "replace the auto-solver session cookie",
			Usage:       "/autotoken <cookie>",
			Access:      AccessOwner,
			Timeout:     15 * time.Second,
			Handle:      h.token(credentials.AutoSolver, "Auto cookies set."),
		},
	}
}

type challengeArgs struct {
	entry     catalog.Entry
	timeLimit int
	noMove    bool
	noPan     bool
	noZoom    bool
}

var errMapNotFound = errors.New("map not found")
var errBadTimeLimit = errors.New("bad time limit")

func (h *Handlers) parseChallenge(req *Request, defLimit int) (challengeArgs, error) {
	a := challengeArgs{timeLimit: defLimit}
	query := strings.TrimSpace(strings.Join(req.Args, " "))
	if query == "" {
		query = "World"
	}
	e, ok := h.d.Maps.Resolve(query)
	if !ok {
		return a, errMapNotFound
	}
	a.entry = e
	if raw, ok := req.Flags["time"]; ok {
		n, err := parseTimeLimit(raw)
		if err != nil {
			return a, err
		}
		a.timeLimit = n
	}
	a.noMove = req.Bools["no-move"]
	a.noPan = req.Bools["no-pan"]
	a.noZoom = req.Bools["no-zoom"]
	return a, nil
}

// parseTimeLimit accepts seconds ("90"), m:ss ("1:30") or a Go duration ("2m").
func parseTimeLimit(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n, nil
	}
	if m, sec, ok := strings.Cut(s, ":"); ok {
		mi, err1 := strconv.Atoi(m)
		si, err2 := strconv.Atoi(sec)
		if err1 == nil && err2 == nil && mi >= 0 && si >= 0 && si < 60 {
			return mi*60 + si, nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return int(d / time.Second), nil
	}
	return 0, errBadTimeLimit
}

func (h *Handlers) argError(ctx context.Context, req *Request, err error) error {
	switch {
	case errors.Is(err, errMapNotFound):
		return h.out.reply(ctx, req, "Map not found.")
	case errors.Is(err, errBadTimeLimit):
		return h.out.reply(ctx, req, "Invalid time limit. Use seconds, m:ss, or 0 for no limit.")
	}
	return err
}

func (h *Handlers) cooldown(userID int64) bool {
	if h.d.ChallengeCooldown < 0 {
		return true
	}
	v, _ := h.limits.LoadOrStore(userID, rate.NewLimiter(rate.Every(h.d.ChallengeCooldown), 1))
	return v.(*rate.Limiter).Allow()
}

func (h *Handlers) geochallenge(ctx context.Context, req *Request) error {
	a, err := h.parseChallenge(req, 0)
	if err != nil {
		return h.argError(ctx, req, err)
	}
	if !h.cooldown(req.FromID) {
		return h.out.reply(ctx, req, "You can only generate 1 challenge link per minute.")
	}
	token, err := h.d.Remote.Mint(ctx, geo.Options{
		Map:       a.entry.Slug,
		TimeLimit: a.timeLimit,
		NoMove:    a.noMove,
		NoPan:     a.noPan,
		NoZoom:    a.noZoom,
	})
	if err != nil {
		return err
	}
	link := h.d.Remote.ChallengeURL(token)
	who := "there"
	if req.Msg.FromUsername != "" {
		who = "@" + req.Msg.FromUsername
	}
	doc := &tgui.Doc{}
	doc.Line(tgui.Esc("Hey " + who + "! Here is your GeoGuessr challenge link:"))
	doc.Line(tgui.Link(link, link))
	name := a.entry.Name
	if name == "" {
		name = a.entry.Slug
	}
	doc.Line(tgui.I(name + " · " + tgui.Clock(a.timeLimit)))
	return h.out.reply(ctx, req, doc.String())
}

func (h *Handlers) setupDaily(ctx context.Context, req *Request) error {
	a, err := h.parseChallenge(req, h.d.DefaultTimeLimit)
	if err != nil {
		return h.argError(ctx, req, err)
	}
	name := a.entry.Name
	if name == "" || name == a.entry.Slug {
		name = h.d.Maps.NameOf(ctx, a.entry.Slug)
	}
	cfg := configstore.TenantConfig{
		Destination: req.Chat,
		MapSlug:     a.entry.Slug,
		MapName:     name,
		TimeLimit:   a.timeLimit,
		NoMove:      a.noMove,
		NoPan:       a.noPan,
		NoZoom:      a.noZoom,
	}
	tenant := req.TenantID()
	err = h.d.Configs.Set(ctx, tenant, &cfg)
	h.audit(ctx, req, "daily.setup", a.entry.Slug, err)
	if err != nil {
		return err
	}

	if err := h.d.Daily.Repost(ctx, tenant); err != nil {
		req.Log.Warn("first daily post failed", logx.Err(err))
		return err
	}

	limit := "No limit"
	if a.timeLimit > 0 {
		limit = strconv.Itoa(a.timeLimit) + "s"
	}
	doc := &tgui.Doc{}
	doc.Line(tgui.Esc("Daily GeoGuessr challenge set up in this chat!"))
	doc.Blank()
	doc.Line(tgui.Esc("Map: "), tgui.Link(name, h.d.Remote.MapURL(a.entry.Slug)))
	doc.Line(tgui.Esc("Time Limit: " + limit))
	doc.Line(tgui.Esc("Moving: " + mark(!a.noMove)))
	doc.Line(tgui.Esc("Panning: " + mark(!a.noPan)))
	doc.Line(tgui.Esc("Zooming: " + mark(!a.noZoom)))
	return h.out.reply(ctx, req, doc.String())
}

func mark(allowed bool) string {
	if allowed {
		return "✅"
	}
	return "❌"
}

func (h *Handlers) cancelDaily(ctx context.Context, req *Request) error {
	tenant := req.TenantID()
	_, ok, err := h.d.Configs.Get(ctx, tenant)
	if err != nil {
		return err
	}
	if !ok {
		return h.out.reply(ctx, req, "Daily GeoGuessr challenges are not set up.")
	}
	err = h.d.Configs.Set(ctx, tenant, nil)
	h.audit(ctx, req, "daily.cancel", "", err)
	if err != nil {
		return err
	}
	return h.out.reply(ctx, req, "Daily GeoGuessr challenges have been stopped.")
}

func (h *Handlers) showDaily(ctx context.Context, req *Request) error {
	input := strings.Join(req.Args, " ")
	date, err := daily.ParseDate(input, h.d.Daily.Now(), h.d.Daily.Location())
	if err != nil {
		return h.out.reply(ctx, req, tgui.Esc(UserMessage(err)).String())
	}

	tenant := req.TenantID()
	text, err := h.d.Daily.Show(ctx, tenant, date)
	if errors.Is(err, daily.ErrNoLink) {
		return h.out.reply(ctx, req, h.noLinkText(ctx, tenant, date))
	}
	if err != nil {
		return err
	}
	return h.out.reply(ctx, req, text)
}

func (h *Handlers) noLinkText(ctx context.Context, tenant, date string) string {
	if date == h.d.Daily.Today() {
		return tgui.Esc(UserMessage(daily.ErrNotConfigured)).String()
	}
	doc := &tgui.Doc{}
	doc.Line(tgui.Esc(UserMessage(daily.ErrNoLink)))
	recent, err := h.d.Daily.RecentDates(ctx, tenant, 5)
	if err == nil && len(recent) > 0 {
		codes := make([]tgui.H, 0, len(recent))
		for _, d := range recent {
			codes = append(codes, tgui.Code(d))
		}
		doc.Line(tgui.Esc("Recent: "), tgui.JoinH(", ", codes...))
	}
	return doc.String()
}

func (h *Handlers) token(set, done string) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		raw := strings.TrimSpace(strings.Join(req.Args, " "))
		if raw == "" {
			return h.out.reply(ctx, req, "Usage: /"+req.Command+" &lt;cookie&gt;")
		}
		cookies := ParseCookies(raw)
		err := h.d.Credentials.Put(ctx, set, cookies)
		h.audit(ctx, req, "credentials.put", set, err)
		if err != nil {
			return err
		}
		req.Log.Info("credentials replaced", logx.String("set", set), logx.String("cookies", cookies.Redacted()))
		return h.out.reply(ctx, req, done)
	}
}

// ParseCookies accepts a bare session value or a "k=v; k2=v2" cookie header.
func ParseCookies(raw string) credentials.Set {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "=") {
		return credentials.Set{credentials.SessionCookie: raw}
	}
	out := credentials.Set{}
	for _, part := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func (h *Handlers) audit(ctx context.Context, req *Request, action, target string, err error) {
	if h.d.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:            time.Now().UTC(),
		ActorID:       req.FromID,
		ActorUsername: req.Msg.FromUsername,
		ChatID:        req.Chat.ChatID,
		Action:        action,
		Target:        target,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := h.d.Audit.AppendAudit(ctx, e); aerr != nil {
		req.Log.Warn("audit append failed", logx.Err(aerr))
	}
}
