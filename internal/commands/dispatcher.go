package commands

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"geodaily/internal/observability/metrics"
	"geodaily/internal/runtime/supervisor"
	"geodaily/internal/transport"
	logx "geodaily/pkg/logx"
	"geodaily/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessAdmin needs a group chat and a chat administrator (or an owner).
	AccessAdmin
	// AccessOwner needs a private chat with a bot owner.
	AccessOwner
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	// BoolFlags never consume the following token.
	BoolFlags []string
	Handle    HandlerFunc
}

type Request struct {
	Msg     *transport.Message
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Flags   map[string]string
	Bools   map[string]bool
	ReqID   string
	Log     logx.Logger
}

// TenantID is the tenant key of the chat the request came from.
func (r *Request) TenantID() string { return strconv.FormatInt(r.Chat.ChatID, 10) }

// AdminChecker answers chat administrator questions. The Telegram adapter satisfies it.
type AdminChecker interface {
	IsAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// Dispatcher routes chat commands to handlers on a bounded worker pool.
type Dispatcher struct {
	mu     sync.RWMutex
	cmds   map[string]*Command
	order  []string
	owners []int64

	sender  transport.Sender
	admins  AdminChecker
	log     logx.Logger
	metrics *metrics.Metrics

	jobs chan func()
}

func NewDispatcher(sender transport.Sender, admins AdminChecker, owners []int64, log logx.Logger, m *metrics.Metrics) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cmds:    map[string]*Command{},
		owners:  slices.Clone(owners),
		sender:  sender,
		admins:  admins,
		log:     log,
		metrics: m,
		jobs:    make(chan func(), 256),
	}
}

// SetOwners updates the owner list. Safe during hot reload.
func (d *Dispatcher) SetOwners(owners []int64) {
	d.mu.Lock()
	d.owners = slices.Clone(owners)
	d.mu.Unlock()
}

func (d *Dispatcher) isOwner(id int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Contains(d.owners, id)
}

// Register replaces the command set. /help is always added.
func (d *Dispatcher) Register(cmds ...Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Description: "list commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return d.reply(ctx, req, d.helpText(d.isOwner(req.FromID)))
		},
	})
	table := map[string]*Command{}
	order := make([]string, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		if c.Name == "" || c.Handle == nil {
			continue
		}
		table[c.Name] = c
		order = append(order, c.Name)
		for _, a := range c.Aliases {
			if _, taken := table[a]; !taken && a != "" {
				table[a] = c
			}
		}
	}
	d.mu.Lock()
	d.cmds = table
	d.order = order
	d.mu.Unlock()
}

func (d *Dispatcher) lookup(name string) (*Command, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.cmds[name]
	return c, ok
}

// DispatchLoop consumes updates until ctx ends or the channel closes.
func (d *Dispatcher) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := max(2, runtime.NumCPU())
	sup := supervisor.New(ctx, supervisor.WithLogger(d.log.With(logx.String("comp", "commands.pool"))))
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), 200*time.Millisecond, 5*time.Second, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-d.jobs:
					d.runJob(idx, job)
				}
			}
		})
	}
	d.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(d.jobs)))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		d.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			d.route(ctx, up)
		}
	}
}

func (d *Dispatcher) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func (d *Dispatcher) route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateJoined:
		d.log.Info("joined chat", logx.Target("chat", up.Chat))
	case transport.UpdateMessage:
		if up.Message != nil {
			d.routeMessage(ctx, up.Message)
		}
	}
}

func (d *Dispatcher) routeMessage(ctx context.Context, msg *transport.Message) {
	req, job, ok := d.prepare(ctx, msg)
	if !ok {
		return
	}
	select {
	case d.jobs <- job:
	default:
		_ = d.reply(ctx, req, "Busy, try again in a moment.")
	}
}

// prepare turns msg into a runnable job with access checks, middleware,
// metrics and error replies.
func (d *Dispatcher) prepare(ctx context.Context, msg *transport.Message) (*Request, func(), bool) {
	req, cmd, ok := d.parse(msg)
	if !ok {
		return nil, nil, false
	}
	final := Chain(d.guard(cmd),
		MWPanicRecover(),
		MWRequestLog(),
		MWTimeout(cmd.Timeout),
	)
	job := func() {
		err := final(ctx, req)
		if errors.Is(err, errDenied) {
			return
		}
		d.metrics.RecordCommand(cmd.Name, err)
		if err != nil {
			_ = d.reply(ctx, req, tgui.Esc(UserMessage(err)).String())
		}
	}
	return req, job, true
}

// parse matches a message against the registry. Non-commands and unknown
// commands are ignored so the bot stays quiet in busy groups.
func (d *Dispatcher) parse(msg *transport.Message) (*Request, *Command, bool) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil, nil, false
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return nil, nil, false
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	cmd, ok := d.lookup(word)
	if !ok {
		return nil, nil, false
	}
	pos, flags, bools := parseFlags(parts[1:], cmd.BoolFlags...)
	rid := newReqID()
	req := &Request{
		Msg:     msg,
		Chat:    msg.Target(),
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    pos,
		Flags:   flags,
		Bools:   bools,
		ReqID:   rid,
		Log: d.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	return req, cmd, true
}

var errDenied = errors.New("access denied")

func (d *Dispatcher) guard(cmd *Command) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		switch cmd.Access {
		case AccessOwner:
			if !req.Msg.IsPrivate || !d.isOwner(req.FromID) {
				// Owner commands stay invisible to everyone else.
				return errDenied
			}
		case AccessAdmin:
			if req.Msg.IsPrivate {
				_ = d.reply(ctx, req, "This command only works in a group.")
				return errDenied
			}
			if !d.isOwner(req.FromID) {
				ok, err := d.adminCheck(ctx, req)
				if err != nil {
					return err
				}
				if !ok {
					_ = d.reply(ctx, req, "Only chat administrators can do that.")
					return errDenied
				}
			}
		}
		return cmd.Handle(ctx, req)
	}
}

func (d *Dispatcher) adminCheck(ctx context.Context, req *Request) (bool, error) {
	if d.admins == nil {
		return false, nil
	}
	return d.admins.IsAdmin(ctx, req.Chat.ChatID, req.FromID)
}

func (d *Dispatcher) reply(ctx context.Context, req *Request, html string) error {
	_, err := d.sender.SendText(ctx, req.Chat, html, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		req.Log.Warn("reply failed", logx.Err(err))
	}
	return err
}
