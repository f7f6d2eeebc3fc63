package telegram

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"geodaily/internal/runtime/supervisor"
	"geodaily/internal/transport"
	logx "geodaily/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// AllowedChats restricts group chats the bot stays in. Empty allows all.
	AllowedChats []int64
}

// Adapter is the Telegram transport: long polling in, HTML messages out.
type Adapter struct {
	cfg atomic.Pointer[Config]
	log logx.Logger

	bot *tele.Bot
	out atomic.Value // chan<- transport.Update

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	known          sync.Map // chat id -> struct{}
	droppedUpdates atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, c tele.Context) {
			log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{log: log, bot: b}
	a.cfg.Store(&cfg)
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Apply swaps the chat allowlist at runtime.
func (a *Adapter) Apply(allowed []int64) {
	cur := *a.cfg.Load()
	cur.AllowedChats = slices.Clone(allowed)
	a.cfg.Store(&cur)
}

// Allowed reports whether the bot may stay in chatID. Private chats are always allowed.
func (a *Adapter) Allowed(chatID int64) bool {
	allowed := a.cfg.Load().AllowedChats
	return chatID > 0 || len(allowed) == 0 || slices.Contains(allowed, chatID)
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		a.remember(m.Chat.ID)
		if !a.guard(m.Chat.ID) {
			return nil
		}
		msg := &transport.Message{
			ID:        m.ID,
			ChatID:    m.Chat.ID,
			ThreadID:  m.ThreadID,
			Text:      m.Text,
			IsPrivate: m.Private(),
		}
		if m.Sender != nil {
			msg.FromID = m.Sender.ID
			msg.FromUsername = m.Sender.Username
		}
		a.sendUpdate(transport.Update{Kind: transport.UpdateMessage, Message: msg})
		return nil
	})

	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil {
			return nil
		}
		a.remember(chat.ID)
		if !a.guard(chat.ID) {
			return nil
		}
		a.sendUpdate(transport.Update{Kind: transport.UpdateJoined, Chat: transport.ChatTarget{ChatID: chat.ID}})
		return nil
	})
}

// guard leaves chats outside the allowlist.
func (a *Adapter) guard(chatID int64) bool {
	if a.Allowed(chatID) {
		return true
	}
	a.log.Info("leaving unauthorized chat", logx.Int64("chat_id", chatID))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Leave(ctx, chatID); err != nil {
		a.log.Warn("leave failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	return false
}

func (a *Adapter) remember(chatID int64) { a.known.Store(chatID, struct{}{}) }

func (a *Adapter) sendUpdate(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; an early return is restarted.
	sup.GoRestart("telebot.poll", 500*time.Millisecond, 10*time.Second, func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	})
	return nil
}

// Supervisor exposes the polling supervisor for health reporting (nil when stopped).
func (a *Adapter) Supervisor() *supervisor.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	a.log.Info("stopped")
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, mapError(err)
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	a.remember(to.ChatID)
	return first, nil
}

// Known reports whether the bot has seen the chat since start.
func (a *Adapter) Known(to transport.ChatTarget) bool {
	_, ok := a.known.Load(to.ChatID)
	return ok
}

// Exists asks Telegram whether the chat is still reachable.
func (a *Adapter) Exists(ctx context.Context, to transport.ChatTarget) (bool, error) {
	type result struct {
		chat *tele.Chat
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := a.bot.ChatByID(to.ChatID)
		done <- result{c, err}
	}()
	var r result
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case r = <-done:
	}
	if r.err != nil {
		if gone(r.err) {
			return false, nil
		}
		return false, mapError(r.err)
	}
	a.remember(to.ChatID)
	return true, nil
}

func (a *Adapter) Leave(ctx context.Context, chatID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.known.Delete(chatID)
	return mapError(a.bot.Leave(&tele.Chat{ID: chatID}))
}

func gone(err error) bool {
	if errors.Is(err, tele.ErrChatNotFound) || errors.Is(err, tele.ErrKickedFromGroup) || errors.Is(err, tele.ErrKickedFromSuperGroup) {
		return true
	}
	var te *tele.Error
	return errors.As(err, &te) && te.Code == 403
}

// mapError converts telebot flood errors into transport.FloodError.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &transport.FloodError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}
	return err
}

// IsAdmin reports whether userID administers chatID.
func (a *Adapter) IsAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m, err := a.bot.ChatMemberOf(&tele.Chat{ID: chatID}, &tele.User{ID: userID})
	if err != nil {
		return false, mapError(err)
	}
	return m.Role == tele.Creator || m.Role == tele.Administrator, nil
}
