// Package push delivers notifications as Telegram messages.
//
// Each notification is one message; Cancel deletes it. Actions become inline
// buttons whose presses are reported through Listen.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"notifyd/internal/notifier"
	logx "notifyd/pkg/logx"
)

const (
	actionUnique  = "nfy"
	messageLimit  = 4000
	callbackLimit = 64 // bytes, Telegram callback_data limit
)

var ErrClosed = errors.New("push channel closed")

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint. Default: api.telegram.org.
	APIURL     string
	RatePerSec float64       // default 1
	Timeout    time.Duration // HTTP timeout, default 10s
	// Offline skips the getMe handshake at construction.
	Offline bool
}

type Channel struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	chat    *tele.Chat
	limiter *rate.Limiter

	mu     sync.Mutex
	sent   map[string]int // notification id -> message id
	perm   notifier.Permission
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("push: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("push: chat id is required")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.Timeout},
		Client:  &http.Client{Timeout: cfg.Timeout + 5*time.Second},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	burst := max(1, int(cfg.RatePerSec))
	return &Channel{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "channel.push")),
		bot:     b,
		chat:    &tele.Chat{ID: cfg.ChatID},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		sent:    map[string]int{},
		perm:    notifier.PermissionUnknown,
	}, nil
}

func (c *Channel) Method() notifier.Method { return notifier.MethodPush }

func (c *Channel) Deliver(ctx context.Context, req notifier.Request) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		ThreadID:              c.cfg.ThreadID,
		DisableWebPagePreview: true,
		DisableNotification:   req.Visual.Silent || req.Priority == notifier.PriorityLow,
	}
	if rm := actionMarkup(req); rm != nil {
		opts.ReplyMarkup = rm
	}

	msg, err := c.bot.Send(c.chat, formatText(req), opts)
	if err != nil {
		if isAuthError(err) {
			c.setPermission(notifier.PermissionDenied)
		}
		return err
	}
	c.setPermission(notifier.PermissionGranted)

	c.mu.Lock()
	c.sent[req.ID] = msg.ID
	c.mu.Unlock()
	return nil
}

// Cancel deletes the message sent for id in the background.
func (c *Channel) Cancel(id string) {
	c.mu.Lock()
	mid, ok := c.sent[id]
	delete(c.sent, id)
	if ok && !c.closed {
		c.wg.Add(1)
	} else {
		ok = false
	}
	c.mu.Unlock()
	if ok {
		go c.delete(id, mid)
	}
}

func (c *Channel) CancelAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sent))
	for id := range c.sent {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Cancel(id)
	}
}

func (c *Channel) delete(id string, mid int) {
	defer c.wg.Done()
	if err := c.bot.Delete(&tele.Message{ID: mid, Chat: c.chat}); err != nil {
		c.log.Debug("delete message failed", logx.String("id", id), logx.Int("message_id", mid), logx.Err(err))
	}
}

// Sent reports the Telegram message id for a notification still on screen.
func (c *Channel) Sent(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mid, ok := c.sent[id]
	return mid, ok
}

// Permission is unknown until the first send, then tracks whether the bot is
// authorized for the chat.
func (c *Channel) Permission(ctx context.Context) notifier.Permission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perm
}

func (c *Channel) setPermission(p notifier.Permission) {
	c.mu.Lock()
	c.perm = p
	c.mu.Unlock()
}

// Listen long-polls for inline button presses and reports them as
// (notification id, action id) until ctx is done.
func (c *Channel) Listen(ctx context.Context, onAction func(id, action string)) error {
	c.bot.Handle(&tele.Btn{Unique: actionUnique}, func(tc tele.Context) error {
		cb := tc.Callback()
		if cb == nil {
			return nil
		}
		id, action, ok := strings.Cut(cb.Data, "|")
		if !ok || id == "" {
			return tc.Respond()
		}
		c.log.Debug("action pressed", logx.String("id", id), logx.String("action", action))
		onAction(id, action)
		return tc.Respond(&tele.CallbackResponse{Text: "OK"})
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.bot.Start()
	}()
	<-ctx.Done()
	c.bot.Stop()
	<-done
	return nil
}

// Close waits for pending deletions.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func formatText(req notifier.Request) string {
	title := req.Title
	if req.Priority >= notifier.PriorityHigh {
		title = "[" + strings.ToUpper(req.Priority.String()) + "] " + title
	}
	meta := []string{req.Type}
	if req.Source != nil && req.Source.Module != "" {
		meta = append(meta, req.Source.Module)
	}
	return string(joinHTML("\n",
		bold(title),
		esc(truncRunes(req.Message, messageLimit)),
		italic(strings.Join(meta, " / ")),
	))
}

func actionMarkup(req notifier.Request) *tele.ReplyMarkup {
	if len(req.Actions) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	btns := make([]tele.Btn, 0, len(req.Actions))
	for _, a := range req.Actions {
		data := req.ID + "|" + a.ID
		// "\f" + unique + "|" prefix counts toward the limit.
		if len(data)+len(actionUnique)+2 > callbackLimit {
			continue
		}
		btns = append(btns, rm.Data(a.Label, actionUnique, req.ID, a.ID))
	}
	if len(btns) == 0 {
		return nil
	}
	rm.Inline(rm.Row(btns...))
	return rm
}

func isAuthError(err error) bool {
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code == http.StatusUnauthorized || te.Code == http.StatusForbidden
	}
	msg := err.Error()
	return strings.Contains(msg, "(401)") || strings.Contains(msg, "(403)")
}
