// Package desktop renders notifications as popup lines on a terminal or file.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"notifyd/internal/notifier"
	logx "notifyd/pkg/logx"
)

var ErrClosed = errors.New("desktop channel closed")

type popup struct {
	title    string
	priority notifier.Priority
	shownAt  time.Time
}

// Channel writes one line per shown popup and one per closed popup.
type Channel struct {
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	visible map[string]popup
}

// New renders to w. A nil w discards output.
func New(w io.Writer, log logx.Logger) *Channel {
	if w == nil {
		w = io.Discard
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{
		log:     log.With(logx.String("comp", "channel.desktop")),
		now:     time.Now,
		w:       w,
		visible: map[string]popup{},
	}
}

// Open resolves output ("stdout", "stderr" or a file path, appended to).
func Open(output string, log logx.Logger) (*Channel, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stdout":
		return New(logx.Stdout(), log), nil
	case "stderr":
		return New(logx.Stderr(), log), nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("desktop output: %w", err)
	}
	c := New(f, log)
	c.closer = f
	return c, nil
}

func (c *Channel) Method() notifier.Method { return notifier.MethodDesktop }

func (c *Channel) Deliver(ctx context.Context, req notifier.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return ErrClosed
	}
	if _, err := io.WriteString(c.w, render(req, now)); err != nil {
		return err
	}
	c.visible[req.ID] = popup{title: req.Title, priority: req.Priority, shownAt: now}
	return nil
}

func (c *Channel) Cancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.visible[id]
	if !ok || c.w == nil {
		return
	}
	delete(c.visible, id)
	if _, err := fmt.Fprintf(c.w, "%s closed %s (%s)\n", c.now().Format(time.TimeOnly), p.title, id); err != nil {
		c.log.Debug("write close line failed", logx.Err(err))
	}
}

func (c *Channel) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.visible)
	clear(c.visible)
	if n == 0 || c.w == nil {
		return
	}
	if _, err := fmt.Fprintf(c.w, "%s cleared %d popup(s)\n", c.now().Format(time.TimeOnly), n); err != nil {
		c.log.Debug("write clear line failed", logx.Err(err))
	}
}

// Permission is granted while the output is open.
func (c *Channel) Permission(ctx context.Context) notifier.Permission {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return notifier.PermissionDenied
	}
	return notifier.PermissionGranted
}

// Visible returns ids of popups currently on screen, sorted.
func (c *Channel) Visible() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.visible))
	for id := range c.visible {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w = nil
	clear(c.visible)
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}

func render(req notifier.Request, now time.Time) string {
	var b strings.Builder
	b.WriteString(now.Format(time.TimeOnly))
	fmt.Fprintf(&b, " [%s] %s", strings.ToUpper(req.Priority.String()), req.Type)
	if req.Visual.Icon != "" {
		fmt.Fprintf(&b, " %s", req.Visual.Icon)
	}
	fmt.Fprintf(&b, " %s: %s", req.Title, oneLine(req.Message))
	if len(req.Actions) > 0 {
		labels := make([]string, 0, len(req.Actions))
		for _, a := range req.Actions {
			labels = append(labels, a.Label)
		}
		fmt.Fprintf(&b, " {%s}", strings.Join(labels, " | "))
	}
	fmt.Fprintf(&b, " (%s)\n", req.ID)
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
