package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"notifyd/internal/config"
	"notifyd/internal/notifier"
	logx "notifyd/pkg/logx"
)

const maxFeedLine = 1 << 20

// FeedLine is one JSON line of the request feed. Op selects the engine call:
// "show" (default), "dismiss", "dismiss_all", "click", "read", "read_all".
//
//	{"title":"Build","message":"done","priority":"high","methods":["desktop","sound"],"auto_close":"10s"}
//	{"op":"click","id":"build-42","action":"open"}
type FeedLine struct {
	Op string `json:"op,omitempty"`

	ID         string                 `json:"id,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Type       string                 `json:"type,omitempty"`
	Priority   string                 `json:"priority,omitempty"`
	Methods    []string               `json:"methods,omitempty"`
	AutoClose  string                 `json:"auto_close,omitempty"`
	Persistent bool                   `json:"persistent,omitempty"`
	Source     *notifier.Source       `json:"source,omitempty"`
	Actions    []notifier.Action      `json:"actions,omitempty"`
	Sound      notifier.SoundOptions  `json:"sound,omitempty"`
	Visual     notifier.VisualOptions `json:"visual,omitempty"`
	Data       map[string]string      `json:"data,omitempty"`

	Action string `json:"action,omitempty"`
}

// Request converts a show line. A missing id gets a fresh uuid; a missing
// methods list means desktop only.
func (l FeedLine) Request() (notifier.Request, error) {
	prio, err := notifier.ParsePriority(l.Priority)
	if err != nil {
		return notifier.Request{}, err
	}
	methods := make([]notifier.Method, 0, len(l.Methods))
	for _, m := range l.Methods {
		pm, err := notifier.ParseMethod(m)
		if err != nil {
			return notifier.Request{}, err
		}
		methods = append(methods, pm)
	}
	if len(methods) == 0 {
		methods = append(methods, notifier.MethodDesktop)
	}
	autoClose, err := config.ParseDurationField("auto_close", l.AutoClose)
	if err != nil {
		return notifier.Request{}, err
	}
	id := strings.TrimSpace(l.ID)
	if id == "" {
		id = uuid.NewString()
	}
	return notifier.Request{
		ID:         id,
		Title:      l.Title,
		Message:    l.Message,
		Type:       l.Type,
		Priority:   prio,
		Methods:    methods,
		AutoClose:  autoClose,
		Persistent: l.Persistent,
		Source:     l.Source,
		Actions:    l.Actions,
		Sound:      l.Sound,
		Visual:     l.Visual,
		Data:       l.Data,
	}, nil
}

// Feed reads JSON lines from r until EOF or ctx is done. Bad lines are
// logged and skipped; only read errors end the feed early.
func (a *App) Feed(ctx context.Context, r io.Reader) error {
	log := a.log.With(logx.String("comp", "feed"))
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFeedLine)

	n := 0
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := a.feedLine(ctx, []byte(line)); err != nil {
			log.Warn("feed line rejected", logx.Int("line", n), logx.Err(err))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("feed: %w", err)
	}
	return nil
}

func (a *App) feedLine(ctx context.Context, raw []byte) error {
	var l FeedLine
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&l); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(l.Op)) {
	case "", "show":
		req, err := l.Request()
		if err != nil {
			return err
		}
		_, err = a.engine.Show(ctx, req)
		return err
	case "dismiss":
		a.engine.Dismiss(l.ID)
	case "dismiss_all":
		a.engine.DismissAll()
	case "click":
		if !a.engine.Click(l.ID, l.Action) {
			return fmt.Errorf("notification %q is not active", l.ID)
		}
	case "read":
		if !a.engine.MarkRead(l.ID) {
			return fmt.Errorf("notification %q not found", l.ID)
		}
	case "read_all":
		a.engine.MarkAllRead()
	default:
		return fmt.Errorf("unknown op %q", l.Op)
	}
	return nil
}
