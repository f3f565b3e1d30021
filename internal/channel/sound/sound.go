// Package sound plays alert sounds through an external player command, or
// rings the terminal bell when no player is configured.
package sound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/notifier"
	logx "notifyd/pkg/logx"
)

var (
	ErrRateLimited = errors.New("sound rate limited")
	ErrClosed      = errors.New("sound channel closed")
)

// Config configures the player.
//
// Player is argv with placeholders: {file}, {volume} (0.00-1.00) and
// {volume_pct} (0-100). Example: ["paplay", "--volume={volume_pct}", "{file}"].
type Config struct {
	Player []string
	File   string
	// Sounds maps notification types to files; it wins over File.
	Sounds     map[string]string
	RatePerSec float64       // default 2
	Timeout    time.Duration // max play time; default 10s
	// Bell receives "\a" when Player is empty. Default: discard.
	Bell io.Writer
}

type playing struct {
	cancel context.CancelFunc
}

type Channel struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	playing map[string]*playing
	closed  bool
	wg      sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Channel {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Bell == nil {
		cfg.Bell = io.Discard
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "channel.sound")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		playing: map[string]*playing{},
	}
}

func (c *Channel) Method() notifier.Method { return notifier.MethodSound }

// Deliver starts playback and returns once the player is running. A sound
// over the rate limit fails with ErrRateLimited rather than queueing.
// Silent requests and a zero volume (muted) succeed without a sound.
func (c *Channel) Deliver(ctx context.Context, req notifier.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Visual.Silent || req.Sound.Volume <= 0 {
		return nil
	}
	if !c.limiter.Allow() {
		return ErrRateLimited
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if len(c.cfg.Player) == 0 {
		_, err := io.WriteString(c.cfg.Bell, "\a")
		return err
	}

	file := c.fileFor(req)
	if file == "" {
		return errors.New("no sound file configured")
	}
	args := expand(c.cfg.Player, file, req.Sound.Volume)

	// The player outlives Deliver, so it must not inherit ctx.
	pctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	cmd := exec.CommandContext(pctx, args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start player: %w", err)
	}

	if prev, ok := c.playing[req.ID]; ok {
		prev.cancel()
	}
	p := &playing{cancel: cancel}
	c.playing[req.ID] = p
	c.wg.Add(1)
	go c.wait(req.ID, p, cmd)

	c.log.Debug("sound started", logx.String("id", req.ID), logx.String("file", file), logx.Float64("volume", req.Sound.Volume))
	return nil
}

func (c *Channel) wait(id string, p *playing, cmd *exec.Cmd) {
	defer c.wg.Done()
	err := cmd.Wait()
	p.cancel()

	c.mu.Lock()
	if c.playing[id] == p {
		delete(c.playing, id)
	}
	c.mu.Unlock()
	if err != nil {
		c.log.Debug("player exited", logx.String("id", id), logx.Err(err))
	}
}

func (c *Channel) fileFor(req notifier.Request) string {
	if f := strings.TrimSpace(req.Sound.File); f != "" {
		return f
	}
	if f, ok := c.cfg.Sounds[req.Type]; ok && f != "" {
		return f
	}
	return c.cfg.File
}

// Cancel stops playback for id (the player process is killed).
func (c *Channel) Cancel(id string) {
	c.mu.Lock()
	p, ok := c.playing[id]
	c.mu.Unlock()
	if ok {
		p.cancel()
	}
}

func (c *Channel) CancelAll() {
	c.mu.Lock()
	for _, p := range c.playing {
		p.cancel()
	}
	c.mu.Unlock()
}

// Playing reports whether a player for id is still running.
func (c *Channel) Playing(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.playing[id]
	return ok
}

// Permission is denied when the player binary cannot be found.
func (c *Channel) Permission(ctx context.Context) notifier.Permission {
	if len(c.cfg.Player) == 0 {
		return notifier.PermissionGranted
	}
	if _, err := exec.LookPath(c.cfg.Player[0]); err != nil {
		return notifier.PermissionDenied
	}
	return notifier.PermissionGranted
}

// Close kills running players and waits for them to exit.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.CancelAll()
	c.wg.Wait()
	return nil
}

func expand(player []string, file string, volume float64) []string {
	volume = min(max(volume, 0), 1)
	r := strings.NewReplacer(
		"{file}", file,
		"{volume_pct}", strconv.Itoa(int(volume*100+0.5)),
		"{volume}", strconv.FormatFloat(volume, 'f', 2, 64),
	)
	out := make([]string, len(player))
	for i, a := range player {
		out[i] = r.Replace(a)
	}
	return out
}
