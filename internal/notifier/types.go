package notifier

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders requests in the dispatch queue.
// The zero value means "unset" and normalizes to PriorityNormal.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Priorities lists all tiers, highest first.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "medium":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent", "critical":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Method names a delivery channel.
type Method string

const (
	MethodDesktop Method = "desktop"
	MethodSound   Method = "sound"
	MethodPush    Method = "push"
)

func (m Method) valid() bool {
	switch m {
	case MethodDesktop, MethodSound, MethodPush:
		return true
	}
	return false
}

func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if !m.valid() {
		return "", fmt.Errorf("%w %q", ErrUnknownMethod, s)
	}
	return m, nil
}

// Status is a request's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusShown     Status = "shown"
	StatusClicked   Status = "clicked"
	StatusClosed    Status = "closed"
	StatusDismissed Status = "dismissed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusClicked, StatusClosed, StatusDismissed, StatusFailed:
		return true
	}
	return false
}

// Well-known request types. Any non-empty string is accepted.
const (
	TypeInfo     = "info"
	TypeSuccess  = "success"
	TypeWarning  = "warning"
	TypeError    = "error"
	TypeReminder = "reminder"
	TypeGoal     = "goal"
	TypeTask     = "task"
	TypeSystem   = "system"
)

// Source attributes a request to the module that raised it.
type Source struct {
	Module string `json:"module"`
	ID     string `json:"id,omitempty"`
}

type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type SoundOptions struct {
	// File is a player-specific sound reference; empty uses the channel default.
	File string `json:"file,omitempty"`
	// Volume in [0,1]; 0 means full request volume. Scaled by the global volume.
	Volume float64 `json:"volume,omitempty"`
}

type VisualOptions struct {
	Icon   string `json:"icon,omitempty"`
	Image  string `json:"image,omitempty"`
	Badge  string `json:"badge,omitempty"`
	Silent bool   `json:"silent,omitempty"`
}

// Request is one caller-submitted unit of notification work.
// The engine clones it on Show and never mutates the caller's copy.
type Request struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Type     string   `json:"type,omitempty"`
	Priority Priority `json:"priority,omitempty"`
	Methods  []Method `json:"methods"`

	// AutoClose: 0 uses the configured default, negative never expires.
	AutoClose  time.Duration `json:"auto_close,omitempty"`
	Persistent bool          `json:"persistent,omitempty"`

	Source  *Source           `json:"source,omitempty"`
	Actions []Action          `json:"actions,omitempty"`
	Sound   SoundOptions      `json:"sound,omitempty"`
	Visual  VisualOptions     `json:"visual,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// Clone returns a deep copy.
func (r Request) Clone() Request {
	out := r
	if r.Methods != nil {
		out.Methods = append([]Method(nil), r.Methods...)
	}
	if r.Actions != nil {
		out.Actions = append([]Action(nil), r.Actions...)
	}
	if r.Source != nil {
		src := *r.Source
		out.Source = &src
	}
	if r.Data != nil {
		out.Data = make(map[string]string, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	return out
}

// HasMethod reports whether m was requested.
func (r Request) HasMethod(m Method) bool {
	for _, x := range r.Methods {
		if x == m {
			return true
		}
	}
	return false
}

// normalize validates r in place: trims text, defaults type and priority,
// and collapses duplicate methods.
func (r *Request) normalize() error {
	r.ID = strings.TrimSpace(r.ID)
	r.Title = strings.TrimSpace(r.Title)
	r.Message = strings.TrimSpace(r.Message)
	r.Type = strings.TrimSpace(r.Type)

	switch {
	case r.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRequest)
	case r.Title == "":
		return fmt.Errorf("%w: title is required", ErrInvalidRequest)
	case r.Message == "":
		return fmt.Errorf("%w: message is required", ErrInvalidRequest)
	case len(r.Methods) == 0:
		return fmt.Errorf("%w: at least one method is required", ErrInvalidRequest)
	}
	if r.Type == "" {
		r.Type = TypeInfo
	}
	if r.Priority == 0 {
		r.Priority = PriorityNormal
	}
	if !r.Priority.valid() {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, r.Priority)
	}
	if r.Sound.Volume < 0 || r.Sound.Volume > 1 {
		return fmt.Errorf("%w: sound volume %.2f out of range", ErrInvalidRequest, r.Sound.Volume)
	}

	seen := make(map[Method]bool, len(r.Methods))
	methods := r.Methods[:0]
	for _, m := range r.Methods {
		m = Method(strings.ToLower(strings.TrimSpace(string(m))))
		if !m.valid() {
			return fmt.Errorf("%w: %w %q", ErrInvalidRequest, ErrUnknownMethod, m)
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		methods = append(methods, m)
	}
	r.Methods = methods
	return nil
}
