package notifier

import (
	"sort"
	"sync"
	"time"
)

// Record is the lifecycle history of one request.
type Record struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Priority Priority `json:"priority"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Methods  []Method `json:"methods"`
	Source   *Source  `json:"source,omitempty"`

	Status  Status `json:"status"`
	Read    bool   `json:"read"`
	Retries int    `json:"retries"`
	Action  string `json:"action,omitempty"`
	Error   string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ShownAt   time.Time `json:"shown_at,omitempty"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`

	// gen identifies this instance of the id; queue entries and timers
	// carry it so they never act on a later request with the same id.
	gen uint64
}

func (r *Record) clone() Record {
	out := *r
	out.Methods = append([]Method(nil), r.Methods...)
	if r.Source != nil {
		src := *r.Source
		out.Source = &src
	}
	return out
}

var transitions = map[Status][]Status{
	StatusPending: {StatusShown, StatusDismissed, StatusFailed},
	StatusShown:   {StatusClicked, StatusClosed, StatusDismissed},
}

func allowed(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Filter narrows a history query. Zero fields match everything.
type Filter struct {
	Type         string
	Priority     Priority
	Status       Status
	SourceModule string
	From         time.Time // inclusive, on CreatedAt
	To           time.Time // exclusive, on CreatedAt
	UnreadOnly   bool

	Offset int
	Limit  int
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func (f Filter) match(r *Record) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Priority != 0 && r.Priority != f.Priority {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.SourceModule != "" && (r.Source == nil || r.Source.Module != f.SourceModule) {
		return false
	}
	if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.CreatedAt.Before(f.To) {
		return false
	}
	if f.UnreadOnly && r.Read {
		return false
	}
	return true
}

// Page is one page of a newest-first history query.
type Page struct {
	Items   []Record `json:"items"`
	Total   int      `json:"total"`
	Offset  int      `json:"offset"`
	Limit   int      `json:"limit"`
	HasMore bool     `json:"has_more"`
}

// Stats is an on-demand aggregation over the ledger.
type Stats struct {
	Total      int            `json:"total"`
	Unread     int            `json:"unread"`
	Today      int            `json:"today"`
	ByType     map[string]int `json:"by_type"`
	ByPriority map[string]int `json:"by_priority"`
	ByStatus   map[Status]int `json:"by_status"`
}

// Ledger keeps one record per request id, bounded FIFO by creation.
// Re-using an id replaces the old record and moves it to the newest slot.
// Only terminal records are evicted; live ones may push it over the cap.
type Ledger struct {
	mu    sync.Mutex
	max   int
	gen   uint64
	order []*Record // oldest first
	byID  map[string]*Record
}

func NewLedger(max int) *Ledger {
	if max <= 0 {
		max = DefaultConfig().HistorySize
	}
	return &Ledger{max: max, byID: map[string]*Record{}}
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Resize changes the cap, evicting the oldest terminal records if needed.
func (l *Ledger) Resize(max int) {
	if max <= 0 {
		return
	}
	l.mu.Lock()
	l.max = max
	l.trimLocked()
	l.mu.Unlock()
}

func (l *Ledger) trimLocked() {
	excess := len(l.order) - l.max
	if excess <= 0 {
		return
	}
	kept := l.order[:0]
	for _, r := range l.order {
		if excess > 0 && r.Status.Terminal() {
			excess--
			if l.byID[r.ID] == r {
				delete(l.byID, r.ID)
			}
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(l.order); i++ {
		l.order[i] = nil
	}
	l.order = kept
}

func (l *Ledger) add(req Request, now time.Time) Record {
	r := &Record{
		ID:        req.ID,
		Type:      req.Type,
		Priority:  req.Priority,
		Title:     req.Title,
		Message:   req.Message,
		Methods:   append([]Method(nil), req.Methods...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Source != nil {
		src := *req.Source
		r.Source = &src
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	r.gen = l.gen
	if prev, ok := l.byID[req.ID]; ok {
		for i, it := range l.order {
			if it == prev {
				l.order = append(l.order[:i], l.order[i+1:]...)
				break
			}
		}
	}
	l.byID[req.ID] = r
	l.order = append(l.order, r)
	l.trimLocked()
	return r.clone()
}

func (l *Ledger) Get(id string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byID[id]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// lookupLocked returns the record for id. A non-zero gen must match the
// current instance.
func (l *Ledger) lookupLocked(id string, gen uint64) (*Record, bool) {
	r, ok := l.byID[id]
	if !ok || (gen != 0 && r.gen != gen) {
		return nil, false
	}
	return r, true
}

// status reports the state of instance gen of id (0 = current instance).
func (l *Ledger) status(id string, gen uint64) (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.lookupLocked(id, gen)
	if !ok {
		return "", false
	}
	return r.Status, true
}

// transition moves instance gen of id (0 = current) to status `to` if the
// state machine allows it. mutate (optional) runs under the lock on success.
func (l *Ledger) transition(id string, gen uint64, to Status, now time.Time, mutate func(r *Record)) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.lookupLocked(id, gen)
	if !ok || !allowed(r.Status, to) {
		return Record{}, false
	}
	r.Status = to
	r.UpdatedAt = now
	switch to {
	case StatusShown:
		r.ShownAt = now
	case StatusClicked, StatusClosed, StatusDismissed, StatusFailed:
		r.ClosedAt = now
	}
	if mutate != nil {
		mutate(r)
	}
	return r.clone(), true
}

// update mutates a non-terminal instance in place.
func (l *Ledger) update(id string, gen uint64, now time.Time, mutate func(r *Record)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.lookupLocked(id, gen)
	if !ok || r.Status.Terminal() {
		return false
	}
	r.UpdatedAt = now
	mutate(r)
	return true
}

func (l *Ledger) MarkRead(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byID[id]
	if !ok || r.Read {
		return false
	}
	r.Read = true
	return true
}

func (l *Ledger) MarkAllRead() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.order {
		if !r.Read {
			r.Read = true
			n++
		}
	}
	return n
}

// Clear drops all terminal records and returns how many were removed.
func (l *Ledger) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.order[:0]
	n := 0
	for _, r := range l.order {
		if r.Status.Terminal() {
			delete(l.byID, r.ID)
			n++
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(l.order); i++ {
		l.order[i] = nil
	}
	l.order = kept
	return n
}

// Query returns matching records newest-first.
func (l *Ledger) Query(f Filter) Page {
	if f.Limit <= 0 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	l.mu.Lock()
	matched := make([]*Record, 0, len(l.order))
	for i := len(l.order) - 1; i >= 0; i-- {
		if f.match(l.order[i]) {
			matched = append(matched, l.order[i])
		}
	}
	// Insertion order already approximates creation order; replayed ids can
	// carry injected timestamps, so sort to be exact.
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	page := Page{Total: len(matched), Offset: f.Offset, Limit: f.Limit}
	if f.Offset < len(matched) {
		end := f.Offset + f.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Items = make([]Record, 0, end-f.Offset)
		for _, r := range matched[f.Offset:end] {
			page.Items = append(page.Items, r.clone())
		}
		page.HasMore = end < len(matched)
	}
	l.mu.Unlock()
	return page
}

// Stats aggregates the whole ledger. Today is measured in now's location.
func (l *Ledger) Stats(now time.Time) Stats {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	st := Stats{
		ByType:     map[string]int{},
		ByPriority: map[string]int{},
		ByStatus:   map[Status]int{},
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.order {
		st.Total++
		if !r.Read {
			st.Unread++
		}
		if !r.CreatedAt.Before(midnight) {
			st.Today++
		}
		st.ByType[r.Type]++
		st.ByPriority[r.Priority.String()]++
		st.ByStatus[r.Status]++
	}
	return st
}
