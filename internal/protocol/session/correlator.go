package session

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/RecadoCampbell/fastotv/internal/protocol/frame"
)

// FirstRequestID is the counter origin of a fresh connection.
const FirstRequestID uint64 = 1

var (
	ErrInvalidRequest   = errors.New("session: invalid request")
	ErrDuplicateRequest = errors.New("session: duplicate request id")
	ErrRequestExpired   = errors.New("session: request expired")
	ErrRequestAbandoned = errors.New("session: request abandoned")
)

// Callback receives the RESPONSE frame matched to a request.
type Callback func(f frame.Frame)

// Request is one outbound call awaiting its RESPONSE.
type Request struct {
	ID      string
	Command string
	// OnResult runs at most once, on the matching RESPONSE.
	OnResult Callback
	// OnAbandon runs at most once, when the request expires or the
	// connection is torn down. OnResult and OnAbandon are exclusive.
	OnAbandon func(err error)
}

// Pending tracks one request awaiting RESPONSE.
type Pending struct {
	ID       string
	Command  string
	QueuedAt time.Time
}

type entry struct {
	req      Request
	queuedAt time.Time
}

// Correlator generates sequence ids and matches answers to requests.
type Correlator struct {
	next  uint64
	items map[string]entry
	now   func() time.Time
}

func NewCorrelator(origin uint64) *Correlator {
	return &Correlator{
		next:  origin,
		items: make(map[string]entry),
		now:   time.Now,
	}
}

// WithClock replaces the time source used to stamp requests.
func (c *Correlator) WithClock(now func() time.Time) *Correlator {
	if now != nil {
		c.now = now
	}
	return c
}

// NextID returns the hex image of the big-endian counter and advances it.
func (c *Correlator) NextID() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], c.next)
	c.next++
	return hex.EncodeToString(b[:])
}

// Subscribe registers exactly one request per id.
func (c *Correlator) Subscribe(req Request) error {
	key := normalizeID(req.ID)
	if key == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRequest)
	}
	if _, exists := c.items[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
	}
	c.items[key] = entry{req: req, queuedAt: c.now()}
	return nil
}

// Resolve invokes and removes the request matching id.
// Unknown ids are dropped and report false.
func (c *Correlator) Resolve(id string, f frame.Frame) bool {
	key := normalizeID(id)
	e, ok := c.items[key]
	if !ok {
		return false
	}
	delete(c.items, key)
	if e.req.OnResult != nil {
		e.req.OnResult(f)
	}
	return true
}

// Expire removes requests queued longer than ttl ago.
func (c *Correlator) Expire(now time.Time, ttl time.Duration) []Pending {
	if ttl <= 0 {
		return nil
	}
	var expired []entry
	for key, e := range c.items {
		if now.Sub(e.queuedAt) >= ttl {
			expired = append(expired, e)
			delete(c.items, key)
		}
	}
	return abandon(expired, ErrRequestExpired)
}

// Drain removes every request; used on connection teardown.
func (c *Correlator) Drain() []Pending {
	all := make([]entry, 0, len(c.items))
	for _, e := range c.items {
		all = append(all, e)
	}
	c.items = make(map[string]entry)
	return abandon(all, ErrRequestAbandoned)
}

func (c *Correlator) Len() int {
	return len(c.items)
}

// Pending lists outstanding requests ordered by id.
func (c *Correlator) Pending() []Pending {
	out := make([]Pending, 0, len(c.items))
	for _, e := range c.items {
		out = append(out, e.pending())
	}
	sortPending(out)
	return out
}

func (e entry) pending() Pending {
	return Pending{ID: e.req.ID, Command: e.req.Command, QueuedAt: e.queuedAt}
}

func abandon(entries []entry, reason error) []Pending {
	out := make([]Pending, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.pending())
	}
	sortPending(out)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].req.ID < entries[j].req.ID
	})
	for _, e := range entries {
		if e.req.OnAbandon != nil {
			e.req.OnAbandon(reason)
		}
	}
	return out
}

func sortPending(list []Pending) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
