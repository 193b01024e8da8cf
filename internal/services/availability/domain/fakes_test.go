package domain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
)

// fakeStore is an in-memory storage.Store honoring the same conditional
// update semantics as the sqlite backend.
type fakeStore struct {
	mu      sync.Mutex
	asks    map[string]*storage.AskRecord
	queue   []storage.QueueItemRecord
	badges  map[string]storage.BadgeRecord
	lineups map[string]storage.LineupRecord
	seq     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		asks:    make(map[string]*storage.AskRecord),
		badges:  make(map[string]storage.BadgeRecord),
		lineups: make(map[string]storage.LineupRecord),
	}
}

func lineupKey(actID, lineupID string) string { return actID + "|" + lineupID }
func badgeKey(actID, dateISO string) string   { return actID + "|" + dateISO }

func (f *fakeStore) ReplaceLineup(_ context.Context, record storage.LineupRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lineups[lineupKey(record.ActID, record.LineupID)] = record
	return nil
}

func (f *fakeStore) GetLineup(_ context.Context, actID, lineupID string) (storage.LineupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.lineups[lineupKey(actID, lineupID)]
	if !ok {
		return storage.LineupRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (f *fakeStore) UpsertAsk(_ context.Context, record storage.AskRecord) (storage.AskRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.asks {
		if existing.Key() == record.Key() && existing.Active() {
			return *existing, false, nil
		}
	}
	f.seq++
	record.ChannelState = storage.ChannelStateQueued
	stored := record
	f.asks[record.ID] = &stored
	return record, true, nil
}

func (f *fakeStore) GetAsk(_ context.Context, id string) (storage.AskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ask, ok := f.asks[id]
	if !ok {
		return storage.AskRecord{}, storage.ErrNotFound
	}
	return *ask, nil
}

func (f *fakeStore) GetAskByProviderHandle(_ context.Context, handle string) (storage.AskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ask := range f.asks {
		if ask.ProviderHandle == handle && handle != "" {
			return *ask, nil
		}
	}
	return storage.AskRecord{}, storage.ErrNotFound
}

func (f *fakeStore) ListUnrepliedByRecipient(_ context.Context, aliases []string) ([]storage.AskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	allowed := make(map[string]bool, len(aliases))
	for _, alias := range aliases {
		allowed[alias] = true
	}
	var out []storage.AskRecord
	for _, ask := range f.asks {
		if ask.Active() && allowed[ask.Recipient] {
			out = append(out, *ask)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (f *fakeStore) ListUnrepliedCreatedBefore(_ context.Context, cutoff time.Time, limit int) ([]storage.AskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.AskRecord
	for _, ask := range f.asks {
		if ask.Active() && ask.CreatedAt.Before(cutoff) {
			out = append(out, *ask)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListAsksForActDate(_ context.Context, actID, dateISO string) ([]storage.AskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.AskRecord
	for _, ask := range f.asks {
		if ask.ActID == actID && ask.DateISO == dateISO {
			out = append(out, *ask)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListAsksForLineupDate(_ context.Context, actID, lineupID, dateISO string) ([]storage.AskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.AskRecord
	for _, ask := range f.asks {
		if ask.ActID == actID && ask.LineupID == lineupID && ask.DateISO == dateISO {
			out = append(out, *ask)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ApplyReply(_ context.Context, id string, reply storage.Reply, repliedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ask, ok := f.asks[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if ask.Reply != "" {
		return false, nil
	}
	ask.Reply = reply
	at := repliedAt
	ask.RepliedAt = &at
	ask.UpdatedAt = repliedAt
	return true, nil
}

func (f *fakeStore) UpdateChannelState(_ context.Context, id string, state storage.ChannelState, allowedFrom []storage.ChannelState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ask, ok := f.asks[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	for _, from := range allowedFrom {
		if ask.ChannelState == from {
			ask.ChannelState = state
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) MarkSent(_ context.Context, id string, state storage.ChannelState, providerHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ask, ok := f.asks[id]
	if !ok {
		return storage.ErrNotFound
	}
	ask.ChannelState = state
	ask.ProviderHandle = providerHandle
	return nil
}

func (f *fakeStore) MarkReminderSent(_ context.Context, id string, at time.Time) (bool, error) {
	return f.stamp(id, at, func(ask *storage.AskRecord) **time.Time { return &ask.ReminderSentAt })
}

func (f *fakeStore) MarkChaseSent(_ context.Context, id string, at time.Time) (bool, error) {
	return f.stamp(id, at, func(ask *storage.AskRecord) **time.Time { return &ask.ChaseSentAt })
}

func (f *fakeStore) MarkAutoEscalated(_ context.Context, id string, at time.Time) (bool, error) {
	return f.stamp(id, at, func(ask *storage.AskRecord) **time.Time { return &ask.AutoEscalatedAt })
}

func (f *fakeStore) stamp(id string, at time.Time, field func(*storage.AskRecord) **time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ask, ok := f.asks[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	slot := field(ask)
	if *slot != nil {
		return false, nil
	}
	stamped := at
	*slot = &stamped
	return true, nil
}

func (f *fakeStore) MarkNoResponse(_ context.Context, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ask, ok := f.asks[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if ask.Reply != "" {
		return false, nil
	}
	ask.Reply = storage.ReplyNoResponse
	stamped := at
	ask.RepliedAt = &stamped
	if ask.AutoEscalatedAt == nil {
		ask.AutoEscalatedAt = &stamped
	}
	ask.UpdatedAt = at
	return true, nil
}

func (f *fakeStore) EnqueueItem(_ context.Context, record storage.QueueItemRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.queue {
		if item.DedupeKey == record.DedupeKey {
			return false, nil
		}
	}
	f.queue = append(f.queue, record)
	return true, nil
}

func (f *fakeStore) NextItem(_ context.Context, recipient string) (storage.QueueItemRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.queue {
		if item.Recipient == recipient {
			return item, nil
		}
	}
	return storage.QueueItemRecord{}, storage.ErrNotFound
}

func (f *fakeStore) DeleteItem(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, item := range f.queue {
		if item.ID == id {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) CountItems(_ context.Context, recipient string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, item := range f.queue {
		if item.Recipient == recipient {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) PutBadge(_ context.Context, record storage.BadgeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.badges[badgeKey(record.ActID, record.DateISO)] = record
	return nil
}

func (f *fakeStore) GetBadge(_ context.Context, actID, dateISO string) (storage.BadgeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.badges[badgeKey(actID, dateISO)]
	if !ok {
		return storage.BadgeRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (f *fakeStore) mustAsk(id string) storage.AskRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	ask, ok := f.asks[id]
	if !ok {
		panic(fmt.Sprintf("fake store has no ask %s", id))
	}
	return *ask
}

func (f *fakeStore) queueLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// fakeProvider records every send and returns a scripted outcome.
type fakeProvider struct {
	mu       sync.Mutex
	name     string
	err      error
	inflight map[string]int
	overlap  bool
	sent     []SendRequest
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, inflight: make(map[string]int)}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Send(_ context.Context, req SendRequest) (SendResult, error) {
	p.mu.Lock()
	p.inflight[req.Recipient]++
	if p.inflight[req.Recipient] > 1 {
		p.overlap = true
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inflight[req.Recipient]--
		p.mu.Unlock()
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return SendResult{}, p.err
	}
	p.sent = append(p.sent, req)
	return SendResult{Handle: fmt.Sprintf("%s-msg-%d", p.name, len(p.sent)), Channel: p.name}, nil
}

func (p *fakeProvider) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *fakeProvider) sentTo(recipient string) []SendRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []SendRequest
	for _, req := range p.sent {
		if req.Recipient == recipient {
			out = append(out, req)
		}
	}
	return out
}

func (p *fakeProvider) lastSent() (SendRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return SendRequest{}, false
	}
	return p.sent[len(p.sent)-1], true
}

// fakeCalendar records attendee additions.
type fakeCalendar struct {
	mu     sync.Mutex
	events []CalendarEvent
}

func (c *fakeCalendar) AddAttendee(_ context.Context, event CalendarEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *fakeCalendar) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// fixedClock is a manually advanced clock.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(now time.Time) *fixedClock {
	return &fixedClock{now: now}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fixedClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// sequentialIDGenerator yields deterministic ids shaped like production
// ids: 26 characters of the lowercase base32 alphabet, ordered by issue
// number so lexicographic order follows creation order.
func sequentialIDGenerator(prefix string) func() (string, error) {
	var mu sync.Mutex
	var n int
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		id := []byte(prefix + strings.Repeat("q", 26-len(prefix)-4))
		for _, r := range fmt.Sprintf("%04d", n) {
			id = append(id, "abcdefghij"[r-'0'])
		}
		return string(id), nil
	}
}
