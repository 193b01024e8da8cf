package domain

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
)

// lockTable is the process-local per-recipient exclusion map. It serializes
// sends to one address; different addresses proceed fully in parallel.
type lockTable struct {
	mu     sync.Mutex
	locked map[string]bool
}

func newLockTable() *lockTable {
	return &lockTable{locked: make(map[string]bool)}
}

// tryAcquire reports whether the recipient lock was taken by this caller.
func (l *lockTable) tryAcquire(recipient string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked[recipient] {
		return false
	}
	l.locked[recipient] = true
	return true
}

func (l *lockTable) release(recipient string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locked, recipient)
}

// EnqueueResult reports the outcome of one queue insert.
type EnqueueResult struct {
	// Enqueued is true when a new item was inserted; false means an item
	// with the same dedupe key was already pending.
	Enqueued bool
	ItemID   string
}

// enqueueAsk inserts one pending outbound message for the recipient unless
// an identical one is already pending.
func (s *Service) enqueueAsk(ctx context.Context, ask storage.AskRecord, kind storage.MessageKind, templateID string, variables map[string]string, fallbackText string) (EnqueueResult, error) {
	itemID, err := s.newID()
	if err != nil {
		return EnqueueResult{}, err
	}
	variablesJSON, err := json.Marshal(variables)
	if err != nil {
		return EnqueueResult{}, err
	}
	enqueued, err := s.store.EnqueueItem(ctx, storage.QueueItemRecord{
		ID:            itemID,
		Recipient:     ask.Recipient,
		Kind:          kind,
		AskID:         ask.ID,
		TemplateID:    templateID,
		VariablesJSON: string(variablesJSON),
		FallbackText:  fallbackText,
		DedupeKey:     queueDedupeKey(ask.Recipient, kind, ask.ActID, ask.DateISO, ask.VenueAddress),
		CreatedAt:     s.nowUTC(),
	})
	if err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{Enqueued: enqueued, ItemID: itemID}, nil
}

// drain pumps the recipient's queue: while this caller holds the recipient
// lock it pops the oldest item, attempts the channel-pair send, records the
// delivery outcome on the related ask, and deletes the item. If another
// caller holds the lock, drain is a no-op; the lock holder is responsible
// for emptying the queue.
func (s *Service) drain(ctx context.Context, recipient string) {
	if !s.locks.tryAcquire(recipient) {
		return
	}
	defer s.locks.release(recipient)

	for {
		if err := ctx.Err(); err != nil {
			return
		}
		item, err := s.store.NextItem(ctx, recipient)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logf("drain %s: next item: %v", recipient, err)
			}
			return
		}
		s.sendItem(ctx, item)
	}
}

// releaseAndDrainNext clears the recipient lock and pumps the next queued
// item. Called after an inbound reply so the next ask to the same recipient
// goes out immediately.
func (s *Service) releaseAndDrainNext(ctx context.Context, recipient string) {
	s.locks.release(recipient)
	s.drain(ctx, recipient)
}

// sendItem performs one at-most-once send attempt for a queue item. The
// item is removed whatever the outcome: a dual-channel failure marks the
// ask failed and leaves recovery to the escalation sweep, never to an
// in-queue retry.
func (s *Service) sendItem(ctx context.Context, item storage.QueueItemRecord) {
	var variables map[string]string
	if err := json.Unmarshal([]byte(item.VariablesJSON), &variables); err != nil {
		s.logf("queue item %s: bad variables payload, dropping: %v", item.ID, err)
		s.deleteItem(ctx, item)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	result, err := s.gateway.Send(sendCtx, SendRequest{
		Recipient:    item.Recipient,
		TemplateID:   item.TemplateID,
		Variables:    variables,
		FallbackText: item.FallbackText,
	})
	cancel()

	if err != nil {
		s.logf("queue item %s: send to %s failed on both channels: %v", item.ID, item.Recipient, err)
		if item.Kind == storage.KindAsk {
			if _, stateErr := s.store.UpdateChannelState(ctx, item.AskID, storage.ChannelStateFailed,
				allowedSourceStates(storage.ChannelStateFailed)); stateErr != nil {
				s.logf("queue item %s: mark ask failed: %v", item.ID, stateErr)
			}
		}
		s.deleteItem(ctx, item)
		return
	}

	if item.Kind == storage.KindAsk {
		if err := s.store.MarkSent(ctx, item.AskID, result.State, result.Handle); err != nil {
			s.logf("queue item %s: record send state: %v", item.ID, err)
		}
	}
	s.deleteItem(ctx, item)
}

func (s *Service) deleteItem(ctx context.Context, item storage.QueueItemRecord) {
	if err := s.store.DeleteItem(ctx, item.ID); err != nil {
		s.logf("queue item %s: delete: %v", item.ID, err)
	}
}

func (s *Service) nowUTC() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}
