package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gigdesk/gigdesk/internal/platform/phone"
	"github.com/gigdesk/gigdesk/internal/services/availability/render"
	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
)

// EscalationPolicy holds the chase/escalation product policy as
// configuration rather than structural constants.
type EscalationPolicy struct {
	// RemindAfter is the unanswered age after which one reminder goes out.
	RemindAfter time.Duration
	// ChaseAfter is the unanswered age after which one chase goes out.
	ChaseAfter time.Duration
	// EscalateAfter is the unanswered age after which the ask is resolved
	// no_response and the deputy chain advances.
	EscalateAfter time.Duration
	// QuietStartHour and QuietEndHour bound the window (UTC, wrap-around)
	// during which reminders are suppressed and retried next sweep.
	QuietStartHour int
	QuietEndHour   int
	// SweepBatchSize caps the records examined per sweep.
	SweepBatchSize int
}

// DefaultEscalationPolicy is the fixed product policy: remind at 3h, chase
// at 24h, move to a deputy at 72h, and stay quiet overnight.
var DefaultEscalationPolicy = EscalationPolicy{
	RemindAfter:    3 * time.Hour,
	ChaseAfter:     24 * time.Hour,
	EscalateAfter:  72 * time.Hour,
	QuietStartHour: 21,
	QuietEndHour:   8,
	SweepBatchSize: 200,
}

func (p EscalationPolicy) normalized() EscalationPolicy {
	if p.RemindAfter <= 0 {
		p.RemindAfter = DefaultEscalationPolicy.RemindAfter
	}
	if p.ChaseAfter <= 0 {
		p.ChaseAfter = DefaultEscalationPolicy.ChaseAfter
	}
	if p.EscalateAfter <= 0 {
		p.EscalateAfter = DefaultEscalationPolicy.EscalateAfter
	}
	if p.SweepBatchSize <= 0 {
		p.SweepBatchSize = DefaultEscalationPolicy.SweepBatchSize
	}
	return p
}

// inQuietHours reports whether t falls inside the reminder-suppression
// window. A start equal to the end disables the window.
func (p EscalationPolicy) inQuietHours(t time.Time) bool {
	start := p.QuietStartHour
	end := p.QuietEndHour
	if start == end {
		return false
	}
	hour := t.UTC().Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// SweepResult reports what one escalation sweep did.
type SweepResult struct {
	Examined  int
	Reminded  int
	Chased    int
	Escalated int
}

// RunEscalationSweep promotes aged unanswered asks: remind, then chase,
// then terminal auto-escalation to the next deputy. Safe to re-run or run
// concurrently: every transition is guarded by a conditional stamp in the
// store, so a competing sweep simply observes a no-op.
func (s *Service) RunEscalationSweep(ctx context.Context, now time.Time) (SweepResult, error) {
	if s == nil || s.store == nil {
		return SweepResult{}, ErrStoreNotConfigured
	}
	if now.IsZero() {
		now = s.nowUTC()
	}
	now = now.UTC()

	aged, err := s.store.ListUnrepliedCreatedBefore(ctx, now.Add(-s.policy.RemindAfter), s.policy.SweepBatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list aged asks: %w", err)
	}

	result := SweepResult{Examined: len(aged)}
	for _, ask := range aged {
		age := now.Sub(ask.CreatedAt)
		switch {
		case age > s.policy.EscalateAfter && ask.AutoEscalatedAt == nil:
			if s.autoEscalate(ctx, ask, now) {
				result.Escalated++
			}
		case age > s.policy.ChaseAfter && ask.ChaseSentAt == nil:
			if s.chase(ctx, ask, now) {
				result.Chased++
			}
		case age > s.policy.RemindAfter && ask.ReminderSentAt == nil:
			if s.remind(ctx, ask, now) {
				result.Reminded++
			}
		}
	}
	return result, nil
}

// remind sends one same-channel-pair reminder for an unanswered ask. During
// quiet hours nothing is stamped, so the next sweep retries.
func (s *Service) remind(ctx context.Context, ask storage.AskRecord, now time.Time) bool {
	if s.policy.inQuietHours(now) {
		return false
	}
	applied, err := s.store.MarkReminderSent(ctx, ask.ID, now)
	if err != nil {
		s.logf("remind ask %s: %v", ask.ID, err)
		return false
	}
	if !applied {
		return false
	}
	s.enqueueFollowUp(ctx, ask, storage.KindReminder)
	s.releaseAndDrainNext(ctx, ask.Recipient)
	return true
}

// chase sends the next-day chase for an unanswered ask.
func (s *Service) chase(ctx context.Context, ask storage.AskRecord, now time.Time) bool {
	applied, err := s.store.MarkChaseSent(ctx, ask.ID, now)
	if err != nil {
		s.logf("chase ask %s: %v", ask.ID, err)
		return false
	}
	if !applied {
		return false
	}
	s.enqueueFollowUp(ctx, ask, storage.KindChase)
	s.drain(ctx, ask.Recipient)
	return true
}

// autoEscalate terminally resolves an unanswered ask as no_response, sends
// the courtesy moved-on message, and advances the deputy chain. The
// courtesy send and the deputy hop are non-critical: their failures are
// logged and never undo the terminal transition.
func (s *Service) autoEscalate(ctx context.Context, ask storage.AskRecord, now time.Time) bool {
	applied, err := s.store.MarkNoResponse(ctx, ask.ID, now)
	if err != nil {
		s.logf("auto-escalate ask %s: %v", ask.ID, err)
		return false
	}
	if !applied {
		return false
	}

	s.enqueueFollowUp(ctx, ask, storage.KindMovedOn)
	s.releaseAndDrainNext(ctx, ask.Recipient)

	if err := s.escalateToDeputy(ctx, ask); err != nil {
		s.logf("auto-escalate ask %s: deputy hop: %v", ask.ID, err)
	}
	return true
}

// enqueueFollowUp queues one reminder/chase/moved-on message for an ask.
func (s *Service) enqueueFollowUp(ctx context.Context, ask storage.AskRecord, kind storage.MessageKind) {
	rendered := render.Render(s.localizer, render.Input{
		Kind:          kind,
		RecipientName: s.recipientName(ctx, ask),
		DateISO:       ask.DateISO,
		VenueAddress:  ask.VenueAddress,
		FeePence:      ask.FeePence,
		DutyRole:      ask.DutyRole,
		CorrelationID: ask.ID,
	})
	if _, err := s.enqueueAsk(ctx, ask, kind, rendered.TemplateID, rendered.Variables, rendered.FallbackText); err != nil {
		s.logf("enqueue %s for ask %s: %v", kind, ask.ID, err)
	}
}

// recipientName looks up the display name behind an ask's recipient. Best
// effort only; message copy degrades to a generic salutation.
func (s *Service) recipientName(ctx context.Context, ask storage.AskRecord) string {
	lineup, err := s.store.GetLineup(ctx, ask.ActID, ask.LineupID)
	if err != nil {
		return ""
	}
	for _, member := range lineup.Members {
		if member.MusicianID == ask.MusicianID && ask.MusicianID != "" {
			return member.Name
		}
		for _, deputy := range member.Deputies {
			if deputy.MusicianID == ask.MusicianID && ask.MusicianID != "" {
				return deputy.Name
			}
		}
	}
	return ""
}

// escalateToDeputy performs one deputy-chain hop for a resolved ask: the
// first deputy, in nomination order, whose phone has not yet been
// contacted for this act/lineup/date receives a fresh ask. A lead with no
// deputies, or a fully contacted chain, stops cleanly.
func (s *Service) escalateToDeputy(ctx context.Context, originating storage.AskRecord) error {
	lineup, err := s.store.GetLineup(ctx, originating.ActID, originating.LineupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: act %s lineup %s", ErrLineupNotFound, originating.ActID, originating.LineupID)
		}
		return fmt.Errorf("load lineup: %w", err)
	}

	member, ok := lineupMemberByPhone(lineup, originating.Recipient)
	if !ok {
		return fmt.Errorf("no lineup member matches recipient %s", originating.Recipient)
	}
	if len(member.Deputies) == 0 {
		s.logf("escalate ask %s: member %s has no deputies, chain ends", originating.ID, member.MusicianID)
		return nil
	}

	contacted, err := s.contactedPhones(ctx, originating.ActID, originating.LineupID, originating.DateISO)
	if err != nil {
		return fmt.Errorf("scan contacted phones: %w", err)
	}

	var next *storage.DeputyRecord
	for i := range member.Deputies {
		identity, err := phone.Normalize(member.Deputies[i].Phone)
		if err != nil {
			s.logf("escalate ask %s: deputy %s has unusable phone %q: %v",
				originating.ID, member.Deputies[i].MusicianID, member.Deputies[i].Phone, err)
			continue
		}
		if !contacted[identity.Principal] {
			next = &member.Deputies[i]
			break
		}
	}
	if next == nil {
		s.logf("escalate ask %s: every deputy for member %s already contacted, chain ends",
			originating.ID, member.MusicianID)
		return nil
	}

	identity, err := phone.Normalize(next.Phone)
	if err != nil {
		return fmt.Errorf("normalize deputy phone: %w", err)
	}
	askID, err := s.newID()
	if err != nil {
		return err
	}
	now := s.nowUTC()
	deputyAsk, created, err := s.store.UpsertAsk(ctx, storage.AskRecord{
		ID:           askID,
		ActID:        originating.ActID,
		LineupID:     originating.LineupID,
		Recipient:    identity.Principal,
		MusicianID:   next.MusicianID,
		DutyRole:     originating.DutyRole,
		Origin:       storage.OriginDeputy,
		DateISO:      originating.DateISO,
		VenueAddress: originating.VenueAddress,
		FeePence:     originating.FeePence,
		SlotIndex:    originating.SlotIndex,
		ChannelState: storage.ChannelStateQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("create deputy ask: %w", err)
	}
	if created {
		rendered := render.Render(s.localizer, render.Input{
			Kind:          storage.KindAsk,
			RecipientName: next.Name,
			DateISO:       deputyAsk.DateISO,
			VenueAddress:  deputyAsk.VenueAddress,
			FeePence:      deputyAsk.FeePence,
			DutyRole:      deputyAsk.DutyRole,
			CorrelationID: deputyAsk.ID,
		})
		if _, err := s.enqueueAsk(ctx, deputyAsk, storage.KindAsk, rendered.TemplateID, rendered.Variables, rendered.FallbackText); err != nil {
			return fmt.Errorf("enqueue deputy ask: %w", err)
		}
		s.drain(ctx, deputyAsk.Recipient)
	}

	if _, err := s.store.MarkAutoEscalated(ctx, originating.ID, now); err != nil {
		s.logf("escalate ask %s: stamp auto-escalated: %v", originating.ID, err)
	}
	return nil
}

// contactedPhones returns the set of principal addresses already asked for
// one act/lineup/date.
func (s *Service) contactedPhones(ctx context.Context, actID, lineupID, dateISO string) (map[string]bool, error) {
	asks, err := s.store.ListAsksForLineupDate(ctx, actID, lineupID, dateISO)
	if err != nil {
		return nil, err
	}
	contacted := make(map[string]bool, len(asks))
	for _, ask := range asks {
		identity, err := phone.Normalize(ask.Recipient)
		if err != nil {
			contacted[ask.Recipient] = true
			continue
		}
		contacted[identity.Principal] = true
	}
	return contacted, nil
}

// lineupMemberByPhone finds the member owning the recipient's deputy chain:
// the member whose own phone matches, or the member one of whose deputies
// matches, so a declining deputy advances the same chain.
func lineupMemberByPhone(lineup storage.LineupRecord, recipient string) (storage.MemberRecord, bool) {
	for _, member := range lineup.Members {
		if phone.Matches(member.Phone, recipient) {
			return member, true
		}
	}
	for _, member := range lineup.Members {
		for _, deputy := range member.Deputies {
			if phone.Matches(deputy.Phone, recipient) {
				return member, true
			}
		}
	}
	return storage.MemberRecord{}, false
}
