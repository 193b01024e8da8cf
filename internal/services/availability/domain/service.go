package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gigdesk/gigdesk/internal/platform/phone"
	"github.com/gigdesk/gigdesk/internal/services/availability/render"
	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
)

// Service is the availability allocation and escalation engine.
type Service struct {
	store       storage.Store
	gateway     *Gateway
	calendar    Calendar
	localizer   render.Localizer
	policy      EscalationPolicy
	locks       *lockTable
	clock       func() time.Time
	newID       func() (string, error)
	logf        func(format string, args ...any)
	sendTimeout time.Duration
}

// ServiceConfig wires the engine's collaborators.
type ServiceConfig struct {
	Store       storage.Store
	Gateway     *Gateway
	Calendar    Calendar
	Localizer   render.Localizer
	Policy      EscalationPolicy
	Clock       func() time.Time
	NewID       func() (string, error)
	Logf        func(format string, args ...any)
	SendTimeout time.Duration
}

// NewService constructs the engine. Store, gateway, and an id generator are
// required; everything else has working defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, ErrStoreNotConfigured
	}
	if cfg.Gateway == nil {
		return nil, ErrGatewayNotConfigured
	}
	if cfg.NewID == nil {
		return nil, ErrIDGeneratorNotConfigured
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Service{
		store:       cfg.Store,
		gateway:     cfg.Gateway,
		calendar:    cfg.Calendar,
		localizer:   cfg.Localizer,
		policy:      cfg.Policy.normalized(),
		locks:       newLockTable(),
		clock:       clock,
		newID:       cfg.NewID,
		logf:        logf,
		sendTimeout: sendTimeout,
	}, nil
}

// AvailabilityRequest asks one lineup whether its performers can cover one
// booking date.
type AvailabilityRequest struct {
	ActID        string
	LineupID     string
	DateISO      string
	VenueAddress string
	FeePence     int64
	// RoleFilter restricts the fan-out to members with this duty role.
	// Empty means every lead member.
	RoleFilter string
}

// AskOutcome codes for one recipient in a fan-out.
const (
	OutcomeCreated          = "created"
	OutcomeDuplicateSkipped = "duplicate_skipped"
	OutcomeFailed           = "failed"
)

// AskOutcome reports what happened for one recipient in a fan-out.
type AskOutcome struct {
	AskID      string
	MusicianID string
	Recipient  string
	Outcome    string
	Err        error
}

// RequestAvailability fans one booking's availability question out to the
// lineup's lead members. It is idempotent per recipient: re-requesting the
// same act/lineup/date while an ask is still open is a no-op for that
// recipient.
func (s *Service) RequestAvailability(ctx context.Context, req AvailabilityRequest) ([]AskOutcome, error) {
	if s == nil || s.store == nil {
		return nil, ErrStoreNotConfigured
	}
	actID := strings.TrimSpace(req.ActID)
	if actID == "" {
		return nil, ErrActIDRequired
	}
	lineupID := strings.TrimSpace(req.LineupID)
	if lineupID == "" {
		return nil, ErrLineupIDRequired
	}
	if err := validateDateISO(req.DateISO); err != nil {
		return nil, err
	}
	venueAddress := strings.TrimSpace(req.VenueAddress)
	if venueAddress == "" {
		return nil, ErrVenueAddressRequired
	}

	lineup, err := s.store.GetLineup(ctx, actID, lineupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: act %s lineup %s", ErrLineupNotFound, actID, lineupID)
		}
		return nil, fmt.Errorf("load lineup: %w", err)
	}

	roleFilter := strings.TrimSpace(req.RoleFilter)
	var targets []storage.MemberRecord
	for _, member := range lineup.Members {
		if !member.IsLead {
			continue
		}
		if roleFilter != "" && !strings.EqualFold(member.DutyRole, roleFilter) {
			continue
		}
		targets = append(targets, member)
	}
	if len(targets) == 0 {
		return nil, ErrNoMatchingMembers
	}

	outcomes := make([]AskOutcome, 0, len(targets))
	for slotIndex, member := range targets {
		outcome := s.askMember(ctx, req, lineup, member, slotIndex, venueAddress)
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// askMember creates and dispatches one lead ask for a fan-out slot.
func (s *Service) askMember(ctx context.Context, req AvailabilityRequest, lineup storage.LineupRecord, member storage.MemberRecord, slotIndex int, venueAddress string) AskOutcome {
	outcome := AskOutcome{MusicianID: member.MusicianID}

	identity, err := phone.Normalize(member.Phone)
	if err != nil {
		outcome.Outcome = OutcomeFailed
		outcome.Err = fmt.Errorf("member %s phone %q: %w", member.MusicianID, member.Phone, err)
		return outcome
	}
	outcome.Recipient = identity.Principal

	askID, err := s.newID()
	if err != nil {
		outcome.Outcome = OutcomeFailed
		outcome.Err = err
		return outcome
	}

	fee := req.FeePence
	if fee <= 0 {
		fee = member.FeePence
	}
	now := s.nowUTC()
	ask, created, err := s.store.UpsertAsk(ctx, storage.AskRecord{
		ID:           askID,
		ActID:        lineup.ActID,
		LineupID:     lineup.LineupID,
		Recipient:    identity.Principal,
		MusicianID:   member.MusicianID,
		DutyRole:     member.DutyRole,
		Origin:       storage.OriginLead,
		DateISO:      req.DateISO,
		VenueAddress: venueAddress,
		FeePence:     fee,
		SlotIndex:    slotIndex,
		ChannelState: storage.ChannelStateQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		outcome.Outcome = OutcomeFailed
		outcome.Err = fmt.Errorf("upsert ask: %w", err)
		return outcome
	}
	outcome.AskID = ask.ID
	if !created {
		outcome.Outcome = OutcomeDuplicateSkipped
		return outcome
	}

	rendered := render.Render(s.localizer, render.Input{
		Kind:          storage.KindAsk,
		RecipientName: member.Name,
		DateISO:       ask.DateISO,
		VenueAddress:  ask.VenueAddress,
		FeePence:      ask.FeePence,
		DutyRole:      ask.DutyRole,
		CorrelationID: ask.ID,
	})
	if _, err := s.enqueueAsk(ctx, ask, storage.KindAsk, rendered.TemplateID, rendered.Variables, rendered.FallbackText); err != nil {
		outcome.Outcome = OutcomeFailed
		outcome.Err = fmt.Errorf("enqueue ask: %w", err)
		return outcome
	}
	s.drain(ctx, ask.Recipient)

	outcome.Outcome = OutcomeCreated
	return outcome
}

// IngestResult reports how one inbound message was handled. Every inbound
// message is acknowledged; Applied is true only when a reply was recorded.
type IngestResult struct {
	Recognized bool
	Applied    bool
	AskID      string
	Reply      storage.Reply
}

// IngestInboundReply processes one inbound message from a channel callback.
// The reply is matched to an ask via the embedded correlation id when
// present, otherwise to the sender's newest unanswered ask. The first
// recorded answer wins; later replies and unrecognized text are
// acknowledged without effect.
func (s *Service) IngestInboundReply(ctx context.Context, in InboundReply) (IngestResult, error) {
	if s == nil || s.store == nil {
		return IngestResult{}, ErrStoreNotConfigured
	}

	c := classifyInbound(in)
	if !c.recognized {
		return IngestResult{}, nil
	}

	ask, err := s.resolveInboundAsk(ctx, in.From, c.correlationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return IngestResult{Recognized: true}, nil
		}
		return IngestResult{}, err
	}

	repliedAt := s.nowUTC()
	applied, err := s.store.ApplyReply(ctx, ask.ID, c.reply, repliedAt)
	if err != nil {
		return IngestResult{}, fmt.Errorf("apply reply: %w", err)
	}
	result := IngestResult{
		Recognized: true,
		Applied:    applied,
		AskID:      ask.ID,
		Reply:      c.reply,
	}
	if !applied {
		return result, nil
	}

	s.releaseAndDrainNext(ctx, ask.Recipient)

	switch c.reply {
	case storage.ReplyYes:
		if err := s.rebuildBadge(ctx, ask.ActID, ask.DateISO); err != nil {
			s.logf("ask %s: rebuild badge: %v", ask.ID, err)
		}
		s.addToCalendar(ctx, ask)
	case storage.ReplyNo, storage.ReplyUnavailable:
		if err := s.escalateToDeputy(ctx, ask); err != nil {
			s.logf("ask %s: escalate after decline: %v", ask.ID, err)
		}
	}
	return result, nil
}

// resolveInboundAsk matches an inbound message to its ask: the correlation
// id embedded in the reply code when present, otherwise the sender's newest
// unanswered ask across phone aliases.
func (s *Service) resolveInboundAsk(ctx context.Context, from string, correlationID string) (storage.AskRecord, error) {
	if correlationID != "" {
		ask, err := s.store.GetAsk(ctx, correlationID)
		if err == nil {
			return ask, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.AskRecord{}, fmt.Errorf("resolve ask %s: %w", correlationID, err)
		}
		// Stale or mistyped code: fall through to sender matching.
	}

	identity, err := phone.Normalize(from)
	if err != nil {
		return storage.AskRecord{}, storage.ErrNotFound
	}
	open, err := s.store.ListUnrepliedByRecipient(ctx, identity.Aliases)
	if err != nil {
		return storage.AskRecord{}, fmt.Errorf("list open asks for %s: %w", identity.Principal, err)
	}
	if len(open) == 0 {
		return storage.AskRecord{}, storage.ErrNotFound
	}
	return open[0], nil
}

// addToCalendar fires the calendar side effect of a YES. Failures are
// logged only.
func (s *Service) addToCalendar(ctx context.Context, ask storage.AskRecord) {
	if s.calendar == nil {
		return
	}
	err := s.calendar.AddAttendee(ctx, CalendarEvent{
		ActID:        ask.ActID,
		DateISO:      ask.DateISO,
		MusicianName: s.recipientName(ctx, ask),
		Recipient:    ask.Recipient,
		VenueAddress: ask.VenueAddress,
	})
	if err != nil {
		s.logf("ask %s: calendar add: %v", ask.ID, err)
	}
}

// DeliveryStatus is one provider delivery callback.
type DeliveryStatus struct {
	ProviderHandle string
	Status         string
}

// deliveryStates maps provider callback status strings onto the delivery
// lifecycle.
var deliveryStates = map[string]storage.ChannelState{
	"sent":        storage.ChannelStateSent,
	"delivered":   storage.ChannelStateDelivered,
	"read":        storage.ChannelStateRead,
	"undelivered": storage.ChannelStateUndelivered,
	"failed":      storage.ChannelStateUndelivered,
}

// IngestDeliveryStatus records one provider delivery callback. The delivery
// state only moves forward; duplicate and out-of-order callbacks are
// no-ops. Unknown handles and unknown statuses are ignored so provider
// retries stay harmless.
func (s *Service) IngestDeliveryStatus(ctx context.Context, status DeliveryStatus) error {
	if s == nil || s.store == nil {
		return ErrStoreNotConfigured
	}
	handle := strings.TrimSpace(status.ProviderHandle)
	if handle == "" {
		return nil
	}
	target, ok := deliveryStates[strings.ToLower(strings.TrimSpace(status.Status))]
	if !ok {
		return nil
	}

	ask, err := s.store.GetAskByProviderHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("resolve provider handle: %w", err)
	}
	if _, err := s.store.UpdateChannelState(ctx, ask.ID, target, allowedSourceStates(target)); err != nil {
		return fmt.Errorf("update channel state: %w", err)
	}
	return nil
}

// GetBadge returns the stored badge projection for one act and date.
func (s *Service) GetBadge(ctx context.Context, actID string, dateISO string) (storage.BadgeRecord, error) {
	if s == nil || s.store == nil {
		return storage.BadgeRecord{}, ErrStoreNotConfigured
	}
	return s.store.GetBadge(ctx, strings.TrimSpace(actID), strings.TrimSpace(dateISO))
}

// ForceRebuildBadge recomputes the badge projection from reply history and
// stores it, returning the rebuilt record. Because the projection is
// deterministic over history, a rebuild after incremental updates changes
// nothing.
func (s *Service) ForceRebuildBadge(ctx context.Context, actID string, dateISO string) (storage.BadgeRecord, error) {
	if s == nil || s.store == nil {
		return storage.BadgeRecord{}, ErrStoreNotConfigured
	}
	actID = strings.TrimSpace(actID)
	if actID == "" {
		return storage.BadgeRecord{}, ErrActIDRequired
	}
	if err := validateDateISO(dateISO); err != nil {
		return storage.BadgeRecord{}, err
	}
	if err := s.rebuildBadge(ctx, actID, dateISO); err != nil {
		return storage.BadgeRecord{}, err
	}
	return s.store.GetBadge(ctx, actID, dateISO)
}

// rebuildBadge recomputes and stores the badge for one act and date from
// the full ask history.
func (s *Service) rebuildBadge(ctx context.Context, actID string, dateISO string) error {
	asks, err := s.store.ListAsksForActDate(ctx, actID, dateISO)
	if err != nil {
		return fmt.Errorf("list asks: %w", err)
	}

	profiles := make(map[string]memberProfile)
	seenLineups := make(map[string]bool)
	for _, ask := range asks {
		if ask.LineupID == "" || seenLineups[ask.LineupID] {
			continue
		}
		seenLineups[ask.LineupID] = true
		lineup, err := s.store.GetLineup(ctx, actID, ask.LineupID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("load lineup %s: %w", ask.LineupID, err)
		}
		for _, member := range lineup.Members {
			profiles[member.MusicianID] = memberProfile{
				Name:       member.Name,
				PhotoURL:   member.PhotoURL,
				ProfileURL: member.ProfileURL,
			}
			for _, deputy := range member.Deputies {
				profiles[deputy.MusicianID] = memberProfile{
					Name:       deputy.Name,
					PhotoURL:   deputy.PhotoURL,
					ProfileURL: deputy.ProfileURL,
				}
			}
		}
	}

	badge := buildBadge(actID, dateISO, asks, profiles)
	if err := s.store.PutBadge(ctx, badge); err != nil {
		return fmt.Errorf("store badge: %w", err)
	}
	return nil
}
