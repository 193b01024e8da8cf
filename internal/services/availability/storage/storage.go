// Package storage defines the persistence boundary for the availability
// allocation engine: record shapes, store interfaces, and the sentinel
// errors every backend must honor.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a requested write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
)

// ChannelState identifies one outbound-delivery lifecycle state.
type ChannelState string

const (
	// ChannelStateQueued means the ask is waiting in the recipient queue.
	ChannelStateQueued ChannelState = "queued"
	// ChannelStateSent means the provider accepted the message.
	ChannelStateSent ChannelState = "sent"
	// ChannelStateDelivered means the provider confirmed handset delivery.
	ChannelStateDelivered ChannelState = "delivered"
	// ChannelStateRead means the recipient opened the message.
	ChannelStateRead ChannelState = "read"
	// ChannelStateUndelivered means the provider reported non-delivery.
	ChannelStateUndelivered ChannelState = "undelivered"
	// ChannelStateFailed means both channels failed to accept the message.
	ChannelStateFailed ChannelState = "failed"
)

// Reply identifies one recorded availability answer.
type Reply string

const (
	// ReplyYes means the performer confirmed availability.
	ReplyYes Reply = "yes"
	// ReplyNo means the performer declined for this date or location.
	ReplyNo Reply = "no"
	// ReplyUnavailable means the performer is already booked or unavailable.
	ReplyUnavailable Reply = "unavailable"
	// ReplyNoResponse is the terminal outcome stamped by auto-escalation.
	ReplyNoResponse Reply = "no_response"
)

// AskOrigin distinguishes asks sent to named leads from deputy-chain asks.
type AskOrigin string

const (
	// OriginLead marks an ask to a lineup's named performer.
	OriginLead AskOrigin = "lead"
	// OriginDeputy marks an ask created by deputy escalation.
	OriginDeputy AskOrigin = "deputy"
)

// MessageKind identifies the purpose of one queued outbound message.
type MessageKind string

const (
	// KindAsk is the initial availability question.
	KindAsk MessageKind = "ask"
	// KindReminder is the same-day nudge for an unanswered ask.
	KindReminder MessageKind = "reminder"
	// KindChase is the next-day chase for an unanswered ask.
	KindChase MessageKind = "chase"
	// KindMovedOn is the courtesy message sent when escalation moves past a recipient.
	KindMovedOn MessageKind = "moved_on"
)

// AskKey is the natural identity of one availability ask.
type AskKey struct {
	ActID     string
	LineupID  string
	DateISO   string
	Recipient string
	SlotIndex int
}

// AskRecord stores one outbound availability ask and its lifecycle state.
type AskRecord struct {
	ID              string
	ActID           string
	LineupID        string
	Recipient       string
	MusicianID      string
	DutyRole        string
	Origin          AskOrigin
	DateISO         string
	VenueAddress    string
	FeePence        int64
	SlotIndex       int
	ChannelState    ChannelState
	ProviderHandle  string
	Reply           Reply
	RepliedAt       *time.Time
	ReminderSentAt  *time.Time
	ChaseSentAt     *time.Time
	AutoEscalatedAt *time.Time
	CancelledAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Key returns the natural identity of the ask.
func (r AskRecord) Key() AskKey {
	return AskKey{
		ActID:     r.ActID,
		LineupID:  r.LineupID,
		DateISO:   r.DateISO,
		Recipient: r.Recipient,
		SlotIndex: r.SlotIndex,
	}
}

// Active reports whether the ask is still awaiting an answer.
func (r AskRecord) Active() bool {
	return r.Reply == "" && r.CancelledAt == nil
}

// QueueItemRecord stores one pending outbound send for a recipient.
type QueueItemRecord struct {
	ID            string
	Recipient     string
	Kind          MessageKind
	AskID         string
	TemplateID    string
	VariablesJSON string
	FallbackText  string
	DedupeKey     string
	CreatedAt     time.Time
}

// BadgeDeputy is one deputy entry on a badge projection.
type BadgeDeputy struct {
	MusicianID   string `json:"musician_id"`
	VocalistName string `json:"vocalist_name"`
	PhotoURL     string `json:"photo_url"`
	ProfileURL   string `json:"profile_url"`
	RepliedAt    int64  `json:"replied_at"`
}

// BadgeRecord stores the per-act "currently available performer" projection.
type BadgeRecord struct {
	ActID        string
	DateISO      string
	Active       bool
	IsDeputy     bool
	VocalistName string
	MusicianID   string
	PhotoURL     string
	ProfileURL   string
	VenueAddress string
	SetAt        time.Time
	Deputies     []BadgeDeputy
}

// DeputyRecord is one ordered deputy nomination for a lineup member.
type DeputyRecord struct {
	MusicianID string
	Name       string
	Phone      string
	PhotoURL   string
	ProfileURL string
}

// MemberRecord is one named performer in a lineup with their deputy chain.
type MemberRecord struct {
	MusicianID string
	Name       string
	Phone      string
	DutyRole   string
	IsLead     bool
	FeePence   int64
	PhotoURL   string
	ProfileURL string
	Deputies   []DeputyRecord
}

// LineupRecord is one act lineup: its members in position order.
type LineupRecord struct {
	ActID    string
	LineupID string
	Name     string
	Members  []MemberRecord
}

// DirectoryStore persists the act/lineup/member directory consulted for
// ask fan-out and deputy resolution.
type DirectoryStore interface {
	// ReplaceLineup atomically replaces one lineup's members and deputies.
	ReplaceLineup(ctx context.Context, record LineupRecord) error
	GetLineup(ctx context.Context, actID string, lineupID string) (LineupRecord, error)
}

// AskStore persists availability ask lifecycle state. All mutations are
// conditional updates keyed by natural identity so concurrent writers
// (inbound handlers and the escalation sweep) never clobber each other.
type AskStore interface {
	// UpsertAsk inserts the ask unless an active ask already exists for its
	// key. It returns the stored record and whether a new row was created;
	// a duplicate is reported as created=false with the existing record.
	UpsertAsk(ctx context.Context, record AskRecord) (AskRecord, bool, error)

	GetAsk(ctx context.Context, id string) (AskRecord, error)
	GetAskByProviderHandle(ctx context.Context, handle string) (AskRecord, error)

	// ListUnrepliedByRecipient returns unreplied, non-cancelled asks whose
	// recipient matches any of the given aliases, newest first.
	ListUnrepliedByRecipient(ctx context.Context, aliases []string) ([]AskRecord, error)

	// ListUnrepliedCreatedBefore returns unreplied, non-cancelled asks
	// created before cutoff, oldest first.
	ListUnrepliedCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]AskRecord, error)

	ListAsksForActDate(ctx context.Context, actID string, dateISO string) ([]AskRecord, error)
	ListAsksForLineupDate(ctx context.Context, actID string, lineupID string, dateISO string) ([]AskRecord, error)

	// ApplyReply records an answer if none exists yet. It reports whether
	// the write was applied; an already-replied ask is a no-op.
	ApplyReply(ctx context.Context, id string, reply Reply, repliedAt time.Time) (bool, error)

	// UpdateChannelState moves the delivery state when the current state is
	// one of allowedFrom. It reports whether the transition was applied.
	UpdateChannelState(ctx context.Context, id string, state ChannelState, allowedFrom []ChannelState) (bool, error)

	// MarkSent stamps the post-send delivery state and provider handle.
	MarkSent(ctx context.Context, id string, state ChannelState, providerHandle string) error

	// MarkReminderSent stamps reminder_sent_at if absent.
	MarkReminderSent(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkChaseSent stamps chase_sent_at if absent.
	MarkChaseSent(ctx context.Context, id string, at time.Time) (bool, error)
	// MarkAutoEscalated stamps auto_escalated_at if absent.
	MarkAutoEscalated(ctx context.Context, id string, at time.Time) (bool, error)

	// MarkNoResponse terminally resolves an unanswered ask: reply becomes
	// no_response and auto_escalated_at is stamped, only while reply is
	// still absent.
	MarkNoResponse(ctx context.Context, id string, at time.Time) (bool, error)
}

// QueueStore persists the per-recipient outbound queue.
type QueueStore interface {
	// EnqueueItem inserts the item unless its dedupe key already exists.
	// It reports whether a new item was enqueued.
	EnqueueItem(ctx context.Context, record QueueItemRecord) (bool, error)

	// NextItem returns the oldest queued item for the recipient, or
	// ErrNotFound when the queue is empty.
	NextItem(ctx context.Context, recipient string) (QueueItemRecord, error)

	DeleteItem(ctx context.Context, id string) error

	// CountItems reports pending items for a recipient.
	CountItems(ctx context.Context, recipient string) (int, error)
}

// BadgeStore persists the derived badge projection.
type BadgeStore interface {
	PutBadge(ctx context.Context, record BadgeRecord) error
	GetBadge(ctx context.Context, actID string, dateISO string) (BadgeRecord, error)
}

// Store is the full persistence surface consumed by the engine.
type Store interface {
	AskStore
	QueueStore
	BadgeStore
	DirectoryStore
}
