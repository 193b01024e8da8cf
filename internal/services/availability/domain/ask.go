// Package domain implements the availability allocation and escalation
// engine: recipient-queued outbound asks, the availability-reply state
// machine, timed chase/escalation, deputy-chain resolution, and the badge
// projection.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
)

var (
	// ErrStoreNotConfigured indicates the service is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("availability store is not configured")
	// ErrGatewayNotConfigured indicates the service is missing channel wiring.
	ErrGatewayNotConfigured = errors.New("channel gateway is not configured")
	// ErrIDGeneratorNotConfigured indicates an ID generator is required.
	ErrIDGeneratorNotConfigured = errors.New("id generator is not configured")
	// ErrIDGeneratorExhausted indicates a fixed test ID sequence was exhausted.
	ErrIDGeneratorExhausted = errors.New("id generator exhausted")
	// ErrActIDRequired indicates an act id is required.
	ErrActIDRequired = errors.New("act id is required")
	// ErrLineupIDRequired indicates a lineup id is required.
	ErrLineupIDRequired = errors.New("lineup id is required")
	// ErrDateRequired indicates an ISO date is required.
	ErrDateRequired = errors.New("date is required")
	// ErrDateInvalid indicates the date is not a valid ISO calendar date.
	ErrDateInvalid = errors.New("date must be an ISO calendar date")
	// ErrVenueAddressRequired indicates a venue address is required.
	ErrVenueAddressRequired = errors.New("venue address is required")
	// ErrLineupNotFound indicates the referenced lineup does not exist.
	ErrLineupNotFound = errors.New("lineup not found")
	// ErrNoMatchingMembers indicates the role filter excluded every member.
	ErrNoMatchingMembers = errors.New("no lineup members match the requested role")
)

// channelStateRank orders the forward delivery progression. Undelivered and
// failed sit outside the progression: they may be entered from any forward
// state before read, and corrected back by a later fallback success.
var channelStateRank = map[storage.ChannelState]int{
	storage.ChannelStateQueued:    0,
	storage.ChannelStateSent:      1,
	storage.ChannelStateDelivered: 2,
	storage.ChannelStateRead:      3,
}

// allowedSourceStates returns the delivery states from which a transition to
// target is legal.
func allowedSourceStates(target storage.ChannelState) []storage.ChannelState {
	switch target {
	case storage.ChannelStateUndelivered, storage.ChannelStateFailed:
		return []storage.ChannelState{
			storage.ChannelStateQueued,
			storage.ChannelStateSent,
			storage.ChannelStateDelivered,
		}
	default:
		rank, ok := channelStateRank[target]
		if !ok {
			return nil
		}
		sources := []storage.ChannelState{
			storage.ChannelStateUndelivered,
			storage.ChannelStateFailed,
		}
		for state, stateRank := range channelStateRank {
			if stateRank < rank {
				sources = append(sources, state)
			}
		}
		return sources
	}
}

// queueDedupeKey derives the content address preventing duplicate pending
// sends for the same recipient, purpose, and booking context.
func queueDedupeKey(recipient string, kind storage.MessageKind, actID, dateISO, venueAddress string) string {
	return strings.Join([]string{
		recipient,
		string(kind),
		actID,
		dateISO,
		addressShort(venueAddress),
	}, "|")
}

// addressShort compresses a venue address into a short stable token so two
// bookings at different venues on the same date produce distinct asks.
func addressShort(venueAddress string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(venueAddress) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() >= 16 {
				break
			}
		}
	}
	return b.String()
}

// validateDateISO checks dateISO is a real ISO calendar date.
func validateDateISO(dateISO string) error {
	if strings.TrimSpace(dateISO) == "" {
		return ErrDateRequired
	}
	if _, err := time.Parse("2006-01-02", dateISO); err != nil {
		return fmt.Errorf("%w: %q", ErrDateInvalid, dateISO)
	}
	return nil
}
