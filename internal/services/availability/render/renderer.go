// Package render produces outbound message payloads for the availability
// engine: the structured template id plus variables for the primary chat
// channel and the pre-rendered plain-text fallback for the SMS channel.
package render

import (
	"fmt"
	"strings"

	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
	"golang.org/x/text/message"
)

// Template ids registered with the primary channel provider.
const (
	TemplateAvailabilityAsk = "availability_ask_v2"
	TemplateReminder        = "availability_reminder_v1"
	TemplateChase           = "availability_chase_v1"
	TemplateMovedOn         = "availability_moved_on_v1"
)

// Localizer is the minimal message-printer contract required by the renderer.
type Localizer interface {
	Sprintf(key message.Reference, args ...any) string
}

// Input describes one outbound message to render.
type Input struct {
	Kind          storage.MessageKind
	RecipientName string
	DateISO       string
	VenueAddress  string
	FeePence      int64
	DutyRole      string
	// CorrelationID is embedded in reply codes so inbound replies can be
	// matched without guessing.
	CorrelationID string
}

// Output is one rendered outbound message.
type Output struct {
	TemplateID   string
	Variables    map[string]string
	FallbackText string
}

// Render returns the channel payload for one outbound message.
func Render(loc Localizer, input Input) Output {
	name := strings.TrimSpace(input.RecipientName)
	if name == "" {
		name = localize(loc, "availability.generic.name")
	}
	fee := formatFee(input.FeePence)

	variables := map[string]string{
		"name":    name,
		"date":    input.DateISO,
		"venue":   input.VenueAddress,
		"fee":     fee,
		"role":    input.DutyRole,
		"yes":     ReplyCodeYes(input.CorrelationID),
		"no":      ReplyCodeNo(input.CorrelationID),
		"decline": ReplyCodeUnavailable(input.CorrelationID),
	}

	switch input.Kind {
	case storage.KindReminder:
		return Output{
			TemplateID:   TemplateReminder,
			Variables:    variables,
			FallbackText: localize(loc, "availability.reminder.fallback", name, input.DateISO),
		}
	case storage.KindChase:
		return Output{
			TemplateID:   TemplateChase,
			Variables:    variables,
			FallbackText: localize(loc, "availability.chase.fallback", name, input.DateISO, input.VenueAddress),
		}
	case storage.KindMovedOn:
		return Output{
			TemplateID:   TemplateMovedOn,
			Variables:    variables,
			FallbackText: localize(loc, "availability.moved_on.fallback", name, input.DateISO),
		}
	default:
		return Output{
			TemplateID:   TemplateAvailabilityAsk,
			Variables:    variables,
			FallbackText: localize(loc, "availability.ask.fallback", name, input.DateISO, input.VenueAddress, fee, ReplyCodeYes(input.CorrelationID), ReplyCodeNo(input.CorrelationID)),
		}
	}
}

// ReplyCodeYes is the structured YES reply code carrying the correlation id.
func ReplyCodeYes(correlationID string) string {
	return "YES" + strings.TrimSpace(correlationID)
}

// ReplyCodeNo is the structured NO reply code carrying the correlation id.
func ReplyCodeNo(correlationID string) string {
	return "NOLOC" + strings.TrimSpace(correlationID)
}

// ReplyCodeUnavailable is the structured already-booked reply code.
func ReplyCodeUnavailable(correlationID string) string {
	return "UNAVAILABLE" + strings.TrimSpace(correlationID)
}

func formatFee(pence int64) string {
	if pence <= 0 {
		return ""
	}
	if pence%100 == 0 {
		return fmt.Sprintf("£%d", pence/100)
	}
	return fmt.Sprintf("£%d.%02d", pence/100, pence%100)
}

func localize(loc Localizer, key string, args ...any) string {
	if loc == nil {
		return key
	}
	return loc.Sprintf(key, args...)
}
