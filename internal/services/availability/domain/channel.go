package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
)

// SendRequest is one outbound message handed to a channel provider.
type SendRequest struct {
	Recipient    string
	TemplateID   string
	Variables    map[string]string
	FallbackText string
}

// SendResult reports the provider's acceptance of one message.
type SendResult struct {
	// Handle is the provider's message id, used to correlate delivery
	// status callbacks.
	Handle string
	// State is the provider-reported acceptance state; empty means sent.
	State storage.ChannelState
	// Channel names the provider that accepted the message.
	Channel string
}

// ChannelProvider sends one message over one messaging channel.
type ChannelProvider interface {
	Name() string
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// CalendarEvent is the fire-and-forget calendar side effect of a YES reply.
type CalendarEvent struct {
	ActID        string
	DateISO      string
	MusicianName string
	Recipient    string
	VenueAddress string
}

// Calendar adds a confirmed performer to the booking calendar. Failures
// never affect engine state.
type Calendar interface {
	AddAttendee(ctx context.Context, event CalendarEvent) error
}

// Gateway sends through a primary channel with a single fallback-channel
// compensation attempt on failure.
type Gateway struct {
	primary  ChannelProvider
	fallback ChannelProvider
	logf     func(format string, args ...any)
}

// NewGateway constructs a channel gateway. The fallback provider is
// optional; logf may be nil.
func NewGateway(primary ChannelProvider, fallback ChannelProvider, logf func(format string, args ...any)) (*Gateway, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary channel provider is required")
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Gateway{primary: primary, fallback: fallback, logf: logf}, nil
}

// Send attempts the primary channel, then the fallback channel with the
// pre-rendered fallback text. It returns an error only when every channel
// refused the message.
func (g *Gateway) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if g == nil || g.primary == nil {
		return SendResult{}, ErrGatewayNotConfigured
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return SendResult{}, fmt.Errorf("recipient is required")
	}

	result, primaryErr := g.primary.Send(ctx, req)
	if primaryErr == nil {
		if result.State == "" {
			result.State = storage.ChannelStateSent
		}
		if result.Channel == "" {
			result.Channel = g.primary.Name()
		}
		return result, nil
	}

	if g.fallback == nil {
		return SendResult{}, fmt.Errorf("send via %s: %w", g.primary.Name(), primaryErr)
	}
	g.logf("channel %s refused message to %s, trying %s: %v",
		g.primary.Name(), req.Recipient, g.fallback.Name(), primaryErr)

	result, fallbackErr := g.fallback.Send(ctx, req)
	if fallbackErr != nil {
		return SendResult{}, fmt.Errorf("send via %s then %s: %w",
			g.primary.Name(), g.fallback.Name(), fallbackErr)
	}
	if result.State == "" {
		result.State = storage.ChannelStateSent
	}
	if result.Channel == "" {
		result.Channel = g.fallback.Name()
	}
	return result, nil
}
