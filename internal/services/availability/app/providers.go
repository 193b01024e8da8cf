package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gigdesk/gigdesk/internal/platform/id"
	"github.com/gigdesk/gigdesk/internal/services/availability/domain"
	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
)

// webhookProvider delivers outbound messages by posting them to a channel
// bridge endpoint. The bridge owns the real provider credentials.
type webhookProvider struct {
	name   string
	url    string
	client *http.Client
}

func newWebhookProvider(name, url string, client *http.Client) *webhookProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &webhookProvider{name: name, url: url, client: client}
}

func (p *webhookProvider) Name() string { return p.name }

type webhookSendRequest struct {
	Recipient    string            `json:"recipient"`
	TemplateID   string            `json:"template_id"`
	Variables    map[string]string `json:"variables"`
	FallbackText string            `json:"fallback_text,omitempty"`
}

type webhookSendResponse struct {
	Handle string `json:"handle"`
	State  string `json:"state,omitempty"`
}

func (p *webhookProvider) Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
	payload, err := json.Marshal(webhookSendRequest{
		Recipient:    req.Recipient,
		TemplateID:   req.TemplateID,
		Variables:    req.Variables,
		FallbackText: req.FallbackText,
	})
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("encode send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("post to %s bridge: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.SendResult{}, fmt.Errorf("%s bridge returned %d: %s", p.name, resp.StatusCode, bytes.TrimSpace(body))
	}

	var decoded webhookSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return domain.SendResult{}, fmt.Errorf("decode %s bridge response: %w", p.name, err)
	}
	return domain.SendResult{
		Handle:  decoded.Handle,
		State:   storage.ChannelState(decoded.State),
		Channel: p.name,
	}, nil
}

// logProvider is the dry-run channel used without bridge configuration. It
// accepts every message and fabricates a provider handle so the rest of the
// lifecycle, including delivery callbacks, can be exercised locally.
type logProvider struct {
	name string
}

func (p *logProvider) Name() string { return p.name }

func (p *logProvider) Send(_ context.Context, req domain.SendRequest) (domain.SendResult, error) {
	handle, err := id.NewID()
	if err != nil {
		return domain.SendResult{}, err
	}
	log.Printf("dry-run %s send to %s template=%s handle=%s", p.name, req.Recipient, req.TemplateID, handle)
	return domain.SendResult{Handle: handle, State: storage.ChannelStateSent, Channel: p.name}, nil
}

// logCalendar records confirmed bookings to the process log when no
// calendar bridge is configured.
type logCalendar struct{}

func (logCalendar) AddAttendee(_ context.Context, event domain.CalendarEvent) error {
	log.Printf("calendar add: act=%s date=%s performer=%q", event.ActID, event.DateISO, event.MusicianName)
	return nil
}

// webhookCalendar posts confirmed bookings to a calendar bridge endpoint.
type webhookCalendar struct {
	url    string
	client *http.Client
}

func newWebhookCalendar(url string, client *http.Client) *webhookCalendar {
	if client == nil {
		client = http.DefaultClient
	}
	return &webhookCalendar{url: url, client: client}
}

type calendarEventPayload struct {
	ActID        string `json:"act_id"`
	DateISO      string `json:"date"`
	MusicianName string `json:"musician_name"`
	Recipient    string `json:"recipient"`
	VenueAddress string `json:"venue_address"`
}

func (c *webhookCalendar) AddAttendee(ctx context.Context, event domain.CalendarEvent) error {
	payload, err := json.Marshal(calendarEventPayload{
		ActID:        event.ActID,
		DateISO:      event.DateISO,
		MusicianName: event.MusicianName,
		Recipient:    event.Recipient,
		VenueAddress: event.VenueAddress,
	})
	if err != nil {
		return fmt.Errorf("encode calendar event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build calendar request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post calendar event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("calendar bridge returned %d", resp.StatusCode)
	}
	return nil
}
