package render

import (
	"strings"
	"testing"

	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func englishLocalizer() Localizer {
	return message.NewPrinter(language.English)
}

func TestRenderAskEmbedsReplyCodes(t *testing.T) {
	t.Parallel()

	out := Render(englishLocalizer(), Input{
		Kind:          storage.KindAsk,
		RecipientName: "Joan",
		DateISO:       "2026-06-01",
		VenueAddress:  "The Old Hall, York",
		FeePence:      25000,
		CorrelationID: "abc123",
	})

	if out.TemplateID != TemplateAvailabilityAsk {
		t.Fatalf("template = %q, want %q", out.TemplateID, TemplateAvailabilityAsk)
	}
	if out.Variables["yes"] != "YESabc123" {
		t.Fatalf("yes code = %q, want YESabc123", out.Variables["yes"])
	}
	if out.Variables["no"] != "NOLOCabc123" {
		t.Fatalf("no code = %q, want NOLOCabc123", out.Variables["no"])
	}
	if out.Variables["decline"] != "UNAVAILABLEabc123" {
		t.Fatalf("decline code = %q, want UNAVAILABLEabc123", out.Variables["decline"])
	}
	if !strings.Contains(out.FallbackText, "Joan") || !strings.Contains(out.FallbackText, "2026-06-01") {
		t.Fatalf("fallback missing details: %q", out.FallbackText)
	}
	if !strings.Contains(out.FallbackText, "£250") {
		t.Fatalf("fallback missing fee: %q", out.FallbackText)
	}
}

func TestRenderKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind storage.MessageKind
		want string
	}{
		{storage.KindReminder, TemplateReminder},
		{storage.KindChase, TemplateChase},
		{storage.KindMovedOn, TemplateMovedOn},
		{storage.KindAsk, TemplateAvailabilityAsk},
	}
	for _, tc := range cases {
		out := Render(englishLocalizer(), Input{Kind: tc.kind, RecipientName: "Joan", DateISO: "2026-06-01"})
		if out.TemplateID != tc.want {
			t.Fatalf("kind %s template = %q, want %q", tc.kind, out.TemplateID, tc.want)
		}
		if strings.TrimSpace(out.FallbackText) == "" {
			t.Fatalf("kind %s produced empty fallback", tc.kind)
		}
	}
}

func TestRenderDefaultsMissingName(t *testing.T) {
	t.Parallel()

	out := Render(englishLocalizer(), Input{Kind: storage.KindAsk, DateISO: "2026-06-01"})
	if !strings.Contains(out.FallbackText, "there") {
		t.Fatalf("expected generic salutation, got %q", out.FallbackText)
	}
}

func TestFormatFee(t *testing.T) {
	t.Parallel()

	if got := formatFee(25000); got != "£250" {
		t.Fatalf("formatFee(25000) = %q", got)
	}
	if got := formatFee(25050); got != "£250.50" {
		t.Fatalf("formatFee(25050) = %q", got)
	}
	if got := formatFee(0); got != "" {
		t.Fatalf("formatFee(0) = %q", got)
	}
}
