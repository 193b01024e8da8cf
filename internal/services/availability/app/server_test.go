package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

const seedYAML = `lineups:
  - act_id: act-soul
    lineup_id: trio
    name: Soul Trio
    members:
      - musician_id: m-lead
        name: Ava Stone
        phone: "+447700900001"
        duty_role: vocals
        lead: true
        fee_pence: 25000
        photo_url: https://cdn.example.com/ava.jpg
        profile_url: https://example.com/ava
        deputies:
          - musician_id: m-dep1
            name: Billie Reed
            phone: "+447700900011"
            photo_url: https://cdn.example.com/billie.jpg
            profile_url: https://example.com/billie
      - musician_id: m-tech
        name: Eli Park
        phone: "+447700900099"
        duty_role: sound
        lead: false
`

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	dir := t.TempDir()
	seedPath := filepath.Join(dir, "lineups.yaml")
	if err := os.WriteFile(seedPath, []byte(seedYAML), 0o600); err != nil {
		t.Fatalf("write seed file: %v", err)
	}

	server, err := NewServer(context.Background(), Config{
		HTTPAddr:       "127.0.0.1:0",
		DBPath:         filepath.Join(dir, "availability.db"),
		LineupSeedPath: seedPath,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(server.Close)

	httpServer := httptest.NewServer(server.handler())
	t.Cleanup(httpServer.Close)
	return server, httpServer
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestServer_RequestReplyBadgeRoundTrip(t *testing.T) {
	_, httpServer := newTestServer(t)

	var requested struct {
		Outcomes []askOutcomePayload `json:"outcomes"`
	}
	resp := postJSON(t, httpServer.URL+"/v1/availability/requests", availabilityRequestPayload{
		ActID:        "act-soul",
		LineupID:     "trio",
		Date:         "2026-09-12",
		VenueAddress: "The Old Crown, Leeds",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request status = %d, want 200", resp.StatusCode)
	}
	decodeJSON(t, resp, &requested)
	if len(requested.Outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1 lead", len(requested.Outcomes))
	}
	if requested.Outcomes[0].Outcome != "created" {
		t.Fatalf("outcome = %q, want created", requested.Outcomes[0].Outcome)
	}
	askID := requested.Outcomes[0].AskID
	if askID == "" {
		t.Fatal("missing ask id")
	}

	// Re-requesting the same booking is a per-recipient no-op.
	resp = postJSON(t, httpServer.URL+"/v1/availability/requests", availabilityRequestPayload{
		ActID:        "act-soul",
		LineupID:     "trio",
		Date:         "2026-09-12",
		VenueAddress: "The Old Crown, Leeds",
	})
	decodeJSON(t, resp, &requested)
	if requested.Outcomes[0].Outcome != "duplicate_skipped" {
		t.Fatalf("repeat outcome = %q, want duplicate_skipped", requested.Outcomes[0].Outcome)
	}

	var inbound struct {
		Recognized bool `json:"recognized"`
		Applied    bool `json:"applied"`
	}
	resp = postJSON(t, httpServer.URL+"/v1/callbacks/inbound", inboundPayload{
		From: "+447700900001",
		Body: "YES" + askID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("inbound status = %d, want 200", resp.StatusCode)
	}
	decodeJSON(t, resp, &inbound)
	if !inbound.Recognized || !inbound.Applied {
		t.Fatalf("inbound = %+v, want recognized and applied", inbound)
	}

	var badge badgePayload
	resp, err := http.Get(httpServer.URL + "/v1/acts/act-soul/dates/2026-09-12/badge")
	if err != nil {
		t.Fatalf("get badge: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("badge status = %d, want 200", resp.StatusCode)
	}
	decodeJSON(t, resp, &badge)
	if !badge.Active || badge.VocalistName != "Ava Stone" {
		t.Fatalf("badge = %+v, want active Ava Stone", badge)
	}

	var rebuilt badgePayload
	resp = postJSON(t, httpServer.URL+"/v1/acts/act-soul/dates/2026-09-12/badge/rebuild", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rebuild status = %d, want 200", resp.StatusCode)
	}
	decodeJSON(t, resp, &rebuilt)
	if rebuilt.MusicianID != badge.MusicianID || rebuilt.SetAt != badge.SetAt {
		t.Fatalf("rebuild changed badge: %+v vs %+v", rebuilt, badge)
	}
}

func TestServer_UnknownBadgeReturnsNotFound(t *testing.T) {
	_, httpServer := newTestServer(t)

	resp, err := http.Get(httpServer.URL + "/v1/acts/nobody/dates/2026-09-12/badge")
	if err != nil {
		t.Fatalf("get badge: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_InvalidAvailabilityRequestRejected(t *testing.T) {
	_, httpServer := newTestServer(t)

	resp := postJSON(t, httpServer.URL+"/v1/availability/requests", availabilityRequestPayload{
		ActID:    "act-soul",
		LineupID: "trio",
		Date:     "12/09/2026",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_UnknownLineupReturnsNotFound(t *testing.T) {
	_, httpServer := newTestServer(t)

	resp := postJSON(t, httpServer.URL+"/v1/availability/requests", availabilityRequestPayload{
		ActID:        "act-soul",
		LineupID:     "nope",
		Date:         "2026-09-12",
		VenueAddress: "The Old Crown, Leeds",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_UnrecognizedInboundStillAcknowledged(t *testing.T) {
	_, httpServer := newTestServer(t)

	var inbound struct {
		Recognized bool `json:"recognized"`
		Applied    bool `json:"applied"`
	}
	resp := postJSON(t, httpServer.URL+"/v1/callbacks/inbound", inboundPayload{
		From: "+447700900400",
		Body: "who is this?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	decodeJSON(t, resp, &inbound)
	if inbound.Recognized || inbound.Applied {
		t.Fatalf("inbound = %+v, want neither recognized nor applied", inbound)
	}
}

func TestServer_DeliveryStatusCallback(t *testing.T) {
	server, httpServer := newTestServer(t)

	var requested struct {
		Outcomes []askOutcomePayload `json:"outcomes"`
	}
	resp := postJSON(t, httpServer.URL+"/v1/availability/requests", availabilityRequestPayload{
		ActID:        "act-soul",
		LineupID:     "trio",
		Date:         "2026-09-12",
		VenueAddress: "The Old Crown, Leeds",
	})
	decodeJSON(t, resp, &requested)
	askID := requested.Outcomes[0].AskID

	ask, err := server.store.GetAsk(context.Background(), askID)
	if err != nil {
		t.Fatalf("load ask: %v", err)
	}
	if ask.ProviderHandle == "" {
		t.Fatal("ask has no provider handle after dry-run send")
	}

	resp = postJSON(t, httpServer.URL+"/v1/callbacks/status", deliveryStatusPayload{
		Handle: ask.ProviderHandle,
		Status: "delivered",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status callback = %d, want 200", resp.StatusCode)
	}

	ask, err = server.store.GetAsk(context.Background(), askID)
	if err != nil {
		t.Fatalf("reload ask: %v", err)
	}
	if got := string(ask.ChannelState); got != "delivered" {
		t.Fatalf("channel state = %q, want delivered", got)
	}
}
