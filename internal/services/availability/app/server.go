// Package app composes the availability engine behind its HTTP boundary:
// booking requests in, provider callbacks in, badge reads out, and the
// periodic escalation sweep.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gigdesk/gigdesk/internal/platform/id"
	"github.com/gigdesk/gigdesk/internal/platform/timeouts"
	"github.com/gigdesk/gigdesk/internal/services/availability/domain"
	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
	"github.com/gigdesk/gigdesk/internal/services/availability/storage/sqlite"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const tracerName = "gigdesk/availability"

// Config defines the inputs for the availability service boundary.
type Config struct {
	HTTPAddr       string
	DBPath         string
	LineupSeedPath string

	// ChatBridgeURL and SMSBridgeURL point at the channel bridge endpoints.
	// When empty the corresponding channel runs as a dry-run log provider.
	ChatBridgeURL     string
	SMSBridgeURL      string
	CalendarBridgeURL string

	SweepInterval     time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the availability HTTP process and its sweep loop.
type Server struct {
	httpAddr        string
	sweepInterval   time.Duration
	shutdownTimeout time.Duration
	httpServer      *http.Server
	service         *domain.Service
	store           *sqlite.Store
}

// NewServer builds the availability server from configuration.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	if config.HTTPAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if config.LineupSeedPath != "" {
		lineups, err := LoadLineupSeed(config.LineupSeedPath)
		if err != nil {
			store.Close()
			return nil, err
		}
		if err := SeedLineups(ctx, store, lineups); err != nil {
			store.Close()
			return nil, err
		}
		log.Printf("seeded %d lineups from %s", len(lineups), config.LineupSeedPath)
	}

	var primary domain.ChannelProvider = &logProvider{name: "chat"}
	if config.ChatBridgeURL != "" {
		primary = newWebhookProvider("chat", config.ChatBridgeURL, nil)
	}
	var fallback domain.ChannelProvider = &logProvider{name: "sms"}
	if config.SMSBridgeURL != "" {
		fallback = newWebhookProvider("sms", config.SMSBridgeURL, nil)
	}
	var calendar domain.Calendar = logCalendar{}
	if config.CalendarBridgeURL != "" {
		calendar = newWebhookCalendar(config.CalendarBridgeURL, nil)
	}

	gateway, err := domain.NewGateway(primary, fallback, log.Printf)
	if err != nil {
		store.Close()
		return nil, err
	}
	service, err := domain.NewService(domain.ServiceConfig{
		Store:       store,
		Gateway:     gateway,
		Calendar:    calendar,
		Localizer:   message.NewPrinter(language.English),
		Policy:      domain.DefaultEscalationPolicy,
		NewID:       id.NewID,
		Logf:        log.Printf,
		SendTimeout: timeouts.ProviderSend,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	server := &Server{
		httpAddr:        config.HTTPAddr,
		sweepInterval:   config.SweepInterval,
		shutdownTimeout: config.ShutdownTimeout,
		service:         service,
		store:           store,
	}
	server.httpServer = &http.Server{
		Addr:              config.HTTPAddr,
		Handler:           server.handler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return server, nil
}

// Run creates and serves an availability server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(ctx, config)
	if err != nil {
		return fmt.Errorf("init availability server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve availability: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server and the sweep loop until the context
// ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("availability server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		serveErr := make(chan error, 1)
		log.Printf("availability server listening on %s", s.httpAddr)
		go func() {
			serveErr <- s.httpServer.ListenAndServe()
		}()
		select {
		case <-groupCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown http server: %w", err)
			}
			return nil
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})

	group.Go(func() error {
		s.sweepLoop(groupCtx)
		return nil
	})

	return group.Wait()
}

// Close releases the server's persistent resources.
func (s *Server) Close() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}

// sweepLoop runs the escalation sweep on a fixed interval until the context
// ends.
func (s *Server) sweepLoop(ctx context.Context) {
	tracer := otel.Tracer(tracerName)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, span := tracer.Start(ctx, "availability.sweep")
			result, err := s.service.RunEscalationSweep(sweepCtx, time.Now())
			if err != nil {
				span.RecordError(err)
				log.Printf("escalation sweep: %v", err)
			} else if result.Reminded+result.Chased+result.Escalated > 0 {
				log.Printf("escalation sweep: examined=%d reminded=%d chased=%d escalated=%d",
					result.Examined, result.Reminded, result.Chased, result.Escalated)
			}
			span.End()
		}
	}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/availability/requests", s.handleRequestAvailability)
	mux.HandleFunc("POST /v1/callbacks/inbound", s.handleInbound)
	mux.HandleFunc("POST /v1/callbacks/status", s.handleDeliveryStatus)
	mux.HandleFunc("GET /v1/acts/{actID}/dates/{date}/badge", s.handleGetBadge)
	mux.HandleFunc("POST /v1/acts/{actID}/dates/{date}/badge/rebuild", s.handleRebuildBadge)
	return mux
}

type availabilityRequestPayload struct {
	ActID        string `json:"act_id"`
	LineupID     string `json:"lineup_id"`
	Date         string `json:"date"`
	VenueAddress string `json:"venue_address"`
	FeePence     int64  `json:"fee_pence"`
	RoleFilter   string `json:"role_filter,omitempty"`
}

type askOutcomePayload struct {
	AskID      string `json:"ask_id,omitempty"`
	MusicianID string `json:"musician_id"`
	Recipient  string `json:"recipient,omitempty"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleRequestAvailability(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "availability.request")
	defer span.End()

	var payload availabilityRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	outcomes, err := s.service.RequestAvailability(ctx, domain.AvailabilityRequest{
		ActID:        payload.ActID,
		LineupID:     payload.LineupID,
		DateISO:      payload.Date,
		VenueAddress: payload.VenueAddress,
		FeePence:     payload.FeePence,
		RoleFilter:   payload.RoleFilter,
	})
	if err != nil {
		span.RecordError(err)
		writeError(w, requestStatusCode(err), err.Error())
		return
	}

	response := make([]askOutcomePayload, 0, len(outcomes))
	for _, outcome := range outcomes {
		entry := askOutcomePayload{
			AskID:      outcome.AskID,
			MusicianID: outcome.MusicianID,
			Recipient:  outcome.Recipient,
			Outcome:    outcome.Outcome,
		}
		if outcome.Err != nil {
			entry.Error = outcome.Err.Error()
		}
		response = append(response, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": response})
}

func requestStatusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrLineupNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrActIDRequired),
		errors.Is(err, domain.ErrLineupIDRequired),
		errors.Is(err, domain.ErrDateRequired),
		errors.Is(err, domain.ErrDateInvalid),
		errors.Is(err, domain.ErrVenueAddressRequired),
		errors.Is(err, domain.ErrNoMatchingMembers):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type inboundPayload struct {
	From          string `json:"from"`
	Body          string `json:"body"`
	ButtonPayload string `json:"button_payload,omitempty"`
}

// handleInbound acknowledges every provider callback with 200 so providers
// never retry messages the engine chose to ignore.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "availability.inbound")
	defer span.End()

	var payload inboundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.service.IngestInboundReply(ctx, domain.InboundReply{
		From:          payload.From,
		Body:          payload.Body,
		ButtonPayload: payload.ButtonPayload,
	})
	if err != nil {
		span.RecordError(err)
		log.Printf("inbound from %s: %v", payload.From, err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recognized": result.Recognized,
		"applied":    result.Applied,
	})
}

type deliveryStatusPayload struct {
	Handle string `json:"handle"`
	Status string `json:"status"`
}

func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "availability.delivery_status")
	defer span.End()

	var payload deliveryStatusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.service.IngestDeliveryStatus(ctx, domain.DeliveryStatus{
		ProviderHandle: payload.Handle,
		Status:         payload.Status,
	}); err != nil {
		span.RecordError(err)
		log.Printf("delivery status %s: %v", payload.Handle, err)
	}
	w.WriteHeader(http.StatusOK)
}

type badgeDeputyPayload struct {
	MusicianID   string `json:"musician_id"`
	VocalistName string `json:"vocalist_name"`
	PhotoURL     string `json:"photo_url,omitempty"`
	ProfileURL   string `json:"profile_url,omitempty"`
	RepliedAt    int64  `json:"replied_at"`
}

type badgePayload struct {
	ActID        string               `json:"act_id"`
	Date         string               `json:"date"`
	Active       bool                 `json:"active"`
	IsDeputy     bool                 `json:"is_deputy"`
	VocalistName string               `json:"vocalist_name,omitempty"`
	MusicianID   string               `json:"musician_id,omitempty"`
	PhotoURL     string               `json:"photo_url,omitempty"`
	ProfileURL   string               `json:"profile_url,omitempty"`
	VenueAddress string               `json:"venue_address,omitempty"`
	SetAt        int64                `json:"set_at,omitempty"`
	Deputies     []badgeDeputyPayload `json:"deputies"`
}

func badgeToPayload(badge storage.BadgeRecord) badgePayload {
	payload := badgePayload{
		ActID:        badge.ActID,
		Date:         badge.DateISO,
		Active:       badge.Active,
		IsDeputy:     badge.IsDeputy,
		VocalistName: badge.VocalistName,
		MusicianID:   badge.MusicianID,
		PhotoURL:     badge.PhotoURL,
		ProfileURL:   badge.ProfileURL,
		VenueAddress: badge.VenueAddress,
		Deputies:     []badgeDeputyPayload{},
	}
	if !badge.SetAt.IsZero() {
		payload.SetAt = badge.SetAt.UnixMilli()
	}
	for _, deputy := range badge.Deputies {
		payload.Deputies = append(payload.Deputies, badgeDeputyPayload{
			MusicianID:   deputy.MusicianID,
			VocalistName: deputy.VocalistName,
			PhotoURL:     deputy.PhotoURL,
			ProfileURL:   deputy.ProfileURL,
			RepliedAt:    deputy.RepliedAt,
		})
	}
	return payload
}

func (s *Server) handleGetBadge(w http.ResponseWriter, r *http.Request) {
	badge, err := s.service.GetBadge(r.Context(), r.PathValue("actID"), r.PathValue("date"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no badge for this act and date")
			return
		}
		writeError(w, http.StatusInternalServerError, "badge lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, badgeToPayload(badge))
}

func (s *Server) handleRebuildBadge(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "availability.badge_rebuild")
	defer span.End()

	badge, err := s.service.ForceRebuildBadge(ctx, r.PathValue("actID"), r.PathValue("date"))
	if err != nil {
		span.RecordError(err)
		writeError(w, requestStatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, badgeToPayload(badge))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
