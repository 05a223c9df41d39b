// Package api is the HTTP control surface: campaign and contact CRUD,
// campaign lifecycle actions, call inspection, and the live event
// stream. Provider webhooks and the media stream endpoint are mounted
// here but implemented by their own packages.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/camtang26/creative-ai-voice-platform/internal/api/middleware"
	"github.com/camtang26/creative-ai-voice-platform/internal/database"
	"github.com/camtang26/creative-ai-voice-platform/internal/events"
)

// Engine is the campaign execution engine surface the API drives.
type Engine interface {
	Start(ctx context.Context, campaignID string) error
	Pause(ctx context.Context, campaignID string) error
	Resume(ctx context.Context, campaignID string) error
	Stop(ctx context.Context, campaignID string) error
	Cancel(ctx context.Context, campaignID string) error
	IsRunning(campaignID string) bool
	ActiveCallCount(campaignID string) int
	RunningCampaigns() []string
}

// BridgeRegistry is the live media bridge surface used by call control.
type BridgeRegistry interface {
	Shutdown(callSID, reason, terminatedBy string) bool
	Len() int
}

// HangupClient ends a provider call leg when no bridge is live for it.
type HangupClient interface {
	HangUp(ctx context.Context, callSID string) error
}

// Options carries the dependencies for NewServer. Metrics, MediaStream,
// and the webhook handlers are mounted as-is when non-nil.
type Options struct {
	Engine     Engine
	Campaigns  database.CampaignRepository
	Contacts   database.ContactRepository
	Calls      database.CallRepository
	CallEvents database.CallEventRepository
	Bus        *events.Bus
	Bridges    BridgeRegistry
	Hangup     HangupClient

	TelephonyWebhook http.Handler
	AIWebhook        http.Handler
	MediaStream      http.Handler
	Metrics          http.Handler

	CORSOrigins []string
	TLSEnabled  bool
	StartTime   time.Time
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	opts    Options
	limiter *mw.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		opts:    opts,
		limiter: mw.NewIPRateLimiter(mw.DefaultRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background resources owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.StructuredLogger)
	r.Use(mw.Recoverer)
	r.Use(mw.SecurityHeaders(s.opts.TLSEnabled))
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(mw.CORS(s.opts.CORSOrigins))
	}

	// The telephony provider opens its media WebSocket against this
	// path; it is fixed by the stream control document.
	if s.opts.MediaStream != nil {
		r.Handle("/outbound-media-stream", s.opts.MediaStream)
	}
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	// API routes under /api/v1.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Control routes are rate limited per client IP. Webhooks are
		// not: callback volume scales with concurrent calls.
		r.Group(func(r chi.Router) {
			r.Use(mw.RateLimit(s.limiter))

			r.Get("/system/status", s.handleSystemStatus)
			r.Get("/events/ws", s.handleEventStream)

			r.Route("/campaigns", func(r chi.Router) {
				r.Get("/", s.handleListCampaigns)
				r.Post("/", s.handleCreateCampaign)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetCampaign)
					r.Put("/", s.handleUpdateCampaign)
					r.Delete("/", s.handleDeleteCampaign)

					r.Post("/start", s.handleCampaignAction(actionStart))
					r.Post("/pause", s.handleCampaignAction(actionPause))
					r.Post("/resume", s.handleCampaignAction(actionResume))
					r.Post("/stop", s.handleCampaignAction(actionStop))
					r.Post("/cancel", s.handleCampaignAction(actionCancel))

					r.Get("/contacts", s.handleListCampaignContacts)
					r.Post("/contacts", s.handleAddCampaignContacts)
					r.Post("/contacts/{contactID}/do-not-call", s.handleMarkDoNotCall)
					r.Get("/calls", s.handleListCampaignCalls)
				})
			})

			r.Route("/contacts", func(r chi.Router) {
				r.Get("/", s.handleLookupContact)
				r.Post("/", s.handleCreateContact)
				r.Get("/{id}", s.handleGetContact)
			})

			r.Route("/calls", func(r chi.Router) {
				r.Get("/active", s.handleListActiveCalls)
				r.Route("/{sid}", func(r chi.Router) {
					r.Get("/", s.handleGetCall)
					r.Post("/hangup", s.handleHangupCall)
					r.Get("/events", s.handleListCallEvents)
				})
			})
		})

		r.Route("/webhooks", func(r chi.Router) {
			if s.opts.TelephonyWebhook != nil {
				r.Method(http.MethodPost, "/telephony", s.opts.TelephonyWebhook)
			}
			if s.opts.AIWebhook != nil {
				r.Method(http.MethodPost, "/ai", s.opts.AIWebhook)
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
