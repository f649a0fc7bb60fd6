// Package api serves the campaign management HTTP API, the telephony webhook
// and media-stream endpoints, and the WebRTC signaling socket.
package api

import (
	"log/slog"
	"net/http"

	"github.com/voicelane/voicelane/internal/artifacts"
	"github.com/voicelane/voicelane/internal/bus"
	"github.com/voicelane/voicelane/internal/campaign"
	"github.com/voicelane/voicelane/internal/jobs"
	"github.com/voicelane/voicelane/internal/store"
	"github.com/voicelane/voicelane/internal/telephony"
)

// orgHeader carries the caller's organization, resolved upstream by the
// authenticating proxy.
const orgHeader = "X-Organization-ID"

// Server holds the handler dependencies. Construct once and register its
// routes on a mux.
type Server struct {
	store    *store.Store
	bus      *bus.Bus
	queue    *jobs.Queue
	breaker  *campaign.Breaker
	pub      *campaign.Publisher
	source   campaign.SourceReader
	storage  artifacts.Storage
	registry *telephony.Registry
	sessions telephony.SessionFactory
	rtc      RTCConnector

	// publicBase is the externally reachable origin, used to reconstruct
	// webhook URLs for signature verification.
	publicBase string

	// localEnv disables the private-address ICE candidate filter for
	// development against localhost peers.
	localEnv bool

	logger *slog.Logger
}

// Config wires a Server.
type Config struct {
	Store      *store.Store
	Bus        *bus.Bus
	Queue      *jobs.Queue
	Breaker    *campaign.Breaker
	Publisher  *campaign.Publisher
	Source     campaign.SourceReader
	Storage    artifacts.Storage
	Registry   *telephony.Registry
	Sessions   telephony.SessionFactory
	RTC        RTCConnector
	PublicBase string
	LocalEnv   bool
	Logger     *slog.Logger
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	return &Server{
		store:      cfg.Store,
		bus:        cfg.Bus,
		queue:      cfg.Queue,
		breaker:    cfg.Breaker,
		pub:        cfg.Publisher,
		source:     cfg.Source,
		storage:    cfg.Storage,
		registry:   cfg.Registry,
		sessions:   cfg.Sessions,
		rtc:        cfg.RTC,
		publicBase: cfg.PublicBase,
		localEnv:   cfg.LocalEnv,
		logger:     cfg.Logger.With("component", "api"),
	}
}

// Register adds all routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /campaign/create", s.handleCreateCampaign)
	mux.HandleFunc("GET /campaign/", s.handleListCampaigns)
	mux.HandleFunc("GET /campaign/{id}", s.handleGetCampaign)
	mux.HandleFunc("POST /campaign/{id}/start", s.handleStartCampaign)
	mux.HandleFunc("POST /campaign/{id}/pause", s.handlePauseCampaign)
	mux.HandleFunc("POST /campaign/{id}/resume", s.handleResumeCampaign)
	mux.HandleFunc("PATCH /campaign/{id}", s.handlePatchCampaign)
	mux.HandleFunc("GET /campaign/{id}/runs", s.handleListRuns)
	mux.HandleFunc("GET /campaign/{id}/progress", s.handleProgress)
	mux.HandleFunc("GET /campaign/{id}/source-download-url", s.handleSourceDownloadURL)

	mux.HandleFunc("POST /v1/calls/answer", s.handleAnswer)
	mux.HandleFunc("POST /v1/calls/status", s.handleStatusCallback)
	mux.HandleFunc("POST /v1/calls/inbound", s.handleInbound)
	mux.HandleFunc("POST /transfer-result/{transfer_id}", s.handleTransferResult)
	mux.HandleFunc("GET /v1/calls/media/{provider}", s.handleMedia)
	mux.HandleFunc("GET /v1/webrtc/signaling", s.handleSignaling)
}

// orgID extracts the caller's organization or fails with an authorization
// error.
func orgID(r *http.Request) (string, error) {
	id := r.Header.Get(orgHeader)
	if id == "" {
		return "", authorizationf("missing %s header", orgHeader)
	}
	return id, nil
}
