package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voicelane/voicelane/internal/artifacts"
	"github.com/voicelane/voicelane/internal/store"
	"github.com/voicelane/voicelane/internal/telephony"
	"github.com/voicelane/voicelane/internal/transfer"
)

// handleAnswer serves the provider's answer webhook: the call was picked up
// and the provider asks how to proceed. The response document establishes the
// media stream for the run named in the query.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}
	params, err := formParams(r)
	if err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	run, err := s.store.GetWorkflowRun(r.Context(), runID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, "unknown run", status)
		return
	}
	wf, err := s.store.GetWorkflow(r.Context(), "", run.WorkflowID)
	if err != nil {
		http.Error(w, "unknown workflow", http.StatusInternalServerError)
		return
	}
	provider, err := s.providerForOrg(r, wf.OrganizationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !provider.VerifyWebhookSignature(s.publicBase+r.URL.RequestURI(), params, signatureFromRequest(provider.Name(), r)) {
		s.logger.Warn("rejected webhook with bad signature", "run_id", runID)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	contentType, body, err := provider.WebhookResponse(run.WorkflowID, wf.OrganizationID, run.ID)
	if err != nil {
		s.logger.Error("render answer document", "run_id", runID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write([]byte(body))
}

// handleStatusCallback ingests provider call-status events. Terminal statuses
// of calls that never connected (busy, no-answer, failed) have no media
// session to finish them, so the completion job is enqueued here; answered
// calls are finished by their pipeline.
func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	params, err := formParams(r)
	if err != nil || runID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	run, err := s.store.GetWorkflowRun(r.Context(), runID)
	if err != nil {
		http.Error(w, "unknown run", http.StatusNotFound)
		return
	}
	wf, err := s.store.GetWorkflow(r.Context(), "", run.WorkflowID)
	if err != nil {
		http.Error(w, "unknown workflow", http.StatusInternalServerError)
		return
	}
	provider, err := s.providerForOrg(r, wf.OrganizationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !provider.VerifyWebhookSignature(s.publicBase+r.URL.RequestURI(), params, signatureFromRequest(provider.Name(), r)) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	cb, err := provider.ParseStatusCallback(params)
	if err != nil {
		http.Error(w, "unparseable status callback", http.StatusBadRequest)
		return
	}
	s.logger.Info("call status",
		"run_id", runID, "call_id", cb.CallID, "status", cb.Status)

	switch cb.Status {
	case "busy", "no-answer", "failed":
		payload, _ := json.Marshal(artifacts.CompletionArgs{
			RunID:           runID,
			EndReason:       "CALL_NOT_ANSWERED",
			CallStatus:      cb.Status,
			DurationSeconds: int(cb.Duration.Seconds()),
		})
		if err := s.queue.Enqueue(r.Context(), artifacts.JobCompleteCall, payload); err != nil {
			s.logger.Error("enqueue completion for unanswered call", "run_id", runID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTransferResult receives status events for transfer legs and turns
// them into transfer lifecycle events for the waiting coordinator.
func (s *Server) handleTransferResult(w http.ResponseWriter, r *http.Request) {
	transferID := r.PathValue("transfer_id")
	params, err := formParams(r)
	if err != nil || transferID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var cb *telephony.StatusCallback
	for _, p := range s.registry.All() {
		if parsed, perr := p.ParseStatusCallback(params); perr == nil {
			cb = parsed
			break
		}
	}
	if cb == nil {
		http.Error(w, "unparseable status callback", http.StatusBadRequest)
		return
	}

	ev, ok := transfer.EventFromCallStatus(transferID, cb.Status)
	if !ok {
		// Intermediate status like ringing; acknowledged, nothing published.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := transfer.PublishResult(r.Context(), s.bus, ev); err != nil {
		s.logger.Error("publish transfer result", "transfer_id", transferID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInbound accepts inbound call notifications. The sending provider is
// sniffed from the parameters; the organization is matched on the provider
// account, and the call is routed to the organization's inbound workflow.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	params, err := formParams(r)
	if err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	var provider telephony.Provider
	for _, p := range s.registry.All() {
		if p.CanHandleInbound(params) {
			provider = p
			break
		}
	}
	if provider == nil {
		http.Error(w, "unrecognized inbound notification", http.StatusBadRequest)
		return
	}
	inbound, err := provider.ParseInbound(params)
	if err != nil {
		http.Error(w, "unparseable inbound notification", http.StatusBadRequest)
		return
	}
	if inbound.AccountID != "" && !provider.ValidateAccountID(inbound.AccountID) {
		http.Error(w, "account mismatch", http.StatusForbidden)
		return
	}

	cfg, err := s.inboundConfig(r, provider.Name(), inbound)
	if err != nil {
		s.logger.Warn("inbound call without a route",
			"provider", provider.Name(), "to", inbound.ToNumber, "error", err)
		http.Error(w, "no inbound route", http.StatusNotFound)
		return
	}

	run, err := s.store.CreateWorkflowRun(r.Context(), &store.WorkflowRun{
		WorkflowID: cfg.InboundWorkflowID,
		Mode:       "inbound",
		State:      store.RunCreated,
		InitialContext: map[string]string{
			"caller_number": inbound.FromNumber,
			"called_number": inbound.ToNumber,
		},
	})
	if err != nil {
		s.logger.Error("create inbound run", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	contentType, body, err := provider.WebhookResponse(cfg.InboundWorkflowID, cfg.OrganizationID, run.ID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("inbound call routed",
		"run_id", run.ID, "workflow_id", cfg.InboundWorkflowID, "from", inbound.FromNumber)
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write([]byte(body))
}

// handleMedia upgrades the provider media WebSocket and hands it to the
// adapter named in the path. The adapter drives the whole call session.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	provider, err := s.registry.Get(r.PathValue("provider"))
	if err != nil {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}
	if err := provider.HandleWebSocket(r.Context(), w, r, s.sessions); err != nil {
		s.logger.Error("media session ended with error",
			"provider", provider.Name(), "error", err)
	}
}

// providerForOrg resolves the telephony adapter bound to an organization.
func (s *Server) providerForOrg(r *http.Request, orgID string) (telephony.Provider, error) {
	cfg, err := s.store.GetTelephonyConfig(r.Context(), orgID)
	if err != nil {
		return nil, errors.New("telephony not configured")
	}
	return s.registry.Get(cfg.Provider)
}

// inboundConfig finds the telephony config whose account matches an inbound
// notification and that has an inbound workflow bound.
func (s *Server) inboundConfig(r *http.Request, providerName string, inbound *telephony.NormalizedInboundData) (*store.TelephonyConfig, error) {
	configs, err := s.store.ListTelephonyConfigsByProvider(r.Context(), providerName)
	if err != nil {
		return nil, err
	}
	for _, cfg := range configs {
		if inbound.AccountID != "" && cfg.Credentials["account_sid"] != inbound.AccountID {
			continue
		}
		if cfg.InboundWorkflowID == "" {
			continue
		}
		return cfg, nil
	}
	return nil, errors.New("no matching telephony config with an inbound workflow")
}

// signatureFromRequest extracts the provider's webhook signature header.
func signatureFromRequest(providerName string, r *http.Request) string {
	switch providerName {
	case "twilio":
		return r.Header.Get("X-Twilio-Signature")
	default:
		return ""
	}
}

// formParams flattens a webhook's form body into the map shape the provider
// adapters consume.
func formParams(r *http.Request) (map[string]string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vs := range r.PostForm {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params, nil
}
