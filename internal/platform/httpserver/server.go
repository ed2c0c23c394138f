package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	messagingsync "parley/contexts/federation/messaging-sync"
	federationerrors "parley/contexts/federation/messaging-sync/domain/errors"
	federationhttp "parley/contexts/federation/messaging-sync/transport/http"
	contractsv1 "parley/contracts/gen/federation/v1"
)

const (
	headerDomain    = "x-parley-domain"
	headerKeyID     = "x-parley-key-id"
	headerTimestamp = "x-parley-timestamp"
	headerSignature = "x-parley-signature"
)

type Server struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	addr       string
	selfDomain string
	federation messagingsync.Module
}

func New(
	federation messagingsync.Module,
	selfDomain string,
	logger *slog.Logger,
	addr string,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		mux:        http.NewServeMux(),
		logger:     logger,
		addr:       addr,
		selfDomain: strings.ToLower(strings.TrimSpace(selfDomain)),
		federation: federation,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Start() error {
	s.logger.Info("http server starting",
		"event", "http_server_starting",
		"module", "internal/platform/httpserver",
		"layer", "platform",
		"addr", s.addr,
	)
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler exposes the routing table for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /.well-known/parley", s.handleDiscovery)

	s.mux.HandleFunc("POST /federation/messaging/events", s.signed(s.handleReceiveEvent))
	s.mux.HandleFunc("POST /federation/messaging/sync", s.signed(s.handleImportSnapshot))
	s.mux.HandleFunc("GET /federation/messaging/servers/{server_id}/snapshot", s.signed(s.handleGetSnapshot))

	s.mux.HandleFunc("POST /internal/federation/events", s.handlePublishEvent)
	s.mux.HandleFunc("POST /internal/federation/servers/{server_id}/push", s.handlePushSnapshot)
}

// signed authenticates a peer request and passes the verified caller domain
// to the wrapped handler. Nothing federation-facing is served unsigned.
func (s *Server) signed(next func(w http.ResponseWriter, r *http.Request, callerDomain string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domain := strings.ToLower(strings.TrimSpace(r.Header.Get(headerDomain)))
		if domain == "" {
			writeFederationError(w, http.StatusUnauthorized, "missing_signature", "peer signature headers are required")
			return
		}

		// Incoming-disabled peers get the same answer as strangers so the
		// roster is never disclosed.
		peer, ok := s.federation.Roster.Lookup(domain)
		if !ok || !peer.AllowIncoming {
			writeFederationError(w, http.StatusNotFound, "unknown_peer", "domain is not in the peer roster")
			return
		}

		verified := s.federation.Signer.Verify(
			peer,
			domain,
			r.Method,
			r.Header.Get(headerTimestamp),
			r.Header.Get(headerKeyID),
			r.Header.Get(headerSignature),
			time.Now().UTC(),
		)
		if !verified {
			s.logger.Warn("peer signature rejected",
				"event", "federation_signature_rejected",
				"module", "internal/platform/httpserver",
				"layer", "platform",
				"peer_domain", domain,
				"method", r.Method,
			)
			writeFederationError(w, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
			return
		}

		next(w, r, domain)
	}
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, federationhttp.DiscoveryResponse{
		Domain:        s.selfDomain,
		SchemaVersion: contractsv1.SchemaVersion,
		Features: []string{
			"event_federation",
			"snapshot_sync",
			"ordered_streams",
			"idempotent_events",
		},
		Endpoints: []string{
			"/federation/messaging/events",
			"/federation/messaging/sync",
			"/federation/messaging/servers/{server_id}/snapshot",
		},
	})
}

func (s *Server) handleReceiveEvent(w http.ResponseWriter, r *http.Request, callerDomain string) {
	var req federationhttp.ReceiveEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFederationError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.federation.Handler.ReceiveEventHandler(r.Context(), callerDomain, req)
	if err != nil {
		writeFederationDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleImportSnapshot(w http.ResponseWriter, r *http.Request, callerDomain string) {
	var req federationhttp.ImportSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFederationError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.federation.Handler.ImportSnapshotHandler(r.Context(), callerDomain, req)
	if err != nil {
		writeFederationDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request, _ string) {
	serverID := r.PathValue("server_id")
	resp, err := s.federation.Handler.GetSnapshotHandler(r.Context(), serverID)
	if err != nil {
		writeFederationDomainError(w, err)
		return
	}
	// Peers consume the bare snapshot document.
	writeJSON(w, http.StatusOK, resp.Data)
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req federationhttp.PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFederationError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := s.federation.Handler.PublishEventHandler(r.Context(), req)
	if err != nil {
		writeFederationDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePushSnapshot(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("server_id")
	resp, err := s.federation.Handler.PushSnapshotHandler(r.Context(), serverID)
	if err != nil {
		writeFederationDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeFederationDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, federationerrors.ErrUnknownPeer),
		errors.Is(err, federationerrors.ErrPeerNotIncoming):
		writeFederationError(w, http.StatusNotFound, "unknown_peer", err.Error())
	case errors.Is(err, federationerrors.ErrInvalidSignature):
		writeFederationError(w, http.StatusUnauthorized, "invalid_signature", err.Error())
	case errors.Is(err, federationerrors.ErrVersionMismatch):
		writeFederationError(w, http.StatusUnprocessableEntity, "version_mismatch", err.Error())
	case errors.Is(err, federationerrors.ErrOriginMismatch):
		writeFederationError(w, http.StatusUnprocessableEntity, "origin_mismatch", err.Error())
	case errors.Is(err, federationerrors.ErrInvalidEvent),
		errors.Is(err, federationerrors.ErrInvalidEventPayload):
		writeFederationError(w, http.StatusUnprocessableEntity, "invalid_event", err.Error())
	case errors.Is(err, federationerrors.ErrRecoveryFailed):
		writeFederationError(w, http.StatusConflict, "sequence_gap", err.Error())
	case errors.Is(err, federationerrors.ErrMirroredEntity):
		writeFederationError(w, http.StatusUnprocessableEntity, "mirrored_entity", err.Error())
	case errors.Is(err, federationerrors.ErrServerNotFound),
		errors.Is(err, federationerrors.ErrChannelNotFound),
		errors.Is(err, federationerrors.ErrMessageNotFound),
		errors.Is(err, federationerrors.ErrOutboxEventNotFound):
		writeFederationError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeFederationError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeFederationError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, federationhttp.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
