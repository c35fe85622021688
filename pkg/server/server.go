// Package server implements the backup server's request router: a
// net/http.Handler that reads a request_type discriminator from either
// a JSON body or a multipart upload's "json" part, validates the
// caller's api_key/agent_id, and dispatches to the matching handler.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stormcloud/backup/pkg/apperr"
	"github.com/stormcloud/backup/pkg/log"
	"github.com/stormcloud/backup/pkg/metrics"
	"github.com/stormcloud/backup/pkg/storage"
)

// defaultMaxVersions is the highest .SCVER<N> suffix kept for a file; a
// deployment that needs a different retention policy overrides it via
// WithMaxVersions.
const defaultMaxVersions = storage.DefaultMaxVersions

// Server dispatches backup/restore/keepalive requests against a Store
// and a storage root on disk.
type Server struct {
	store       storage.Store
	storageRoot string
	maxVersions int
	httpServer  *http.Server
	handlers    map[string]handlerFunc
	collector   *metrics.Collector
}

// handlerFunc handles one decoded request envelope and writes its
// response (success or error) to w.
type handlerFunc func(ctx context.Context, s *Server, w http.ResponseWriter, env envelope) error

// Option configures optional Server behavior.
type Option func(*Server)

// WithMaxVersions overrides the default version-retention count.
func WithMaxVersions(n int) Option {
	return func(s *Server) { s.maxVersions = n }
}

// New builds a Server backed by store, rooted at storageRoot for file
// placement.
func New(store storage.Store, storageRoot string, opts ...Option) *Server {
	s := &Server{
		store:       store,
		storageRoot: storageRoot,
		maxVersions: defaultMaxVersions,
	}
	s.handlers = map[string]handlerFunc{
		"hello":                  handleHello,
		"validate_api_key":       handleValidateAPIKey,
		"register_new_device":    handleRegisterDevice,
		"backup_file":            handleBackupFile,
		"backup_file_stream":     handleBackupFileStream,
		"keepalive":              handleKeepalive,
		"queue_file_for_restore": handleQueueFileForRestore,
		"restore_file":           handleRestoreFile,
		"restore_complete":       handleRestoreComplete,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.collector = metrics.NewCollector(store)
	return s
}

// ListenAndServeTLS starts the HTTPS listener on addr using cert,
// blocking until Stop is called or the listener fails.
func (s *Server) ListenAndServeTLS(addr string, cert tls.Certificate) error {
	mux := http.NewServeMux()
	mux.Handle("/", s)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	s.httpServer = &http.Server{
		Addr:      addr,
		Handler:   mux,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}

	metrics.RegisterComponent("storage", true, "")
	metrics.RegisterComponent("transport", true, "")
	s.collector.Start()
	defer s.collector.Stop()

	log.Logger.Info().Str("addr", addr).Msg("server listening")
	err := s.httpServer.ListenAndServeTLS("", "")
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down within the given timeout.
func (s *Server) Stop(timeout time.Duration) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements http.Handler, routing every request through the
// request_type dispatch table.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	env, err := decodeEnvelope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		metrics.ServerRequestsTotal.WithLabelValues("unknown", "400").Inc()
		return
	}

	if err := sanitizeEnvelope(env); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		metrics.ServerRequestsTotal.WithLabelValues(env.requestType, "400").Inc()
		return
	}

	handler, ok := s.handlers[env.requestType]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown request_type %q", env.requestType))
		metrics.ServerRequestsTotal.WithLabelValues(env.requestType, "400").Inc()
		return
	}

	status := http.StatusOK
	if err := handler(r.Context(), s, w, env); err != nil {
		status = statusForErr(err)
		writeError(w, status, err.Error())
	}

	metrics.ServerRequestsTotal.WithLabelValues(env.requestType, fmt.Sprintf("%d", status)).Inc()
	timer.ObserveDurationVec(metrics.ServerRequestDuration, env.requestType)
}

// errTooLarge marks a Protocol error as exceeding a size limit so
// statusForErr reports 413 rather than the usual 400.
type errTooLarge struct{ cause error }

func (e *errTooLarge) Error() string { return e.cause.Error() }
func (e *errTooLarge) Unwrap() error { return e.cause }

func statusForErr(err error) int {
	var tooLarge *errTooLarge
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch apperr.KindOf(err) {
	case apperr.Auth:
		return http.StatusUnauthorized
	case apperr.Protocol:
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(payload)
}

// requireAuth resolves env's api_key to a customer, and when
// requireDevice is set additionally requires agent_id and resolves the
// device, returning Auth-kind errors for anything that doesn't check out.
func requireAuth(s *Server, env envelope, requireDevice bool) (customerID, deviceID string, err error) {
	apiKey, _ := env.fields["api_key"].(string)
	if apiKey == "" {
		return "", "", apperr.Newf(apperr.Auth, "missing api_key")
	}
	customer, err := s.store.GetCustomerByAPIKey(apiKey)
	if err != nil || !customer.Active {
		return "", "", apperr.Newf(apperr.Auth, "invalid api_key")
	}

	if !requireDevice {
		return customer.CustomerID, "", nil
	}

	agentID, _ := env.fields["agent_id"].(string)
	if agentID == "" {
		return "", "", apperr.Newf(apperr.Auth, "missing agent_id")
	}
	device, err := s.store.GetDeviceByAgentID(agentID)
	if err != nil || device.CustomerID != customer.CustomerID {
		return "", "", apperr.Newf(apperr.Auth, "unknown agent_id")
	}
	return customer.CustomerID, device.DeviceID, nil
}

// normalizeClientPath mirrors the agent's posix normalization so the
// same logical path always maps to the same catalog key.
func normalizeClientPath(p string) string {
	normalized := strings.ReplaceAll(p, "\\", "/")
	for strings.Contains(normalized, "//") {
		normalized = strings.ReplaceAll(normalized, "//", "/")
	}
	return strings.TrimPrefix(normalized, "/")
}
