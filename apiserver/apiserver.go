// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver is the hub's HTTP control plane: fleet CRUD,
// agent registration and heartbeats, remediation, alerting, metrics
// and config-pack operations, all under /api/v1.
package apiserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DarrenBenson/homelabcmd/apiserver/params"
	"github.com/DarrenBenson/homelabcmd/internal/apply"
	"github.com/DarrenBenson/homelabcmd/internal/compliance"
	"github.com/DarrenBenson/homelabcmd/internal/heartbeat"
	"github.com/DarrenBenson/homelabcmd/internal/notify"
	"github.com/DarrenBenson/homelabcmd/internal/remediation"
	"github.com/DarrenBenson/homelabcmd/internal/tokens"
	"github.com/DarrenBenson/homelabcmd/internal/vault"
	"github.com/DarrenBenson/homelabcmd/state"
)

var logger = loggo.GetLogger("homelabcmd.apiserver")

// Config collects everything the API server serves from.
type Config struct {
	State       *state.State
	Clock       clock.Clock
	AdminKey    string
	HubURL      string
	Tokens      *tokens.Service
	Heartbeat   *heartbeat.Processor
	Remediation *remediation.Service
	Compliance  *compliance.Checker
	Engine      *apply.Engine
	Notifier    *notify.Notifier
	Vault       *vault.Vault
	Version     string
}

// Validate returns an error if the config cannot drive the server.
func (config Config) Validate() error {
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.AdminKey == "" {
		return errors.NotValidf("empty AdminKey")
	}
	if config.Tokens == nil {
		return errors.NotValidf("nil Tokens")
	}
	if config.Heartbeat == nil {
		return errors.NotValidf("nil Heartbeat")
	}
	return nil
}

// Server routes and serves the hub API.
type Server struct {
	st          *state.State
	clock       clock.Clock
	adminKey    string
	hubURL      string
	tokens      *tokens.Service
	heartbeat   *heartbeat.Processor
	remediation *remediation.Service
	compliance  *compliance.Checker
	engine      *apply.Engine
	notifier    *notify.Notifier
	vault       *vault.Vault
	version     string

	router   *mux.Router
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewServer builds the API server and its routes.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Server{
		st:          config.State,
		clock:       config.Clock,
		adminKey:    config.AdminKey,
		hubURL:      strings.TrimRight(config.HubURL, "/"),
		tokens:      config.Tokens,
		heartbeat:   config.Heartbeat,
		remediation: config.Remediation,
		compliance:  config.Compliance,
		engine:      config.Engine,
		notifier:    config.Notifier,
		vault:       config.Vault,
		version:     config.Version,
		registry:    prometheus.NewRegistry(),
	}
	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "homelabcmd",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})
	s.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "homelabcmd",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
	s.registry.MustRegister(s.requests, s.duration)

	s.router = mux.NewRouter()
	s.addRoutes()
	return s, nil
}

// Router returns the HTTP handler for the hub.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) addRoutes() {
	s.router.Use(s.instrument)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Unauthenticated surface: liveness, the installer, and the claim
	// endpoint (the registration token is the auth).
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/agents/register/install.sh", s.handleInstallScript).Methods("GET")
	api.HandleFunc("/agents/register/claim", s.handleClaim).Methods("POST")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")

	api.HandleFunc("/agents/heartbeat", s.agentOrAdmin(s.handleHeartbeat)).Methods("POST")

	api.HandleFunc("/agents/register/tokens", s.admin(s.handleCreateToken)).Methods("POST")
	api.HandleFunc("/agents/register/tokens", s.admin(s.handleListTokens)).Methods("GET")
	api.HandleFunc("/agents/register/tokens/{id}", s.admin(s.handleDeleteToken)).Methods("DELETE")
	api.HandleFunc("/agents/register/credentials/{guid}", s.admin(s.handleCredentialInfo)).Methods("GET")
	api.HandleFunc("/agents/register/credentials/{guid}/rotate", s.admin(s.handleRotateCredential)).Methods("POST")
	api.HandleFunc("/agents/register/credentials/{guid}/revoke", s.admin(s.handleRevokeCredential)).Methods("POST")

	api.HandleFunc("/servers", s.admin(s.handleListServers)).Methods("GET")
	api.HandleFunc("/servers", s.admin(s.handleCreateServer)).Methods("POST")
	api.HandleFunc("/servers/{id}", s.admin(s.handleGetServer)).Methods("GET")
	api.HandleFunc("/servers/{id}", s.admin(s.handleUpdateServer)).Methods("PUT")
	api.HandleFunc("/servers/{id}", s.admin(s.handleDeleteServer)).Methods("DELETE")
	api.HandleFunc("/servers/{id}/pause", s.admin(s.handlePauseServer)).Methods("POST")
	api.HandleFunc("/servers/{id}/unpause", s.admin(s.handleUnpauseServer)).Methods("POST")

	api.HandleFunc("/servers/{id}/commands/execute", s.admin(s.handleExecute)).Methods("POST")
	api.HandleFunc("/servers/{id}/actions", s.admin(s.handleListActions)).Methods("GET")
	api.HandleFunc("/servers/{id}/actions", s.admin(s.handleCreateAction)).Methods("POST")
	api.HandleFunc("/actions/{id}/approve", s.admin(s.handleApproveAction)).Methods("POST")
	api.HandleFunc("/actions/{id}/cancel", s.admin(s.handleCancelAction)).Methods("POST")

	api.HandleFunc("/servers/{id}/metrics", s.admin(s.handleMetrics)).Methods("GET")
	api.HandleFunc("/servers/{id}/metrics/export", s.admin(s.handleMetricsExport)).Methods("GET")

	api.HandleFunc("/servers/{id}/services", s.admin(s.handleListServices)).Methods("GET")
	api.HandleFunc("/servers/{id}/services", s.admin(s.handleUpsertService)).Methods("POST")
	api.HandleFunc("/servers/{id}/services/{name}", s.admin(s.handleDeleteService)).Methods("DELETE")
	api.HandleFunc("/servers/{id}/packages", s.admin(s.handleListPackages)).Methods("GET")

	api.HandleFunc("/alerts", s.admin(s.handleListAlerts)).Methods("GET")
	api.HandleFunc("/alerts/{id}", s.admin(s.handleGetAlert)).Methods("GET")
	api.HandleFunc("/alerts/{id}/acknowledge", s.admin(s.handleAcknowledgeAlert)).Methods("POST")
	api.HandleFunc("/alerts/{id}/resolve", s.admin(s.handleResolveAlert)).Methods("POST")

	api.HandleFunc("/config", s.admin(s.handleGetConfig)).Methods("GET")
	api.HandleFunc("/config/{section}", s.admin(s.handlePutConfig)).Methods("PUT")
	api.HandleFunc("/config/test-webhook", s.admin(s.handleTestWebhook)).Methods("POST")
	api.HandleFunc("/config/packs", s.admin(s.handleListPacks)).Methods("GET")
	api.HandleFunc("/config/compliance", s.admin(s.handleComplianceSummary)).Methods("GET")

	api.HandleFunc("/servers/{id}/config/check", s.admin(s.handleConfigCheck)).Methods("POST")
	api.HandleFunc("/servers/{id}/config/checks", s.admin(s.handleConfigChecks)).Methods("GET")
	api.HandleFunc("/servers/{id}/config/diff", s.admin(s.handleConfigDiff)).Methods("GET")
	api.HandleFunc("/servers/{id}/config/apply", s.admin(s.handleConfigApply)).Methods("POST")
	api.HandleFunc("/servers/{id}/config/apply/{apply_id}", s.admin(s.handleConfigApplyStatus)).Methods("GET")
	api.HandleFunc("/servers/{id}/config/apply", s.admin(s.handleConfigRemove)).Methods("DELETE")

	api.HandleFunc("/servers/{id}/credentials", s.admin(s.handleListVault)).Methods("GET")
	api.HandleFunc("/servers/{id}/credentials", s.admin(s.handlePutVault)).Methods("PUT")
	api.HandleFunc("/servers/{id}/credentials/{type}", s.admin(s.handleDeleteVault)).Methods("DELETE")
}

// instrument records request counts and latency per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		s.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// decode parses a JSON request body into out. Failures surface as
// 422 through sendError.
func decode(r *http.Request, out any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 4<<20))
	if err != nil {
		return errors.NotValidf("reading request body: %v", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.NotValidf("request body: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, params.Health{Status: "ok", Version: s.version})
}
