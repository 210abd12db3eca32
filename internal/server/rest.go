package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/projectpulse/notifier/internal/auth"
	"github.com/projectpulse/notifier/internal/gateway"
	"github.com/projectpulse/notifier/internal/ierr"
	"go.uber.org/zap"
)

// FeedHealth reports the state of the upstream change streams.
type FeedHealth interface {
	Healthy() bool
	Status() map[string]string
}

// RESTServer is the side channel for services that need to trigger
// notifications without going through a change stream, plus the
// health endpoint.
type RESTServer struct {
	logger             *zap.Logger
	broadcaster        *gateway.Broadcaster
	registry           gateway.Registry
	authenticator      *auth.Authenticator
	projectIdValidator *ProjectIdValidator
	feedHealth         FeedHealth
}

func NewRESTServer(
	logger *zap.Logger,
	broadcaster *gateway.Broadcaster,
	registry gateway.Registry,
	authenticator *auth.Authenticator,
	projectIdValidator *ProjectIdValidator,
	feedHealth FeedHealth,
) *RESTServer {
	return &RESTServer{
		logger,
		broadcaster,
		registry,
		authenticator,
		projectIdValidator,
		feedHealth,
	}
}

type NotifyRequest struct {
	ProjectId string `json:"projectId"`
	Data      any    `json:"data"`
}

type StatusRequest struct {
	Message   string `json:"message"`
	ProjectId string `json:"projectId,omitempty"`
}

func (s *RESTServer) Register(router *mux.Router) {
	router.HandleFunc("/notify/metrics", s.notify(s.broadcaster.MetricUpdate)).Methods("POST")
	router.HandleFunc("/notify/issues", s.notify(s.broadcaster.IssueUpdate)).Methods("POST")
	router.HandleFunc("/notify/quality", s.notify(s.broadcaster.QualityUpdate)).Methods("POST")
	router.HandleFunc("/notify/status", s.notifyStatus).Methods("POST")
	router.HandleFunc("/healthz", s.healthz).Methods("GET")
}

func (s *RESTServer) notify(broadcast func(projectId string, data any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r, ok := s.authorize(w, r)
		if !ok {
			return
		}

		var req NotifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := s.projectIdValidator.Validate(req.ProjectId); err != nil {
			http.Error(w, "invalid projectId", http.StatusBadRequest)
			return
		}

		if !s.authorizedForProject(w, r, req.ProjectId) {
			return
		}

		broadcast(req.ProjectId, req.Data)

		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *RESTServer) notifyStatus(w http.ResponseWriter, r *http.Request) {
	r, ok := s.authorize(w, r)
	if !ok {
		return
	}

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.ProjectId != "" {
		if err := s.projectIdValidator.Validate(req.ProjectId); err != nil {
			http.Error(w, "invalid projectId", http.StatusBadRequest)
			return
		}

		if !s.authorizedForProject(w, r, req.ProjectId) {
			return
		}
	} else {
		// An unscoped status update reaches every connection; only the
		// admin API key may send one.
		authentication, ok := auth.AuthenticationFromContext(r.Context())
		if !ok || !authentication.IsAdmin {
			http.Error(w, "not authorized for unscoped status updates", http.StatusForbidden)
			return
		}
	}

	s.broadcaster.StatusUpdate(req.Message, req.ProjectId)

	w.WriteHeader(http.StatusAccepted)
}

func (s *RESTServer) authorizedForProject(w http.ResponseWriter, r *http.Request, projectId string) bool {
	authentication, ok := auth.AuthenticationFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}

	if !authentication.IsAuthorized(projectId) {
		http.Error(w, "not authorized for this project", http.StatusForbidden)
		return false
	}

	return true
}

func (s *RESTServer) healthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	var sources map[string]string

	if s.feedHealth != nil {
		sources = s.feedHealth.Status()
		if !s.feedHealth.Healthy() {
			status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"sources":     sources,
		"connections": s.registry.Len(),
	})
}

// authorize accepts either a configured API key or a JWT carrying the
// publish scope. On success it returns the request with the
// Authentication attached to its context.
func (s *RESTServer) authorize(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	authentication, err := s.authenticate(r)
	if err != nil {
		var coded ierr.Error
		if errors.As(err, &coded) {
			http.Error(w, coded.Message, coded.HTTPStatus())
		} else {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}

		return r, false
	}

	if !authentication.IsPublisher() {
		http.Error(w, "publish scope required", http.StatusForbidden)
		return r, false
	}

	return r.WithContext(auth.WithAuthentication(r.Context(), authentication)), true
}

func (s *RESTServer) authenticate(r *http.Request) (*auth.Authentication, error) {
	header := r.Header.Get("Authorization")

	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("missing bearer token"))
	}

	authentication, err := s.authenticator.AuthenticateAPIKey(token)
	if err == nil {
		return authentication, nil
	}

	return s.authenticator.AuthenticateJWT(token)
}
