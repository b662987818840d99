package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/permitd/permitd/pkg/apps"
	"github.com/permitd/permitd/pkg/auth"
	"github.com/permitd/permitd/pkg/credentials"
	"github.com/permitd/permitd/pkg/grants"
	"github.com/permitd/permitd/pkg/groups"
	"github.com/permitd/permitd/pkg/middleware"
	"github.com/permitd/permitd/pkg/observability"
	"github.com/permitd/permitd/pkg/topics"
	"github.com/permitd/permitd/pkg/users"
)

// Server wires the services, handlers and middleware into one HTTP handler.
type Server struct {
	Groups       *GroupHandlers
	Users        *UserHandlers
	Topics       *TopicHandlers
	Applications *ApplicationHandlers
	Artifacts    *ArtifactHandlers
	Auth         *AuthHandlers

	sessionAuth *middleware.SessionAuth
	rateLimiter *middleware.LoginRateLimiter
	logger      *observability.Logger
	metrics     *observability.Metrics
	health      *observability.HealthChecker
}

// Services collects the domain services the server exposes.
type Services struct {
	Groups       *groups.PostgresService
	Users        *users.PostgresService
	Topics       *topics.PostgresService
	Applications *apps.PostgresService
	Grants       *grants.PostgresService
	Credentials  *credentials.Service
}

// Options collects the cross-cutting pieces.
type Options struct {
	Sessions      *auth.SessionManager
	OIDC          *auth.OIDCAuthenticator
	RateLimiter   *middleware.LoginRateLimiter
	Logger        *observability.Logger
	Metrics       *observability.Metrics
	Health        *observability.HealthChecker
	SessionTTL    time.Duration
	SecureCookies bool
}

// NewServer creates a Server from the domain services and options.
func NewServer(svc Services, opts Options) *Server {
	return &Server{
		Groups:       NewGroupHandlers(svc.Groups),
		Users:        NewUserHandlers(svc.Users),
		Topics:       NewTopicHandlers(svc.Topics),
		Applications: NewApplicationHandlers(svc.Applications, svc.Grants, svc.Credentials),
		Artifacts:    NewArtifactHandlers(svc.Credentials),
		Auth:         NewAuthHandlers(opts.Sessions, opts.OIDC, svc.Users, svc.Credentials, opts.SessionTTL, opts.SecureCookies),

		sessionAuth: middleware.NewSessionAuth(opts.Sessions, svc.Users, svc.Credentials),
		rateLimiter: opts.RateLimiter,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		health:      opts.Health,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RequestLogging(s.logger, s.metrics))

	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	if s.health != nil {
		router.HandleFunc("/healthz", s.health.Liveness).Methods("GET")
		router.HandleFunc("/readyz", s.health.Readiness).Methods("GET")
	}

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.sessionAuth.Handler)

	// The artifact routes must register before the generic /applications/{id}
	// routes so the literal paths win.
	s.Artifacts.RegisterRoutes(api)
	s.Groups.RegisterRoutes(api)
	s.Users.RegisterRoutes(api)
	s.Topics.RegisterRoutes(api)
	s.Applications.RegisterRoutes(api)
	s.Auth.RegisterRoutes(api)

	// Only the login route is rate limited; everything else is gated by
	// session authorization instead.
	login := http.Handler(http.HandlerFunc(s.Auth.Login))
	if s.rateLimiter != nil {
		login = s.rateLimiter.Handler(login)
	}
	api.Handle("/login", login).Methods("POST")

	return router
}

// Handler returns the ready-to-serve HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.Router()
}
