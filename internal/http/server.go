package http

import (
	stdhttp "net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"stablewiki/app/internal/stable"
)

// Options configures the HTTP server wiring.
type Options struct {
	Engine     *stable.Engine
	Repository stable.PointRepository
	Inclusions *stable.InclusionManager
	Revisions  stable.RevisionSource
	Settings   stable.Settings
	Database   *gorm.DB
	Logger     *logrus.Logger
	SentryHub  *sentry.Hub
}

// Server exposes the stabilization core over a thin Huma JSON API. View
// resolution builds a fresh request-scoped cache per call; resolved views are
// authorization-sensitive and never cached across requests.
type Server struct {
	api        huma.API
	mux        *stdhttp.ServeMux
	engine     *stable.Engine
	repository stable.PointRepository
	inclusions *stable.InclusionManager
	revisions  stable.RevisionSource
	settings   stable.Settings
	db         *gorm.DB
	logger     *logrus.Logger
	sentry     *sentry.Hub
}

// NewServer constructs the HTTP server.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, eris.New("stabilization engine is required")
	}
	if opts.Repository == nil {
		return nil, eris.New("point repository is required")
	}
	if opts.Inclusions == nil {
		return nil, eris.New("inclusion manager is required")
	}
	if opts.Revisions == nil {
		return nil, eris.New("revision source is required")
	}
	if opts.Database == nil {
		return nil, eris.New("database is required")
	}

	mux := stdhttp.NewServeMux()
	config := huma.DefaultConfig("Stablewiki", "1.0.0")

	api := humago.New(mux, config)

	srv := &Server{
		api:        api,
		mux:        mux,
		engine:     opts.Engine,
		repository: opts.Repository,
		inclusions: opts.Inclusions,
		revisions:  opts.Revisions,
		settings:   opts.Settings,
		db:         opts.Database,
		logger:     opts.Logger,
		sentry:     opts.SentryHub,
	}

	api.UseMiddleware(srv.requestIDMiddleware())
	api.UseMiddleware(srv.loggingMiddleware())

	srv.registerResolveRoute()
	srv.registerHistoryRoute()
	srv.registerApproveRoute()
	srv.registerRemoveRoute()
	srv.registerPendingRoute()
	srv.registerHealthRoute()

	return srv, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	s.mux.ServeHTTP(w, r)
}

// resolver builds a view resolver with a fresh request-scoped cache.
func (s *Server) resolver() (*stable.ViewResolver, error) {
	return stable.NewViewResolver(s.repository, s.inclusions, s.revisions, s.settings, stable.NewViewCache(), s.logger)
}
