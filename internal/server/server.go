package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/headline-goat/labgoat/internal/autopilot"
	"github.com/headline-goat/labgoat/internal/events"
	"github.com/headline-goat/labgoat/internal/metrics"
	"github.com/headline-goat/labgoat/internal/service"
)

type Options struct {
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// PublicURL is the address browsers use to reach the server. When
	// empty, the tracker derives it from each request.
	PublicURL string

	Service   *service.Service
	Analyzer  *autopilot.Analyzer
	Generator *autopilot.Generator
	Builder   *autopilot.Builder
	Recorder  *events.Recorder
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type Server struct {
	svc       *service.Service
	analyzer  *autopilot.Analyzer
	generator *autopilot.Generator
	builder   *autopilot.Builder
	recorder  *events.Recorder
	metrics   *metrics.Metrics
	logger    *zap.Logger
	validate  *validator.Validate
	token     string
	publicURL string
	router    chi.Router
	http      *http.Server
	startTime time.Time
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	analyzer := opts.Analyzer
	if analyzer == nil {
		analyzer = autopilot.NewAnalyzer(autopilot.DefaultBenchmarks(), logger)
	}
	generator := opts.Generator
	if generator == nil {
		generator = autopilot.NewGenerator(nil, nil, logger)
	}
	builder := opts.Builder
	if builder == nil {
		builder = autopilot.NewBuilder(autopilot.DefaultBuilderConfig())
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = events.NewRecorder(0)
	}

	srv := &Server{
		svc:       opts.Service,
		analyzer:  analyzer,
		generator: generator,
		builder:   builder,
		recorder:  recorder,
		metrics:   opts.Metrics,
		logger:    logger.Named("http"),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		token:     opts.Token,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	srv.setupRoutes()

	srv.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      srv.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return srv
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors)

	// Public endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/events", s.handleEvents)
	r.Get("/labgoat.js", s.handleTrackerJS)

	r.Route("/experiments", func(r chi.Router) {
		r.Get("/", s.handleListExperiments)
		r.Post("/validate", s.handleValidate)
		r.Post("/sample-size", s.handleSampleSize)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetExperiment)
			r.Get("/results", s.handleResults)
			r.Get("/conversions", s.handleListConversions)

			// Visitor traffic arrives from tracking snippets without a token.
			r.Post("/participants", s.handleAssign)
			r.Post("/conversions", s.handleConversion)

			r.Group(func(r chi.Router) {
				r.Use(s.requireToken)
				r.Patch("/", s.handleUpdateExperiment)
				r.Post("/start", s.handleStart)
				r.Post("/pause", s.handlePause)
				r.Post("/stop", s.handleStop)
			})
		})

		r.With(s.requireToken).Post("/", s.handleCreateExperiment)
	})

	r.Post("/conversions/bulk", s.handleBulkConversions)

	r.Route("/autopilot", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/opportunities", s.handleOpportunities)
		r.Post("/hypotheses", s.handleHypothesis)
		r.Post("/experiments", s.handleBuildExperiment)
	})
}

// ListenAndServe blocks until the server stops. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("labgoat listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}
