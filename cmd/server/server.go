package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"golang.org/x/time/rate"

	"github.com/liamcoop/achievements/filter"
	"github.com/liamcoop/achievements/handler"
	"github.com/liamcoop/achievements/internal/config"
	"github.com/liamcoop/achievements/internal/logger"
	"github.com/liamcoop/achievements/pack"
	"github.com/liamcoop/achievements/progress"
	"github.com/liamcoop/achievements/source"
)

// maxBodyBytes bounds pack uploads, player updates and evaluate requests
const maxBodyBytes = 1 << 20

type Server struct {
	cfg      config.Config
	db       *sql.DB
	handler  *handler.Handler
	packs    *pack.Manager
	progress progress.Store
	player   *source.PlayerSource
	apis     []*source.APISource
	watcher  *pack.Watcher
	limiter  *rate.Limiter
	router   *chi.Mux
	started  time.Time

	unsubscribe func()
	stop        context.CancelFunc
	wg          sync.WaitGroup

	watchMu      sync.Mutex
	stateSince   time.Time
	fatalActions []string
}

// NewServer wires the configured sources, progress store and packs.
// Progress lives in PostgreSQL when DATABASE_URL is set, in memory otherwise.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	var (
		db    *sql.DB
		store progress.Store = progress.NewInMemoryStore()
	)

	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		store = progress.NewPostgresStore(db)
	}

	s, err := newServer(cfg, store)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}
	s.db = db

	switch {
	case cfg.PackWatch:
		w, err := pack.NewWatcher(s.packs, cfg.PackDir, cfg.PackWatchDebounce)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := w.Start(ctx); err != nil {
			w.Close()
			s.Close()
			return nil, fmt.Errorf("failed to watch packs: %w", err)
		}
		s.watcher = w

	case cfg.PackDir != "":
		logger.Info("loading packs", "dir", cfg.PackDir)
		reports, err := s.packs.LoadDir(ctx, cfg.PackDir)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to load packs: %w", err)
		}
		logger.Info("packs loaded", "count", len(reports))
	}

	return s, nil
}

func newServer(cfg config.Config, store progress.Store) (*Server, error) {
	player, err := source.NewPlayerSource(cfg.Player.Source, cfg.Player.StaleAfter)
	if err != nil {
		return nil, err
	}
	sources := []handler.DataSource{player}

	var apis []*source.APISource
	if cfg.API.Enabled() {
		names := make([]string, 0, len(cfg.API.Endpoints))
		for name := range cfg.API.Endpoints {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			api, err := source.NewAPISource(source.APIConfig{
				Name:         name,
				BaseURL:      cfg.API.BaseURL,
				Path:         cfg.API.Endpoints[name],
				APIKey:       cfg.API.Key,
				PollInterval: cfg.API.PollInterval,
				Timeout:      cfg.API.Timeout,
				MaxFailures:  cfg.API.MaxFailures,
			})
			if err != nil {
				return nil, err
			}
			apis = append(apis, api)
			sources = append(sources, api)
		}
	}

	var opts []handler.Option
	if len(cfg.RequiredSources) > 0 {
		opts = append(opts, handler.WithRequired(cfg.RequiredSources...))
	}
	h, err := handler.New(sources, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.Player.UpdateRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Player.UpdateRate), cfg.Player.UpdateBurst)
	}

	s := &Server{
		cfg:        cfg,
		handler:    h,
		packs:      pack.NewManager(h, store),
		progress:   store,
		player:     player,
		apis:       apis,
		limiter:    limiter,
		started:    time.Now(),
		stateSince: time.Now(),
	}

	s.unsubscribe = h.Subscribe(handler.ObserverFuncs{
		OnStateChanged: func(from, to handler.State) {
			s.watchMu.Lock()
			s.stateSince = time.Now()
			s.watchMu.Unlock()
		},
		OnFatal: func(actions []handler.Action) {
			keys := make([]string, len(actions))
			for i, a := range actions {
				keys[i] = handler.Key(a)
			}
			s.watchMu.Lock()
			s.fatalActions = keys
			s.watchMu.Unlock()
		},
	})

	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/status", s.handleStatus)

	// Ad hoc filter evaluation
	r.Post("/api/v1/evaluate", s.handleEvaluate)

	// Pushed player state
	r.Get("/api/v1/player", s.handleGetPlayer)
	r.With(limitRate(s.limiter)).Post("/api/v1/player", s.handleUpdatePlayer)

	// Pack management
	r.Route("/api/v1/packs", func(r chi.Router) {
		r.Get("/", s.handleListPacks)
		r.Post("/", s.handleLoadPack)

		r.Route("/{packId}", func(r chi.Router) {
			r.Get("/", s.handleGetPack)
			r.Delete("/", s.handleUnloadPack)

			r.Get("/progress", s.handleGetProgress)
			r.Delete("/progress", s.handleResetProgress)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins API polling and the frame loop that ticks the handler
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel

	for _, api := range s.apis {
		api.Start(ctx)
	}

	s.wg.Add(1)
	go s.frameLoop(ctx)

	logger.Info("frame loop started", "interval", s.cfg.TickInterval, "sources", len(s.apis)+1)
}

func (s *Server) frameLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.handler.Tick(now)
		}
	}
}

// Close stops the frame loop, disposes the handler and releases every source
func (s *Server) Close() error {
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()

	var errs []error
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pack watcher: %w", err))
		}
	}

	s.handler.Dispose()
	s.unsubscribe()

	for _, api := range s.apis {
		if err := api.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source %s: %w", api.Name(), err))
		}
	}
	if err := s.player.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close source %s: %w", s.player.Name(), err))
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.handler.State()
	if state == handler.StateFatal || state == handler.StateDisposed {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unhealthy",
			State:  state,
		})
		return
	}

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "unhealthy",
				State:  state,
				Error:  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:      "healthy",
		State:       state,
		PacksLoaded: len(s.packs.Packs()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.watchMu.Lock()
	since := s.stateSince
	fatal := append([]string(nil), s.fatalActions...)
	s.watchMu.Unlock()

	respondJSON(w, http.StatusOK, StatusResponse{
		Handler:      s.handler.Status(),
		StateSince:   since,
		FatalActions: fatal,
		Packs:        len(s.packs.Packs()),
		Counters:     logger.Counters(),
		Uptime:       time.Since(s.started).Round(time.Second).String(),
	})
}

// Evaluation handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if len(req.Filters) == 0 {
		respondError(w, http.StatusBadRequest, "filters are required", nil)
		return
	}

	query, err := pack.BuildQuery(req.Filters)
	if err != nil {
		respondError(w, errorStatus(err), "invalid filters", err)
		return
	}

	resp := EvaluateResponse{Accepted: []int{}, Rejected: []int{}}
	for i, raw := range req.Items {
		item, err := filter.FromJSON(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("item %d is not valid JSON", i), err)
			return
		}

		ok, err := query.Matches(r.Context(), item)
		if err != nil {
			respondError(w, errorStatus(err), fmt.Sprintf("evaluation failed on item %d", i), err)
			return
		}
		if ok {
			resp.Accepted = append(resp.Accepted, i)
		} else {
			resp.Rejected = append(resp.Rejected, i)
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	state, ok := s.player.State()
	if !ok {
		respondError(w, http.StatusNotFound, "no player state received yet", nil)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleUpdatePlayer(w http.ResponseWriter, r *http.Request) {
	var state source.PlayerState
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&state); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.player.Update(state); err != nil {
		if errors.Is(err, source.ErrClosed) {
			respondError(w, http.StatusServiceUnavailable, "player source is closed", err)
			return
		}
		respondError(w, http.StatusBadRequest, "invalid player state", err)
		return
	}

	respondJSON(w, http.StatusAccepted, PlayerUpdateResponse{
		Source: s.player.Name(),
		State:  s.handler.State(),
	})
}

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, PacksListResponse{
		Packs: s.packs.Packs(),
	})
}

// Load pack handler; the body is YAML or JSON depending on Content-Type
func (s *Server) handleLoadPack(w http.ResponseWriter, r *http.Request) {
	format := pack.FormatFromContentType(r.Header.Get("Content-Type"))

	def, err := pack.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), format)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pack definition", err)
		return
	}

	report, err := s.packs.Load(r.Context(), def)
	if err != nil {
		var verr *pack.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "pack validation failed",
				"field":   verr.Field,
				"details": verr.Message,
			})
			return
		}
		respondError(w, errorStatus(err), "failed to load pack", err)
		return
	}

	status := http.StatusCreated
	if report.Replaced {
		status = http.StatusOK
	}
	respondJSON(w, status, report)
}

func (s *Server) handleGetPack(w http.ResponseWriter, r *http.Request) {
	packID := chi.URLParam(r, "packId")

	p, ok := s.packs.Get(packID)
	if !ok {
		respondError(w, http.StatusNotFound, "pack not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, newPackResponse(p))
}

func (s *Server) handleUnloadPack(w http.ResponseWriter, r *http.Request) {
	packID := chi.URLParam(r, "packId")

	if !s.packs.Unload(packID) {
		respondError(w, http.StatusNotFound, "pack not found", nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	packID := chi.URLParam(r, "packId")

	records, err := s.packs.Progress(r.Context(), packID)
	if err != nil {
		if errors.Is(err, pack.ErrPackNotFound) {
			respondError(w, http.StatusNotFound, "pack not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to read progress", err)
		return
	}

	respondJSON(w, http.StatusOK, ProgressResponse{
		PackID:    packID,
		Completed: records,
	})
}

func (s *Server) handleResetProgress(w http.ResponseWriter, r *http.Request) {
	packID := chi.URLParam(r, "packId")

	report, err := s.packs.Reset(r.Context(), packID)
	if err != nil {
		if errors.Is(err, pack.ErrPackNotFound) {
			respondError(w, http.StatusNotFound, "pack not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to reset progress", err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// errorStatus maps filter failures onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, filter.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, filter.ErrUnresolvablePath), errors.Is(err, filter.ErrTypeMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, filter.ErrInvalidConfiguration):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// limitRate rejects requests beyond the limiter's rate; a nil limiter allows everything
func limitRate(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				respondError(w, http.StatusTooManyRequests, "too many updates", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs each request through the service logger
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestId", middleware.GetReqID(r.Context()))
	})
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}
