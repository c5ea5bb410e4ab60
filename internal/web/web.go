package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"prayerd/internal/cache"
	"prayerd/internal/config"
	appLog "prayerd/internal/log"
	"prayerd/internal/model"
	"prayerd/internal/schedule"
	"prayerd/internal/summary"
	"prayerd/internal/trigger"
)

const maxTimesDays = 60

// Engine is what the HTTP API needs from the running application.
type Engine interface {
	Config() *config.Config
	UpdateConfig(ctx context.Context, cfg *config.Config) error
	Summary(ctx context.Context) summary.Snapshot
	Next(ctx context.Context) (schedule.Next, error)
	Plan() (schedule.Plan, schedule.Result, bool)
	Times(ctx context.Context, days int) (cache.RangeResult, error)
	Reschedule(ctx context.Context) (schedule.Result, error)
	Triggers() []trigger.Registration
	Calendar() (string, bool)
}

// Server provides HTTP APIs for status, schedule inspection and configuration.
type Server struct {
	engine Engine
	router *chi.Mux
}

// NewServer constructs a new Server.
func NewServer(e Engine) *Server {
	s := &Server{
		engine: e,
		router: chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.basicAuth)

		r.Get("/calendar.ics", s.handleCalendar)

		r.Route("/api", func(r chi.Router) {
			r.Get("/summary", s.handleSummary)
			r.Get("/next", s.handleNext)
			r.Get("/times", s.handleTimes)
			r.Get("/schedule", s.handleSchedule)
			r.Get("/triggers", s.handleTriggers)
			r.Post("/reschedule", s.handleReschedule)
			r.Get("/config", s.handleGetConfig)
			r.Put("/config", s.handlePutConfig)
		})
	})
}

// basicAuth enforces HTTP Basic Auth when credentials are configured. The
// credentials are read per request so configuration updates apply at once.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ba := s.engine.Config().BasicAuth
		// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
		if ba == nil || ba.Username == "" || ba.Password == "" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, ba.Username) || !secureCompare(p, ba.Password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="prayerd", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Summary(r.Context()))
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	next, err := s.engine.Next(r.Context())
	if err != nil {
		writeEngineError(w, "api next", err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

type dayDTO struct {
	Date  model.Date                    `json:"date"`
	Times map[model.EventName]time.Time `json:"times"`
}

type timesResponse struct {
	Days     []dayDTO     `json:"days"`
	Failed   []model.Date `json:"failed,omitempty"`
	Hits     int          `json:"cache_hits"`
	Computed int          `json:"computed"`
}

// handleTimes returns ?days= consecutive days of event times starting today.
func (s *Server) handleTimes(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), 1)
	if days < 1 || days > maxTimesDays {
		writeError(w, http.StatusBadRequest, "days must be between 1 and 60")
		return
	}

	res, err := s.engine.Times(r.Context(), days)
	if err != nil {
		writeEngineError(w, "api times", err)
		return
	}

	resp := timesResponse{
		Days:     make([]dayDTO, 0, len(res.Sets)),
		Failed:   res.Failed,
		Hits:     res.Hits,
		Computed: res.Computed,
	}
	for _, set := range res.Sets {
		d := dayDTO{Date: set.Date, Times: make(map[model.EventName]time.Time, len(model.AllEvents))}
		for i, e := range model.AllEvents {
			d.Times[e] = set.Times[i]
		}
		resp.Days = append(resp.Days, d)
	}
	writeJSON(w, http.StatusOK, resp)
}

type scheduleResponse struct {
	Entries   []model.ScheduleEntry `json:"entries"`
	Failed    []model.Date          `json:"failed,omitempty"`
	Unordered []model.Date          `json:"unordered,omitempty"`
	Last      *schedule.Result      `json:"last_pass,omitempty"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, _ *http.Request) {
	plan, res, ok := s.engine.Plan()
	resp := scheduleResponse{Entries: []model.ScheduleEntry{}}
	if ok {
		if plan.Entries != nil {
			resp.Entries = plan.Entries
		}
		resp.Failed = plan.Failed
		resp.Unordered = plan.Unordered
		resp.Last = &res
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTriggers(w http.ResponseWriter, _ *http.Request) {
	regs := s.engine.Triggers()
	if regs == nil {
		regs = []trigger.Registration{}
	}
	writeJSON(w, http.StatusOK, regs)
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Reschedule(r.Context())
	if err != nil {
		writeEngineError(w, "api reschedule", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Config())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config body: "+err.Error())
		return
	}

	if err := s.engine.UpdateConfig(r.Context(), &cfg); err != nil {
		var cerr *config.ConfigError
		if errors.As(err, &cerr) {
			writeError(w, http.StatusBadRequest, cerr.Error())
			return
		}
		appLog.Error("api config: update failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save config")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Config())
}

// handleCalendar serves the iCalendar feed when the ics backend is active.
func (s *Server) handleCalendar(w http.ResponseWriter, _ *http.Request) {
	body, ok := s.engine.Calendar()
	if !ok {
		writeError(w, http.StatusNotFound, "calendar feed is not enabled")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// writeEngineError maps "no location yet" to 409 so clients can prompt for
// setup; anything else is a 500.
func writeEngineError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, model.ErrConfigurationMissing) {
		writeError(w, http.StatusConflict, "location is not configured")
		return
	}
	appLog.Error(op+" failed", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
