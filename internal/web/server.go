// Package web implements the daemon's status/inspection page: a small
// chi-routed HTTP surface over internal/db's session and rollup tables.
package web

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"probed/internal/config"
	"probed/internal/db"
	"probed/internal/scheduler"
	"probed/internal/wire"
)

// dashboardTemplate is a single inline template: the daemon's status
// page is one simple session table, with no separate create/view pages
// or static assets to justify a go:embed directory scan.
const dashboardTemplate = `<!DOCTYPE html>
<html>
<head><title>probed status</title></head>
<body>
<h1>probed sessions</h1>
<table border="1" cellpadding="4">
<tr><th>id</th><th>probe_id</th><th>address</th><th>interval</th><th>dscp</th></tr>
{{range .Sessions}}<tr><td>{{.ID}}</td><td>{{.ProbeID}}</td><td>{{.Address}}</td><td>{{.IntervalMs}}ms</td><td>{{.Dscp}}</td></tr>
{{end}}
</table>
</body>
</html>`

// Server is the daemon's HTTP status surface: session CRUD for the
// config API plus read-only rollup queries for the dashboard, wired
// through db.Store and an optional scheduler.Scheduler (nil in tests, in
// which case session writes go to the store only).
type Server struct {
	cfg       *config.ServerConfig
	store     db.Store
	scheduler *scheduler.Scheduler
	router    *chi.Mux
	templates *template.Template
}

// New builds a Server over store, optionally wired to sched so
// POST/DELETE session calls take effect on the live engine immediately
// rather than only on next daemon restart.
func New(cfg *config.ServerConfig, store db.Store, sched *scheduler.Scheduler) *Server {
	tmpl := template.Must(template.New("dashboard").Parse(dashboardTemplate))

	s := &Server{
		cfg:       cfg,
		store:     store,
		scheduler: sched,
		router:    chi.NewRouter(),
		templates: tmpl,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Get("/", s.handleDashboard)
	s.router.Get("/api/sessions", s.handleGetSessions)
	s.router.Post("/api/sessions", s.handleCreateSession)
	s.router.Delete("/api/sessions/{id}", s.handleDeleteSession)
	s.router.Get("/api/sessions/{id}/rollups", s.handleGetRollups)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Start blocks serving HTTP on cfg.HTTPPort.
func (s *Server) Start() error {
	return http.ListenAndServe(":"+strconv.Itoa(s.cfg.HTTPPort), s.router)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.GetSessions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data := struct{ Sessions []db.Session }{Sessions: sessions}
	if err := s.templates.ExecuteTemplate(w, "dashboard", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.GetSessions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

// createSessionRequest is the JSON shape accepted by POST /api/sessions;
// interval is a Go duration string (e.g. "500ms") rather than a raw
// millisecond count, matching the daemon YAML config's convention.
type createSessionRequest struct {
	ProbeID  uint32 `json:"probe_id"`
	Address  string `json:"address"`
	Interval string `json:"interval"`
	Dscp     uint8  `json:"dscp"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ProbeID == 0 || req.Address == "" {
		http.Error(w, "probe_id and address are required", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(req.Address); err != nil {
		http.Error(w, fmt.Sprintf("invalid address %q: %v", req.Address, err), http.StatusBadRequest)
		return
	}
	interval, err := time.ParseDuration(req.Interval)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid interval %q: %v", req.Interval, err), http.StatusBadRequest)
		return
	}

	sess := &db.Session{
		ProbeID:    wire.ProbeId(req.ProbeID),
		Address:    req.Address,
		IntervalMs: interval.Milliseconds(),
		Dscp:       wire.Dscp(req.Dscp),
	}

	var id int64
	if s.scheduler != nil {
		id, err = s.scheduler.AddSession(r.Context(), sess)
	} else {
		id, err = s.store.AddSession(sess)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sess.ID = id
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	if s.scheduler != nil {
		err = s.scheduler.RemoveSession(id)
	} else {
		err = s.store.DeleteSession(id)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// rollupResponse flattens a db.Rollup's tdigest into percentiles a JSON
// client can chart directly, avoiding a tdigest dependency on the client
// side.
type rollupResponse struct {
	Time         time.Time `json:"time"`
	OkCount      int64     `json:"ok_count"`
	LossCount    int64     `json:"loss_count"`
	TimeoutCount int64     `json:"timeout_count"`
	P50Nanos     float64   `json:"p50_nanos"`
	P99Nanos     float64   `json:"p99_nanos"`
}

func (s *Server) handleGetRollups(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	var rollups []db.Rollup
	startStr, endStr := r.URL.Query().Get("start"), r.URL.Query().Get("end")
	if startStr != "" && endStr != "" {
		start, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			http.Error(w, "invalid start", http.StatusBadRequest)
			return
		}
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			http.Error(w, "invalid end", http.StatusBadRequest)
			return
		}
		rollups, err = s.store.GetRollupsByTime(id, start, end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	} else {
		rollups, err = s.store.GetRollups(id, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	out := make([]rollupResponse, 0, len(rollups))
	for _, roll := range rollups {
		resp := rollupResponse{
			Time:         roll.Time,
			OkCount:      roll.OkCount,
			LossCount:    roll.LossCount,
			TimeoutCount: roll.TimeoutCount,
		}
		if len(roll.TDigestData) > 0 {
			if td, err := db.DeserializeTDigest(roll.TDigestData); err == nil {
				resp.P50Nanos = td.Quantile(0.5)
				resp.P99Nanos = td.Quantile(0.99)
			}
		}
		out = append(out, resp)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
