package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openjules/openjules/internal/db"
	"github.com/openjules/openjules/internal/stream"
)

// Server is the thin control surface over the mission store: it creates
// missions and jobs, applies human control actions as row patches and exposes
// the live log stream. The mission runtime itself never serves HTTP.
type Server struct {
	db        *db.DB
	streamMgr *stream.Manager
	router    chi.Router
}

// NewServer creates the control API over a shared store and stream manager
func NewServer(database *db.DB, streamMgr *stream.Manager) *Server {
	s := &Server{
		db:        database,
		streamMgr: streamMgr,
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Get("/api/v1/health", s.HealthCheck)

	// Missions
	r.Post("/api/v1/missions", s.CreateMission)
	r.Get("/api/v1/missions/{id}", s.GetMission)
	r.Get("/api/v1/missions/{id}/steps", s.GetMissionSteps)
	r.Get("/api/v1/missions/{id}/logs", s.GetMissionLogs)
	r.Get("/api/v1/missions/{id}/stream", s.StreamMission)
	r.Post("/api/v1/missions/{id}/plan", s.PlanAction)
	r.Post("/api/v1/missions/{id}/review", s.ReviewAction)
	r.Post("/api/v1/missions/{id}/control", s.ControlAction)

	// Jobs
	r.Get("/api/v1/jobs/{id}", s.GetJob)

	// Project settings
	r.Get("/api/v1/projects/{projectID}/settings/{key}", s.GetSetting)
	r.Put("/api/v1/projects/{projectID}/settings/{key}", s.PutSetting)
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}

// CORS allows the browser frontend to talk to the API from any origin
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
