package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"gorm.io/gorm"

	"taskhub-bot/internal/config"
	"taskhub-bot/internal/tasks"
	"taskhub-bot/internal/utils"
	"taskhub-bot/internal/ws"
)

// Server wires the HTTP surface: session gate, rate limiter, task service
// and the push-channel upgrade endpoint.
type Server struct {
	cfg     *config.Config
	db      *gorm.DB
	limiter *Limiter
	svc     *tasks.Service
	wsh     *ws.Handler
}

func NewServer(cfg *config.Config, db *gorm.DB, limiter *Limiter, svc *tasks.Service, wsh *ws.Handler) *Server {
	return &Server{cfg: cfg, db: db, limiter: limiter, svc: svc, wsh: wsh}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/telegram", s.withRateLimit(s.handleAuth))
	mux.HandleFunc("GET /me", s.withRateLimit(s.handleMe))
	mux.HandleFunc("GET /tasks", s.withRateLimit(s.handleListTasks))
	mux.HandleFunc("POST /tasks/{id}/complete", s.withRateLimit(s.handleCompleteTask))
	mux.HandleFunc("GET /referrals", s.withRateLimit(s.handleListReferrals))
	mux.HandleFunc("GET /admin/users", s.withRateLimit(s.handleAdminUsers))
	mux.HandleFunc("POST /admin/user/{id}/ban", s.withRateLimit(s.handleBanUser))
	mux.HandleFunc("GET /ws/user/{id}", s.wsh.ServeUser)
	return mux
}

// withRateLimit buckets requests by client IP and route. When Redis is down
// the limiter fails open: dropping traffic because the counter store is
// unreachable would take the whole API down with it.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := utils.ClientIP(r, s.cfg.TrustedProxies) + ":" + r.URL.Path
		allowed, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			log.Printf("Rate limiter unavailable: %v", err)
		} else if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(s.cfg.RateLimitWindow))
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
