package relay

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tretten/breathing-sub000/internal/store"
	"github.com/tretten/breathing-sub000/internal/version"
)

// RouterOptions configures the relay's HTTP surface.
type RouterOptions struct {
	ContentDir     string
	AllowedOrigins []string
}

// NewRouter mounts the relay endpoints:
//
//	GET /health           liveness and client count
//	GET /ws               websocket store protocol
//	GET /metrics          prometheus
//	GET /rooms/{roomID}   room state and online members
//	GET /content/*        preset audio and cue files
func NewRouter(hub *Hub, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Range"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		n, err := hub.Clients(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "stopped"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"clients": n,
			"version": version.Version,
			"time":    time.Now().UnixMilli(),
		})
	})

	r.Get("/ws", hub.ServeWS)
	r.Handle("/metrics", promhttp.HandlerFor(hub.opts.Metrics.Registry(), promhttp.HandlerOpts{}))

	r.Get("/rooms/{roomID}", func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		if !store.ValidPath(roomID) {
			http.Error(w, "invalid room id", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, viewRoom(hub.Tree(), roomID))
	})

	if opts.ContentDir != "" {
		r.Handle("/content/*", ContentHandler(opts.ContentDir, "/content/"))
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}
