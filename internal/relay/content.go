package relay

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tretten/breathing-sub000/internal/files"
)

// ContentHandler serves preset audio and cue files from dir. Only GET and
// HEAD are allowed, listings are hidden and responses are cacheable.
func ContentHandler(dir string, prefix string) http.Handler {
	fs := http.StripPrefix(prefix, http.FileServer(http.Dir(dir)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}

		if ct := files.ContentType(r.URL.Path); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("X-Content-Type-Options", "nosniff")

		log.Debug().Str("path", r.URL.Path).Msg("serving content")
		fs.ServeHTTP(w, r)
	})
}
