// Route table and shared response helpers.
package gateway

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

// Handler returns the full HTTP surface wrapped in panic recovery.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", g.handleDashboard)
	mux.HandleFunc("GET /events", g.handleEvents)
	mux.HandleFunc("GET /ws", g.handleWS)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /stats", g.handleStats)

	mux.HandleFunc("GET /index", g.handleIndex)
	mux.HandleFunc("GET /turn/{id}", g.handleTurn)
	mux.HandleFunc("GET /pending", g.handlePendingList)
	mux.HandleFunc("GET /pending/{id}", g.handlePendingDetail)
	mux.HandleFunc("POST /pending/{id}/{action}", g.handleDecision)

	mux.HandleFunc("GET /preview", g.handlePreview)
	mux.HandleFunc("GET /crop", g.handleCropGet)
	mux.HandleFunc("POST /crop", g.handleCropSet)
	mux.HandleFunc("GET /allowed_tools", g.handleAllowedToolsGet)
	mux.HandleFunc("POST /allowed_tools", g.handleAllowedToolsSet)
	mux.HandleFunc("GET /config", g.handleConfigGet)
	mux.HandleFunc("POST /config", g.handleConfigSet)

	mux.HandleFunc("POST /pause", g.handlePause)
	mux.HandleFunc("POST /unpause", g.handleUnpause)
	mux.HandleFunc("POST /debug/execute", g.handleDebugExecute)

	mux.HandleFunc("POST /v1/", g.handleProxy)

	return g.recoverPanics(mux)
}

// recoverPanics converts any handler panic into a 500 and keeps serving.
func (g *Gateway) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("handler panic")
				g.writeError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeError writes a JSON error response.
func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
