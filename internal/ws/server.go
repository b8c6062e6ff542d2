package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

/*
Routes registers the WebSocket endpoint and the operational endpoints on the mux.
*/
func (h *Hub) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.ServeWS)
	mux.HandleFunc("GET /healthz", h.serveHealth)
	mux.HandleFunc("GET /stats", h.serveStats)
}

func (h *Hub) serveHealth(rw http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		return
	}
	rw.Write([]byte("ok"))
}

func (h *Hub) serveStats(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(h.ConnectionStats()); err != nil {
		h.logger.Error("Cannot encode stats", slog.Any("error", err))
	}
}

/*
RequestLogger is a middleware that logs details about each incoming request.
*/
func RequestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(rw, r)
		logger.Debug("Incoming HTTP request",
			slog.String("method", r.Method),
			slog.String("uri", r.RequestURI),
			slog.String("ip", r.RemoteAddr),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}
