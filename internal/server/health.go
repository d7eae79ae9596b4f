package server

import (
	"io"
	"log/slog"
	"net/http"
)

// Liveness and readiness probes. /healthz answers as long as the process
// serves HTTP; /readyz also pings SQLite and the KV so a load balancer can
// drain an instance that lost its backing stores.

var plainCT = []string{"text/plain; charset=utf-8"}

func writePlain(w http.ResponseWriter, status int, body string) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writePlain(w, http.StatusOK, "ok")
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "readiness check failed",
				slog.String("error", err.Error()),
			)
			writePlain(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writePlain(w, http.StatusOK, "ok")
}
