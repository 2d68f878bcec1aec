package app

import (
	"context"
	"net/http"
	"time"

	"murmur/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ChatRoute is the websocket route; the conversation id is a path value.
const ChatRoute = "GET /ws/chat/{" + realtime.ConversationPathKey + "}"

// readinessChecker is satisfied by *Runtime.
type readinessChecker interface {
	Ready(ctx context.Context, timeout time.Duration) error
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	ready readinessChecker,
	ws http.Handler,
	reg prometheus.Gatherer,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := ready.Ready(r.Context(), 2*time.Second); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			log.Info("readyz.not_ready", "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.Handle(ChatRoute, ws)
}
