package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peerchat/pkg/api"
	"peerchat/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// startHTTP assembles the HTTP surface and starts serving in the
// background, reporting fatal errors on the returned channel.
func (a *App) startHTTP() <-chan error {
	mux := http.NewServeMux()

	// liveness probe used by deployment systems and CI
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	apiSrv := api.New(a.facade)
	limited := api.RateLimit(a.cfg.Security.RateLimit.RPS, a.cfg.Security.RateLimit.Burst)(apiSrv.Router())
	mux.Handle("/", limited)

	a.srv = &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}
