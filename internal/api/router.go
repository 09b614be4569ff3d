package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/nexus-edge/ecat-master/internal/health"
)

// NewRouter builds the HTTP routes: health probes, Prometheus metrics and the
// /api endpoints. Write endpoints require the API key when authentication
// is enabled.
func NewRouter(h *Handler, mw *Middleware, checker *health.HealthChecker, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(mw.AccessLog, mw.CORS, mw.LimitBody)

	r.HandleFunc("/health", checker.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/live", checker.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", checker.ReadinessHandler).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	api.HandleFunc("/slaves", h.Slaves).Methods(http.MethodGet)
	api.HandleFunc("/slaves/{position}", h.Slave).Methods(http.MethodGet)
	api.HandleFunc("/statistics", h.Statistics).Methods(http.MethodGet)
	api.HandleFunc("/statistics/frames", h.FrameStatistics).Methods(http.MethodGet)
	api.HandleFunc("/reactions", h.Reactions).Methods(http.MethodGet)
	api.HandleFunc("/registers/{address}", h.ReadRegister).Methods(http.MethodGet)
	api.HandleFunc("/export/mqtt", h.Export).Methods(http.MethodGet)

	secured := func(fn http.HandlerFunc) http.Handler { return mw.RequireKey(fn) }
	api.Handle("/registers/{address}", secured(h.WriteRegister)).Methods(http.MethodPut, http.MethodOptions)
	api.Handle("/cycle/target", secured(h.SetCycleTarget)).Methods(http.MethodPost, http.MethodOptions)
	api.Handle("/statistics", secured(h.ResetStatistics)).Methods(http.MethodDelete, http.MethodOptions)

	return r
}
