// Package api assembles the HTTP surface: probes and metrics on the bare
// router, versioned endpoints behind identity and throttling middleware.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"weft/pkg/api/handlers"
	"weft/pkg/auth"
	"weft/pkg/config"
	"weft/pkg/telemetry"
	"weft/pkg/utils"
)

// Handler builds the full router over the wired components.
func Handler(d *handlers.Deps, rlCfg config.RateLimitConfig) http.Handler {
	root := mux.NewRouter()

	root.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	root.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil || !d.Store.Ready() {
			utils.JSONError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ready"})
	}).Methods(http.MethodGet)
	root.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)

	v1 := root.PathPrefix("/v1").Subrouter()
	v1.Use(observe, auth.RequireUser, auth.Throttle(rlCfg))

	handlers.RegisterThreads(v1, d)
	handlers.RegisterMessages(v1, d)
	handlers.RegisterStream(v1, d)
	handlers.RegisterContext(v1, d)
	return root
}

// observe records request metrics labeled with the route template rather
// than the raw path, keeping metric cardinality bounded.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if t, err := cur.GetPathTemplate(); err == nil {
				route = t
			}
		}
		telemetry.Middleware(route, next).ServeHTTP(w, r)
	})
}
