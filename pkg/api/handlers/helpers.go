// Package handlers implements the v1 HTTP endpoints over the persistence
// core. Handlers are thin: decode, call the store or engine, map errors.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"weft/pkg/apperr"
	"weft/pkg/generation"
	"weft/pkg/logger"
	"weft/pkg/ratelimit"
	"weft/pkg/recall"
	"weft/pkg/store"
	"weft/pkg/stream"
	"weft/pkg/utils"
)

// Deps carries the wired core components into the handlers.
type Deps struct {
	Store     *store.Store
	Stream    *stream.Engine
	Assembler *recall.Assembler
	Limiter   *ratelimit.Limiter
	Generator *generation.Generator
}

// writeErr maps the error taxonomy onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		utils.JSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperr.ErrInvalidStateTransition):
		utils.JSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, apperr.ErrConflict):
		utils.JSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, apperr.ErrRateLimited):
		if rl, ok := apperr.AsRateLimited(err); ok {
			secs := int(time.Until(rl.RetryAt).Seconds()) + 1
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		utils.JSONError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, apperr.ErrUpstreamFailure):
		utils.JSONError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, store.ErrMalformedCursor):
		utils.JSONError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("handler_error", "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
