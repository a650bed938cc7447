package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"weft/pkg/auth"
	"weft/pkg/recall"
	"weft/pkg/utils"
)

// RegisterContext registers the context-preview and rate-limit status
// routes.
func RegisterContext(r *mux.Router, d *Deps) {
	r.HandleFunc("/threads/{id}/context", d.previewContext).Methods(http.MethodPost)
	r.HandleFunc("/ratelimit/{key}", d.rateLimitStatus).Methods(http.MethodGet)
}

// previewContext assembles the context window a hypothetical prompt would
// receive, without creating any message. Useful for debugging recall.
func (d *Deps) previewContext(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	if _, err := d.ownedThread(r, threadID); err != nil {
		writeErr(w, err)
		return
	}
	var body struct {
		Prompt  string         `json:"prompt"`
		Options recall.Options `json:"options"`
	}
	if err := utils.JSONDecode(r, &body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	msgs, err := d.Assembler.Assemble(r.Context(), threadID, auth.UserID(r.Context()), body.Prompt, body.Options)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"messages": msgs})
}

// rateLimitStatus reports the caller's bucket state for client-side UX.
// The key is namespaced to the caller so users cannot inspect each other.
func (d *Deps) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"] + ":" + auth.UserID(r.Context())
	_ = utils.JSONWrite(w, http.StatusOK, d.Limiter.Status(key))
}
