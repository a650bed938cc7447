package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"weft/pkg/logger"
	"weft/pkg/utils"
)

// RegisterStream registers the SSE delta subscription route.
func RegisterStream(r *mux.Router, d *Deps) {
	r.HandleFunc("/messages/{id}/stream", d.streamMessage).Methods(http.MethodGet)
}

// streamMessage serves deltas as server-sent events. ?from= resumes at a
// sequence number; a client that was disconnected passes its last seen
// seq + 1 and observes no gap and no duplicate. The stream ends with an
// event of type "done" after the terminal delta.
func (d *Deps) streamMessage(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["id"]
	if _, err := d.ownedMessage(r, messageID); err != nil {
		writeErr(w, err)
		return
	}
	fromSeq := int64(0)
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			utils.JSONError(w, http.StatusBadRequest, "invalid from")
			return
		}
		fromSeq = v
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.JSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel, err := d.Stream.Subscribe(r.Context(), messageID, fromSeq)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for delta := range ch {
		payload, err := json.Marshal(delta)
		if err != nil {
			logger.Error("delta_marshal_failed", "message", messageID, "error", err)
			return
		}
		if delta.Final {
			_, _ = w.Write([]byte("event: done\n"))
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
