package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"weft/pkg/apperr"
	"weft/pkg/auth"
	"weft/pkg/models"
	"weft/pkg/store"
	"weft/pkg/utils"
)

// RegisterThreads registers the thread routes.
func RegisterThreads(r *mux.Router, d *Deps) {
	r.HandleFunc("/threads", d.createThread).Methods(http.MethodPost)
	r.HandleFunc("/threads", d.listThreads).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", d.getThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", d.patchThread).Methods(http.MethodPatch)
}

// ownedThread loads the thread and enforces that the caller owns it.
// Foreign threads read as not-found so ids do not leak across users.
func (d *Deps) ownedThread(r *http.Request, threadID string) (models.Thread, error) {
	th, err := d.Store.GetThread(threadID)
	if err != nil {
		return models.Thread{}, err
	}
	if th.UserID != auth.UserID(r.Context()) {
		return models.Thread{}, apperr.NotFound("thread", threadID)
	}
	return th, nil
}

func (d *Deps) createThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title    string         `json:"title"`
		Summary  string         `json:"summary"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := utils.JSONDecode(r, &body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	th, err := d.Store.CreateThread(store.CreateThreadParams{
		UserID:   auth.UserID(r.Context()),
		Title:    body.Title,
		Summary:  body.Summary,
		Metadata: body.Metadata,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, th)
}

func (d *Deps) listThreads(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	limit := queryInt(r, "limit", 100)

	var (
		ths []models.Thread
		err error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		ths, err = d.Store.SearchThreadTitles(userID, q, limit)
	} else {
		ths, err = d.Store.ListThreadsByUser(userID, limit)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"threads": ths})
}

func (d *Deps) getThread(w http.ResponseWriter, r *http.Request) {
	th, err := d.ownedThread(r, mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

func (d *Deps) patchThread(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	if _, err := d.ownedThread(r, threadID); err != nil {
		writeErr(w, err)
		return
	}
	var patch models.ThreadPatch
	if err := utils.JSONDecode(r, &patch); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	th, err := d.Store.UpdateThreadMetadata(threadID, patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}
