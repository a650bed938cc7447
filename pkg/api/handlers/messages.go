package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"weft/pkg/apperr"
	"weft/pkg/auth"
	"weft/pkg/models"
	"weft/pkg/store"
	"weft/pkg/utils"
)

// RegisterMessages registers the message routes.
func RegisterMessages(r *mux.Router, d *Deps) {
	r.HandleFunc("/threads/{threadID}/messages", d.createMessage).Methods(http.MethodPost)
	r.HandleFunc("/threads/{threadID}/messages", d.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", d.getMessage).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/finalize", d.finalizeMessage).Methods(http.MethodPost)
}

func (d *Deps) createMessage(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	if _, err := d.ownedThread(r, threadID); err != nil {
		writeErr(w, err)
		return
	}
	var body struct {
		Role            models.Role   `json:"role"`
		Parts           []models.Part `json:"parts"`
		Pending         bool          `json:"pending"`
		ContextExcluded bool          `json:"context_excluded"`
		Order           *int64        `json:"order"`
		StepOrder       *int64        `json:"step_order"`
	}
	if err := utils.JSONDecode(r, &body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Role == "" {
		utils.JSONError(w, http.StatusBadRequest, "role required")
		return
	}
	if body.StepOrder != nil && body.Order == nil {
		utils.JSONError(w, http.StatusBadRequest, "step_order requires order")
		return
	}
	m, err := d.Store.CreateMessage(threadID, store.CreateMessageParams{
		Role:            body.Role,
		Parts:           body.Parts,
		Pending:         body.Pending,
		ContextExcluded: body.ContextExcluded,
		Order:           body.Order,
		StepOrder:       body.StepOrder,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, m)
}

func (d *Deps) listMessages(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadID"]
	if _, err := d.ownedThread(r, threadID); err != nil {
		writeErr(w, err)
		return
	}
	q := r.URL.Query()
	opts := store.ListOptions{
		Desc:   q.Get("order") == "desc",
		Limit:  queryInt(r, "limit", 0),
		Cursor: q.Get("cursor"),
	}
	if raw := q.Get("statuses"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			opts.Statuses = append(opts.Statuses, models.MessageStatus(strings.TrimSpace(s)))
		}
	}
	page, err := d.Store.ListMessages(threadID, opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, page)
}

// ownedMessage loads a message and checks thread ownership.
func (d *Deps) ownedMessage(r *http.Request, messageID string) (models.Message, error) {
	m, err := d.Store.GetMessage(messageID)
	if err != nil {
		return models.Message{}, err
	}
	th, err := d.Store.GetThread(m.ThreadID)
	if err != nil {
		return models.Message{}, err
	}
	if th.UserID != auth.UserID(r.Context()) {
		return models.Message{}, apperr.NotFound("message", messageID)
	}
	return m, nil
}

func (d *Deps) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := d.ownedMessage(r, mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

func (d *Deps) finalizeMessage(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["id"]
	if _, err := d.ownedMessage(r, messageID); err != nil {
		writeErr(w, err)
		return
	}
	var body struct {
		Status    models.MessageStatus `json:"status"`
		Parts     []models.Part        `json:"parts"`
		Usage     *models.Usage        `json:"usage"`
		ErrReason string               `json:"err_reason"`
	}
	if err := utils.JSONDecode(r, &body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	m, err := d.Store.FinalizeMessage(messageID, store.FinalizeOutcome{
		Status:    body.Status,
		Parts:     body.Parts,
		Usage:     body.Usage,
		ErrReason: body.ErrReason,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	// wake any live subscribers; harmless when no broadcaster is active
	if err := d.Stream.Finish(messageID); err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}
