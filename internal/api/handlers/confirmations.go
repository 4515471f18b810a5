package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dvloznov/box-ledger/internal/api/middleware"
	"github.com/dvloznov/box-ledger/internal/confirm"
	"github.com/dvloznov/box-ledger/internal/service"
)

type flowView struct {
	Token      string        `json:"token"`
	State      confirm.State `json:"state"`
	Box        string        `json:"box"`
	ID         int64         `json:"id,omitempty"`
	CanConfirm bool          `json:"can_confirm"`
	TypeWord   string        `json:"type_word,omitempty"`
}

func viewFlow(token string, f confirm.Flow) flowView {
	v := flowView{Token: token, State: f.State(), Box: string(f.Box()), ID: f.ID(), CanConfirm: f.CanConfirm()}
	if f.State() == confirm.StateAwaitingTyped {
		v.TypeWord = confirm.ClearToken
	}
	return v
}

func (h *LedgerHandler) writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, confirm.ErrUnknownToken):
		middleware.WriteError(w, http.StatusNotFound, "Unknown confirmation")
	case errors.Is(err, confirm.ErrInvalidTransition):
		middleware.WriteError(w, http.StatusConflict, "Confirmation is not in the right state")
	default:
		middleware.WriteError(w, http.StatusInternalServerError, "Confirmation failed")
	}
}

// RequestDelete handles POST /api/boxes/{box}/movements/{id}/delete-requests
func (h *LedgerHandler) RequestDelete(w http.ResponseWriter, r *http.Request) {
	b, ok := boxParam(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if _, found := h.svc.Movement(b, id); !found {
		middleware.WriteError(w, http.StatusNotFound, service.MsgNotFound)
		return
	}

	f, err := confirm.Flow{}.RequestDelete(b, id)
	if err != nil {
		h.writeFlowError(w, err)
		return
	}
	token := h.flows.Open(f)
	middleware.WriteJSON(w, http.StatusCreated, viewFlow(token, f))
}

// RequestClear handles POST /api/confirmations/{token}/clear
func (h *LedgerHandler) RequestClear(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	f, err := h.flows.Update(token, func(f confirm.Flow) (confirm.Flow, error) {
		bulk, err := f.RequestClear()
		if err != nil {
			return f, err
		}
		return bulk.BeginTyped()
	})
	if err != nil {
		h.writeFlowError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, viewFlow(token, f))
}

// Type handles POST /api/confirmations/{token}/type
func (h *LedgerHandler) Type(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token := chi.URLParam(r, "token")
	f, err := h.flows.Update(token, func(f confirm.Flow) (confirm.Flow, error) {
		return f.Type(req.Input)
	})
	if err != nil {
		h.writeFlowError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, viewFlow(token, f))
}

// Confirm handles POST /api/confirmations/{token}/confirm
func (h *LedgerHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var action confirm.Action
	_, err := h.flows.Update(token, func(f confirm.Flow) (confirm.Flow, error) {
		next, a, err := f.Confirm()
		action = a
		return next, err
	})
	if err != nil {
		h.writeFlowError(w, err)
		return
	}

	var out service.Outcome
	switch a := action.(type) {
	case confirm.ActionDelete:
		out = h.svc.Delete(r.Context(), a.Box, a.ID)
	case confirm.ActionClear:
		out = h.svc.Clear(r.Context(), a.Box)
	default:
		middleware.WriteError(w, http.StatusInternalServerError, "Unknown confirmation action")
		return
	}
	h.writeOutcome(w, out)
}

// Dismiss handles DELETE /api/confirmations/{token}
func (h *LedgerHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	if !h.flows.Remove(chi.URLParam(r, "token")) {
		middleware.WriteError(w, http.StatusNotFound, "Unknown confirmation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
