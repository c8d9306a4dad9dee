package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

const (
	statusRequeued = "requeued"
	maxIDLen       = 255
)

var errInvalidID = errors.New("invalid identifier")

// Handler provides HTTP endpoints for entitlement queries and ledger administration
type Handler struct {
	config Config
}

// Routes returns a router serving every endpoint of the handler.
//
//	GET  /entitlements/{userID}
//	GET  /entitlements/{userID}/{entitlementID}
//	GET  /events/{source}/{externalID}
//	POST /events/{source}/{externalID}/requeue
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

// Mount registers the handler's endpoints on an existing router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/entitlements/{userID}", h.ListEntitlements)
	r.Get("/entitlements/{userID}/{entitlementID}", h.GetEntitlement)
	r.Get("/events/{source}/{externalID}", h.GetEvent)
	r.Post("/events/{source}/{externalID}/requeue", h.RequeueEvent)
}

// ListEntitlements returns every entitlement row of the user. A user without
// rows gets an empty list.
func (h *Handler) ListEntitlements(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	ents, err := h.config.Reader.ListEntitlements(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list entitlements: %w", err), http.StatusInternalServerError)
		return
	}

	now := h.config.Clock.Now()
	resp := EntitlementsResponse{
		UserID:       userID,
		Entitlements: make([]EntitlementResponse, 0, len(ents)),
	}
	for _, ent := range ents {
		resp.Entitlements = append(resp.Entitlements, toEntitlementResponse(ent, ent.Grants(now)))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetEntitlement returns one entitlement with its has_access flag
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	entitlementID, err := pathID(r, "entitlementID")
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	ok, ent, err := paysync.HasAccess(r.Context(), h.config.Reader, userID, entitlementID, h.config.Clock.Now())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get entitlement: %w", err), http.StatusInternalServerError)
		return
	}
	if ent == nil {
		h.handleError(w, r, paysync.ErrEntitlementNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toEntitlementResponse(ent, ok))
}

// GetEvent returns a ledger row. The raw payload is included with ?raw=1.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	key, err := eventKey(r)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	row, err := h.config.Ledger.GetEvent(r.Context(), key)
	switch {
	case errors.Is(err, paysync.ErrEventNotFound):
		h.handleError(w, r, err, http.StatusNotFound)
		return
	case err != nil:
		h.handleError(w, r, fmt.Errorf("failed to get event: %w", err), http.StatusInternalServerError)
		return
	}

	resp := EventResponse{
		Source:       string(row.Source),
		ExternalID:   row.ExternalID,
		EventType:    row.EventType,
		Status:       string(row.Status),
		Attempts:     row.Attempts,
		ReceivedAt:   row.ReceivedAt,
		ProcessedAt:  row.ProcessedAt,
		ErrorMessage: row.ErrorMessage,
	}
	if r.URL.Query().Get("raw") == "1" {
		resp.RawPayload = string(row.RawPayload)
	}
	writeJSON(w, http.StatusOK, resp)
}

// RequeueEvent moves a failed row back to pending and dispatches it.
// A dispatch failure is not an error: the sweeper picks the row up.
func (h *Handler) RequeueEvent(w http.ResponseWriter, r *http.Request) {
	key, err := eventKey(r)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	err = h.config.Ledger.Requeue(r.Context(), key)
	switch {
	case errors.Is(err, paysync.ErrEventNotFound):
		h.handleError(w, r, err, http.StatusNotFound)
		return
	case errors.Is(err, paysync.ErrEventNotFailed):
		h.handleError(w, r, err, http.StatusConflict)
		return
	case err != nil:
		h.handleError(w, r, fmt.Errorf("failed to requeue event: %w", err), http.StatusInternalServerError)
		return
	}

	fields := []paysync.Field{
		{Key: "source", Value: string(key.Source)},
		{Key: "event_id", Value: key.ExternalID},
	}
	h.config.Logger.Info("Webhook event requeued", fields...)

	resp := RequeueResponse{Status: statusRequeued}
	if h.config.Dispatcher != nil {
		if err := h.config.Dispatcher.Dispatch(r.Context(), key); err != nil {
			h.config.Logger.Warn("Requeued event dispatch failed",
				append(fields, paysync.Field{Key: "error", Value: err.Error()})...)
		} else {
			resp.Dispatched = true
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func eventKey(r *http.Request) (paysync.EventKey, error) {
	source, err := paysync.ParseSource(chi.URLParam(r, "source"))
	if err != nil {
		return paysync.EventKey{}, err
	}
	id, err := pathID(r, "externalID")
	if err != nil {
		return paysync.EventKey{}, err
	}
	return paysync.EventKey{Source: source, ExternalID: id}, nil
}

func pathID(r *http.Request, name string) (string, error) {
	id := chi.URLParam(r, name)
	if id == "" || len(id) > maxIDLen {
		return "", fmt.Errorf("%w: %s", errInvalidID, name)
	}
	return id, nil
}

func toEntitlementResponse(ent *paysync.Entitlement, hasAccess bool) EntitlementResponse {
	return EntitlementResponse{
		UserID:         ent.UserID,
		EntitlementID:  ent.EntitlementID,
		ProductID:      ent.ProductID,
		Status:         string(ent.Status),
		Platform:       ent.Platform,
		PurchaseDate:   ent.PurchaseDate,
		ExpirationDate: ent.ExpirationDate,
		AutoRenew:      ent.AutoRenew,
		LastEventAt:    ent.LastEventAt,
		UpdatedAt:      ent.UpdatedAt,
		HasAccess:      hasAccess,
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}
