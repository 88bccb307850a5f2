package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const maxHistory = 50

type createCallRequest struct {
	CallerID   domain.UserID   `json:"caller_id"`
	ReceiverID domain.UserID   `json:"receiver_id"`
	Kind       domain.CallKind `json:"call_type"`
}

type updateCallRequest struct {
	domain.RecordFilter
	domain.RecordPatch
}

func (h *Handler) createCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.CallerID.IsZero() || req.ReceiverID.IsZero() || req.CallerID == req.ReceiverID {
		writeError(w, http.StatusBadRequest, "caller_id and receiver_id must be two different users")
		return
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown call_type %q", req.Kind))
		return
	}

	rec, err := h.Records.Insert(r.Context(), req.CallerID, req.ReceiverID, req.Kind)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) updateLatestCall(w http.ResponseWriter, r *http.Request) {
	var req updateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.CallerID.IsZero() || req.ReceiverID.IsZero() {
		writeError(w, http.StatusBadRequest, "caller_id and receiver_id are required")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}
	if req.DurationSeconds != nil && *req.DurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "duration_seconds must not be negative")
		return
	}

	rec, err := h.Records.UpdateLatest(r.Context(), req.RecordFilter, req.RecordPatch)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) listCalls(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(r.URL.Query().Get("user"))
	if user.IsZero() {
		writeError(w, http.StatusBadRequest, "missing user")
		return
	}
	limit := maxHistory
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistory)
	}

	recs, err := h.Records.List(r.Context(), user, limit)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.CallRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// callEvents streams record inserts and updates addressed to one receiver.
func (h *Handler) callEvents(w http.ResponseWriter, r *http.Request) {
	if h.Feed == nil {
		writeError(w, http.StatusNotFound, "record feed disabled")
		return
	}
	receiver := domain.UserID(r.URL.Query().Get("receiver"))
	if receiver.IsZero() {
		writeError(w, http.StatusBadRequest, "missing receiver")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel := h.Feed.SubscribeRecords(receiver)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: record\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (h *Handler) lookupUser(w http.ResponseWriter, r *http.Request) {
	if h.Users == nil {
		writeError(w, http.StatusNotFound, "directory disabled")
		return
	}
	id := domain.UserID(chi.URLParam(r, "id"))
	name, err := h.Users.Lookup(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "display_name": name})
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRecordNotFound), errors.Is(err, domain.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("Call record store failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
