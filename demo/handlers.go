package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	datp "github.com/tooltwist/datp-sub001"
)

const defaultOwner = "demo"

type apiServer struct {
	cache     *datp.TransactionCache
	longPoll  *datp.LongPollRegistry
	responder *datp.Responder
	logger    *slog.Logger
}

type startRequest struct {
	ExternalID      string         `json:"externalId"`
	TransactionType string         `json:"transactionType"`
	Data            map[string]any `json:"data"`
	WebhookURL      string         `json:"webhookUrl"`
	Reply           string         `json:"reply"` // "longpoll" or "async"
}

type switchRequest struct {
	Value  any  `json:"value"`
	Notify bool `json:"notify"`
}

// ownerMiddleware puts the caller's owner (tenant) into the request
// context, defaulting for unauthenticated demo traffic.
func ownerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o := r.Header.Get("X-Datp-Owner")
		if o == "" {
			o = defaultOwner
		}
		next.ServeHTTP(w, r.WithContext(datp.WithOwner(r.Context(), o)))
	})
}

func owner(r *http.Request) string {
	o, err := datp.OwnerFromContext(r.Context())
	if err != nil {
		return defaultOwner
	}
	return o
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// startTransaction accepts a new transaction and hands it to the toy
// engine. With reply "longpoll" the response is held open until the
// transaction completes or the hold times out; otherwise the transaction
// metadata comes back immediately and the result arrives by webhook.
func (s *apiServer) startTransaction(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TransactionType == "" {
		writeError(w, http.StatusBadRequest, errors.New("transactionType is required"))
		return
	}

	own := owner(r)
	rec, err := s.cache.NewTransaction(r.Context(), own, req.ExternalID, req.TransactionType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	patch := datp.Patch{"status": datp.Set(datp.StatusQueued)}
	if req.Data != nil {
		patch["input"] = datp.Set(req.Data)
	}
	if err := rec.ApplyDelta(r.Context(), "", patch, false); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	go s.runToyEngine(own, rec.TxID(), req.WebhookURL, req.Data)

	if req.Reply != "longpoll" {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"txId":   rec.TxID(),
			"status": rec.Status(),
		})
		return
	}

	reply := datp.NewReply()
	s.longPoll.HoldForDelayedReply(own, rec.TxID(), reply, 0)

	select {
	case summary := <-reply.Done():
		if summary == nil {
			writeError(w, http.StatusInternalServerError, errors.New("reply failed"))
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case <-r.Context().Done():
		// Client went away; the hold resolves by timeout on its own.
	}
}

// runToyEngine stands in for the external execution engine: it marks the
// transaction successful after a short delay and triggers delivery.
func (s *apiServer) runToyEngine(own, txID, webhookURL string, input map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	time.Sleep(200 * time.Millisecond)

	rec, err := s.cache.FindTransaction(ctx, txID, true)
	if err != nil || rec == nil {
		s.logger.Error("toy engine: find transaction", "txId", txID, "error", err)
		return
	}

	output := map[string]any{"echo": input}
	err = rec.ApplyDelta(ctx, "", datp.Patch{
		"status":            datp.Set(datp.StatusSuccess),
		"transactionOutput": datp.Set(output),
	}, false)
	if err != nil {
		s.logger.Error("toy engine: complete transaction", "txId", txID, "error", err)
		return
	}

	if err := s.responder.CompleteTransaction(ctx, own, txID, webhookURL); err != nil {
		s.logger.Error("toy engine: deliver result", "txId", txID, "error", err)
	}
}

func (s *apiServer) getTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")

	summary, err := s.cache.GetSummary(r.Context(), owner(r), txID)
	if errors.Is(err, datp.ErrTransactionNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *apiServer) getTransactionByExternalID(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalId")

	summary, err := s.cache.GetSummaryByExternalID(r.Context(), owner(r), externalID)
	if errors.Is(err, datp.ErrTransactionNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *apiServer) setSwitch(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")
	name := chi.URLParam(r, "name")

	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err := s.cache.SetSwitch(r.Context(), owner(r), txID, name, req.Value, req.Notify)
	switch {
	case errors.Is(err, datp.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, datp.ErrSwitchTooLong), errors.Is(err, datp.ErrInvalidSwitchValue):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, datp.ErrConcurrentSwitchUpdate):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
