package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/tidehook/tidehook/internal/dispatch"
	"github.com/tidehook/tidehook/internal/store"
	"github.com/tidehook/tidehook/internal/verify"
	"github.com/tidehook/tidehook/pkg/types"
)

// ingress builds the handler for one provider endpoint. The flow is
// fixed: raw body, verify, idempotency check, insert, dispatch.
// Signature verification happens before anything is stored or parsed.
func (s *Server) ingress(provider types.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rejectIfDraining(w) {
			recordIngress(provider, http.StatusServiceUnavailable)
			return
		}
		if !s.verifier.Enabled(provider) {
			writeError(w, http.StatusNotFound, "provider not configured")
			recordIngress(provider, http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
		if err != nil {
			s.log.Error(err, "reading request body", "provider", provider)
			writeError(w, http.StatusInternalServerError, "body read failed")
			recordIngress(provider, http.StatusInternalServerError)
			return
		}

		env, err := s.verifier.Verify(provider, body, r.Header)
		if err != nil {
			status, kind := verifyStatus(err)
			writeError(w, status, kind)
			recordIngress(provider, status)
			return
		}

		exists, err := s.events.Exists(r.Context(), env.Provider, env.EventID)
		if err != nil {
			s.log.Error(err, "idempotency check", "provider", provider, "event", env.EventID)
			writeError(w, http.StatusInternalServerError, "storage unavailable")
			recordIngress(provider, http.StatusInternalServerError)
			return
		}
		if exists {
			writeJSON(w, http.StatusOK, map[string]any{"already_processed": true})
			recordIngress(provider, http.StatusOK)
			return
		}

		evt := &store.Event{
			Provider:  env.Provider,
			EventID:   env.EventID,
			EventType: env.EventType,
			Payload:   env.Payload,
			Signature: env.Signature,
		}
		if err := s.events.Insert(r.Context(), evt); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// Lost the race to a concurrent delivery of the same event.
				writeJSON(w, http.StatusOK, map[string]any{"already_processed": true})
				recordIngress(provider, http.StatusOK)
				return
			}
			s.log.Error(err, "storing event", "provider", provider, "event", env.EventID)
			writeError(w, http.StatusInternalServerError, "storage unavailable")
			recordIngress(provider, http.StatusInternalServerError)
			return
		}

		err = s.dispatcher.Dispatch(r.Context(), &dispatch.Event{
			Provider:  env.Provider,
			EventID:   env.EventID,
			EventType: env.EventType,
			Payload:   env.Payload,
			Attempt:   1,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "handler_failed")
			recordIngress(provider, http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"event_id": env.EventID,
			"type":     env.EventType,
		})
		recordIngress(provider, http.StatusOK)
	}
}

// verifyStatus maps a verification failure to its HTTP status and the
// kind string exposed to the caller. Error details stay in logs.
func verifyStatus(err error) (int, string) {
	switch {
	case errors.Is(err, verify.ErrReplayTooOld):
		return http.StatusUnauthorized, "replay_too_old"
	case errors.Is(err, verify.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, verify.ErrMalformedHeader):
		return http.StatusBadRequest, "malformed_header"
	case errors.Is(err, verify.ErrMalformedBody):
		return http.StatusBadRequest, "malformed_body"
	default:
		return http.StatusUnauthorized, "invalid_signature"
	}
}
