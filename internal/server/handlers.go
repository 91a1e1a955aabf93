package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"solbridge/internal/bridge"
)

type streamEvent struct {
	Subscription uint64          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// subscribeStatus maps a subscribe failure to an HTTP status: caller
// mistakes are 400, a terminally failed bridge is 503.
func subscribeStatus(err error) int {
	var invalid *bridge.InvalidParamsError
	if errors.As(err, &invalid) {
		return http.StatusBadRequest
	}
	return http.StatusServiceUnavailable
}

func accountOptsFromQuery(r *http.Request) bridge.AccountOpts {
	q := r.URL.Query()
	return bridge.AccountOpts{
		Commitment: bridge.Commitment(q.Get("commitment")),
		Encoding:   bridge.Encoding(q.Get("encoding")),
	}
}

func (s *Server) handleSubscribeAccount(w http.ResponseWriter, r *http.Request) {
	sub, err := s.bridge.SubscribeAccount(r.URL.Query().Get("pubkey"), accountOptsFromQuery(r))
	if err != nil {
		writeJSON(w, subscribeStatus(err), errorBody{Error: err.Error()})
		return
	}
	s.stream(w, r, sub)
}

func (s *Server) handleSubscribeSignature(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sub, err := s.bridge.SubscribeSignature(q.Get("signature"), bridge.Commitment(q.Get("commitment")))
	if err != nil {
		writeJSON(w, subscribeStatus(err), errorBody{Error: err.Error()})
		return
	}
	s.stream(w, r, sub)
}

func (s *Server) handleSubscribeLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter bridge.LogsFilter
	if q.Get("all") == "true" {
		filter.All = true
	}
	if mentions := q.Get("mentions"); mentions != "" {
		filter.Mentions = strings.Split(mentions, ",")
	}
	sub, err := s.bridge.SubscribeLogs(filter, bridge.Commitment(q.Get("commitment")))
	if err != nil {
		writeJSON(w, subscribeStatus(err), errorBody{Error: err.Error()})
		return
	}
	s.stream(w, r, sub)
}

func (s *Server) handleSubscribeProgram(w http.ResponseWriter, r *http.Request) {
	sub, err := s.bridge.SubscribeProgram(r.URL.Query().Get("program"), accountOptsFromQuery(r))
	if err != nil {
		writeJSON(w, subscribeStatus(err), errorBody{Error: err.Error()})
		return
	}
	s.stream(w, r, sub)
}

// stream writes newline-delimited JSON, one object per event, flushing
// after each. When the subscription ends it writes exactly one terminal
// error object if the stream failed, then closes the response.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, sub *bridge.Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sub.Unsubscribe()
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.logger.With().Uint64("sub", sub.ID()).Str("kind", string(sub.Kind())).Logger()
	log.Debug().Msg("stream opened")

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			log.Debug().Msg("client went away")
			return
		case ev, open := <-sub.Events():
			if !open {
				if err := sub.Err(); err != nil {
					enc.Encode(errorBody{Error: err.Error()})
					flusher.Flush()
				}
				log.Debug().Err(sub.Err()).Msg("stream ended")
				return
			}
			if err := enc.Encode(streamEvent{Subscription: sub.ID(), Result: ev}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	snaps := s.bridge.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":         len(snaps),
		"subscriptions": snaps,
	})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid subscription id"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscription": id,
		"events":       s.bridge.Recent(id),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid subscription id"})
		return
	}
	s.bridge.Cancel(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Terminal(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
