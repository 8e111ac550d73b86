package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/redq/internal/deadletter"
	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/internal/policy"
	"github.com/rzbill/redq/internal/redelivery"
	logpkg "github.com/rzbill/redq/pkg/log"
)

// maxResolveDelays bounds the delay preview for unlimited policies.
const maxResolveDelays = 10

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func parseLimit(s string) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return 0
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.rt.Broker().Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"destinations": stats})
}

// PolicyEntry is the wire form of one pattern binding.
type PolicyEntry struct {
	Pattern string `json:"pattern"`
	policy.Settings
}

// PoliciesResponse lists the broker-side policy map.
type PoliciesResponse struct {
	Default *policy.Settings `json:"default,omitempty"`
	Entries []PolicyEntry    `json:"entries"`
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	m := s.rt.Broker().Policies()
	resp := PoliciesResponse{Entries: []PolicyEntry{}}
	if def, ok := m.Default(); ok {
		st := policy.SettingsOf(def)
		resp.Default = &st
	}
	for _, e := range m.Entries() {
		resp.Entries = append(resp.Entries, PolicyEntry{Pattern: e.Pattern.String(), Settings: policy.SettingsOf(e.Policy)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePutDefault(w http.ResponseWriter, r *http.Request) {
	var st policy.Settings
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.rt.Broker().Policies().SetDefault(st.Policy()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("default redelivery policy replaced", logpkg.Str("policy", st.Policy().String()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyEntry
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	pat, err := destination.ParsePattern(req.Pattern)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.rt.Broker().Policies().Put(pat, req.Settings.Policy()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("redelivery policy registered", logpkg.Str("pattern", pat.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	pat, err := destination.ParsePattern(r.URL.Query().Get("pattern"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.rt.Broker().Policies().Remove(pat) {
		writeError(w, http.StatusNotFound, "no policy for "+pat.String())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResolveResponse reports which policy governs a destination and the
// delays it would produce.
type ResolveResponse struct {
	Destination string          `json:"destination"`
	Pattern     string          `json:"pattern,omitempty"`
	Policy      policy.Settings `json:"policy"`
	DelaysMs    []int64         `json:"delaysMs"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	dest, err := destination.Parse(r.URL.Query().Get("destination"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, pat, err := s.rt.Broker().Policies().Lookup(dest)
	if errors.Is(err, policy.ErrNoPolicy) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	n := p.MaximumRedeliveries
	if n < 0 || n > maxResolveDelays {
		n = maxResolveDelays
	}
	resp := ResolveResponse{Destination: dest.String(), Policy: policy.SettingsOf(p), DelaysMs: []int64{}}
	if pat.Text() != "" {
		resp.Pattern = pat.String()
	}
	for _, d := range p.Delays(n) {
		resp.DelaysMs = append(resp.DelaysMs, d.Milliseconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// SendRequest is the body of POST /v1/messages.
type SendRequest struct {
	Destination string            `json:"destination"`
	Body        string            `json:"body"`
	Properties  map[string]string `json:"properties,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	dest, err := destination.Parse(req.Destination)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgID, err := s.rt.Broker().Send(r.Context(), dest, message.New(dest, []byte(req.Body), req.Properties))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": msgID.String()})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := deadletter.Filter{Field: q.Get("field"), Value: q.Get("value")}
	recs, err := s.rt.Broker().DeadLetters(f, parseLimit(q.Get("limit")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []deadletter.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// StateResponse is the wire form of a redelivery state record.
type StateResponse struct {
	Key          string     `json:"key"`
	AttemptCount int        `json:"attemptCount"`
	NextEligible *time.Time `json:"nextEligible,omitempty"`
	LastDelayMs  int64      `json:"lastDelayMs"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func (s *Server) handleRedeliveryState(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "*"))
	key := redelivery.Key(raw)
	if err != nil || key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	st, ok, err := s.rt.Broker().Coordinator().State(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no redelivery state for "+key.String())
		return
	}
	resp := StateResponse{
		Key:          st.Key.String(),
		AttemptCount: st.AttemptCount,
		LastDelayMs:  st.LastDelay.Milliseconds(),
		UpdatedAt:    st.UpdatedAt,
	}
	if !st.NextEligible.IsZero() {
		t := st.NextEligible
		resp.NextEligible = &t
	}
	writeJSON(w, http.StatusOK, resp)
}
