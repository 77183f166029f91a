package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/snapshot"
	"github.com/sawpanic/derivflow/internal/stats"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Encoding response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: RequestID(r.Context()),
		Timestamp: s.now().UTC(),
	})
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "The requested endpoint does not exist")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: s.now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Store != nil {
		resp.Store = s.deps.Store.Health(r.Context())
		if !resp.Store.Healthy {
			resp.Status = "unhealthy"
		}
	}
	if s.deps.Runs != nil {
		if last, ok := s.deps.Runs.LastReport(); ok {
			resp.LastRun = &last
			resp.Stale = s.now().Sub(last.TS) > s.deps.StaleAfter
			if resp.Status == "healthy" && (last.Err != "" || last.Partial() || resp.Stale) {
				resp.Status = "degraded"
			}
		}
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

// parseQuery reads mode, key, contract_type and limit. The sector path
// variable, when present, has already been mapped to a contract type.
func parseQuery(v url.Values, contractType string) (snapshot.Query, error) {
	var q snapshot.Query
	var err error
	if q.Mode, err = snapshot.ParseMode(v.Get("mode")); err != nil {
		return q, err
	}
	if q.Key, err = snapshot.ParseKeyMode(v.Get("key")); err != nil {
		return q, err
	}
	if contractType == "" {
		contractType = v.Get("contract_type")
	}
	if contractType != "" {
		ct := derivs.ContractType(contractType)
		if !ct.Valid() {
			return q, fmt.Errorf("unknown contract_type %q", contractType)
		}
		q.ContractType = ct
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("limit must be a positive integer, got %q", raw)
		}
		q.Limit = n
	}
	if raw := v.Get("lookback"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return q, fmt.Errorf("lookback must be a positive duration, got %q", raw)
		}
		q.Lookback = d
	}
	return q, nil
}

func (s *Server) derivatives(w http.ResponseWriter, r *http.Request) {
	s.serveSnapshot(w, r, "")
}

func (s *Server) sector(w http.ResponseWriter, r *http.Request) {
	ct, ok := sectorContractType(mux.Vars(r)["sector"])
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "unknown_sector", "Sector must be cex-perps or cex-futures")
		return
	}
	s.serveSnapshot(w, r, ct)
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request, contractType string) {
	q, err := parseQuery(r.URL.Query(), contractType)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	snap, err := s.deps.Snapshots.Snapshot(r.Context(), q)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("Snapshot query failed")
		s.writeError(w, r, http.StatusInternalServerError, "snapshot_failed", "Snapshot query failed")
		return
	}

	resp := DerivativesResponse{
		Data:  snap.Records,
		Count: snap.Count,
		TS:    tsPtr(snap.TS),
		Stale: snap.Stale(s.deps.StaleAfter, s.now()),
	}
	if !snap.Empty() {
		resp.Window = &snap.Window
		resp.Exchanges = snap.Exchanges
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) tiers(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query(), "")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	metric, err := snapshot.ParseMetric(r.URL.Query().Get("metric"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_metric", err.Error())
		return
	}

	set, err := s.deps.Snapshots.Tiers(r.Context(), q, metric, stats.Options{})
	switch {
	case errors.Is(err, stats.ErrInsufficientValues):
		s.writeError(w, r, http.StatusUnprocessableEntity, "insufficient_data", err.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("Tier query failed")
		s.writeError(w, r, http.StatusInternalServerError, "tiers_failed", "Tier query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, TiersResponse{
		Metric:  set.Metric,
		Data:    set.Records,
		Count:   set.Count,
		Skipped: set.Skipped,
		TS:      tsPtr(set.TS),
	})
}

func (s *Server) sigmaBucket(w http.ResponseWriter, r *http.Request) {
	var req SigmaBucketRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_body", fmt.Sprintf("decode request: %v", err))
		return
	}

	out, err := stats.SigmaBucketWithScores(req.Values, stats.Options{Thresholds: req.Thresholds, Labels: req.Labels})
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}
