package http

import (
	"time"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/ingest"
	"github.com/sawpanic/derivflow/internal/persistence"
	"github.com/sawpanic/derivflow/internal/snapshot"
)

// DerivativesResponse is the snapshot payload. TS is null until data exists.
type DerivativesResponse struct {
	Data      []derivs.Record      `json:"data"`
	Count     int                  `json:"count"`
	TS        *time.Time           `json:"ts"`
	Window    *snapshot.Window     `json:"window,omitempty"`
	Exchanges map[string]time.Time `json:"exchanges,omitempty"`
	Stale     bool                 `json:"stale"`
}

// TiersResponse is a snapshot bucketed over one metric.
type TiersResponse struct {
	Metric  snapshot.Metric         `json:"metric"`
	Data    []snapshot.TieredRecord `json:"data"`
	Count   int                     `json:"count"`
	Skipped int                     `json:"skipped"`
	TS      *time.Time              `json:"ts"`
}

// SigmaBucketRequest is the body of POST /stats/sigma-bucket.
type SigmaBucketRequest struct {
	Values     []float64 `json:"values"`
	Thresholds []float64 `json:"thresholds,omitempty"`
	Labels     []string  `json:"labels,omitempty"`
}

// HealthResponse reports store connectivity and the last ingestion run.
type HealthResponse struct {
	Status    string                  `json:"status"` // healthy, degraded or unhealthy
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime"`
	Store     persistence.HealthCheck `json:"store"`
	LastRun   *ingest.RunReport       `json:"last_run,omitempty"`
	Stale     bool                    `json:"stale"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func tsPtr(ts time.Time) *time.Time {
	if ts.IsZero() {
		return nil
	}
	return &ts
}
