// Package providers adapts upstream derivative-market APIs into derivs.Record
// values. Each source knows its own endpoints and payload shapes; everything
// past a Task's Run sees canonical records only.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/net/client"
)

// Source is one upstream provider of derivative records.
type Source interface {
	// Name identifies the source in logs, metrics and errors.
	Name() string

	// Probe validates credentials and quota before any fetch is dispatched.
	// Any error it returns is fatal for the run.
	Probe(ctx context.Context) error

	// Tasks enumerates the independent fetch units for one run. A *FatalError
	// aborts the run; any other error means the source contributes nothing.
	Tasks(ctx context.Context) ([]Task, error)
}

// Meta describes what a task fetches.
type Meta struct {
	Source   string `json:"source"`
	Exchange string `json:"exchange,omitempty"`
	Category string `json:"category,omitempty"`
}

func (m Meta) String() string {
	s := m.Source
	if m.Exchange != "" {
		s += "/" + m.Exchange
	}
	if m.Category != "" {
		s += "/" + m.Category
	}
	return s
}

// Task fetches and normalizes one (source, exchange, category) unit.
// Records come back without a timestamp; the caller stamps them.
type Task interface {
	Meta() Meta
	Run(ctx context.Context) ([]derivs.Record, error)
}

// NewTask pairs a typed fetch with its normalizer. Normalization never drops items.
func NewTask[T any](meta Meta, fetch func(context.Context) ([]T, error), normalize func(T, Meta) derivs.Record) Task {
	return &task[T]{meta: meta, fetch: fetch, normalize: normalize}
}

type task[T any] struct {
	meta      Meta
	fetch     func(context.Context) ([]T, error)
	normalize func(T, Meta) derivs.Record
}

func (t *task[T]) Meta() Meta { return t.meta }

func (t *task[T]) Run(ctx context.Context) ([]derivs.Record, error) {
	items, err := t.fetch(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]derivs.Record, 0, len(items))
	for _, it := range items {
		out = append(out, t.normalize(it, t.meta))
	}
	return out, nil
}

// FatalError means a provider is unusable for the whole run: bad credentials
// or an exhausted quota.
type FatalError struct {
	Provider string
	Status   int
	Reason   string
	Err      error
}

func (e *FatalError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Provider, e.Reason, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is or wraps a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

const (
	reasonInvalidKey = "API key is invalid or expired"
	reasonQuota      = "rate limit or credit quota exceeded"
	reasonProbe      = "key validation failed"
	reasonNoKey      = "API key is not configured"
)

// classifyProbe turns any probe failure into a FatalError.
func classifyProbe(provider string, err error) *FatalError {
	fe := &FatalError{Provider: provider, Reason: reasonProbe, Err: err}
	var he *client.HTTPError
	if errors.As(err, &he) {
		fe.Status = he.Status
		switch {
		case he.IsAuth():
			fe.Reason = reasonInvalidKey
		case he.IsRateLimited():
			fe.Reason = reasonQuota
		}
	}
	return fe
}

// classifyListing returns a FatalError for credential or quota failures on a
// listing call, and nil for failures that only cost this source its tasks.
func classifyListing(provider string, err error) *FatalError {
	var he *client.HTTPError
	if !errors.As(err, &he) {
		return nil
	}
	switch {
	case he.IsAuth():
		return &FatalError{Provider: provider, Status: he.Status, Reason: reasonInvalidKey, Err: err}
	case he.Status == http.StatusTooManyRequests:
		return &FatalError{Provider: provider, Status: he.Status, Reason: reasonQuota, Err: err}
	}
	return nil
}
