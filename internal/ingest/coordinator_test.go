package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/metrics"
	"github.com/sawpanic/derivflow/internal/net/client"
	"github.com/sawpanic/derivflow/internal/persistence/memory"
	"github.com/sawpanic/derivflow/internal/providers"
	"github.com/sawpanic/derivflow/internal/writer"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 400_000_000, time.UTC)

func clock() time.Time { return fixedNow }

func newCoordinator(t *testing.T, store *memory.Store, sources []providers.Source, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop()), WithClock(clock)}, opts...)
	return New(sources, writer.New(store, zerolog.Nop()), Config{TaskTimeout: 2 * time.Second, Concurrency: 1}, opts...)
}

func cmcSource(t *testing.T, baseURL string, exchanges ...string) providers.Source {
	t.Helper()
	c, err := client.New(client.Config{
		Source:      providers.CoinMarketCapName,
		BaseURL:     baseURL,
		Timeout:     2 * time.Second,
		BackoffBase: time.Millisecond,
		Headers:     map[string]string{"X-CMC_PRO_API_KEY": "test-key"},
	}, nil, client.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return providers.NewCoinMarketCap(c, providers.CoinMarketCapConfig{APIKey: "test-key", Exchanges: exchanges}, zerolog.Nop())
}

type cmcFake struct {
	probeStatus int
	pairs       func(w http.ResponseWriter, slug, category string)
	pairCalls   atomic.Int32
}

func (f *cmcFake) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/key/info", func(w http.ResponseWriter, r *http.Request) {
		status := f.probeStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"data":{"usage":{"current_day":{"credits_left":100}}}}`))
	})
	mux.HandleFunc("/v1/exchange/market-pairs/latest", func(w http.ResponseWriter, r *http.Request) {
		f.pairCalls.Add(1)
		f.pairs(w, r.URL.Query().Get("slug"), r.URL.Query().Get("category"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func pairJSON(symbol, category, funding string) string {
	return fmt.Sprintf(`{"market_pair":%q,"category":%q,"quote":{"USD":{"price":100,"volume_24h":5000,"open_interest":20000,"funding_rate":%s}}}`,
		symbol, category, funding)
}

func pairsResponse(slug string, pairs ...string) string {
	return fmt.Sprintf(`{"data":{"slug":%q,"market_pairs":[%s]}}`, slug, strings.Join(pairs, ","))
}

func dropConnection(w http.ResponseWriter) {
	conn, _, err := w.(http.Hijacker).Hijack()
	if err == nil {
		_ = conn.Close()
	}
}

func TestRunIngestion_TwoCategoriesOneExchange(t *testing.T) {
	fake := &cmcFake{pairs: func(w http.ResponseWriter, slug, category string) {
		switch category {
		case "perpetual":
			_, _ = w.Write([]byte(pairsResponse(slug,
				pairJSON("BTC/USDT", "perpetual", "0.0001"),
				pairJSON("ETH/USDT", "perpetual", "0.0002"))))
		case "futures":
			_, _ = w.Write([]byte(pairsResponse(slug, pairJSON("BTC/USD-250627", "futures", "null"))))
		}
	}}
	srv := fake.server(t)
	store := memory.New()
	coord := newCoordinator(t, store, []providers.Source{cmcSource(t, srv.URL, "binance")})

	written, err := coord.RunIngestion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	rows := store.All()
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, fixedNow.Truncate(time.Second), r.TS)
		if r.Symbol == "BTC/USD-250627" {
			assert.Equal(t, derivs.Futures, r.ContractType)
			assert.Nil(t, r.FundingRate, "null funding must stay null")
		} else {
			require.NotNil(t, r.FundingRate)
			assert.Equal(t, derivs.Perpetual, r.ContractType)
		}
	}
}

func TestRunIngestion_ProbeQuotaIsFatal(t *testing.T) {
	fake := &cmcFake{probeStatus: http.StatusTooManyRequests, pairs: func(w http.ResponseWriter, slug, category string) {
		_, _ = w.Write([]byte(pairsResponse(slug, pairJSON("BTC/USDT", category, "0.0001"))))
	}}
	srv := fake.server(t)
	store := memory.New()
	coord := newCoordinator(t, store, []providers.Source{cmcSource(t, srv.URL, "binance")})

	written, err := coord.RunIngestion(context.Background())
	require.Error(t, err)
	assert.True(t, providers.IsFatal(err))
	assert.Contains(t, err.Error(), "coinmarketcap")
	assert.Contains(t, err.Error(), "429")
	assert.Zero(t, written)
	assert.Zero(t, store.Len())
	assert.Zero(t, fake.pairCalls.Load(), "no fetch may be dispatched after a fatal probe")
}

func TestRunIngestion_OneFailedFetchOfSix(t *testing.T) {
	fake := &cmcFake{pairs: func(w http.ResponseWriter, slug, category string) {
		if slug == "binance" && category == "perpetual" {
			dropConnection(w)
			return
		}
		_, _ = w.Write([]byte(pairsResponse(slug,
			pairJSON("BTC-"+category, category, "0.0001"),
			pairJSON("ETH-"+category, category, "0.0002"))))
	}}
	srv := fake.server(t)
	store := memory.New()
	coord := newCoordinator(t, store, []providers.Source{cmcSource(t, srv.URL, "binance", "okx", "bybit")})

	report, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, report.Written)
	assert.Equal(t, 5, report.TasksOK)
	assert.Equal(t, 1, report.TasksFailed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "binance", report.Failures[0].Exchange)
	assert.Equal(t, "perpetual", report.Failures[0].Category)
	assert.True(t, report.Partial())
	assert.Equal(t, 10, store.Len())
}

func TestRunIngestion_Idempotent(t *testing.T) {
	fake := &cmcFake{pairs: func(w http.ResponseWriter, slug, category string) {
		_, _ = w.Write([]byte(pairsResponse(slug, pairJSON("BTC-"+category, category, "0.0001"))))
	}}
	srv := fake.server(t)
	store := memory.New()
	coord := newCoordinator(t, store, []providers.Source{cmcSource(t, srv.URL, "binance", "okx")})

	first, err := coord.RunIngestion(context.Background())
	require.NoError(t, err)
	snapshot := store.All()

	second, err := coord.RunIngestion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, store.All())
	assert.Equal(t, 4, store.Len())
}

// fakeSource is a scripted providers.Source.
type fakeSource struct {
	name     string
	probeErr error
	tasksErr error
	tasks    []providers.Task
}

func (f *fakeSource) Name() string                    { return f.name }
func (f *fakeSource) Probe(ctx context.Context) error { return f.probeErr }
func (f *fakeSource) Tasks(ctx context.Context) ([]providers.Task, error) {
	return f.tasks, f.tasksErr
}

func staticTask(meta providers.Meta, recs ...derivs.Record) providers.Task {
	return providers.NewTask(meta,
		func(context.Context) ([]derivs.Record, error) { return recs, nil },
		func(r derivs.Record, _ providers.Meta) derivs.Record { return r })
}

func TestRun_FiltersZeroRecords(t *testing.T) {
	src := &fakeSource{name: "fake", tasks: []providers.Task{
		staticTask(providers.Meta{Source: "fake"},
			derivs.Record{Exchange: "a", Symbol: "X", Volume24h: 1},
			derivs.Record{Exchange: "a", Symbol: "Y"},
			derivs.Record{Exchange: "b", Symbol: "Z", FundingRate: derivs.Float(0)},
		),
	}}
	store := memory.New()
	report, err := newCoordinator(t, store, []providers.Source{src}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 2, report.Filtered)
	assert.Equal(t, 1, report.Written)
	assert.False(t, report.Partial())
}

func TestRun_AllTasksFailStillCompletes(t *testing.T) {
	failing := providers.NewTask(providers.Meta{Source: "fake", Exchange: "a"},
		func(context.Context) ([]derivs.Record, error) { return nil, errors.New("HTTP 502") },
		func(r derivs.Record, _ providers.Meta) derivs.Record { return r })
	src := &fakeSource{name: "fake", tasks: []providers.Task{failing, failing}}

	written, err := newCoordinator(t, memory.New(), []providers.Source{src}).RunIngestion(context.Background())
	require.NoError(t, err)
	assert.Zero(t, written)
}

func TestRun_TaskTimeoutIsRecoverable(t *testing.T) {
	slow := providers.NewTask(providers.Meta{Source: "slow"},
		func(ctx context.Context) ([]derivs.Record, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		func(r derivs.Record, _ providers.Meta) derivs.Record { return r })
	fast := staticTask(providers.Meta{Source: "fast"}, derivs.Record{Exchange: "a", Symbol: "X", Volume24h: 1})
	src := &fakeSource{name: "mixed", tasks: []providers.Task{slow, fast}}

	coord := New([]providers.Source{src}, writer.New(memory.New(), zerolog.Nop()),
		Config{TaskTimeout: 20 * time.Millisecond, Concurrency: 2}, WithLogger(zerolog.Nop()))
	report, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TasksFailed)
	assert.Equal(t, 1, report.Written)
}

func TestRun_ListingErrors(t *testing.T) {
	ok := &fakeSource{name: "ok", tasks: []providers.Task{
		staticTask(providers.Meta{Source: "ok"}, derivs.Record{Exchange: "a", Symbol: "X", Volume24h: 1}),
	}}

	t.Run("recoverable skips the source", func(t *testing.T) {
		broken := &fakeSource{name: "broken", tasksErr: errors.New("list exchanges: HTTP 500")}
		written, err := newCoordinator(t, memory.New(), []providers.Source{broken, ok}).RunIngestion(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, written)
	})

	t.Run("fatal aborts", func(t *testing.T) {
		store := memory.New()
		broken := &fakeSource{name: "broken", tasksErr: &providers.FatalError{Provider: "broken", Status: 401, Reason: "API key is invalid or expired"}}
		_, err := newCoordinator(t, store, []providers.Source{ok, broken}).RunIngestion(context.Background())
		require.Error(t, err)
		assert.True(t, providers.IsFatal(err))
		assert.Zero(t, store.Len())
	})
}

func TestRun_NonFatalProbeErrorIsWrapped(t *testing.T) {
	src := &fakeSource{name: "odd", probeErr: errors.New("dial tcp: refused")}
	_, err := newCoordinator(t, memory.New(), []providers.Source{src}).Run(context.Background())
	var fe *providers.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "odd", fe.Provider)
	assert.Equal(t, "odd: probe failed: dial tcp: refused", err.Error())
}

func TestRun_CancelledContext(t *testing.T) {
	src := &fakeSource{name: "fake", tasks: []providers.Task{
		staticTask(providers.Meta{Source: "fake"}, derivs.Record{Exchange: "a", Symbol: "X", Volume24h: 1}),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := memory.New()
	_, err := newCoordinator(t, store, []providers.Source{src}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.Len())
}

func TestRun_StorageFailureIsPartial(t *testing.T) {
	src := &fakeSource{name: "fake", tasks: []providers.Task{
		staticTask(providers.Meta{Source: "fake"},
			derivs.Record{Exchange: "a", Symbol: "X", Volume24h: 1},
			derivs.Record{Exchange: "b", Symbol: "X", Volume24h: 1}),
	}}
	store := memory.New()
	store.FailExchanges = map[string]error{"b": errors.New("disk full")}

	report, err := newCoordinator(t, store, []providers.Source{src}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Written)
	assert.True(t, report.Partial())
}

func TestStamp_MonotonicAndTruncated(t *testing.T) {
	now := fixedNow
	coord := New(nil, writer.New(memory.New(), zerolog.Nop()), Config{}, WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return now }))

	first, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Truncate(time.Second), first.TS)

	now = fixedNow.Add(-time.Minute)
	second, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.TS, second.TS, "a clock step backwards must not move ts backwards")

	last, ok := coord.LastReport()
	require.True(t, ok)
	assert.Equal(t, second.RunID, last.RunID)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRun_Metrics(t *testing.T) {
	failing := providers.NewTask(providers.Meta{Source: "fake"},
		func(context.Context) ([]derivs.Record, error) { return nil, errors.New("boom") },
		func(r derivs.Record, _ providers.Meta) derivs.Record { return r })
	src := &fakeSource{name: "fake", tasks: []providers.Task{
		failing,
		staticTask(providers.Meta{Source: "fake"}, derivs.Record{Exchange: "a", Symbol: "X", Volume24h: 1}),
	}}
	m := metrics.New(nil)

	_, err := newCoordinator(t, memory.New(), []providers.Source{src}, WithMetrics(m)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(metrics.ResultPartial)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskFailures.WithLabelValues("fake")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsWritten.WithLabelValues("a")))
}

func TestEntry(t *testing.T) {
	src := &fakeSource{name: "fake", tasks: []providers.Task{
		staticTask(providers.Meta{Source: "fake"}, derivs.Record{Exchange: "a", Symbol: "X", Volume24h: 1}),
	}}
	run := newCoordinator(t, memory.New(), []providers.Source{src}).Entry(context.Background())
	n, err := run()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEntry_StopsWithContext(t *testing.T) {
	started := make(chan struct{})
	blocking := providers.NewTask(providers.Meta{Source: "slow", Exchange: "a"},
		func(ctx context.Context) ([]derivs.Record, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		func(r derivs.Record, _ providers.Meta) derivs.Record { return r })
	src := &fakeSource{name: "slow", tasks: []providers.Task{blocking}}
	store := memory.New()

	ctx, cancel := context.WithCancel(context.Background())
	run := newCoordinator(t, store, []providers.Source{src}).Entry(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := run()
		done <- err
	}()
	<-started
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after its context was cancelled")
	}
	assert.Zero(t, store.Len())
}
