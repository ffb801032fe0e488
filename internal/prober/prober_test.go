package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hungaromedia/citekeeper/config"
	"github.com/hungaromedia/citekeeper/internal/store"
)

func testConfig() config.ProberConfig {
	return config.ProberConfig{
		Deadline:      2 * time.Second,
		SlowThreshold: 500 * time.Millisecond,
		MaxRetries:    2,
		RetryBackoff:  10 * time.Millisecond,
		Concurrency:   4,
		UserAgent:     "citekeeper-test",
	}.Normalize()
}

func TestProbeHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "citekeeper-test" {
			t.Errorf("user agent = %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := New(testConfig()).Probe(context.Background(), srv.URL)
	if res.Status != store.HealthStatusHealthy {
		t.Fatalf("status = %s, want healthy", res.Status)
	}
	if res.HTTPStatusCode != 200 {
		t.Fatalf("code = %d, want 200", res.HTTPStatusCode)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.Attempts)
	}
}

func TestProbeBrokenNoRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	res := New(testConfig()).Probe(context.Background(), srv.URL)
	if res.Status != store.HealthStatusBroken {
		t.Fatalf("status = %s, want broken", res.Status)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("4xx probed %d times, want no retries", n)
	}
}

func TestProbeServerErrorRetriedThenUnreachable(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := New(testConfig()).Probe(context.Background(), srv.URL)
	if res.Status != store.HealthStatusUnreachable {
		t.Fatalf("status = %s, want unreachable", res.Status)
	}
	// initial attempt plus MaxRetries
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Fatalf("5xx probed %d times, want 3", n)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
}

func TestProbeRecoversOnRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := New(testConfig()).Probe(context.Background(), srv.URL)
	if res.Status != store.HealthStatusHealthy {
		t.Fatalf("status = %s, want healthy after recovery", res.Status)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
}

func TestProbeSlow(t *testing.T) {
	cfg := testConfig()
	cfg.SlowThreshold = 20 * time.Millisecond
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(60 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := New(cfg).Probe(context.Background(), srv.URL)
	if res.Status != store.HealthStatusSlow {
		t.Fatalf("status = %s, want slow", res.Status)
	}
}

func TestProbeDeadlineExceededIsUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Deadline = 50 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.RetryBackoff = 10 * time.Millisecond

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	start := time.Now()
	res := New(cfg).Probe(context.Background(), srv.URL)
	if res.Status != store.HealthStatusUnreachable {
		t.Fatalf("status = %s, want unreachable", res.Status)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
	// three capped attempts plus two backoffs
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("finished in %v, deadline and backoff were not honored", elapsed)
	}
}

func TestProbeRedirectAcrossHosts(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	// 127.0.0.1 vs localhost counts as a host change
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusMovedPermanently)
	}))
	defer srv.Close()

	res := New(testConfig()).Probe(context.Background(), "http://localhost"+srv.URL[len("http://127.0.0.1"):])
	if res.Status != store.HealthStatusRedirected {
		t.Fatalf("status = %s, want redirected", res.Status)
	}
	if res.RedirectURL == "" {
		t.Fatal("redirect url not recorded")
	}
}

func TestReachable(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer dead.Close()

	p := New(testConfig())
	if !p.Reachable(context.Background(), ok.URL) {
		t.Fatal("live url reported unreachable")
	}
	if p.Reachable(context.Background(), dead.URL) {
		t.Fatal("410 url reported reachable")
	}
}

type memorySink struct {
	mu   sync.Mutex
	recs []store.HealthRecord
}

func (m *memorySink) UpsertHealthRecord(_ context.Context, rec store.HealthRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func TestProbeAllRecordsEveryURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/dead" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := &memorySink{}
	urls := []string{srv.URL + "/a", srv.URL + "/dead", srv.URL + "/b"}
	results := New(testConfig()).ProbeAll(context.Background(), urls, sink)

	if len(results) != len(urls) {
		t.Fatalf("results = %d, want %d", len(results), len(urls))
	}
	if results[1].Status != store.HealthStatusBroken {
		t.Fatalf("dead url status = %s, want broken", results[1].Status)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recs) != len(urls) {
		t.Fatalf("sink recorded %d urls, want %d", len(sink.recs), len(urls))
	}
}
