package prober

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hungaromedia/citekeeper/config"
	"github.com/hungaromedia/citekeeper/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const maxRedirects = 5

// Result is the classified outcome of probing one citation URL.
type Result struct {
	URL            string
	Status         string
	HTTPStatusCode int
	ResponseTime   time.Duration
	RedirectURL    string
	Attempts       int
}

// HealthSink receives probe outcomes. *store.Store satisfies it.
type HealthSink interface {
	UpsertHealthRecord(ctx context.Context, rec store.HealthRecord) error
}

// Prober checks citation URLs for liveness and classifies the outcome.
type Prober struct {
	cfg     config.ProberConfig
	client  *http.Client
	logger  *log.Logger
	counter otelmetric.Int64Counter
}

// New builds a Prober from config. The HTTP client follows redirects up to
// maxRedirects; the outer deadline is enforced per attempt via context.
func New(cfg config.ProberConfig) *Prober {
	p := &Prober{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[PROBE] ", log.LstdFlags),
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
	meter := otel.Meter("citekeeper/prober")
	var err error
	p.counter, err = meter.Int64Counter("citation_probes_total")
	if err != nil {
		p.logger.Printf("warn: create probe counter failed: %v", err)
	}
	return p
}

// Probe checks one URL. Network errors, timeouts and 5xx responses are
// retried with backoff up to MaxRetries before the URL is classified
// unreachable. 4xx is broken immediately; no retry will help it.
func (p *Prober) Probe(ctx context.Context, rawURL string) Result {
	res := Result{URL: rawURL, Status: store.HealthStatusUnreachable}

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				res.Attempts = attempt
				return res
			case <-time.After(p.cfg.RetryBackoff):
			}
		}
		res.Attempts = attempt + 1

		outcome, retry := p.attempt(ctx, rawURL)
		if !retry {
			outcome.Attempts = res.Attempts
			p.count(ctx, outcome.Status)
			return outcome
		}
	}
	p.count(ctx, res.Status)
	return res
}

// attempt performs one request. retry reports whether the outcome is
// transient (network error or 5xx).
func (p *Prober) attempt(ctx context.Context, rawURL string) (Result, bool) {
	res := Result{URL: rawURL, Status: store.HealthStatusUnreachable}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		// Malformed URL; retrying cannot fix it.
		return res, false
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	res.ResponseTime = elapsed
	if err != nil {
		return res, true
	}
	defer resp.Body.Close()

	res.HTTPStatusCode = resp.StatusCode
	final := resp.Request.URL

	switch {
	case resp.StatusCode >= 500:
		return res, true
	case resp.StatusCode >= 400:
		res.Status = store.HealthStatusBroken
		return res, false
	case resp.StatusCode >= 300:
		// Redirect chain stopped before resolving (loop or cap hit).
		res.Status = store.HealthStatusRedirected
		res.RedirectURL = resp.Header.Get("Location")
		return res, false
	}

	if crossedHost(rawURL, final) {
		res.Status = store.HealthStatusRedirected
		res.RedirectURL = final.String()
		return res, false
	}
	if elapsed > p.cfg.SlowThreshold {
		res.Status = store.HealthStatusSlow
		return res, false
	}
	res.Status = store.HealthStatusHealthy
	return res, false
}

// Reachable reports whether a URL resolves to a live page. Used to re-verify
// replacement candidates before they are accepted.
func (p *Prober) Reachable(ctx context.Context, rawURL string) bool {
	switch p.Probe(ctx, rawURL).Status {
	case store.HealthStatusHealthy, store.HealthStatusSlow, store.HealthStatusRedirected:
		return true
	}
	return false
}

// ProbeAll fans probes out over a bounded worker pool and records every
// outcome through the sink. Per-URL writes are independent, so parallelism
// here is safe.
func (p *Prober) ProbeAll(ctx context.Context, urls []string, sink HealthSink) []Result {
	results := make([]Result, len(urls))
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, u := range urls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, u string) {
			defer wg.Done()
			defer func() { <-sem }()
			res := p.Probe(ctx, u)
			results[i] = res
			if sink == nil {
				return
			}
			if err := sink.UpsertHealthRecord(ctx, store.HealthRecord{
				URL:            res.URL,
				Status:         res.Status,
				HTTPStatusCode: res.HTTPStatusCode,
				ResponseTimeMs: res.ResponseTime.Milliseconds(),
				RedirectURL:    res.RedirectURL,
			}); err != nil {
				p.logger.Printf("warn: record health for %s: %v", u, err)
			}
		}(i, u)
	}
	wg.Wait()
	return results
}

func (p *Prober) count(ctx context.Context, status string) {
	if p.counter != nil {
		p.counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
	}
}

func crossedHost(original string, final *url.URL) bool {
	if final == nil {
		return false
	}
	orig, err := url.Parse(original)
	if err != nil {
		return false
	}
	return !strings.EqualFold(normalizeHost(orig.Host), normalizeHost(final.Host))
}

func normalizeHost(host string) string {
	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
