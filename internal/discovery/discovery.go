// Package discovery finds and scores replacement candidates for dead or
// disallowed citations via an external knowledge-search oracle.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"github.com/hungaromedia/citekeeper/config"
	"github.com/hungaromedia/citekeeper/internal/domains"
	"github.com/hungaromedia/citekeeper/internal/store"
)

// ErrNoCandidates signals that no verified candidate survived filtering.
var ErrNoCandidates = errors.New("no verified replacement candidates")

const minCandidateTextLength = 200

// Request carries a broken citation plus its owning article's context.
type Request struct {
	ArticleID   string
	Citation    store.Citation
	Headline    string
	Language    string
	FunnelStage string
	Surrounding string
}

// Verifier re-checks candidate reachability. *prober.Prober satisfies it.
type Verifier interface {
	Reachable(ctx context.Context, rawURL string) bool
}

// SuggestionSink persists suggestions. *store.Store satisfies it.
type SuggestionSink interface {
	CreateSuggestion(ctx context.Context, sg store.Suggestion) (string, error)
	ActiveSuggestionForURL(ctx context.Context, originalURL string) (store.Suggestion, bool, error)
}

// Discoverer queries the oracle within the approved-domain category and
// persists scored suggestions. It never mutates article content.
type Discoverer struct {
	cfg    config.DiscoveryConfig
	oracle Oracle
	table  *domains.Table
	verify Verifier
	sink   SuggestionSink
	client *http.Client
	logger *log.Logger
}

// New wires a Discoverer.
func New(cfg config.DiscoveryConfig, oracle Oracle, table *domains.Table, verify Verifier, sink SuggestionSink) *Discoverer {
	return &Discoverer{
		cfg:    cfg,
		oracle: oracle,
		table:  table,
		verify: verify,
		sink:   sink,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: log.New(log.Writer(), "[DISCOVER] ", log.LstdFlags),
	}
}

// Score blends oracle relevance (0-100) and authority (0-10) into the
// confidence score, clamped to [0, 9.99]. This weighted blend is the single
// authoritative formula on every path.
func Score(relevance, authority float64) float64 {
	score := (relevance/10)*0.4 + authority*0.6
	if score < 0 {
		return 0
	}
	if score > 9.99 {
		return 9.99
	}
	return score
}

// Discover selects the topical domain category, queries the oracle restricted
// to that category's allow-list, verifies candidates, and persists the best
// one as a suggested replacement. An existing active suggestion for the same
// URL is returned as-is instead of creating a duplicate.
func (d *Discoverer) Discover(ctx context.Context, req Request) (store.Suggestion, error) {
	if existing, ok, err := d.sink.ActiveSuggestionForURL(ctx, req.Citation.URL); err != nil {
		return store.Suggestion{}, err
	} else if ok {
		return existing, nil
	}

	category := d.table.SelectCategory(req.Headline, req.Surrounding+" "+req.Citation.RelevanceContext, req.FunnelStage)
	sites := d.table.DomainsFor(category, req.Language)
	if len(sites) == 0 {
		return store.Suggestion{}, fmt.Errorf("%w: category %s has no approved domains for %q", ErrNoCandidates, category, req.Language)
	}

	query := buildQuery(req)
	candidates, err := d.oracle.Rank(ctx, query, sites, d.cfg.MaxCandidates)
	if err != nil {
		return store.Suggestion{}, fmt.Errorf("oracle rank: %w", err)
	}

	best, found := d.pickBest(ctx, req, candidates)
	if !found {
		return store.Suggestion{}, ErrNoCandidates
	}

	sg := store.Suggestion{
		OriginalURL:       req.Citation.URL,
		OriginalSource:    req.Citation.Source,
		ReplacementURL:    best.URL,
		ReplacementSource: replacementSource(best),
		Reason:            fmt.Sprintf("%s source in category %s ranked relevance %.0f, authority %.1f", best.Title, category, best.Relevance, best.Authority),
		ConfidenceScore:   Score(best.Relevance, best.Authority),
		Status:            store.SuggestionStatusSuggested,
	}
	id, err := d.sink.CreateSuggestion(ctx, sg)
	if err != nil {
		return store.Suggestion{}, err
	}
	sg.ID = id
	return sg, nil
}

// pickBest filters candidates and returns the highest-confidence survivor.
// Validation failures discard the candidate silently; they are not job
// failures.
func (d *Discoverer) pickBest(ctx context.Context, req Request, candidates []Candidate) (Candidate, bool) {
	var best Candidate
	bestScore := -1.0
	for _, c := range candidates {
		if c.URL == req.Citation.URL {
			continue
		}
		if !d.table.Allowed(req.Language, c.URL) {
			continue
		}
		if score := Score(c.Relevance, c.Authority); score > bestScore {
			if !d.verify.Reachable(ctx, c.URL) {
				d.logger.Printf("candidate %s unreachable, skipping", c.URL)
				continue
			}
			if d.cfg.VerifyCandidateText && !d.hasArticleText(ctx, &c) {
				d.logger.Printf("candidate %s has no extractable article text, skipping", c.URL)
				continue
			}
			best, bestScore = c, score
		}
	}
	return best, bestScore >= 0
}

// hasArticleText fetches the candidate page and confirms readability can
// extract a non-trivial article body. The extracted title backfills an empty
// oracle title.
func (d *Discoverer) hasArticleText(ctx context.Context, c *Candidate) bool {
	parsed, err := url.Parse(c.URL)
	if err != nil {
		return false
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	article, err := readability.FromReader(resp.Body, parsed)
	if err != nil {
		return false
	}
	if len(strings.TrimSpace(article.TextContent)) < minCandidateTextLength {
		return false
	}
	if c.Title == "" {
		c.Title = strings.TrimSpace(article.Title)
	}
	return true
}

func buildQuery(req Request) string {
	parts := []string{req.Headline}
	if req.Citation.Source != "" {
		parts = append(parts, req.Citation.Source)
	}
	if req.Citation.RelevanceContext != "" {
		parts = append(parts, req.Citation.RelevanceContext)
	}
	return strings.Join(parts, " ")
}

func replacementSource(c Candidate) string {
	if c.Title != "" {
		return c.Title
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return c.URL
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}
