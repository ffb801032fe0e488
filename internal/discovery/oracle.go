package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrOracleSchema marks an oracle response that failed strict validation.
// Malformed responses surface as an explicit parse failure instead of being
// silently dropped.
var ErrOracleSchema = errors.New("oracle response failed schema validation")

// Candidate is one ranked replacement returned by the knowledge-search oracle.
type Candidate struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	Relevance float64 `json:"relevance"`
	Authority float64 `json:"authority"`
}

// Oracle ranks candidate URLs for a query, restricted to the given sites.
type Oracle interface {
	Rank(ctx context.Context, query string, sites []string, limit int) ([]Candidate, error)
}

// HTTPOracle talks to the knowledge-search oracle over JSON HTTP.
type HTTPOracle struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

type oracleRequest struct {
	Query string   `json:"query"`
	Sites []string `json:"sites"`
	Limit int      `json:"limit"`
}

type oracleResponse struct {
	Results []struct {
		URL       string   `json:"url"`
		Title     string   `json:"title"`
		Snippet   string   `json:"snippet"`
		Relevance *float64 `json:"relevance"`
		Authority *float64 `json:"authority"`
	} `json:"results"`
}

// Rank posts the restricted query and validates the ranked response strictly:
// every result needs a URL, relevance in [0,100] and authority in [0,10].
func (o *HTTPOracle) Rank(ctx context.Context, query string, sites []string, limit int) ([]Candidate, error) {
	body, err := json.Marshal(oracleRequest{Query: query, Sites: sites, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("marshal oracle request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if o.APIKey != "" {
		req.Header.Set("X-API-Key", o.APIKey)
	}

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned %s", resp.Status)
	}

	var raw oracleResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleSchema, err)
	}

	out := make([]Candidate, 0, len(raw.Results))
	for i, r := range raw.Results {
		if r.URL == "" {
			return nil, fmt.Errorf("%w: result %d missing url", ErrOracleSchema, i)
		}
		if r.Relevance == nil || *r.Relevance < 0 || *r.Relevance > 100 {
			return nil, fmt.Errorf("%w: result %d relevance out of range", ErrOracleSchema, i)
		}
		if r.Authority == nil || *r.Authority < 0 || *r.Authority > 10 {
			return nil, fmt.Errorf("%w: result %d authority out of range", ErrOracleSchema, i)
		}
		out = append(out, Candidate{
			URL:       r.URL,
			Title:     r.Title,
			Snippet:   r.Snippet,
			Relevance: *r.Relevance,
			Authority: *r.Authority,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
