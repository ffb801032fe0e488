// Package domains holds the approved-domain category table: one base table
// with per-language overrides, replacing what used to be copy-pasted
// per-language allow-list literals.
package domains

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed table.yaml
var defaultTable []byte

// Category names selectable by the discovery heuristic.
const (
	CategoryGovernment = "government"
	CategoryNews       = "news"
	CategoryRealEstate = "real_estate"
	CategoryTourism    = "tourism"
	CategoryFinancial  = "financial"
)

// Category couples topical keywords and funnel stages with approved domains.
type Category struct {
	Keywords     []string `yaml:"keywords"`
	FunnelStages []string `yaml:"funnel_stages"`
	Domains      []string `yaml:"domains"`
}

type languageOverride struct {
	Categories map[string]struct {
		Domains []string `yaml:"domains"`
	} `yaml:"categories"`
}

// Table is the loaded allow-list with language overrides.
type Table struct {
	Categories map[string]Category         `yaml:"categories"`
	Languages  map[string]languageOverride `yaml:"languages"`
}

// Load reads a table from path, or the embedded default when path is empty.
func Load(path string) (*Table, error) {
	raw := defaultTable
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read domain table: %w", err)
		}
		raw = b
	}
	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse domain table: %w", err)
	}
	if len(t.Categories) == 0 {
		return nil, fmt.Errorf("domain table has no categories")
	}
	return &t, nil
}

// DomainsFor returns the approved domains for a category in a language. A
// per-language override extends the base list; unknown languages fall back
// to the base alone.
func (t *Table) DomainsFor(category, language string) []string {
	base, ok := t.Categories[category]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(base.Domains))
	var out []string
	add := func(list []string) {
		for _, d := range list {
			d = strings.ToLower(strings.TrimSpace(d))
			if d == "" {
				continue
			}
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	add(base.Domains)
	if lang, ok := t.Languages[normalizeLang(language)]; ok {
		if ov, ok := lang.Categories[category]; ok {
			add(ov.Domains)
		}
	}
	sort.Strings(out)
	return out
}

// AllDomains returns the union of approved domains across every category for
// a language.
func (t *Table) AllDomains(language string) []string {
	seen := map[string]struct{}{}
	var out []string
	for name := range t.Categories {
		for _, d := range t.DomainsFor(name, language) {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// Allowed reports whether a URL's host belongs to any approved domain for
// the language. Subdomains of an approved domain are allowed.
func (t *Table) Allowed(language, rawURL string) bool {
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	for _, d := range t.AllDomains(language) {
		if hostMatches(host, d) {
			return true
		}
	}
	return false
}

// SelectCategory picks the topical category for a citation using keyword
// overlap against the article context plus a funnel-stage bonus. Ties and
// zero scores resolve to news.
func (t *Table) SelectCategory(headline, surrounding, funnelStage string) string {
	text := strings.ToLower(headline + " " + surrounding)
	stage := strings.ToLower(strings.TrimSpace(funnelStage))

	best, bestScore := CategoryNews, 0
	names := make([]string, 0, len(t.Categories))
	for name := range t.Categories {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cat := t.Categories[name]
		score := 0
		for _, kw := range cat.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				score += 2
			}
		}
		for _, fs := range cat.FunnelStages {
			if stage != "" && stage == strings.ToLower(fs) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	return best
}

func normalizeLang(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(language, "-_"); i > 0 {
		language = language[:i]
	}
	return language
}

func hostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "www.")
}

func hostMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}
