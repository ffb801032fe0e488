// Package patcher mutates article HTML: it swaps replaced citation URLs and
// injects inline attributions into contextually relevant paragraphs. Every
// mutation is preceded by a revision snapshot.
package patcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/hungaromedia/citekeeper/config"
	"github.com/hungaromedia/citekeeper/internal/store"
)

// MarkerClass tags injected inline citations so a second pass is a no-op.
const MarkerClass = "ck-inline-citation"

// ErrAlreadyInjected reports that the article already carries inline
// citations; callers treat it as a successful no-op.
var ErrAlreadyInjected = errors.New("inline citations already present")

// Textual fallback for the idempotency scan, catching content that carries an
// attribution phrase without the marker class.
var inlinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`According to .{1,120}?\(\d{4}\)`),
	regexp.MustCompile(`\(\d{4}\) szerint`),
	regexp.MustCompile(`Laut .{1,120}?\(\d{4}\)`),
}

// ArticleStore is the slice of the store the patcher needs.
type ArticleStore interface {
	GetArticle(ctx context.Context, id string) (store.Article, error)
	UpdateArticleContent(ctx context.Context, id, content string, citations []store.Citation, expectedVersion int) error
	ListArticlesCiting(ctx context.Context, url string) ([]store.Article, error)
	MarkSuggestionApplied(ctx context.Context, id, articleID string) error
	MarkHealthReplaced(ctx context.Context, url string) error
}

// Snapshotter writes pre-mutation snapshots. *revision.Service satisfies it.
type Snapshotter interface {
	Snapshot(ctx context.Context, rev store.Revision) (string, error)
}

// Patcher applies citation mutations to article content.
type Patcher struct {
	store     ArticleStore
	snapshots Snapshotter
	cfg       config.PlacementConfig
	logger    *log.Logger
}

// New wires a Patcher.
func New(st ArticleStore, snapshots Snapshotter, cfg config.PlacementConfig) *Patcher {
	return &Patcher{
		store:     st,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[PATCH] ", log.LstdFlags),
	}
}

// Apply swaps an approved suggestion into one article: content anchors, the
// denormalized citation list, suggestion bookkeeping and the health record.
// A lost version race returns store.ErrVersionConflict and leaves the
// suggestion approved for manual retry.
func (p *Patcher) Apply(ctx context.Context, articleID string, sg store.Suggestion) error {
	article, err := p.store.GetArticle(ctx, articleID)
	if err != nil {
		return err
	}

	updated, changed, err := swapURLInContent(article.Content, sg.OriginalURL, sg.ReplacementURL, sg.ReplacementSource)
	if err != nil {
		return fmt.Errorf("swap url in content: %w", err)
	}
	citations, listChanged := swapURLInList(article.Citations, sg)
	if !changed && !listChanged {
		return fmt.Errorf("article %s does not cite %s", articleID, sg.OriginalURL)
	}

	if _, err := p.snapshots.Snapshot(ctx, store.Revision{
		ArticleID:        articleID,
		SuggestionID:     sg.ID,
		PreviousContent:  article.Content,
		RevisionType:     store.RevisionTypeCitationReplacement,
		Reason:           fmt.Sprintf("replace %s with %s", sg.OriginalURL, sg.ReplacementURL),
		RollbackEligible: true,
	}); err != nil {
		return err
	}

	if err := p.store.UpdateArticleContent(ctx, articleID, updated, citations, article.ContentVersion); err != nil {
		return err
	}
	if err := p.store.MarkSuggestionApplied(ctx, sg.ID, articleID); err != nil {
		return err
	}
	if err := p.store.MarkHealthReplaced(ctx, sg.OriginalURL); err != nil {
		p.logger.Printf("warn: mark %s replaced: %v", sg.OriginalURL, err)
	}
	return nil
}

// ApplyEverywhere applies an approved suggestion to every article citing the
// original URL. Per-article failures are logged and skipped so one conflict
// does not block the rest.
func (p *Patcher) ApplyEverywhere(ctx context.Context, sg store.Suggestion) (applied []string, err error) {
	articles, err := p.store.ListArticlesCiting(ctx, sg.OriginalURL)
	if err != nil {
		return nil, err
	}
	for _, a := range articles {
		if err := p.Apply(ctx, a.ID, sg); err != nil {
			p.logger.Printf("warn: apply suggestion %s to article %s: %v", sg.ID, a.ID, err)
			continue
		}
		applied = append(applied, a.ID)
	}
	return applied, nil
}

// InjectInlineCitations places a natural-language attribution for each of the
// article's citations into its best-scoring paragraph. Running it twice is
// idempotent: the second call returns ErrAlreadyInjected without mutating.
func (p *Patcher) InjectInlineCitations(ctx context.Context, articleID string) (string, error) {
	article, err := p.store.GetArticle(ctx, articleID)
	if err != nil {
		return "", err
	}
	if len(article.Citations) == 0 {
		return article.Content, nil
	}
	if HasInlineCitations(article.Content) {
		return article.Content, ErrAlreadyInjected
	}

	updated, placed, err := p.placeCitations(article)
	if err != nil {
		return "", err
	}
	if placed == 0 {
		return article.Content, nil
	}

	if _, err := p.snapshots.Snapshot(ctx, store.Revision{
		ArticleID:        articleID,
		PreviousContent:  article.Content,
		RevisionType:     store.RevisionTypeInlineInjection,
		Reason:           fmt.Sprintf("inject %d inline citations", placed),
		RollbackEligible: true,
	}); err != nil {
		return "", err
	}
	if err := p.store.UpdateArticleContent(ctx, articleID, updated, article.Citations, article.ContentVersion); err != nil {
		return "", err
	}
	return updated, nil
}

// HasInlineCitations scans content for the marker class or a textual
// attribution pattern.
func HasInlineCitations(content string) bool {
	if strings.Contains(content, MarkerClass) {
		return true
	}
	for _, re := range inlinePatterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

type paragraph struct {
	sel     *goquery.Selection
	text    string
	section int
}

// placeCitations runs the paragraph-relevance placement over all citations.
func (p *Patcher) placeCitations(article store.Article) (string, int, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		return "", 0, fmt.Errorf("parse content: %w", err)
	}

	paragraphs, sectionCited := segment(doc)
	if len(paragraphs) == 0 {
		return article.Content, 0, nil
	}

	placed := 0
	for i, c := range article.Citations {
		target := p.pickParagraph(paragraphs, sectionCited, c, i == 0 && placed == 0)
		if target == nil {
			continue
		}
		target.sel.PrependHtml(inlineCitationHTML(article.Language, c))
		sectionCited[target.section] = true
		// Refresh visible text so later citations see the injected phrase.
		target.text = target.sel.Text()
		placed++
	}
	if placed == 0 {
		return article.Content, 0, nil
	}

	html, err := doc.Find("body").Html()
	if err != nil {
		return "", 0, fmt.Errorf("render content: %w", err)
	}
	return html, placed, nil
}

// pickParagraph scores every eligible paragraph for one citation and returns
// the best, or the length fallback for the first citation when every score
// is zero.
func (p *Patcher) pickParagraph(paragraphs []*paragraph, sectionCited map[int]bool, c store.Citation, allowFallback bool) *paragraph {
	keywords := contextKeywords(c.RelevanceContext + " " + c.Source)

	var best *paragraph
	bestScore := 0
	for _, par := range paragraphs {
		if !p.eligible(par, c) {
			continue
		}
		score := overlapScore(keywords, par.text)
		if !sectionCited[par.section] {
			// Spread citations across sections instead of clustering.
			score += p.cfg.SectionBonus
		}
		if score > bestScore {
			best, bestScore = par, score
		}
	}
	if best != nil {
		return best
	}
	if !allowFallback {
		return nil
	}
	// Every candidate scored zero: force the first citation into the longest
	// eligible paragraph so placement never silently produces nothing.
	var longest *paragraph
	for _, par := range paragraphs {
		if !p.eligible(par, c) {
			continue
		}
		if longest == nil || len(par.text) > len(longest.text) {
			longest = par
		}
	}
	return longest
}

// eligible applies the paragraph constraints: enough visible text, and no
// existing citation of this source.
func (p *Patcher) eligible(par *paragraph, c store.Citation) bool {
	if len(strings.TrimSpace(par.text)) < p.cfg.MinParagraphLength {
		return false
	}
	if c.Source != "" && strings.Contains(strings.ToLower(par.text), strings.ToLower(c.Source)) {
		return false
	}
	already := false
	par.sel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok && href == c.URL {
			already = true
		}
	})
	return !already
}

// segment splits content into paragraphs and level-2-heading sections,
// recording which sections already contain a citation anchor.
func segment(doc *goquery.Document) ([]*paragraph, map[int]bool) {
	var paragraphs []*paragraph
	sectionCited := map[int]bool{}
	section := 0

	doc.Find("body").Find("h2, p").Each(func(_ int, sel *goquery.Selection) {
		if goquery.NodeName(sel) == "h2" {
			section++
			return
		}
		par := &paragraph{sel: sel, text: sel.Text(), section: section}
		if sel.Find("a[href]").Length() > 0 {
			sectionCited[section] = true
		}
		paragraphs = append(paragraphs, par)
	})
	return paragraphs, sectionCited
}

// inlineCitationHTML renders the localized lead-in. Hungarian reverses the
// word order, placing the source before the lead-in word.
func inlineCitationHTML(language string, c store.Citation) string {
	anchor := fmt.Sprintf(`<a href="%s" target="_blank" rel="noopener">%s</a>`, c.URL, htmlEscape(c.Source))
	year := ""
	if c.Year > 0 {
		year = fmt.Sprintf(" (%d)", c.Year)
	}
	switch normalizeLang(language) {
	case "hu":
		article := "A"
		if startsWithVowelHU(c.Source) {
			article = "Az"
		}
		return fmt.Sprintf(`<span class="%s">%s %s%s szerint </span>`, MarkerClass, article, anchor, year)
	case "de":
		return fmt.Sprintf(`<span class="%s">Laut %s%s </span>`, MarkerClass, anchor, year)
	default:
		return fmt.Sprintf(`<span class="%s">According to %s%s, </span>`, MarkerClass, anchor, year)
	}
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

// swapURLInContent replaces every anchor pointing at oldURL. Anchor labels
// that just echo the raw URL are relabelled with the new source name.
func swapURLInContent(content, oldURL, newURL, newSource string) (string, bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", false, err
	}
	changed := false
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if href != oldURL {
			return
		}
		a.SetAttr("href", newURL)
		if strings.TrimSpace(a.Text()) == oldURL && newSource != "" {
			a.SetText(newSource)
		}
		changed = true
	})
	if !changed {
		return content, false, nil
	}
	html, err := doc.Find("body").Html()
	if err != nil {
		return "", false, err
	}
	return html, true, nil
}

// swapURLInList replaces the old citation entry in the denormalized list.
// If the replacement URL is already listed the old entry is dropped instead,
// keeping URLs unique per article.
func swapURLInList(citations []store.Citation, sg store.Suggestion) ([]store.Citation, bool) {
	hasNew := false
	for _, c := range citations {
		if c.URL == sg.ReplacementURL {
			hasNew = true
			break
		}
	}
	out := make([]store.Citation, 0, len(citations))
	changed := false
	for _, c := range citations {
		if c.URL != sg.OriginalURL {
			out = append(out, c)
			continue
		}
		changed = true
		if hasNew {
			continue
		}
		c.URL = sg.ReplacementURL
		if sg.ReplacementSource != "" {
			c.Source = sg.ReplacementSource
		}
		out = append(out, c)
		hasNew = true
	}
	return out, changed
}
