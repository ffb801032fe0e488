// Package gate advances replacement suggestions through their lifecycle:
// suggested -> approved -> applied -> rolled_back, with rejected as a
// terminal dead-end from suggested.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/hungaromedia/citekeeper/internal/domains"
	"github.com/hungaromedia/citekeeper/internal/store"
)

var (
	// ErrDomainNotAllowed marks a candidate whose domain fails the allow-list
	// re-check.
	ErrDomainNotAllowed = errors.New("replacement domain not in allow-list")
	// ErrDuplicateCitation marks a candidate URL the article already cites.
	ErrDuplicateCitation = errors.New("article already cites replacement url")
)

// Decision is the gate's verdict for one suggestion against one article.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionManual   Decision = "manual_review"
	DecisionRejected Decision = "rejected"
)

// SuggestionStore is the slice of the store the gate needs.
type SuggestionStore interface {
	TransitionSuggestion(ctx context.Context, id, from, to string) error
}

// Gate gates automatic application behind the confidence threshold.
type Gate struct {
	store     SuggestionStore
	table     *domains.Table
	threshold float64
}

// New builds a Gate. threshold is the auto-approval confidence floor.
func New(st SuggestionStore, table *domains.Table, threshold float64) *Gate {
	return &Gate{store: st, table: table, threshold: threshold}
}

// Evaluate decides whether a suggestion may be auto-approved for the given
// article. The allow-list is re-validated even though discovery already
// restricted the search, and candidates duplicating an existing citation are
// rejected outright. Below-threshold suggestions stay suggested for manual
// review.
func (g *Gate) Evaluate(ctx context.Context, sg store.Suggestion, article store.Article) (Decision, error) {
	if sg.Status != store.SuggestionStatusSuggested {
		return DecisionManual, fmt.Errorf("suggestion %s is %s, not %s", sg.ID, sg.Status, store.SuggestionStatusSuggested)
	}

	if !g.table.Allowed(article.Language, sg.ReplacementURL) {
		if err := g.store.TransitionSuggestion(ctx, sg.ID, store.SuggestionStatusSuggested, store.SuggestionStatusRejected); err != nil {
			return DecisionRejected, err
		}
		return DecisionRejected, ErrDomainNotAllowed
	}
	for _, c := range article.Citations {
		if c.URL == sg.ReplacementURL {
			if err := g.store.TransitionSuggestion(ctx, sg.ID, store.SuggestionStatusSuggested, store.SuggestionStatusRejected); err != nil {
				return DecisionRejected, err
			}
			return DecisionRejected, ErrDuplicateCitation
		}
	}

	if sg.ConfidenceScore < g.threshold {
		return DecisionManual, nil
	}
	if err := g.store.TransitionSuggestion(ctx, sg.ID, store.SuggestionStatusSuggested, store.SuggestionStatusApproved); err != nil {
		return DecisionManual, err
	}
	return DecisionApproved, nil
}

// Approve performs a manual approval of a pending suggestion.
func (g *Gate) Approve(ctx context.Context, id string) error {
	return g.store.TransitionSuggestion(ctx, id, store.SuggestionStatusSuggested, store.SuggestionStatusApproved)
}

// Reject moves a pending suggestion to its terminal rejected state. A
// rejected suggestion can only be superseded by a fresh discovery cycle.
func (g *Gate) Reject(ctx context.Context, id string) error {
	return g.store.TransitionSuggestion(ctx, id, store.SuggestionStatusSuggested, store.SuggestionStatusRejected)
}
